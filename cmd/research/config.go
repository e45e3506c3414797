// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration, loaded from <base-dir>/config.yaml.
// Every field has a working default; a missing config file is fine.
type Config struct {
	// BaseDir roots all local state (session data, locks, logs).
	BaseDir string `yaml:"base_dir"`

	// Backend selects the storage engine: "file", "badger", or "redis".
	Backend string `yaml:"backend" validate:"oneof=file badger redis"`

	// RedisAddr is the Redis server address for the redis backend.
	RedisAddr string `yaml:"redis_addr"`

	// APIBaseURL is the research backend used for queue replay.
	APIBaseURL string `yaml:"api_base_url" validate:"omitempty,url"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogDir enables JSON file logging when non-empty.
	LogDir string `yaml:"log_dir"`
}

// DefaultConfig returns the working defaults.
func DefaultConfig() Config {
	base := "~/.research"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".research")
	}
	return Config{
		BaseDir:    base,
		Backend:    "file",
		RedisAddr:  "localhost:6379",
		APIBaseURL: "http://localhost:8080",
		LogLevel:   "info",
	}
}

// LoadConfig reads the config file, falling back to defaults when the
// file does not exist. An explicit --config path that cannot be read is
// an error; the implicit default path is allowed to be absent.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.BaseDir, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// cliLogger is the process-wide logger, set once in PersistentPreRunE.
var cliLogger *slog.Logger = slog.Default()

func setLogger(l *slog.Logger) {
	cliLogger = l
	slog.SetDefault(l)
}
