// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The research command inspects and manages locally persisted research
// sessions and the offline action queue.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ResearchLocal/pkg/logging"
)

var (
	config     Config
	configPath string
	baseDir    string
)

var rootCmd = &cobra.Command{
	Use:   "research",
	Short: "Inspect and manage local research sessions",
	Long: `research manages the durable session store and offline queue kept
under the base directory (default ~/.research). Sessions survive crashes
and offline periods; queued actions replay against the backend on flush.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config.yaml (default <base-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", "",
		"base directory for local state (default ~/.research)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		if baseDir != "" {
			cfg.BaseDir = baseDir
		}
		config = cfg

		logger, _ := logging.New(logging.Config{
			Level:   logging.ParseLevel(config.LogLevel),
			LogDir:  config.LogDir,
			Service: "research-cli",
		})
		setLogger(logger)
		return nil
	}
}
