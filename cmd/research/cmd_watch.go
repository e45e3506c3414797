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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ResearchLocal/services/research/notify"
	"github.com/AleutianAI/ResearchLocal/services/research/storage"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream session changes made by other processes",
	Long: `watch subscribes to the storage change stream and prints a line for
every session save, delete, or clear performed by another process sharing
the base directory. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openStorage()
		if err != nil {
			return err
		}
		defer kv.Close()

		source, ok := kv.(storage.Notifier)
		if !ok {
			return fmt.Errorf("backend %q has no change stream", config.Backend)
		}

		n := notify.New(kv, source, notify.Config{Logger: cliLogger})
		if err := n.Start(cmd.Context()); err != nil {
			return err
		}
		defer n.Close()

		unsubscribe := n.Subscribe(func(ev notify.Event) {
			stamp := time.Now().Format("15:04:05")
			switch ev.Type {
			case notify.EventClear:
				fmt.Printf("%s  clear   (all sessions)\n", stamp)
			default:
				fmt.Printf("%s  %-6s  %s\n", stamp, ev.Type, ev.SessionID)
			}
		})
		defer unsubscribe()

		fmt.Fprintln(os.Stderr, "Watching for session changes. Ctrl-C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-cmd.Context().Done():
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
