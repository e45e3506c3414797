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
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ResearchLocal/services/research/lock"
	"github.com/AleutianAI/ResearchLocal/services/research/offline"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(ctx context.Context, q *offline.Queue) error {
			items, err := q.Items(ctx)
			if err != nil {
				return err
			}

			if !stdoutIsTTY() {
				return printJSON(os.Stdout, items)
			}

			if len(items) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "ID\tKIND\tCREATED\tATTEMPTS")
			for _, item := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n",
					item.ID, item.Kind, humanTime(item.CreatedAt), item.AttemptCount)
			}
			return tw.Flush()
		})
	},
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay queued actions against the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return lock.WithFileLock(cmd.Context(), config.BaseDir, lockResource, func(ctx context.Context) error {
			return withQueue(ctx, func(ctx context.Context, q *offline.Queue) error {
				result, err := q.Flush(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Sent %d, failed %d, %d remaining.\n",
					result.Sent, result.Failed, result.Remaining)
				return nil
			})
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all queued actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return fmt.Errorf("refusing to drop queued actions without --force")
		}
		return lock.WithFileLock(cmd.Context(), config.BaseDir, lockResource, func(ctx context.Context) error {
			return withQueue(ctx, func(ctx context.Context, q *offline.Queue) error {
				if err := q.Clear(ctx); err != nil {
					return err
				}
				fmt.Println("Queue cleared.")
				return nil
			})
		})
	},
}

// withQueue runs fn against a queue wired to the configured backend.
func withQueue(ctx context.Context, fn func(ctx context.Context, q *offline.Queue) error) error {
	kv, err := openStorage()
	if err != nil {
		return err
	}
	defer kv.Close()

	cfg := offline.DefaultConfig()
	cfg.Logger = cliLogger

	sender := &offline.HTTPSender{BaseURL: config.APIBaseURL}
	connectivity := offline.ConnectivityFunc(func() bool {
		return backendReachable(config.APIBaseURL)
	})

	return fn(ctx, offline.New(kv, sender, connectivity, cfg))
}

// backendReachable is a cheap TCP dial check; replay itself still
// handles per-request failures.
func backendReachable(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func init() {
	queueClearCmd.Flags().Bool("force", false, "confirm dropping all queued actions")

	queueCmd.AddCommand(queueListCmd, queueFlushCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
