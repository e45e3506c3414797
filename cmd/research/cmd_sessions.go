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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ResearchLocal/services/research/session"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessionStore(cmd.Context(), func(ctx context.Context, store *session.Store) error {
			summaries, err := store.List(ctx)
			if err != nil {
				return err
			}

			if !stdoutIsTTY() {
				return printJSON(os.Stdout, summaries)
			}

			if len(summaries) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "ID\tPHASE\tCONFIDENCE\tUPDATED\tHYPOTHESIS")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\t%s\n",
					s.ID, s.Phase, s.Confidence, humanTime(s.UpdatedAt), s.HypothesisPreview)
			}
			return tw.Flush()
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the full session record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessionStore(cmd.Context(), func(ctx context.Context, store *session.Store) error {
			result := store.LoadWithRecovery(ctx, args[0])
			if result.Err != nil {
				// Recovery already ran; report why nothing is available.
				return fmt.Errorf("session %q unavailable: %w", args[0], result.Err)
			}
			if result.Session == nil {
				return fmt.Errorf("no session %q", args[0])
			}
			if result.Recovered {
				fmt.Fprintln(os.Stderr, "Note: session restored by recovery scan.")
			}
			return printJSON(os.Stdout, result.Session)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessionStore(cmd.Context(), func(ctx context.Context, store *session.Store) error {
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}

			if !stdoutIsTTY() {
				return printJSON(os.Stdout, stats)
			}

			fmt.Printf("Sessions:  %d\n", stats.SessionCount)
			fmt.Printf("Used:      %s (index %s)\n",
				humanBytes(stats.UsedBytes), humanBytes(stats.IndexBytes))
			fmt.Printf("Available: %s\n", humanBytes(stats.AvailableBytes))
			if !stats.OldestCreatedAt.IsZero() {
				fmt.Printf("Oldest:    %s\n", humanTime(stats.OldestCreatedAt))
				fmt.Printf("Newest:    %s\n", humanTime(stats.NewestCreatedAt))
			}
			return nil
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Rebuild the session index from stored blobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLockedSessionStore(cmd.Context(), func(ctx context.Context, store *session.Store) error {
			n, err := store.RecoverSessions(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Recovered %d session(s).\n", n)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLockedSessionStore(cmd.Context(), func(ctx context.Context, store *session.Store) error {
			if err := store.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s.\n", args[0])
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return fmt.Errorf("refusing to delete all sessions without --force")
		}
		return withLockedSessionStore(cmd.Context(), func(ctx context.Context, store *session.Store) error {
			if err := store.Clear(ctx); err != nil {
				return err
			}
			fmt.Println("All sessions deleted.")
			return nil
		})
	},
}

func init() {
	clearCmd.Flags().Bool("force", false, "confirm deletion of all sessions")

	rootCmd.AddCommand(listCmd, showCmd, statsCmd, recoverCmd, deleteCmd, clearCmd)
}
