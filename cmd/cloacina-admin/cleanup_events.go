package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	olderThan string
	dryRun    bool
)

var cleanupEventsCmd = &cobra.Command{
	Use:   "cleanup-events",
	Short: "Delete execution_events rows older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		age, err := time.ParseDuration(olderThan)
		if err != nil {
			fail(exitUsage, "invalid --older-than %q: %v", olderThan, err)
		}
		cutoff := time.Now().Add(-age)
		cfg := loadConfig()
		ctx := context.Background()

		st, err := openStore(ctx, cfg)
		if err != nil {
			fail(exitDatabase, "connect: %v", err)
		}
		defer st.Close()

		n, err := st.CleanupEvents(ctx, cutoff, dryRun)
		if err != nil {
			fail(exitDatabase, "cleanup events: %v", err)
		}

		if dryRun {
			fmt.Printf("would delete %d execution_events rows older than %s\n", n, cutoff.Format(time.RFC3339))
		} else {
			fmt.Printf("deleted %d execution_events rows older than %s\n", n, cutoff.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	cleanupEventsCmd.Flags().StringVar(&olderThan, "older-than", "720h", "age cutoff, e.g. 720h for 30 days")
	cleanupEventsCmd.Flags().BoolVar(&dryRun, "dry-run", false, "count rows that would be deleted without deleting them")
}
