package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/newsflow/internal/config"
	"github.com/alfredjeanlab/newsflow/internal/store/postgres"
)

// purgeCmd runs one maintenance sweep and exits. The serve loop does the
// same on a timer; this exists for operators running the pipeline workers
// without write access to the maintenance schedule, and for cron setups.
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Prune the similarity index and expired notification records once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		pruned, err := st.PruneIndex(ctx, cfg.DedupWindow)
		if err != nil {
			return fmt.Errorf("prune index: %w", err)
		}
		purged, err := st.PurgeNotifications(ctx, cfg.Retention)
		if err != nil {
			return fmt.Errorf("purge notifications: %w", err)
		}

		fmt.Printf("pruned %d index entries, purged %d notification records\n", pruned, purged)
		return nil
	},
}
