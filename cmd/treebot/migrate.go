package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/treebot/internal/repo"
)

func newMigrateCmd(a *app) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer closeDB(db)
			return a.migrate(cmd.Context(), db, purge)
		},
	}
	cmd.Flags().BoolVar(&purge, "purge-expired", true, "delete expired Idempotency-Key records")
	return cmd
}

func (a *app) migrate(ctx context.Context, db *gorm.DB, purge bool) error {
	start := time.Now()
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	ev := a.log.Info().Str("driver", a.cfg.DB.Driver).Dur("took", time.Since(start))
	if purge {
		n, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("purge idempotency keys: %w", err)
		}
		ev = ev.Int64("purged_keys", n)
	}
	ev.Msg("schema up to date")
	return nil
}
