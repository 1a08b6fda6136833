package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"altimeter-sync-service/internal/logger"
	"altimeter-sync-service/internal/store"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the sync tables in the state store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			st, err := store.New(cfg.StateStorage)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(context.Background()); err != nil {
				return err
			}
			logger.Log.Info("Schema applied", zap.String("storage", cfg.StateStorage.Type))
			return nil
		},
	}
}
