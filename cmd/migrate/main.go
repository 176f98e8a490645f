package main

import (
	"context"
	"fmt"
	"os"

	"github.com/omninoc/backend/internal/config"
	"github.com/omninoc/backend/internal/db"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/services"
	"github.com/spf13/cobra"
)

func main() {
	var withDirectory, reconcile bool

	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Create or update the assistant tables",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Initialize()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			conn, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}

			logger.Info("Running database migrations...", map[string]interface{}{"with_directory": withDirectory})
			if err := db.AutoMigrate(conn, withDirectory); err != nil {
				return err
			}

			if reconcile {
				turns := services.NewTurnStore(conn, cfg.Assistant.TurnStaleAfter)
				n, err := turns.ReconcileStale(context.Background(), services.NewChatStore(conn))
				if err != nil {
					return fmt.Errorf("reconcile stale turns: %w", err)
				}
				logger.Info("Reconciled stale chat turns", map[string]interface{}{"turns": n})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withDirectory, "with-directory", false, "also create the console-owned servers, observability and LLM key tables (local development)")
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "close chat turns left pending by a crashed server")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
