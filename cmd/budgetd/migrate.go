package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/budgetd/pkg/config"
	"github.com/pario-ai/budgetd/pkg/ledger/postgres"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending ledger schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Storage.Driver == config.DriverPostgres {
				if err := postgres.RunMigrations(cmd.Context(), cfg.Storage.DSN); err != nil {
					return err
				}
			} else {
				// Opening the SQLite ledger applies its migrations.
				s, err := openStore(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				_ = s.Close()
			}
			fmt.Printf("Ledger schema up to date (%s).\n", cfg.Storage.Driver)
			return nil
		},
	}
}
