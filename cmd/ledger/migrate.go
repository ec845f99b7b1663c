package main

import (
	"fmt"
	"log/slog"

	"github.com/Veraticus/spice-ledger/internal/cli"
	"github.com/spf13/cobra"
)

func migrateCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.

Every other command migrates on startup as well, so this is only needed
to prepare a database ahead of time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, store, err := env.openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			defer func() { _ = store.Close() }()

			slog.Info("Database migrations completed", "database", cfg.Database)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Database ready at "+cfg.Database))
			return err
		},
	}
}
