package main

import (
	"errors"
	"log/slog"

	"github.com/nadmax/clipmill/internal/ledger"
	"github.com/nadmax/clipmill/internal/repository"
	"github.com/spf13/cobra"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres tables for credits and batch history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.PostgresDSN == "" {
				return errors.New("POSTGRES_DSN is required")
			}
			ctx := cmd.Context()

			credits, err := ledger.NewPostgresStore(a.cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer func() { _ = credits.Close() }()

			if err := credits.EnsureSchema(ctx); err != nil {
				return err
			}

			repo, err := repository.NewPostgresTaskRepository(a.cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			if err := repo.EnsureSchema(ctx); err != nil {
				return err
			}

			slog.Info("schema is up to date")
			return nil
		},
	}
}
