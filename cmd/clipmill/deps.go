package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nadmax/clipmill/internal/config"
	"github.com/nadmax/clipmill/internal/ledger"
	"github.com/nadmax/clipmill/internal/notify"
	"github.com/nadmax/clipmill/internal/repository"
	"github.com/nadmax/clipmill/internal/store"
)

// closers run in reverse order of registration.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			slog.Warn("failed to close resource", "error", err)
		}
	}
}

func openTaskStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.TaskStore == "redis" {
		s, err := store.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		slog.Info("task registry on Redis", "addr", cfg.RedisAddr)
		return s, nil
	}
	return store.NewMemoryStore(), nil
}

func openCreditStore(ctx context.Context, cfg *config.Config, c *closers) (ledger.CreditStore, error) {
	if cfg.CreditStore == "postgres" {
		s, err := ledger.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		c.add(s.Close)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	seed, err := ledger.ParseSeed(cfg.SeedCredits)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SEED_CREDITS: %w", err)
	}
	return ledger.NewMemoryStore(seed), nil
}

// openRepository returns a nil interface when history is disabled.
func openRepository(ctx context.Context, cfg *config.Config, c *closers) (repository.TaskRepository, error) {
	if !cfg.HistoryEnabled {
		return nil, nil
	}

	repo, err := repository.NewPostgresTaskRepository(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	c.add(repo.Close)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	if !cfg.NotificationsEnabled() {
		return notify.Nop{}, nil
	}
	n, err := notify.NewSendGridNotifier(cfg.SendGridAPIKey, cfg.NotifyFrom, cfg.NotifyTo)
	if err != nil {
		return nil, err
	}
	return n, nil
}
