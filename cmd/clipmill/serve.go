package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nadmax/clipmill/internal/api"
	"github.com/nadmax/clipmill/internal/dashboard"
	"github.com/nadmax/clipmill/internal/ledger"
	"github.com/nadmax/clipmill/internal/manager"
	"github.com/nadmax/clipmill/internal/media"
	"github.com/nadmax/clipmill/internal/middleware"
	"github.com/nadmax/clipmill/internal/output"
	"github.com/nadmax/clipmill/internal/processor"
	"github.com/nadmax/clipmill/internal/service"
	"github.com/nadmax/clipmill/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const metricsInterval = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the batch worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	slog.Info("starting clipmill", "version", version)

	var c closers
	defer c.closeAll()

	taskStore, err := openTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	c.add(taskStore.Close)

	credits, err := openCreditStore(ctx, cfg, &c)
	if err != nil {
		return err
	}

	repo, err := openRepository(ctx, cfg, &c)
	if err != nil {
		return err
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	policy, err := processor.ParseDebitPolicy(cfg.DebitPolicy)
	if err != nil {
		return err
	}

	outputs, err := output.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}

	m := manager.New(taskStore, repo)
	l := ledger.New(credits)
	ff := media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)

	proc := processor.New(m, outputs, ff, ff, l, processor.Options{
		Policy:      policy,
		ColorFactor: cfg.ColorFactor,
		Notifier:    notifier,
	})

	pool := worker.NewPool(poolID(), proc, cfg.MaxConcurrentBatches)
	svc := service.New(m, l, pool, cfg.MaxItemsPerBatch)
	handler := api.NewAPI(svc, m, l, outputs, dashboard.NewDashboard(m, outputs, repo))

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           middleware.MetricsMiddleware(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		startMetricsCollector(gctx, m, metricsInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "timeout", cfg.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		httpErr := srv.Shutdown(shutdownCtx)
		poolErr := pool.Shutdown(shutdownCtx)
		if poolErr != nil {
			slog.Warn("running batches were cancelled", "error", poolErr)
		}
		return errors.Join(httpErr, poolErr)
	})

	return g.Wait()
}

func poolID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		return fmt.Sprintf("pool-%d", os.Getpid())
	}
	return "pool-" + hostname
}
