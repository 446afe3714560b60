package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/clipmill/internal/manager"
	"github.com/nadmax/clipmill/internal/metrics"
)

func startMetricsCollector(ctx context.Context, m *manager.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		updateBatchMetrics(ctx, m)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateBatchMetrics(ctx context.Context, m *manager.Manager) {
	counts, err := m.CountByStatus(ctx)
	if err != nil {
		slog.Warn("failed to count batches for metrics", "error", err)
		return
	}

	metrics.UpdateTaskGauges(counts)
}
