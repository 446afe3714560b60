// Package dashboard implements the monitoring endpoints for batch throughput and credit usage.
package dashboard

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nadmax/clipmill/internal/httputil"
	"github.com/nadmax/clipmill/internal/manager"
	"github.com/nadmax/clipmill/internal/output"
	"github.com/nadmax/clipmill/internal/repository"
	"github.com/nadmax/clipmill/internal/repository/models"
	"github.com/nadmax/clipmill/internal/store"
	"github.com/nadmax/clipmill/internal/task"
)

const defaultHistoryLimit = 50

type Dashboard struct {
	manager *manager.Manager
	outputs *output.Store
	repo    repository.TaskRepository
}

type Stats struct {
	TotalBatches     int                 `json:"total_batches"`
	PendingBatches   int                 `json:"pending_batches"`
	RunningBatches   int                 `json:"running_batches"`
	CompletedBatches int                 `json:"completed_batches"`
	FailedBatches    int                 `json:"failed_batches"`
	ItemsSucceeded   int                 `json:"items_succeeded"`
	ItemsFailed      int                 `json:"items_failed"`
	CreditsCharged   int                 `json:"credits_charged"`
	AverageWaitTime  string              `json:"average_wait_time"`
	OutputClips      int                 `json:"output_clips"`
	OutputSize       string              `json:"output_size"`
	History          []models.BatchStats `json:"history,omitempty"`
	LastUpdated      time.Time           `json:"last_updated"`
}

type BatchHistory struct {
	TaskID      string          `json:"task_id"`
	UserID      string          `json:"user_id"`
	Status      task.TaskStatus `json:"status"`
	TotalItems  int             `json:"total_items"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Charged     int             `json:"charged"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Duration    string          `json:"duration"`
}

// NewDashboard builds the dashboard. repo may be nil, in which case only
// the live registry is reported.
func NewDashboard(m *manager.Manager, outputs *output.Store, repo repository.TaskRepository) *Dashboard {
	return &Dashboard{manager: m, outputs: outputs, repo: repo}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := d.manager.ListTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TotalBatches: len(tasks),
		LastUpdated:  time.Now(),
	}

	var totalWaitTime time.Duration
	waitCount := 0

	for _, t := range tasks {
		switch t.Status {
		case task.StatusPending:
			stats.PendingBatches++
		case task.StatusRunning:
			stats.RunningBatches++
		case task.StatusCompleted:
			stats.CompletedBatches++
		case task.StatusFailed:
			stats.FailedBatches++
		}

		stats.ItemsSucceeded += t.SuccessCount()
		stats.ItemsFailed += t.FailedCount()
		stats.CreditsCharged += t.Charged

		if t.StartedAt != nil {
			totalWaitTime += t.StartedAt.Sub(t.CreatedAt)
			waitCount++
		}
	}

	if waitCount > 0 {
		avgWait := totalWaitTime / time.Duration(waitCount)
		stats.AverageWaitTime = avgWait.Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	if d.outputs != nil {
		count, size, err := d.outputs.Usage()
		if err != nil {
			slog.Warn("failed to measure outputs", "error", err)
		}
		stats.OutputClips = count
		stats.OutputSize = humanize.Bytes(uint64(size))
	}

	if d.repo != nil {
		history, err := d.repo.GetBatchStats(r.Context(), 24)
		if err != nil {
			slog.Warn("failed to load batch history stats", "error", err)
		}
		stats.History = history
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}

// GetRecentBatches lists batches finished in the last 24 hours, optionally
// for one user_id. With a history repository attached it serves the durable
// record instead.
func (d *Dashboard) GetRecentBatches(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if d.repo != nil {
		var (
			batches []models.RecentBatch
			err     error
		)
		if userID != "" {
			batches, err = d.repo.GetBatchesByUser(r.Context(), userID, limit)
		} else {
			batches, err = d.repo.GetRecentBatches(r.Context(), limit)
		}
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if batches == nil {
			batches = []models.RecentBatch{}
		}
		httputil.WriteJSON(w, batches, http.StatusOK)
		return
	}

	tasks, err := d.manager.ListTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	history := []BatchHistory{}

	// Newest first.
	for i := len(tasks) - 1; i >= 0 && len(history) < limit; i-- {
		t := tasks[i]
		if t.CompletedAt == nil || t.CompletedAt.Before(cutoff) || (userID != "" && t.UserID != userID) {
			continue
		}

		var duration string
		if t.StartedAt != nil {
			duration = t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
		}

		history = append(history, BatchHistory{
			TaskID:      t.ID,
			UserID:      t.UserID,
			Status:      t.Status,
			TotalItems:  t.TotalItems,
			Succeeded:   t.SuccessCount(),
			Failed:      t.FailedCount(),
			Charged:     t.Charged,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			Duration:    duration,
		})
	}

	httputil.WriteJSON(w, history, http.StatusOK)
}

// GetItemLog lists the per-item outcomes of one batch in index order.
func (d *Dashboard) GetItemLog(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	if d.repo != nil {
		items, err := d.repo.GetItemLog(r.Context(), taskID)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(items) > 0 {
			httputil.WriteJSON(w, items, http.StatusOK)
			return
		}
	}

	t, err := d.manager.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteJSONError(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]models.ItemLog, 0, len(t.Items))
	for _, it := range t.Items {
		items = append(items, models.ItemLog{
			Index:      it.Index,
			Status:     string(it.Status),
			OutputPath: it.OutputPath,
			Error:      it.Error,
			DurationMs: int(it.Duration.Milliseconds()),
		})
	}
	httputil.WriteJSON(w, items, http.StatusOK)
}
