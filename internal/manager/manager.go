// Package manager owns the batch task lifecycle: creation, per-item progress
// accounting and terminal transitions. It is the only writer of task state.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/clipmill/internal/repository"
	"github.com/nadmax/clipmill/internal/store"
	"github.com/nadmax/clipmill/internal/task"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfOrder      = errors.New("item result out of order")
	ErrTaskFull        = errors.New("task already has all item results")
	ErrTaskFinished    = errors.New("task already finished")

	errNothingToFill = errors.New("no missing item results")
)

type Manager struct {
	mu    sync.Mutex
	store store.Store
	repo  repository.TaskRepository
}

// New builds a manager over the given registry. repo may be nil.
func New(s store.Store, repo repository.TaskRepository) *Manager {
	return &Manager{store: s, repo: repo}
}

func (m *Manager) CreateTask(ctx context.Context, userID string, totalItems int) (*task.Task, error) {
	if totalItems <= 0 {
		return nil, fmt.Errorf("%w: total items must be positive, got %d", ErrInvalidArgument, totalItems)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}

	t := task.NewTask(userID, totalItems)
	if err := m.store.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to register task: %w", err)
	}

	if m.repo != nil {
		if err := m.repo.SaveTask(ctx, t); err != nil {
			slog.Warn("failed to save task history", "task_id", t.ID, "error", err)
		}
	}

	return t.Clone(), nil
}

// GetProgress never fails: unknown or unreadable tasks report 0 so that a
// poll racing the submission response simply sees no progress yet.
func (m *Manager) GetProgress(ctx context.Context, taskID string) float64 {
	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("progress lookup failed", "task_id", taskID, "error", err)
		}
		return 0
	}
	return t.Progress
}

func (m *Manager) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return m.store.Get(ctx, taskID)
}

func (m *Manager) ListTasks(ctx context.Context) ([]*task.Task, error) {
	return m.store.List(ctx)
}

func (m *Manager) MarkRunning(ctx context.Context, taskID string) error {
	err := m.update(ctx, taskID, func(t *task.Task) error {
		if t.IsTerminal() {
			return ErrTaskFinished
		}
		if t.Status == task.StatusRunning {
			return nil
		}
		now := time.Now()
		t.Status = task.StatusRunning
		t.StartedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	if m.repo != nil {
		if err := m.repo.UpdateTaskStatus(ctx, taskID, task.StatusRunning); err != nil {
			slog.Warn("failed to update task history", "task_id", taskID, "error", err)
		}
	}
	return nil
}

func (m *Manager) RecordItemResult(ctx context.Context, taskID string, r task.ItemResult) error {
	err := m.update(ctx, taskID, func(t *task.Task) error {
		if t.IsTerminal() {
			return ErrTaskFinished
		}
		if t.CompletedItems >= t.TotalItems {
			return ErrTaskFull
		}
		if r.Index != len(t.Items) {
			return fmt.Errorf("%w: expected index %d, got %d", ErrOutOfOrder, len(t.Items), r.Index)
		}
		t.Append(r)
		return nil
	})
	if err != nil {
		return err
	}

	if m.repo != nil {
		if err := m.repo.LogItem(ctx, taskID, r); err != nil {
			slog.Warn("failed to log item history", "task_id", taskID, "index", r.Index, "error", err)
		}
	}
	return nil
}

// FillMissing records a failed result for every index below upTo that has
// no result yet, so a batch whose bookkeeping lost an item still accounts
// for it. It returns the number of results added.
func (m *Manager) FillMissing(ctx context.Context, taskID string, upTo int, reason string) (int, error) {
	var filled []task.ItemResult
	err := m.update(ctx, taskID, func(t *task.Task) error {
		if t.IsTerminal() {
			return ErrTaskFinished
		}
		filled = filled[:0]
		for i := len(t.Items); i < min(upTo, t.TotalItems); i++ {
			r := task.Failed(i, reason, 0)
			t.Append(r)
			filled = append(filled, r)
		}
		if len(filled) == 0 {
			return errNothingToFill
		}
		return nil
	})
	if errors.Is(err, errNothingToFill) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if m.repo != nil {
		for _, r := range filled {
			if err := m.repo.LogItem(ctx, taskID, r); err != nil {
				slog.Warn("failed to log item history", "task_id", taskID, "index", r.Index, "error", err)
			}
		}
	}
	return len(filled), nil
}

func (m *Manager) SetCharge(ctx context.Context, taskID string, charged int, chargeErr error) error {
	return m.update(ctx, taskID, func(t *task.Task) error {
		t.Charged = charged
		if chargeErr != nil {
			t.ChargeError = chargeErr.Error()
		}
		return nil
	})
}

// MarkCompleted is idempotent and never overrides a failed task.
func (m *Manager) MarkCompleted(ctx context.Context, taskID string) error {
	var snapshot *task.Task
	err := m.update(ctx, taskID, func(t *task.Task) error {
		if t.IsTerminal() {
			return nil
		}
		now := time.Now()
		t.Status = task.StatusCompleted
		t.CompletedAt = &now
		snapshot = t.Clone()
		return nil
	})
	if err != nil || snapshot == nil {
		return err
	}

	if m.repo != nil {
		if err := m.repo.CompleteTask(ctx, snapshot, durationMs(snapshot)); err != nil {
			slog.Warn("failed to complete task history", "task_id", taskID, "error", err)
		}
	}
	return nil
}

func (m *Manager) MarkFailed(ctx context.Context, taskID string, reason string) error {
	var snapshot *task.Task
	err := m.update(ctx, taskID, func(t *task.Task) error {
		if t.IsTerminal() {
			return nil
		}
		now := time.Now()
		t.Status = task.StatusFailed
		t.Error = reason
		t.CompletedAt = &now
		snapshot = t.Clone()
		return nil
	})
	if err != nil || snapshot == nil {
		return err
	}

	if m.repo != nil {
		if err := m.repo.FailTask(ctx, taskID, reason, durationMs(snapshot)); err != nil {
			slog.Warn("failed to fail task history", "task_id", taskID, "error", err)
		}
	}
	return nil
}

// CountByStatus summarizes the registry for gauges and the dashboard.
func (m *Manager) CountByStatus(ctx context.Context) (map[task.TaskStatus]int, error) {
	tasks, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[task.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *Manager) update(ctx context.Context, taskID string, fn func(t *task.Task) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		return err
	}

	if err := fn(t); err != nil {
		return err
	}

	if err := m.store.Save(ctx, t); err != nil {
		return fmt.Errorf("failed to save task %s: %w", taskID, err)
	}
	return nil
}

func durationMs(t *task.Task) int {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return int(t.CompletedAt.Sub(*t.StartedAt).Milliseconds())
}
