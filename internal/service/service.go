// Package service accepts batch submissions. It performs every check that
// can fail synchronously and hands the batch to the background pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nadmax/clipmill/internal/ledger"
	"github.com/nadmax/clipmill/internal/manager"
	"github.com/nadmax/clipmill/internal/metrics"
	"github.com/nadmax/clipmill/internal/processor"
	"github.com/nadmax/clipmill/internal/task"
)

var ErrInvalidArgument = errors.New("invalid argument")

type Scheduler interface {
	Submit(job processor.Job) error
}

type CreditChecker interface {
	CanAfford(ctx context.Context, userID string, n int) (bool, error)
}

type Request struct {
	UserID          string
	PrimaryPath     string
	SecondaryPath   string
	NumItems        int
	SegmentDuration time.Duration
}

type Service struct {
	manager   *manager.Manager
	credits   CreditChecker
	scheduler Scheduler
	maxItems  int
}

// New builds a submission service. maxItems <= 0 disables the upper bound.
func New(m *manager.Manager, credits CreditChecker, scheduler Scheduler, maxItems int) *Service {
	return &Service{manager: m, credits: credits, scheduler: scheduler, maxItems: maxItems}
}

// Submit validates req, creates its task and schedules it. The returned task
// is Pending; progress is observed through the manager.
func (s *Service) Submit(ctx context.Context, req Request) (*task.Task, error) {
	if err := s.validate(req); err != nil {
		metrics.RecordSubmission(metrics.SubmissionInvalid)
		return nil, err
	}

	ok, err := s.credits.CanAfford(ctx, req.UserID, req.NumItems)
	if errors.Is(err, ledger.ErrUnknownUser) {
		ok, err = false, nil
	}
	if err != nil {
		metrics.RecordSubmission(metrics.SubmissionInternalFail)
		return nil, fmt.Errorf("failed to check credits: %w", err)
	}
	if !ok {
		metrics.RecordSubmission(metrics.SubmissionNoCredits)
		return nil, ledger.ErrInsufficientCredits
	}

	t, err := s.manager.CreateTask(ctx, req.UserID, req.NumItems)
	if err != nil {
		metrics.RecordSubmission(metrics.SubmissionInternalFail)
		return nil, err
	}

	job := processor.Job{
		TaskID:          t.ID,
		UserID:          req.UserID,
		PrimaryPath:     req.PrimaryPath,
		SecondaryPath:   req.SecondaryPath,
		TotalItems:      req.NumItems,
		SegmentDuration: req.SegmentDuration,
	}

	if err := s.scheduler.Submit(job); err != nil {
		if markErr := s.manager.MarkFailed(ctx, t.ID, err.Error()); markErr != nil {
			slog.Error("failed to mark unscheduled task failed", "task_id", t.ID, "error", markErr)
		}
		metrics.RecordSubmission(metrics.SubmissionInternalFail)
		return nil, fmt.Errorf("failed to schedule batch: %w", err)
	}

	metrics.RecordSubmission(metrics.SubmissionAccepted)
	slog.Info("batch submitted", "task_id", t.ID, "user_id", req.UserID, "items", req.NumItems)
	return t, nil
}

func (s *Service) validate(req Request) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if req.NumItems <= 0 {
		return fmt.Errorf("%w: number of items must be positive", ErrInvalidArgument)
	}
	if s.maxItems > 0 && req.NumItems > s.maxItems {
		return fmt.Errorf("%w: at most %d items per batch", ErrInvalidArgument, s.maxItems)
	}
	if req.SegmentDuration < 0 {
		return fmt.Errorf("%w: segment duration must not be negative", ErrInvalidArgument)
	}

	for name, path := range map[string]string{"primary": req.PrimaryPath, "secondary": req.SecondaryPath} {
		if path == "" {
			return fmt.Errorf("%w: %s source is required", ErrInvalidArgument, name)
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return fmt.Errorf("%w: %s source %q is not readable", ErrInvalidArgument, name, path)
		}
	}

	return nil
}
