// Package processor runs one batch: it composes every requested clip in
// order, records each outcome on the task and charges the user once the
// loop is over.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nadmax/clipmill/internal/manager"
	"github.com/nadmax/clipmill/internal/media"
	"github.com/nadmax/clipmill/internal/metrics"
	"github.com/nadmax/clipmill/internal/notify"
	"github.com/nadmax/clipmill/internal/output"
	"github.com/nadmax/clipmill/internal/store"
	"github.com/nadmax/clipmill/internal/task"
)

type DebitPolicy string

const (
	// DebitRequested charges one credit per requested item regardless of
	// outcome.
	DebitRequested DebitPolicy = "requested"
	// DebitSucceeded charges one credit per successful item.
	DebitSucceeded DebitPolicy = "succeeded"
)

const (
	recordAttempts = 3
	notRecorded    = "result not recorded"
)

var (
	ErrSetup         = errors.New("batch setup failed")
	ErrPanicked      = errors.New("batch panicked")
	ErrUnknownPolicy = errors.New("unknown debit policy")
)

func ParseDebitPolicy(s string) (DebitPolicy, error) {
	switch p := DebitPolicy(s); p {
	case "":
		return DebitRequested, nil
	case DebitRequested, DebitSucceeded:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Job is everything RunBatch needs to process one task.
type Job struct {
	TaskID        string
	UserID        string
	PrimaryPath   string
	SecondaryPath string
	TotalItems    int
	// SegmentDuration is the length of every clip and the step between
	// secondary offsets. Zero means the primary's full duration.
	SegmentDuration time.Duration
}

type Debiter interface {
	Debit(ctx context.Context, userID string, n int) error
}

type Options struct {
	Policy      DebitPolicy
	ColorFactor float64
	Notifier    notify.Notifier
}

type Processor struct {
	manager     *manager.Manager
	outputs     *output.Store
	transformer media.Transformer
	prober      media.Prober
	ledger      Debiter
	notifier    notify.Notifier
	policy      DebitPolicy
	colorFactor float64
	metadata    func() map[string]string

	recordBackoff time.Duration
}

func New(m *manager.Manager, outputs *output.Store, transformer media.Transformer, prober media.Prober, ledger Debiter, opts Options) *Processor {
	p := &Processor{
		manager:     m,
		outputs:     outputs,
		transformer: transformer,
		prober:      prober,
		ledger:      ledger,
		notifier:    opts.Notifier,
		policy:      opts.Policy,
		colorFactor: opts.ColorFactor,
		metadata:    media.RandomMetadata,

		recordBackoff: 100 * time.Millisecond,
	}

	if p.notifier == nil {
		p.notifier = notify.Nop{}
	}
	if p.policy == "" {
		p.policy = DebitRequested
	}
	if p.colorFactor <= 0 {
		p.colorFactor = media.DefaultColorFactor
	}

	return p
}

// RunBatch processes job to a terminal state. Item failures are recorded on
// the task and never returned; the returned error is non-nil only when the
// batch could not run at all or panicked. Uploaded sources are removed once
// the task is terminal.
func (p *Processor) RunBatch(ctx context.Context, job Job) (err error) {
	start := time.Now()
	// Bookkeeping must land even if the batch is cancelled mid-way.
	bookCtx := context.WithoutCancel(ctx)

	if err := p.manager.MarkRunning(bookCtx, job.TaskID); err != nil {
		return fmt.Errorf("failed to start task %s: %w", job.TaskID, err)
	}
	defer p.removeUploads(job)

	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("batch panicked: %v", r)
			slog.Error("batch panicked", "task_id", job.TaskID, "panic", fmt.Sprint(r))
			if markErr := p.manager.MarkFailed(bookCtx, job.TaskID, reason); markErr != nil {
				slog.Error("failed to mark task failed", "task_id", job.TaskID, "error", markErr)
			}
			metrics.RecordBatchFinished(task.StatusFailed, time.Since(start))
			p.notify(bookCtx, job.TaskID)
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()

	slog.Info("batch started", "task_id", job.TaskID, "user_id", job.UserID, "items", job.TotalItems)

	window, secondaryDuration, err := p.setup(ctx, job)
	if err != nil {
		reason := err.Error()
		if markErr := p.manager.MarkFailed(bookCtx, job.TaskID, reason); markErr != nil {
			slog.Error("failed to mark task failed", "task_id", job.TaskID, "error", markErr)
		}

		slog.Error("batch setup failed", "task_id", job.TaskID, "error", err)
		metrics.RecordBatchFinished(task.StatusFailed, time.Since(start))
		p.notify(bookCtx, job.TaskID)
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}

	gap := false
	for i := range job.TotalItems {
		result := p.processItem(ctx, job, i, window, secondaryDuration)
		metrics.RecordItem(result.Status, result.Duration)

		if result.Status == task.ItemFailed {
			slog.Warn("item failed", "task_id", job.TaskID, "index", i, "error", result.Error)
		} else {
			slog.Info("item completed", "task_id", job.TaskID, "index", i, "output", result.OutputPath)
		}

		if gap {
			gap = !p.fillMissing(bookCtx, job.TaskID, i)
		}
		err := p.retryBookkeeping(bookCtx, func() error {
			return p.manager.RecordItemResult(bookCtx, job.TaskID, result)
		})
		if err != nil {
			slog.Error("failed to record item result", "task_id", job.TaskID, "index", i, "error", err)
			gap = true
		}
	}
	p.fillMissing(bookCtx, job.TaskID, job.TotalItems)

	p.charge(bookCtx, job, ctx.Err() != nil)

	err = p.retryBookkeeping(bookCtx, func() error {
		return p.manager.MarkCompleted(bookCtx, job.TaskID)
	})
	if err != nil {
		slog.Error("failed to mark task completed", "task_id", job.TaskID, "error", err)
	}

	metrics.RecordBatchFinished(task.StatusCompleted, time.Since(start))
	slog.Info("batch completed", "task_id", job.TaskID, "elapsed", time.Since(start))
	p.notify(bookCtx, job.TaskID)
	return nil
}

// retryBookkeeping retries fn with a linear backoff while the registry is
// failing. Ordering and lifecycle errors are returned at once.
func (p *Processor) retryBookkeeping(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if err = fn(); err == nil || permanent(err) {
			return err
		}
		if attempt == recordAttempts {
			break
		}

		slog.Warn("bookkeeping failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * p.recordBackoff):
		}
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, manager.ErrOutOfOrder) ||
		errors.Is(err, manager.ErrTaskFull) ||
		errors.Is(err, manager.ErrTaskFinished) ||
		errors.Is(err, store.ErrNotFound)
}

// fillMissing records a failed result for every index below upTo that was
// lost to a bookkeeping error. It reports whether the task is caught up.
func (p *Processor) fillMissing(ctx context.Context, taskID string, upTo int) bool {
	var filled int
	err := p.retryBookkeeping(ctx, func() error {
		var err error
		filled, err = p.manager.FillMissing(ctx, taskID, upTo, notRecorded)
		return err
	})
	if err != nil {
		slog.Error("failed to fill missing item results", "task_id", taskID, "error", err)
		return false
	}

	if filled > 0 {
		slog.Warn("missing item results recorded as failed", "task_id", taskID, "count", filled)
	}
	return true
}

func (p *Processor) removeUploads(job Job) {
	for _, path := range []string{job.PrimaryPath, job.SecondaryPath} {
		removed, err := p.outputs.RemoveUpload(path)
		if err != nil {
			slog.Warn("failed to remove upload", "task_id", job.TaskID, "error", err)
			continue
		}
		if removed {
			slog.Debug("upload removed", "task_id", job.TaskID, "path", path)
		}
	}
}

func (p *Processor) setup(ctx context.Context, job Job) (time.Duration, time.Duration, error) {
	primary, err := p.prober.Duration(ctx, job.PrimaryPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to probe primary source: %w", err)
	}

	secondary, err := p.prober.Duration(ctx, job.SecondaryPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to probe secondary source: %w", err)
	}

	window := job.SegmentDuration
	if window <= 0 {
		window = primary
	}

	return window, secondary, nil
}

func (p *Processor) processItem(ctx context.Context, job Job, index int, window, secondaryDuration time.Duration) task.ItemResult {
	start := time.Now()
	fail := func(format string, args ...any) task.ItemResult {
		return task.Failed(index, fmt.Sprintf(format, args...), time.Since(start))
	}

	if err := ctx.Err(); err != nil {
		return fail("batch cancelled: %v", err)
	}

	offset := time.Duration(index) * window
	if offset >= secondaryDuration {
		return fail("secondary offset %s is past the end of the source (%s)", offset, secondaryDuration)
	}

	intermediate, err := p.outputs.ReserveIntermediatePath(job.TaskID, index)
	if err != nil {
		return fail("%v", err)
	}
	defer p.outputs.Cleanup(intermediate)

	err = p.transformer.Transform(ctx, media.Request{
		PrimaryPath:   job.PrimaryPath,
		SecondaryPath: job.SecondaryPath,
		OutputPath:    intermediate,
		Params: media.Params{
			Index:          index,
			SecondaryStart: offset,
			Duration:       window,
			ColorFactor:    p.colorFactor,
			Metadata:       p.metadata(),
		},
	})
	if err != nil {
		return fail("transform failed: %v", err)
	}

	f, err := os.Open(intermediate)
	if err != nil {
		return fail("transform produced no output: %v", err)
	}
	defer f.Close()

	finalPath, err := p.outputs.WriteFinal(job.TaskID, index, f)
	if err != nil {
		return fail("%v", err)
	}

	return task.Succeeded(index, finalPath, time.Since(start))
}

// charge debits the user once per batch. A cancelled batch is only charged
// for the clips it actually produced.
func (p *Processor) charge(ctx context.Context, job Job, cancelled bool) {
	amount := job.TotalItems
	if p.policy == DebitSucceeded || cancelled {
		t, err := p.manager.GetTask(ctx, job.TaskID)
		if err != nil {
			slog.Error("failed to load task for debit", "task_id", job.TaskID, "error", err)
			return
		}
		amount = t.SuccessCount()
	}

	if amount == 0 {
		return
	}

	var charged int
	err := p.ledger.Debit(ctx, job.UserID, amount)
	if err != nil {
		slog.Warn("batch debit refused", "task_id", job.TaskID, "user_id", job.UserID, "amount", amount, "error", err)
		metrics.RecordDebitFailure()
	} else {
		charged = amount
		metrics.RecordDebit(amount)
	}

	if err := p.manager.SetCharge(ctx, job.TaskID, charged, err); err != nil {
		slog.Error("failed to record charge", "task_id", job.TaskID, "error", err)
	}
}

func (p *Processor) notify(ctx context.Context, taskID string) {
	t, err := p.manager.GetTask(ctx, taskID)
	if err != nil {
		slog.Warn("failed to load task for notification", "task_id", taskID, "error", err)
		return
	}

	if err := p.notifier.BatchFinished(ctx, t); err != nil {
		slog.Warn("batch notification failed", "task_id", taskID, "error", err)
	}
}
