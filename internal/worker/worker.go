// Package worker runs batches in the background, off the request path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/clipmill/internal/metrics"
	"github.com/nadmax/clipmill/internal/processor"
)

var ErrPoolClosed = errors.New("worker pool is shutting down")

type Runner interface {
	RunBatch(ctx context.Context, job processor.Job) error
}

// Pool runs each submitted batch in its own goroutine, with at most
// maxConcurrent batches running at once. Excess batches wait for a slot.
type Pool struct {
	id     string
	runner Runner
	slots  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

func NewPool(id string, runner Runner, maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		id:     id,
		runner: runner,
		slots:  make(chan struct{}, maxConcurrent),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules job and returns immediately.
func (p *Pool) Submit(job processor.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.wg.Add(1)
	go p.run(job, time.Now())
	return nil
}

func (p *Pool) run(job processor.Job, queuedAt time.Time) {
	defer p.wg.Done()

	acquired := false
	select {
	case p.slots <- struct{}{}:
		acquired = true
	case <-p.ctx.Done():
	}
	if p.ctx.Err() != nil {
		// Left pending; a cancelled pool starts nothing new.
		slog.Warn("batch abandoned before start", "worker_id", p.id, "task_id", job.TaskID)
		if acquired {
			<-p.slots
		}
		return
	}
	defer func() { <-p.slots }()

	metrics.RecordBatchWait(time.Since(queuedAt))
	metrics.UpdateActiveBatches(int(p.active.Add(1)))
	defer func() { metrics.UpdateActiveBatches(int(p.active.Add(-1))) }()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("batch panicked", "worker_id", p.id, "task_id", job.TaskID, "panic", fmt.Sprint(r))
		}
	}()

	slog.Debug("worker processing batch", "worker_id", p.id, "task_id", job.TaskID)
	if err := p.runner.RunBatch(p.ctx, job); err != nil {
		slog.Error("batch failed", "worker_id", p.id, "task_id", job.TaskID, "error", err)
	}
}

// Active reports how many batches are currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Shutdown stops accepting batches and waits for submitted ones. If ctx
// expires first the remaining batches are cancelled, Shutdown waits for them
// to unwind and returns the ctx error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		slog.Info("worker pool stopped", "worker_id", p.id)
		return nil
	case <-ctx.Done():
		slog.Warn("worker pool shutdown timed out, cancelling batches", "worker_id", p.id)
		p.cancel()
		<-done
		return ctx.Err()
	}
}
