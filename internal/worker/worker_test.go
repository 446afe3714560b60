package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/clipmill/internal/ledger"
	"github.com/nadmax/clipmill/internal/manager"
	"github.com/nadmax/clipmill/internal/media"
	"github.com/nadmax/clipmill/internal/output"
	"github.com/nadmax/clipmill/internal/processor"
	"github.com/nadmax/clipmill/internal/store"
	"github.com/nadmax/clipmill/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingRunner struct {
	release chan struct{}
	running atomic.Int64
	peak    atomic.Int64

	mu   sync.Mutex
	seen []string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (r *blockingRunner) RunBatch(ctx context.Context, job processor.Job) error {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	r.mu.Lock()
	r.seen = append(r.seen, job.TaskID)
	r.mu.Unlock()

	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *blockingRunner) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type funcRunner func(ctx context.Context, job processor.Job) error

func (f funcRunner) RunBatch(ctx context.Context, job processor.Job) error {
	return f(ctx, job)
}

func TestNewPool(t *testing.T) {
	p := NewPool("test-worker", newBlockingRunner(), 0)

	assert.Equal(t, "test-worker", p.id)
	assert.Equal(t, 1, cap(p.slots), "non-positive limits fall back to one slot")
	assert.Equal(t, 0, p.Active())
}

func TestSubmit_RunsInBackground(t *testing.T) {
	done := make(chan string, 1)
	p := NewPool("test-worker", funcRunner(func(_ context.Context, job processor.Job) error {
		done <- job.TaskID
		return nil
	}), 2)

	require.NoError(t, p.Submit(processor.Job{TaskID: "t1"}))

	select {
	case id := <-done:
		assert.Equal(t, "t1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not run")
	}

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmit_BoundsConcurrency(t *testing.T) {
	r := newBlockingRunner()
	p := NewPool("test-worker", r, 2)

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Submit(processor.Job{TaskID: id}))
	}

	require.Eventually(t, func() bool { return p.Active() == 2 }, 2*time.Second, 5*time.Millisecond)
	// Give the waiting batches a chance to (incorrectly) start.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), r.running.Load())

	close(r.release)
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int64(2), r.peak.Load())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, r.Seen())
	assert.Equal(t, 0, p.Active())
}

func TestSubmit_AfterShutdown(t *testing.T) {
	p := NewPool("test-worker", newBlockingRunner(), 1)
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit(processor.Job{TaskID: "late"})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestShutdown_WaitsForRunningBatches(t *testing.T) {
	var finished atomic.Bool
	p := NewPool("test-worker", funcRunner(func(_ context.Context, _ processor.Job) error {
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	}), 1)

	require.NoError(t, p.Submit(processor.Job{TaskID: "t1"}))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.True(t, finished.Load())
}

func TestShutdown_TimeoutCancelsBatches(t *testing.T) {
	r := newBlockingRunner()
	p := NewPool("test-worker", r, 1)

	require.NoError(t, p.Submit(processor.Job{TaskID: "running"}))
	require.NoError(t, p.Submit(processor.Job{TaskID: "waiting"}))
	require.Eventually(t, func() bool { return p.Active() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Active())
	assert.Equal(t, []string{"running"}, r.Seen(), "batches still waiting for a slot are abandoned")
}

type panickingTransformer struct{}

func (panickingTransformer) Transform(context.Context, media.Request) error {
	panic("boom")
}

type fixedDuration time.Duration

func (d fixedDuration) Duration(context.Context, string) (time.Duration, error) {
	return time.Duration(d), nil
}

func TestRun_RecoversFromPanic(t *testing.T) {
	p := NewPool("test-worker", funcRunner(func(_ context.Context, _ processor.Job) error {
		panic("boom")
	}), 1)

	require.NoError(t, p.Submit(processor.Job{TaskID: "t1"}))
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 0, p.Active())
}

func TestRun_PanickingBatchIsMarkedFailed(t *testing.T) {
	ctx := context.Background()
	m := manager.New(store.NewMemoryStore(), nil)
	outputs, err := output.NewStore(t.TempDir())
	require.NoError(t, err)
	l := ledger.New(ledger.NewMemoryStore(map[string]int{"user1": 5}))
	proc := processor.New(m, outputs, panickingTransformer{}, fixedDuration(10*time.Second), l, processor.Options{})

	tsk, err := m.CreateTask(ctx, "user1", 2)
	require.NoError(t, err)

	p := NewPool("test-worker", proc, 1)
	require.NoError(t, p.Submit(processor.Job{
		TaskID:        tsk.ID,
		UserID:        "user1",
		PrimaryPath:   "primary.mp4",
		SecondaryPath: "secondary.mp4",
		TotalItems:    2,
	}))
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, 0, p.Active())

	got, err := m.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTerminal(), "a panicking batch must not stay running")
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "boom")

	balance, err := l.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
}
