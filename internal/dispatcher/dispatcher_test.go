package dispatcher

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/callrelay/internal/calls"
)

type blockingRunner struct {
	release  chan struct{}
	started  chan string
	running  atomic.Int64
	peak     atomic.Int64
	mu       sync.Mutex
	seen     map[string]int
	succeeds bool
}

func newBlockingRunner(succeeds bool) *blockingRunner {
	return &blockingRunner{
		release:  make(chan struct{}),
		started:  make(chan string, 64),
		seen:     map[string]int{},
		succeeds: succeeds,
	}
}

func (r *blockingRunner) Process(ctx context.Context, record calls.Record, _ []*http.Cookie, _ calls.NotificationHandle) calls.Outcome {
	n := r.running.Add(1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	r.mu.Lock()
	r.seen[record.ID]++
	r.mu.Unlock()
	r.started <- record.ID
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	r.running.Add(-1)
	return calls.Outcome{CallID: record.ID, Success: r.succeeds}
}

func task(id string) Task {
	return Task{Record: calls.Record{ID: id}}
}

// TestSubmitDoesNotBlock returns before any task finishes.
func TestSubmitDoesNotBlock(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner(true)
	pool := New(context.Background(), runner, 4, nil)

	done := make(chan error, 1)
	go func() { done <- pool.Submit(task("a"), task("b"), task("c")) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit blocked on running tasks")
	}

	for range 3 {
		<-runner.started
	}
	require.Equal(t, 3, pool.Active())
	close(runner.release)
	require.NoError(t, pool.Close(context.Background()))
	completed, failed := pool.Stats()
	require.Equal(t, int64(3), completed)
	require.Zero(t, failed)
	require.Zero(t, pool.Active())
}

// TestCapacityBound never runs more tasks at once than the pool allows.
func TestCapacityBound(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner(false)
	pool := New(context.Background(), runner, 2, nil)
	require.NoError(t, pool.Submit(task("a"), task("b"), task("c"), task("d"), task("e")))

	<-runner.started
	<-runner.started
	require.Eventually(t, func() bool { return pool.Pending() == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, pool.Active())

	close(runner.release)
	require.NoError(t, pool.Close(context.Background()))
	require.LessOrEqual(t, runner.peak.Load(), int64(2))
	_, failed := pool.Stats()
	require.Equal(t, int64(5), failed)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.Equal(t, 1, runner.seen[id])
	}
}

func TestSubmitAfterClose(t *testing.T) {
	t.Parallel()

	pool := New(context.Background(), newBlockingRunner(true), 1, nil)
	require.NoError(t, pool.Close(context.Background()))
	require.ErrorIs(t, pool.Submit(task("a")), ErrPoolClosed)
}

func TestCloseHonoursDeadline(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner(true)
	pool := New(context.Background(), runner, 1, nil)
	require.NoError(t, pool.Submit(task("a")))
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pool.Close(ctx), context.DeadlineExceeded)
	close(runner.release)
}

// TestCanceledContextAbandonsQueuedTasks drops tasks still waiting for a slot.
func TestCanceledContextAbandonsQueuedTasks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	runner := newBlockingRunner(true)
	pool := New(ctx, runner, 1, nil)
	require.NoError(t, pool.Submit(task("a"), task("b")))
	<-runner.started

	cancel()
	require.NoError(t, pool.Close(context.Background()))
	require.Len(t, runner.seen, 1)
	require.Zero(t, pool.Pending())
}

func TestDefaultCapacity(t *testing.T) {
	t.Parallel()

	pool := New(context.Background(), newBlockingRunner(true), 0, nil)
	require.Equal(t, DefaultCapacity, cap(pool.sem))
}
