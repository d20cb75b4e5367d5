// Package dispatcher fans detected calls out to call processors without
// blocking the monitoring loop.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
)

// DefaultCapacity bounds simultaneously running processors.
const DefaultCapacity = 500

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("dispatch pool closed")

// Runner processes one call.
type Runner interface {
	Process(ctx context.Context, record calls.Record, cookies []*http.Cookie, handle calls.NotificationHandle) calls.Outcome
}

// Task is one record handed to the pool together with the immutable cookie
// snapshot and the instant notification handle.
type Task struct {
	Record  calls.Record
	Cookies []*http.Cookie
	Handle  calls.NotificationHandle
}

// Pool runs tasks with a fixed concurrency ceiling. Submit returns
// immediately; tasks beyond the ceiling wait for a free slot.
type Pool struct {
	runner Runner
	ctx    context.Context
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	active    atomic.Int64
	pending   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	logger *zap.Logger
}

// New creates a Pool whose tasks run under ctx.
func New(ctx context.Context, runner Runner, capacity int, logger *zap.Logger) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		runner: runner,
		ctx:    ctx,
		sem:    make(chan struct{}, capacity),
		logger: logger,
	}
}

// Submit schedules every task in the batch.
func (p *Pool) Submit(batch ...Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	for _, task := range batch {
		p.wg.Add(1)
		p.pending.Add(1)
		go p.run(task)
	}
	if len(batch) > 0 {
		p.logger.Debug("batch dispatched", zap.Int("tasks", len(batch)), zap.Int64("active", p.active.Load()))
	}
	return nil
}

func (p *Pool) run(task Task) {
	defer p.wg.Done()
	select {
	case p.sem <- struct{}{}:
	case <-p.ctx.Done():
		p.pending.Add(-1)
		p.logger.Warn("task abandoned before start", zap.String("call_id", task.Record.ID))
		return
	}
	p.pending.Add(-1)
	defer func() { <-p.sem }()
	if p.ctx.Err() != nil {
		p.logger.Warn("task abandoned before start", zap.String("call_id", task.Record.ID))
		return
	}
	p.active.Add(1)
	defer p.active.Add(-1)

	out := p.runner.Process(p.ctx, task.Record, task.Cookies, task.Handle)
	if out.Success {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
	}
}

// Active reports tasks currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Pending reports tasks waiting for a free slot.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Stats returns completed and failed task counts.
func (p *Pool) Stats() (completed, failed int64) {
	return p.completed.Load(), p.failed.Load()
}

// Close stops accepting tasks and waits for in-flight ones or ctx.
func (p *Pool) Close(ctx context.Context) error {
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
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain dispatch pool: %w", ctx.Err())
	}
}
