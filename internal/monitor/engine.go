// Package monitor owns the dashboard session and drives the
// detect, dedup and dispatch cycle.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/dispatcher"
	"github.com/JakeFAU/callrelay/internal/metrics"
	"github.com/JakeFAU/callrelay/internal/retry"
)

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("monitor already running")

// SessionFactory opens a fresh dashboard session.
type SessionFactory interface {
	NewSession(ctx context.Context) (calls.Session, error)
}

// Extractor turns a dashboard snapshot into records not yet dispatched.
type Extractor interface {
	Extract(html []byte) ([]calls.Record, error)
}

// Dispatcher accepts batches without waiting for them.
type Dispatcher interface {
	Submit(batch ...dispatcher.Task) error
	Active() int
}

// Ledger is the dispatched-id set.
type Ledger interface {
	Mark(id string) bool
	Len() int
}

// Alerter sends operator alerts including the connection templates.
type Alerter interface {
	calls.Alerter
	ConnectionLost(ctx context.Context, reason string) error
	ConnectionRestored(ctx context.Context) error
}

// Settings exposes operator-tunable values that may change while running.
type Settings interface {
	RetryDelay() time.Duration
}

// Config tunes the loop.
type Config struct {
	PollInterval  time.Duration
	MaxErrors     int
	LoginAttempts int
	ErrorPause    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = 5
	}
	if c.LoginAttempts <= 0 {
		c.LoginAttempts = 3
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = 10 * time.Second
	}
	return c
}

// Status is a read-only view of the loop.
type Status struct {
	Monitoring        bool                  `json:"monitoring"`
	State             calls.ConnectionState `json:"state"`
	Processed         int                   `json:"processed"`
	ConsecutiveErrors int                   `json:"consecutive_errors"`
	IssueReported     bool                  `json:"issue_reported"`
	LastCycle         time.Time             `json:"last_cycle,omitempty"`
	ActiveCalls       int                   `json:"active_calls"`
}

// Deps groups the Engine collaborators.
type Deps struct {
	Sessions   SessionFactory
	Extractor  Extractor
	Ledger     Ledger
	Notifier   calls.Notifier
	Dispatcher Dispatcher
	Alerter    Alerter
	Settings   Settings
	IDs        calls.IDGenerator
}

// Engine is the monitoring state machine. The loop goroutine is the only
// writer of the session, the ledger and the connection state.
type Engine struct {
	cfg  Config
	deps Deps

	sleep        retry.SleepFunc
	onTransition func(from, to calls.ConnectionState)
	logger       *zap.Logger

	// loop-owned
	session       calls.Session
	issueReported bool
	consecutive   int

	mu        sync.RWMutex
	state     calls.ConnectionState
	running   bool
	lastCycle time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	crashed   chan error
}

// Option customises an Engine.
type Option func(*Engine)

// WithSleep replaces the wall-clock sleep between cycles and retries.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithTransitionHook is called on every connection state change.
func WithTransitionHook(fn func(from, to calls.ConnectionState)) Option {
	return func(e *Engine) { e.onTransition = fn }
}

// New builds an Engine.
func New(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if deps.Sessions == nil || deps.Extractor == nil || deps.Ledger == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("sessions, extractor, ledger and dispatcher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		sleep:  retry.Sleep,
		logger: logger,
		state:  calls.StateDisconnected,

		crashed: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start launches the loop in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.running = true
	e.cancel = cancel
	e.done = done
	e.err = nil
	e.mu.Unlock()

	go func() {
		err := e.run(loopCtx)
		// running clears only after err is recorded so a following Start
		// cannot have its state overwritten by this loop.
		e.mu.Lock()
		e.err = err
		e.running = false
		e.mu.Unlock()
		close(done)
		if err != nil {
			select {
			case e.crashed <- err:
			default:
			}
		}
	}()
	return nil
}

// Stop cancels the loop and waits for it to exit or ctx to end.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	cancel, done := e.cancel, e.done
	e.mu.RUnlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop monitor: %w", ctx.Err())
	}
}

// Done is closed when the loop started by Start exits.
func (e *Engine) Done() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.done
}

// Crashed delivers the error of a loop started by Start that ended in a
// recovered panic. Normal stops send nothing.
func (e *Engine) Crashed() <-chan error {
	return e.crashed
}

// Err returns the error that ended the last loop, if any.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Run blocks until ctx ends or the loop crashes.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-e.Done()
	return e.Err()
}

// Status returns a snapshot of the loop state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Monitoring:        e.running,
		State:             e.state,
		Processed:         e.deps.Ledger.Len(),
		ConsecutiveErrors: e.consecutive,
		IssueReported:     e.issueReported,
		LastCycle:         e.lastCycle,
		ActiveCalls:       e.deps.Dispatcher.Active(),
	}
}

func (e *Engine) run(ctx context.Context) (err error) {
	e.logger.Info("monitoring started")
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("monitor crashed", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			e.alert(context.WithoutCancel(ctx), "Fatal crash", fmt.Sprint(r))
			err = fmt.Errorf("monitor panic: %v", r)
		}
		e.teardown()
		e.logger.Info("monitoring stopped")
	}()

	for ctx.Err() == nil {
		if e.session == nil {
			if !e.connect(ctx) {
				e.setErrors(e.consecutive + 1)
				e.pause(ctx, e.retryDelay())
			}
			continue
		}
		e.cycle(ctx)
	}
	return nil
}

// connect opens a session and logs in; it reports success.
func (e *Engine) connect(ctx context.Context) bool {
	e.setState(calls.StateAuthenticating)
	session, err := e.deps.Sessions.NewSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.logger.Error("session init failed", zap.Error(err))
		e.reportLost(ctx, fmt.Sprintf("Driver init/login error: %v", err))
		e.setState(calls.StateDisconnected)
		return false
	}
	if err := e.login(ctx, session); err != nil {
		session.Close()
		if ctx.Err() != nil {
			return false
		}
		e.logger.Error("login failed", zap.Int("attempts", e.cfg.LoginAttempts), zap.Error(err))
		e.reportLost(ctx, fmt.Sprintf("Login failed after %d attempts", e.cfg.LoginAttempts))
		e.setState(calls.StateDisconnected)
		return false
	}
	e.session = session
	e.recovered(ctx)
	e.setErrors(0)
	return true
}

func (e *Engine) login(ctx context.Context, session calls.Session) error {
	policy := retry.Policy{
		Attempts: e.cfg.LoginAttempts,
		Schedule: retry.Constant(e.retryDelay()),
		Sleep:    e.sleep,
	}
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		e.logger.Info("login attempt", zap.Int("attempt", attempt), zap.Int("of", e.cfg.LoginAttempts))
		if err := session.Login(ctx); err != nil {
			e.logger.Warn("login attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("login attempt %d: %w", attempt, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dashboard login: %w", err)
	}
	return nil
}

func (e *Engine) cycle(ctx context.Context) {
	logger := e.logger.With(zap.String("cycle_id", e.newID()))
	snap, err := e.session.FetchDashboard(ctx)
	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, calls.ErrSessionExpired):
		metrics.ObserveCycle("session_expired")
		e.handleExpired(ctx, logger)
		return
	case err != nil:
		metrics.ObserveCycle("transport_error")
		e.handleTransport(ctx, logger, err)
		return
	}

	if err := e.detectAndDispatch(ctx, logger, snap); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.ObserveCycle("error")
		e.handleCycleError(ctx, logger, err)
		return
	}
	metrics.ObserveCycle("ok")
	e.setErrors(0)
	e.pause(ctx, e.cfg.PollInterval)
}

func (e *Engine) handleExpired(ctx context.Context, logger *zap.Logger) {
	logger.Warn("session expired, reconnecting")
	e.setState(calls.StateAuthenticating)
	e.reportLost(ctx, "Session expired")
	if err := e.login(ctx, e.session); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.setErrors(e.consecutive + 1)
		logger.Error("re-login failed", zap.Int("consecutive_errors", e.consecutive), zap.Error(err))
		if e.consecutive >= e.cfg.MaxErrors {
			e.connectionLost(ctx, fmt.Sprintf("Max errors (%d)", e.cfg.MaxErrors))
			e.teardown()
			return
		}
		e.pause(ctx, e.retryDelay())
		return
	}
	e.setErrors(0)
	e.recovered(ctx)
}

func (e *Engine) handleTransport(ctx context.Context, logger *zap.Logger, err error) {
	e.setErrors(e.consecutive + 1)
	e.setState(calls.StateDegraded)
	logger.Error("connection check failed", zap.Int("consecutive_errors", e.consecutive), zap.Error(err))
	e.reportLost(ctx, fmt.Sprintf("Connection check failed: %v", err))
	if e.consecutive >= e.cfg.MaxErrors {
		e.connectionLost(ctx, fmt.Sprintf("Max errors reached (%d) - restarting", e.consecutive))
		e.teardown()
		return
	}
	e.pause(ctx, e.retryDelay())
}

func (e *Engine) handleCycleError(ctx context.Context, logger *zap.Logger, err error) {
	e.setErrors(e.consecutive + 1)
	e.setState(calls.StateDegraded)
	logger.Error("monitoring error", zap.Int("consecutive_errors", e.consecutive), zap.Error(err))
	if e.consecutive >= e.cfg.MaxErrors {
		e.connectionLost(ctx, fmt.Sprintf("Too many errors: %v - restarting session", err))
		e.teardown()
		e.setErrors(0)
		return
	}
	e.pause(ctx, e.cfg.ErrorPause)
}

func (e *Engine) detectAndDispatch(ctx context.Context, logger *zap.Logger, snap calls.Snapshot) error {
	cookies, err := e.session.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("snapshot cookies: %w", err)
	}
	records, err := e.deps.Extractor.Extract(snap.HTML)
	if err != nil {
		return fmt.Errorf("extract records: %w", err)
	}
	e.recovered(ctx)

	e.mu.Lock()
	e.lastCycle = snap.FetchedAt
	e.mu.Unlock()

	if len(records) == 0 {
		return nil
	}
	tasks := make([]dispatcher.Task, 0, len(records))
	for _, rec := range records {
		if !e.deps.Ledger.Mark(rec.ID) {
			continue
		}
		handle := calls.NoNotification
		if e.deps.Notifier != nil {
			h, err := e.deps.Notifier.NotifyNew(ctx, rec)
			if err != nil {
				logger.Warn("instant notification failed", zap.String("call_id", rec.ID), zap.Error(err))
			} else {
				handle = h
			}
		}
		tasks = append(tasks, dispatcher.Task{Record: rec, Cookies: cookies, Handle: handle})
	}
	if len(tasks) == 0 {
		return nil
	}
	logger.Info("new calls found", zap.Int("count", len(tasks)))
	if err := e.deps.Dispatcher.Submit(tasks...); err != nil {
		logger.Error("dispatch failed", zap.Int("count", len(tasks)), zap.Error(err))
	}
	return nil
}

// reportLost sends "connection lost" once per episode.
func (e *Engine) reportLost(ctx context.Context, reason string) {
	if e.issueReported {
		return
	}
	e.connectionLost(ctx, reason)
}

func (e *Engine) connectionLost(ctx context.Context, reason string) {
	e.setIssue(true)
	if e.deps.Alerter == nil {
		return
	}
	metrics.ObserveAlert("connection_lost")
	if err := e.deps.Alerter.ConnectionLost(ctx, reason); err != nil {
		e.logger.Warn("connection lost alert failed", zap.Error(err))
	}
}

// recovered marks the session healthy and sends "connection restored" once.
func (e *Engine) recovered(ctx context.Context) {
	e.setState(calls.StateConnected)
	if !e.issueReported {
		return
	}
	e.setIssue(false)
	if e.deps.Alerter == nil {
		return
	}
	metrics.ObserveAlert("connection_restored")
	if err := e.deps.Alerter.ConnectionRestored(ctx); err != nil {
		e.logger.Warn("connection restored alert failed", zap.Error(err))
	}
}

func (e *Engine) alert(ctx context.Context, title, detail string) {
	if e.deps.Alerter == nil {
		return
	}
	metrics.ObserveAlert(title)
	if err := e.deps.Alerter.Alert(ctx, title, detail); err != nil {
		e.logger.Warn("operator alert failed", zap.String("title", title), zap.Error(err))
	}
}

func (e *Engine) teardown() {
	if e.session != nil {
		e.session.Close()
		e.session = nil
	}
	e.setState(calls.StateDisconnected)
}

func (e *Engine) setState(to calls.ConnectionState) {
	e.mu.Lock()
	from := e.state
	e.state = to
	e.mu.Unlock()
	if from == to {
		return
	}
	e.logger.Info("connection state changed", zap.String("from", string(from)), zap.String("state", string(to)))
	metrics.SetState(string(to))
	if e.onTransition != nil {
		e.onTransition(from, to)
	}
}

func (e *Engine) setErrors(n int) {
	e.mu.Lock()
	e.consecutive = n
	e.mu.Unlock()
}

func (e *Engine) setIssue(v bool) {
	e.mu.Lock()
	e.issueReported = v
	e.mu.Unlock()
}

func (e *Engine) retryDelay() time.Duration {
	if e.deps.Settings == nil {
		return 30 * time.Second
	}
	return e.deps.Settings.RetryDelay()
}

func (e *Engine) pause(ctx context.Context, d time.Duration) {
	if err := e.sleep(ctx, d); err != nil {
		e.logger.Debug("pause interrupted", zap.Error(err))
	}
}

func (e *Engine) newID() string {
	if e.deps.IDs == nil {
		return ""
	}
	id, err := e.deps.IDs.NewID()
	if err != nil {
		return ""
	}
	return id
}
