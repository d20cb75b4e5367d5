// Package headless drives the dashboard through a real browser via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
)

// Session errors re-exported for callers that only import this package.
var (
	ErrLoginRejected  = calls.ErrLoginRejected
	ErrSessionExpired = calls.ErrSessionExpired
	errClosed         = errors.New("browser session closed")
)

const (
	emailSelector    = `input[name="email"]`
	passwordSelector = `input[name="password"]`
	submitSelector   = `button[type="submit"]`
)

// Config controls the dashboard browser session.
type Config struct {
	LoginURL          string
	CallsURL          string
	Email             string
	Password          string
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
	PageSettle        time.Duration
	LoginSettle       time.Duration
	DebugSnapshotPath string
}

// Session implements calls.Session using chromedp and headless Chrome.
// It is owned by the monitor goroutine and is not safe for concurrent use.
type Session struct {
	cfg    Config
	logger *zap.Logger

	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc
	meta        *responseMeta
	closed      bool
}

// New validates cfg and returns a Session. Chrome is launched on first use.
func New(cfg Config, logger *zap.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.LoginURL) == "" || strings.TrimSpace(cfg.CallsURL) == "" {
		return nil, fmt.Errorf("login and calls urls are required")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.PageSettle < 0 {
		cfg.PageSettle = 0
	}
	if cfg.LoginSettle <= 0 {
		cfg.LoginSettle = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{cfg: cfg, logger: logger}, nil
}

// Factory builds fresh sessions for the monitor.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory returns a Factory producing sessions from cfg.
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// NewSession implements the monitor session factory.
func (f *Factory) NewSession(_ context.Context) (calls.Session, error) {
	return New(f.cfg, f.logger)
}

func (s *Session) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1920, 1080),
	)
	if s.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(s.cfg.UserAgent))
	}
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	return opts
}

func (s *Session) ensureBrowser(ctx context.Context) error {
	if s.closed {
		return errClosed
	}
	if s.tab != nil {
		return nil
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), s.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	startCtx, cancel := context.WithTimeout(tabCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(startCtx, s.networkSetupAction()); err != nil {
		tabCancel()
		allocCancel()
		return fmt.Errorf("start browser: %w", err)
	}
	s.allocCancel = allocCancel
	s.tab = tabCtx
	s.tabCancel = tabCancel
	s.meta = meta
	s.logger.Info("browser started", zap.String("exec_path", s.cfg.ExecPath))
	return nil
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// run executes actions on the tab bounded by the navigation timeout and ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := s.ensureBrowser(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(s.tab, s.cfg.NavigationTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Login submits the credential form once and checks where the browser landed.
func (s *Session) Login(ctx context.Context) error {
	var location string
	err := s.run(ctx,
		chromedp.Navigate(s.cfg.LoginURL),
		chromedp.WaitVisible(emailSelector, chromedp.ByQuery),
		chromedp.Clear(emailSelector, chromedp.ByQuery),
		chromedp.SendKeys(emailSelector, s.cfg.Email, chromedp.ByQuery),
		chromedp.Clear(passwordSelector, chromedp.ByQuery),
		chromedp.SendKeys(passwordSelector, s.cfg.Password, chromedp.ByQuery),
		chromedp.Click(submitSelector, chromedp.ByQuery),
		chromedp.Sleep(s.cfg.LoginSettle),
		chromedp.Location(&location),
	)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if IsLoginURL(location) {
		return fmt.Errorf("%w: landed on %s", ErrLoginRejected, location)
	}
	s.logger.Info("dashboard login succeeded", zap.String("location", location))
	return nil
}

// FetchDashboard loads the calls page and returns its rendered DOM.
func (s *Session) FetchDashboard(ctx context.Context) (calls.Snapshot, error) {
	var (
		html     string
		location string
	)
	start := time.Now()
	err := s.run(ctx,
		chromedp.Navigate(s.cfg.CallsURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.PageSettle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return calls.Snapshot{}, fmt.Errorf("fetch dashboard: %w", err)
	}
	if IsLoginURL(location) {
		return calls.Snapshot{}, fmt.Errorf("%w: redirected to %s", ErrSessionExpired, location)
	}
	status, _, responseURL := s.meta.snapshotWithFallbacks(s.cfg.CallsURL, location)
	snap := calls.Snapshot{
		URL:        responseURL,
		StatusCode: status,
		HTML:       []byte(html),
		FetchedAt:  time.Now().UTC(),
		Elapsed:    time.Since(start),
	}
	s.writeDebugSnapshot(snap.HTML)
	return snap, nil
}

// Cookies returns the browser cookies scoped to the calls page.
func (s *Session) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().WithURLs([]string{s.cfg.CallsURL}).Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		raw = cookies
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return toHTTPCookies(raw), nil
}

// Close shuts the tab and the browser process.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.tabCancel != nil {
		s.tabCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.tab = nil
}

func (s *Session) writeDebugSnapshot(html []byte) {
	path := s.cfg.DebugSnapshotPath
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		s.logger.Debug("debug snapshot dir failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, html, 0o600); err != nil {
		s.logger.Debug("debug snapshot write failed", zap.Error(err))
	}
}

// IsLoginURL reports whether location points at the login page.
func IsLoginURL(location string) bool {
	return strings.Contains(strings.ToLower(location), "login")
}

func toHTTPCookies(raw []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		if c == nil {
			continue
		}
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	if m == nil {
		return http.StatusOK, http.Header{}, firstNonEmpty(finalURL, requestURL)
	}
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	if url == "" {
		url = firstNonEmpty(finalURL, requestURL)
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
