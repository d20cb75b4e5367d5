// Package acquire waits for a call recording to finish growing on the remote
// endpoint, downloads it and checks that it is long enough to be useful.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/retry"
)

var (
	// ErrNotAudio is returned when the endpoint answers with a non-audio payload.
	ErrNotAudio = errors.New("response is not audio")
	// ErrNoToken is returned for records without a valid recording token.
	ErrNoToken = errors.New("record has no valid recording token")
)

// Config tunes stability waits and the download-and-verify loop.
type Config struct {
	SoundURL            string
	Referer             string
	UserAgent           string
	WorkDir             string
	InitialStableChecks int
	InitialMaxWait      time.Duration
	InterimStableChecks int
	InterimMaxWait      time.Duration
	ProbeInterval       time.Duration
	TargetDuration      time.Duration
	MaxAttempts         int
	BackoffStep         time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialStableChecks <= 0 {
		c.InitialStableChecks = 6
	}
	if c.InitialMaxWait <= 0 {
		c.InitialMaxWait = 120 * time.Second
	}
	if c.InterimStableChecks <= 0 {
		c.InterimStableChecks = 4
	}
	if c.InterimMaxWait <= 0 {
		c.InterimMaxWait = 45 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Second
	}
	if c.TargetDuration <= 0 {
		c.TargetDuration = 6500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = 2 * time.Second
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	return c
}

// Poller implements calls.Acquirer.
type Poller struct {
	cfg     Config
	fetcher calls.AudioFetcher
	prober  calls.DurationProber
	backoff retry.Policy
	sleep   retry.SleepFunc
	now     func() time.Time
	logger  *zap.Logger
}

// Option customises a Poller.
type Option func(*Poller)

// WithSleep replaces the wall-clock sleep used between probes and attempts.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(p *Poller) {
		p.sleep = sleep
		p.backoff.Sleep = sleep
	}
}

// WithClock replaces the source of the cache-busting timestamp.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New builds a Poller.
func New(
	cfg Config,
	fetcher calls.AudioFetcher,
	prober calls.DurationProber,
	logger *zap.Logger,
	opts ...Option,
) (*Poller, error) {
	if strings.TrimSpace(cfg.SoundURL) == "" {
		return nil, fmt.Errorf("sound url is required")
	}
	if _, err := url.Parse(cfg.SoundURL); err != nil {
		return nil, fmt.Errorf("parse sound url: %w", err)
	}
	if fetcher == nil || prober == nil {
		return nil, fmt.Errorf("fetcher and duration prober are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	p := &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		prober:  prober,
		backoff: retry.Policy{
			Attempts: cfg.MaxAttempts,
			Schedule: retry.Linear(cfg.BackoffStep),
			Sleep:    retry.Sleep,
		},
		sleep:  retry.Sleep,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Acquire waits for the recording to settle, downloads it and re-downloads
// while it is shorter than the target. The last file is returned even when
// it never reaches the target.
func (p *Poller) Acquire(ctx context.Context, record calls.Record, cookies []*http.Cookie) (calls.Recording, error) {
	if !calls.ValidToken(record.RecordingToken) {
		return calls.Recording{}, fmt.Errorf("%w: call %s", ErrNoToken, record.ID)
	}
	logger := p.logger.With(zap.String("call_id", record.ID), zap.String("token", record.RecordingToken))
	build := func() calls.FetchRequest { return p.request(record, cookies) }

	logger.Info("waiting for recording")
	stab, err := p.WaitSizeStable(ctx, build, p.cfg.InitialStableChecks, p.cfg.InitialMaxWait)
	if err != nil {
		return calls.Recording{}, err
	}
	p.logStability(logger, "initial", stab)

	var (
		rec    calls.Recording
		probes = stab.Probes
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			interim, err := p.WaitSizeStable(ctx, build, p.cfg.InterimStableChecks, p.cfg.InterimMaxWait)
			if err != nil {
				return rec, err
			}
			probes += interim.Probes
			p.logStability(logger, "interim", interim)
			if err := p.backoff.Pause(ctx, attempt-1); err != nil {
				return rec, fmt.Errorf("acquire backoff: %w", err)
			}
		}
		next, err := p.download(ctx, record, build())
		if err != nil {
			// rec still names the previous attempt's file so the caller can remove it.
			return rec, err
		}
		rec = next
		rec.Attempts = attempt
		rec.Probes = probes
		rec.Duration = p.measure(ctx, logger, rec.Path)
		logger.Info("recording downloaded",
			zap.Int("attempt", attempt),
			zap.String("size", humanize.Bytes(uint64(rec.Bytes))),
			zap.Duration("duration", rec.Duration),
		)
		if !rec.Short(p.cfg.TargetDuration) {
			return rec, nil
		}
	}
	logger.Warn("recording still short after final attempt",
		zap.Int("attempts", rec.Attempts),
		zap.Duration("duration", rec.Duration),
		zap.Duration("target", p.cfg.TargetDuration),
	)
	return rec, nil
}

func (p *Poller) measure(ctx context.Context, logger *zap.Logger, path string) time.Duration {
	dur, err := p.prober.Probe(ctx, path)
	if err != nil {
		logger.Warn("duration probe failed", zap.String("path", path), zap.Error(err))
		return 0
	}
	return dur
}

func (p *Poller) download(ctx context.Context, record calls.Record, req calls.FetchRequest) (calls.Recording, error) {
	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return calls.Recording{}, fmt.Errorf("download recording: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return calls.Recording{}, fmt.Errorf("download recording: unexpected status %d", resp.StatusCode)
	}
	ctype := resp.ContentType()
	if !strings.Contains(strings.ToLower(ctype), "audio") {
		return calls.Recording{}, fmt.Errorf("%w: content type %q", ErrNotAudio, ctype)
	}
	if err := os.MkdirAll(p.cfg.WorkDir, 0o750); err != nil {
		return calls.Recording{}, fmt.Errorf("create work dir: %w", err)
	}
	path := filepath.Join(p.cfg.WorkDir, fileName(record.ID, ctype))
	if err := os.WriteFile(path, resp.Body, 0o600); err != nil {
		return calls.Recording{}, fmt.Errorf("write recording: %w", err)
	}
	return calls.Recording{
		Path:        path,
		ContentType: ctype,
		Bytes:       int64(len(resp.Body)),
	}, nil
}

func (p *Poller) request(record calls.Record, cookies []*http.Cookie) calls.FetchRequest {
	return calls.FetchRequest{
		URL:     SoundURL(p.cfg.SoundURL, record.Destination, record.RecordingToken, p.now()),
		Headers: p.headers(),
		Cookies: cookies,
	}
}

func (p *Poller) headers() http.Header {
	h := http.Header{}
	if p.cfg.UserAgent != "" {
		h.Set("User-Agent", p.cfg.UserAgent)
	}
	if p.cfg.Referer != "" {
		h.Set("Referer", p.cfg.Referer)
	}
	h.Set("Accept", "*/*")
	h.Set("Accept-Encoding", "identity")
	h.Set("Cache-Control", "no-cache")
	return h
}

func (p *Poller) logStability(logger *zap.Logger, phase string, s Stability) {
	fields := []zap.Field{
		zap.String("phase", phase),
		zap.Bool("stable", s.Stable),
		zap.Int("probes", s.Probes),
		zap.Duration("waited", s.Waited),
	}
	if s.Known {
		fields = append(fields, zap.String("size", humanize.Bytes(uint64(s.Size))))
	}
	logger.Debug("stability wait finished", fields...)
}

// SoundURL builds the recording locator with a cache-busting timestamp.
func SoundURL(base, destination, token string, at time.Time) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("did", destination)
	q.Set("uuid", token)
	q.Set("_ts", strconv.FormatInt(at.Unix(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func fileName(callID, contentType string) string {
	ext := "mp3"
	if strings.Contains(strings.ToLower(contentType), "wav") {
		ext = "wav"
	}
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '-'
		}
		return r
	}, callID)
	return fmt.Sprintf("call_%s.%s", safe, ext)
}
