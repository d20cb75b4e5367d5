// Package processor runs the acquire-then-deliver pipeline for a single call.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/metrics"
)

// Alert titles sent to operators.
const (
	AlertDownloadFailed = "Download failed"
	AlertDeliverFailed  = "Telegram send failed"
	AlertProcessing     = "Call processing error"
)

// Event names published for each call.
const (
	EventDetected  = "call.detected"
	EventCompleted = "call.completed"
	EventFailed    = "call.failed"
)

// Config controls the optional archive and event side channels.
type Config struct {
	ArchivePrefix  string
	Topic          string
	TargetDuration time.Duration
}

// Processor implements the per-call pipeline. Archive, journal and events
// are optional and never change the outcome.
type Processor struct {
	acquirer  calls.Acquirer
	deliverer calls.Deliverer
	alerter   calls.Alerter
	journal   calls.Journal
	blobs     calls.BlobStore
	publisher calls.Publisher
	hasher    calls.Hasher
	clock     calls.Clock
	cfg       Config
	logger    *zap.Logger
}

// Deps groups the collaborators of a Processor.
type Deps struct {
	Acquirer  calls.Acquirer
	Deliverer calls.Deliverer
	Alerter   calls.Alerter
	Journal   calls.Journal
	Blobs     calls.BlobStore
	Publisher calls.Publisher
	Hasher    calls.Hasher
	Clock     calls.Clock
}

// New constructs a Processor.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Processor, error) {
	if deps.Acquirer == nil || deps.Deliverer == nil {
		return nil, fmt.Errorf("acquirer and deliverer are required")
	}
	if deps.Blobs != nil && deps.Hasher == nil {
		return nil, fmt.Errorf("archive requires a hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TargetDuration <= 0 {
		cfg.TargetDuration = 6500 * time.Millisecond
	}
	return &Processor{
		acquirer:  deps.Acquirer,
		deliverer: deps.Deliverer,
		alerter:   deps.Alerter,
		journal:   deps.Journal,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

func (p *Processor) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now()
}

// Process acquires and delivers one call. It never panics and never retries;
// failures become operator alerts and a failed Outcome.
func (p *Processor) Process(
	ctx context.Context,
	record calls.Record,
	cookies []*http.Cookie,
	handle calls.NotificationHandle,
) (out calls.Outcome) {
	out = calls.Outcome{CallID: record.ID, Token: record.RecordingToken, StartedAt: p.now()}
	logger := p.logger.With(zap.String("call_id", record.ID))

	metrics.IncActiveCalls()
	defer func() {
		if r := recover(); r != nil {
			stack := firstFrame(debug.Stack())
			logger.Error("call processor panic", zap.Any("panic", r), zap.String("frame", stack))
			out.Success = false
			out.Stage = calls.StagePanic
			out.Error = fmt.Sprint(r)
			p.alert(ctx, logger, AlertProcessing, fmt.Sprintf("%s: %v\n%s", record.ID, r, stack))
		}
		metrics.DecActiveCalls()
		p.finish(ctx, logger, record, &out)
	}()

	logger.Info("processing call", zap.String("token", record.RecordingToken))
	p.publish(ctx, logger, EventDetected, record, out)

	rec, err := p.acquirer.Acquire(ctx, record, cookies)
	out.Recording = rec
	if err != nil {
		p.discard(logger, rec.Path)
		p.fail(&out, calls.StageAcquire, err)
		logger.Error("acquisition failed", zap.Error(err))
		p.alert(ctx, logger, AlertDownloadFailed, fmt.Sprintf("Call %s audio was empty or unavailable.", record.ID))
		return out
	}
	if rec.Short(p.cfg.TargetDuration) {
		logger.Warn("delivering short recording",
			zap.Duration("duration", rec.Duration),
			zap.Duration("target", p.cfg.TargetDuration),
		)
	}

	out.ArchiveURI = p.archive(ctx, logger, record, rec)

	if err := p.deliverer.Deliver(ctx, rec.Path, record, handle); err != nil {
		p.fail(&out, calls.StageDeliver, err)
		logger.Error("delivery failed", zap.Error(err))
		p.alert(ctx, logger, AlertDeliverFailed, fmt.Sprintf("Call %s could not be delivered.", record.ID))
		return out
	}

	out.Success = true
	out.Stage = calls.StageDone
	logger.Info("call forwarded",
		zap.Int("attempts", rec.Attempts),
		zap.Duration("duration", rec.Duration),
	)
	return out
}

func (p *Processor) fail(out *calls.Outcome, stage string, err error) {
	out.Success = false
	out.Stage = stage
	out.Error = err.Error()
}

func (p *Processor) finish(ctx context.Context, logger *zap.Logger, record calls.Record, out *calls.Outcome) {
	out.FinishedAt = p.now()
	out.Elapsed = out.FinishedAt.Sub(out.StartedAt)
	metrics.ObserveCall(out.Success, out.Stage, out.Elapsed, out.Recording.Attempts, out.Recording.Bytes)

	if p.journal != nil {
		if err := p.journal.Record(ctx, *out); err != nil {
			logger.Warn("journal write failed", zap.Error(err))
		}
	}
	event := EventCompleted
	if !out.Success {
		event = EventFailed
	}
	p.publish(ctx, logger, event, record, *out)
}

func (p *Processor) alert(ctx context.Context, logger *zap.Logger, title, detail string) {
	if p.alerter == nil {
		return
	}
	metrics.ObserveAlert(title)
	if err := p.alerter.Alert(ctx, title, detail); err != nil {
		logger.Warn("operator alert failed", zap.String("title", title), zap.Error(err))
	}
}

func (p *Processor) archive(ctx context.Context, logger *zap.Logger, record calls.Record, rec calls.Recording) string {
	if p.blobs == nil || rec.Path == "" {
		return ""
	}
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		logger.Warn("archive read failed", zap.Error(err))
		return ""
	}
	hash, err := p.hasher.Hash(data)
	if err != nil {
		logger.Warn("archive hash failed", zap.Error(err))
		return ""
	}
	uri, err := p.blobs.PutObject(ctx, p.archivePath(record, hash, rec.Path), rec.ContentType, data)
	if err != nil {
		logger.Warn("archive upload failed", zap.Error(err))
		return ""
	}
	logger.Debug("recording archived", zap.String("uri", uri))
	return uri
}

func (p *Processor) archivePath(record calls.Record, hash, localPath string) string {
	day := p.now().Format("2006/01/02")
	name := fmt.Sprintf("%s/%s%s", sanitize(record.ID), hash, filepath.Ext(localPath))
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", day, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, day, name)
}

func (p *Processor) publish(ctx context.Context, logger *zap.Logger, event string, record calls.Record, out calls.Outcome) {
	if p.cfg.Topic == "" || p.publisher == nil {
		return
	}
	payload := map[string]any{
		"event":       event,
		"call_id":     record.ID,
		"termination": record.Termination,
		"destination": record.Destination,
		"caller_id":   record.CallerID,
		"token":       record.RecordingToken,
		"timestamp":   p.now().Format(time.RFC3339),
	}
	if event != EventDetected {
		payload["success"] = out.Success
		payload["stage"] = out.Stage
		payload["error"] = out.Error
		payload["attempts"] = out.Recording.Attempts
		payload["duration_ms"] = out.Recording.Duration.Milliseconds()
		payload["archive_uri"] = out.ArchiveURI
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
		logger.Warn("event publish failed", zap.String("event", event), zap.Error(err))
	}
}

func (p *Processor) discard(logger *zap.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("partial recording cleanup failed", zap.String("path", path), zap.Error(err))
	}
}

func sanitize(id string) string {
	return strings.NewReplacer("/", "-", "\\", "-", " ", "-").Replace(id)
}

// firstFrame keeps the panicking frame from a stack dump.
func firstFrame(stack []byte) string {
	lines := strings.Split(string(stack), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "panic(") && i+3 < len(lines) {
			return strings.TrimSpace(lines[i+2]) + " " + strings.TrimSpace(lines[i+3])
		}
	}
	if len(lines) > 1 {
		return strings.TrimSpace(lines[1])
	}
	return ""
}
