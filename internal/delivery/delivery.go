// Package delivery forwards recordings and operator alerts to Telegram.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/retry"
)

// ErrEmptyFile is returned when a recording never becomes readable.
var ErrEmptyFile = errors.New("recording file is missing or empty")

// Messenger is the subset of the Bot API the relay uses.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string) (int64, error)
	SendVoice(ctx context.Context, chatID, path, caption string, duration time.Duration) (int64, error)
	DeleteMessage(ctx context.Context, chatID string, messageID int64) error
}

// Transcoder turns downloads into padded voice notes.
type Transcoder interface {
	ToOggOpus(ctx context.Context, input string) (string, error)
	PadTail(ctx context.Context, input string) (string, error)
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// Config controls captions and the transcoding pipeline.
type Config struct {
	ChatID    string
	AdminIDs  []string
	Location  *time.Location
	Transcode bool
	// Readiness bounds the wait for a file to appear on disk.
	Readiness retry.Policy
}

// Service implements calls.Notifier, calls.Deliverer and calls.Alerter.
type Service struct {
	cfg        Config
	messenger  Messenger
	transcoder Transcoder
	clock      calls.Clock
	ids        calls.IDGenerator
	logger     *zap.Logger
}

// New builds a Service. transcoder may be nil when Transcode is false.
func New(
	cfg Config,
	messenger Messenger,
	transcoder Transcoder,
	clock calls.Clock,
	ids calls.IDGenerator,
	logger *zap.Logger,
) (*Service, error) {
	if messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("chat id is required")
	}
	if cfg.Transcode && transcoder == nil {
		return nil, fmt.Errorf("transcoding enabled without a transcoder")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Readiness.Attempts <= 0 {
		cfg.Readiness = retry.Policy{Attempts: 3, Schedule: retry.Linear(2 * time.Second)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:        cfg,
		messenger:  messenger,
		transcoder: transcoder,
		clock:      clock,
		ids:        ids,
		logger:     logger,
	}, nil
}

func (s *Service) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}

// NotifyNew posts the instant notification and returns its handle.
func (s *Service) NotifyNew(ctx context.Context, record calls.Record) (calls.NotificationHandle, error) {
	id, err := s.messenger.SendMessage(ctx, s.cfg.ChatID, InstantNotice(record))
	if err != nil {
		return calls.NoNotification, fmt.Errorf("send notification for %s: %w", record.ID, err)
	}
	return calls.NotificationHandle(id), nil
}

// Deliver sends path as a voice note, retracts the instant notification and
// removes every local artifact regardless of the outcome.
func (s *Service) Deliver(ctx context.Context, path string, record calls.Record, handle calls.NotificationHandle) error {
	artifacts := []string{path}
	defer func() { s.cleanup(artifacts) }()

	logger := s.logger.With(zap.String("call_id", record.ID))
	caption := Caption(record, s.now(), s.cfg.Location)
	if err := s.waitReady(ctx, path); err != nil {
		return err
	}

	voice, duration := path, time.Duration(0)
	if s.cfg.Transcode {
		voice, duration = s.prepareVoice(ctx, logger, path, &artifacts)
	}

	if _, err := s.messenger.SendVoice(ctx, s.cfg.ChatID, voice, caption, duration); err != nil {
		return fmt.Errorf("send voice for %s: %w", record.ID, err)
	}
	if handle != calls.NoNotification {
		if err := s.messenger.DeleteMessage(ctx, s.cfg.ChatID, int64(handle)); err != nil {
			logger.Debug("notification retraction failed", zap.Error(err))
		}
	}
	logger.Info("recording delivered", zap.Duration("duration", duration))
	return nil
}

// prepareVoice converts and pads the download, falling back to the last good
// file whenever a step fails.
func (s *Service) prepareVoice(
	ctx context.Context,
	logger *zap.Logger,
	input string,
	artifacts *[]string,
) (string, time.Duration) {
	current := input
	if ogg, err := s.transcoder.ToOggOpus(ctx, current); err != nil {
		logger.Warn("opus conversion failed, sending original", zap.Error(err))
	} else {
		*artifacts = append(*artifacts, ogg)
		if err := s.waitReady(ctx, ogg); err == nil {
			current = ogg
		}
	}
	if current != input {
		if padded, err := s.transcoder.PadTail(ctx, current); err != nil {
			logger.Warn("tail padding failed", zap.Error(err))
		} else if padded != current {
			*artifacts = append(*artifacts, padded)
			if err := s.waitReady(ctx, padded); err == nil {
				current = padded
			}
		}
	}
	duration, err := s.transcoder.Probe(ctx, current)
	if err != nil {
		logger.Debug("voice duration probe failed", zap.Error(err))
		duration = 0
	}
	return current, duration
}

func (s *Service) waitReady(ctx context.Context, path string) error {
	err := s.cfg.Readiness.Do(ctx, func(context.Context, int) error {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Size() == 0 {
			return ErrEmptyFile
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEmptyFile, err)
	}
	return nil
}

func (s *Service) cleanup(paths []string) {
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("artifact cleanup failed", zap.String("path", p), zap.Error(err))
		}
	}
}

// Alert sends a formatted alert to every admin.
func (s *Service) Alert(ctx context.Context, title, detail string) error {
	return s.broadcast(ctx, title, AlertText(title, detail, s.now()))
}

// ConnectionLost sends the connection-lost template.
func (s *Service) ConnectionLost(ctx context.Context, reason string) error {
	return s.broadcast(ctx, "connection lost", ConnectionLostText(reason, s.now()))
}

// ConnectionRestored sends the connection-restored template.
func (s *Service) ConnectionRestored(ctx context.Context) error {
	return s.broadcast(ctx, "connection restored", ConnectionRestoredText(s.now()))
}

func (s *Service) broadcast(ctx context.Context, kind, body string) error {
	alertID := ""
	if s.ids != nil {
		if id, err := s.ids.NewID(); err == nil {
			alertID = id
		}
	}
	text := "🔔 <b>Admin Notification</b>\n\n" + body
	var errs []error
	for _, admin := range s.cfg.AdminIDs {
		if _, err := s.messenger.SendMessage(ctx, admin, text); err != nil {
			errs = append(errs, fmt.Errorf("alert admin %s: %w", admin, err))
		}
	}
	s.logger.Info("operator alert sent",
		zap.String("alert_id", alertID),
		zap.String("kind", kind),
		zap.Int("recipients", len(s.cfg.AdminIDs)),
		zap.Int("failures", len(errs)),
	)
	return errors.Join(errs...)
}
