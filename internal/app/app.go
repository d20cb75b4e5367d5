// Package app builds the long-lived services and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/acquire"
	"github.com/JakeFAU/callrelay/internal/api"
	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/clock/system"
	"github.com/JakeFAU/callrelay/internal/config"
	"github.com/JakeFAU/callrelay/internal/delivery"
	"github.com/JakeFAU/callrelay/internal/dispatcher"
	"github.com/JakeFAU/callrelay/internal/extractor"
	collyfetcher "github.com/JakeFAU/callrelay/internal/fetcher/colly"
	"github.com/JakeFAU/callrelay/internal/fetcher/headless"
	"github.com/JakeFAU/callrelay/internal/hash/sha256"
	"github.com/JakeFAU/callrelay/internal/id/uuid"
	"github.com/JakeFAU/callrelay/internal/journal"
	memjournal "github.com/JakeFAU/callrelay/internal/journal/memory"
	pgjournal "github.com/JakeFAU/callrelay/internal/journal/postgres"
	sqlitejournal "github.com/JakeFAU/callrelay/internal/journal/sqlite"
	"github.com/JakeFAU/callrelay/internal/ledger"
	"github.com/JakeFAU/callrelay/internal/logging"
	"github.com/JakeFAU/callrelay/internal/media"
	"github.com/JakeFAU/callrelay/internal/metrics"
	"github.com/JakeFAU/callrelay/internal/monitor"
	"github.com/JakeFAU/callrelay/internal/processor"
	memorypub "github.com/JakeFAU/callrelay/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/callrelay/internal/publisher/pubsub"
	"github.com/JakeFAU/callrelay/internal/settings"
	"github.com/JakeFAU/callrelay/internal/storage/gcs"
	"github.com/JakeFAU/callrelay/internal/storage/local"
	"github.com/JakeFAU/callrelay/internal/telegram"
)

// App holds the wired services.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	engine   *monitor.Engine
	pool     *dispatcher.Pool
	settings *settings.Store
	api      *api.Server

	// work outlives the monitor so in-flight calls finish after a stop.
	work       context.Context
	cancelWork context.CancelFunc
	closers    []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Build creates the logger and every dependency from cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return NewApp(ctx, cfg, logger)
}

// NewApp wires the services with an existing logger.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &App{cfg: cfg, logger: logger, work: work, cancelWork: cancel}
	if err := a.wire(ctx); err != nil {
		a.closeInfrastructure()
		cancel()
		return nil, err
	}
	return a, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

//nolint:funlen // linear wiring
func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	clock := system.New()
	ids := uuid.New()

	store, err := settings.Open(cfg.Settings.Path, logger.Named("settings"))
	if err != nil {
		return fmt.Errorf("settings init failed: %w", err)
	}
	a.settings = store

	bot, err := telegram.New(telegram.Config{
		Token:         cfg.Telegram.BotToken,
		APIBase:       cfg.Telegram.APIBase,
		RatePerSecond: cfg.Telegram.RatePerSecond,
	}, nil, logger.Named("telegram"))
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	ffmpeg := media.New(media.Config{
		FFmpegPath:     cfg.Delivery.FFmpegPath,
		FFprobePath:    cfg.Delivery.FFprobePath,
		ProbeTimeout:   cfg.Audio.ProbeTimeout,
		ConvertTimeout: cfg.Delivery.ConvertTimeout,
		Bitrate:        cfg.Delivery.Bitrate,
		PadTail:        cfg.PadTail(),
	}, logger.Named("media"))

	deliver, err := delivery.New(delivery.Config{
		ChatID:    cfg.Telegram.ChatID,
		AdminIDs:  cfg.Telegram.AdminIDs,
		Location:  cfg.CaptionLocation(),
		Transcode: cfg.Delivery.Transcode,
	}, bot, ffmpeg, clock, ids, logger.Named("delivery"))
	if err != nil {
		return fmt.Errorf("delivery init failed: %w", err)
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Dashboard.UserAgent,
		Timeout:      cfg.Audio.RequestTimeout,
		ProbeTimeout: cfg.Audio.ProbeTimeout,
		MaxBodySize:  cfg.Audio.MaxBodyBytes,
	})
	poller, err := acquire.New(acquire.Config{
		SoundURL:            cfg.Audio.SoundURL,
		Referer:             cfg.Audio.Referer,
		UserAgent:           cfg.Dashboard.UserAgent,
		WorkDir:             cfg.Audio.WorkDir,
		InitialStableChecks: cfg.Audio.InitialStableChecks,
		InitialMaxWait:      cfg.Audio.InitialMaxWait,
		InterimStableChecks: cfg.Audio.InterimStableChecks,
		InterimMaxWait:      cfg.Audio.InterimMaxWait,
		ProbeInterval:       cfg.Audio.ProbeInterval,
		TargetDuration:      cfg.Audio.TargetDuration,
		MaxAttempts:         cfg.Audio.MaxAttempts,
		BackoffStep:         cfg.Audio.BackoffStep,
	}, fetcher, ffmpeg, logger.Named("acquire"))
	if err != nil {
		return fmt.Errorf("acquisition init failed: %w", err)
	}

	outcomes, lister, err := a.setupJournal(ctx)
	if err != nil {
		return err
	}
	blobs, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupEvents(ctx)
	if err != nil {
		return err
	}

	proc, err := processor.New(processor.Deps{
		Acquirer:  poller,
		Deliverer: deliver,
		Alerter:   deliver,
		Journal:   outcomes,
		Blobs:     blobs,
		Publisher: publisher,
		Hasher:    sha256.New(16),
		Clock:     clock,
	}, processor.Config{
		ArchivePrefix:  cfg.Archive.Prefix,
		Topic:          cfg.Events.Topic,
		TargetDuration: cfg.Audio.TargetDuration,
	}, logger.Named("processor"))
	if err != nil {
		return fmt.Errorf("processor init failed: %w", err)
	}

	a.pool = dispatcher.New(a.work, proc, cfg.Dispatch.MaxConcurrency, logger.Named("dispatch"))

	seen := ledger.New()
	sessions := headless.NewFactory(headless.Config{
		LoginURL:          cfg.Dashboard.LoginURL,
		CallsURL:          cfg.Dashboard.CallsURL,
		Email:             cfg.Dashboard.Email,
		Password:          cfg.Dashboard.Password,
		UserAgent:         cfg.Dashboard.UserAgent,
		ExecPath:          cfg.Dashboard.ChromePath,
		NavigationTimeout: cfg.Dashboard.NavTimeout,
		PageSettle:        cfg.Monitor.PageSettle,
		DebugSnapshotPath: cfg.Dashboard.DebugSnapshot,
	}, logger.Named("browser"))

	a.engine, err = monitor.New(monitor.Config{
		PollInterval:  cfg.Monitor.PollInterval,
		MaxErrors:     cfg.Monitor.MaxErrors,
		LoginAttempts: cfg.Monitor.LoginAttempts,
		ErrorPause:    cfg.Monitor.ErrorPause,
	}, monitor.Deps{
		Sessions:   sessions,
		Extractor:  extractor.New(seen, logger.Named("extractor")),
		Ledger:     seen,
		Notifier:   deliver,
		Dispatcher: a.pool,
		Alerter:    deliver,
		Settings:   store,
		IDs:        ids,
	}, logger.Named("monitor"))
	if err != nil {
		return fmt.Errorf("monitor init failed: %w", err)
	}

	a.api = api.NewServer(a.work, a.engine, store, lister, clock, api.Config{
		APIKey: cfg.Server.APIKey,
	}, logger.Named("api"))
	return nil
}

type sqliteLister struct {
	journal *sqlitejournal.Journal
	logger  *zap.Logger
}

func (l sqliteLister) Recent(limit int) []calls.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := l.journal.Recent(ctx, limit)
	if err != nil {
		l.logger.Warn("list journal failed", zap.Error(err))
		return nil
	}
	return out
}

func (a *App) setupJournal(ctx context.Context) (calls.Journal, api.CallLister, error) {
	cfg := a.cfg.Journal
	switch cfg.Driver {
	case "memory":
		j := memjournal.New(cfg.Capacity)
		a.logger.Info("using in-memory call journal", zap.Int("capacity", cfg.Capacity))
		return j, j, nil
	case "postgres":
		j, err := pgjournal.New(ctx, pgjournal.Config{DSN: cfg.DSN, Table: cfg.Table})
		if err != nil {
			return nil, nil, fmt.Errorf("journal init failed: %w", err)
		}
		a.addCloser("postgres journal", func() error { j.Close(); return nil })
		if err := j.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("journal migrate failed: %w", err)
		}
		a.logger.Info("using postgres call journal", zap.String("table", cfg.Table))
		return j, nil, nil
	case "sqlite":
		j, err := sqlitejournal.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("journal init failed: %w", err)
		}
		a.addCloser("sqlite journal", j.Close)
		a.logger.Info("using sqlite call journal", zap.String("path", cfg.DSN))
		return j, sqliteLister{journal: j, logger: a.logger}, nil
	default:
		return journal.Discard{}, nil, nil
	}
}

func (a *App) setupArchive(ctx context.Context) (calls.BlobStore, error) {
	cfg := a.cfg.Archive
	switch cfg.Driver {
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("archive init failed: %w", err)
		}
		a.logger.Info("archiving recordings locally", zap.String("dir", cfg.BaseDir))
		return store, nil
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Bucket, Endpoint: cfg.Endpoint})
		if err != nil {
			return nil, fmt.Errorf("archive init failed: %w", err)
		}
		a.addCloser("gcs archive", store.Close)
		a.logger.Info("archiving recordings to gcs", zap.String("bucket", cfg.Bucket))
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) setupEvents(ctx context.Context) (calls.Publisher, error) {
	cfg := a.cfg.Events
	switch cfg.Driver {
	case "memory":
		return memorypub.New(), nil
	case "pubsub":
		pub, err := pubsubpub.Open(ctx, cfg.ProjectID, a.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("events init failed: %w", err)
		}
		a.addCloser("pubsub publisher", pub.Close)
		a.logger.Info("publishing call events", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.Topic))
		return pub, nil
	default:
		return nil, nil
	}
}

// Engine exposes the monitor.
func (a *App) Engine() *monitor.Engine { return a.engine }

// API exposes the operator HTTP surface.
func (a *App) API() *api.Server { return a.api }

// Run starts the monitor (when auto_start is set) and the HTTP surface, and
// blocks until a signal, ctx, a monitor crash, or a normal monitor exit when
// no API is served. A monitor stopped through the API does not end Run.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.settings.Watch(nil)

	if a.cfg.Monitor.AutoStart {
		if err := a.engine.Start(a.work); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
	}

	serverErr := make(chan error, 1)
	if a.cfg.Server.Enabled {
		addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
		go func() { serverErr <- api.Serve(ctx, addr, a.api.Handler(), a.logger.Named("http")) }()
	}
	var engineDone <-chan struct{}
	if !a.cfg.Server.Enabled {
		engineDone = a.engine.Done()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serverErr:
		runErr = err
	case err := <-a.engine.Crashed():
		a.logger.Error("monitor crashed, shutting down", zap.Error(err))
		runErr = err
	case <-engineDone:
		runErr = a.engine.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close stops the monitor, drains in-flight calls and releases backends.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			a.logger.Warn("in-flight calls abandoned", zap.Int("active", a.pool.Active()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.cancelWork()
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
