// Package settings persists the operator-tunable values that can change
// while the monitor is running.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	keyRetryDelay = "retry_delay"

	// DefaultRetryDelay applies when the file is missing or the value is not positive.
	DefaultRetryDelay = 30 * time.Second
)

// Store is a JSON settings file merged over defaults. Values are reloaded
// when the file changes on disk.
type Store struct {
	path   string
	v      *viper.Viper
	logger *zap.Logger

	retryDelay atomic.Int64
	mu         sync.Mutex
	watching   bool
}

// Open loads path, writing a file with the defaults when none exists.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("settings path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault(keyRetryDelay, int(DefaultRetryDelay/time.Second))

	s := &Store{path: path, v: v, logger: logger}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	err := s.v.ReadInConfig()
	switch {
	case err == nil:
		s.logger.Info("settings loaded", zap.String("path", s.path))
	case errors.Is(err, fs.ErrNotExist) || isNotFound(err):
		if err := s.writeDefaults(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("read settings %s: %w", s.path, err)
	}
	s.apply()
	return nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}

func (s *Store) writeDefaults() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write default settings: %w", err)
	}
	s.logger.Info("default settings written", zap.String("path", s.path))
	return nil
}

func (s *Store) apply() {
	secs := s.v.GetInt(keyRetryDelay)
	delay := time.Duration(secs) * time.Second
	if delay <= 0 {
		s.logger.Warn("ignoring non-positive retry_delay", zap.Int("retry_delay", secs))
		delay = DefaultRetryDelay
	}
	s.retryDelay.Store(int64(delay))
}

// RetryDelay is the pause after a failed login round or transport error.
func (s *Store) RetryDelay() time.Duration {
	return time.Duration(s.retryDelay.Load())
}

// SetRetryDelay updates the value and persists the file. The file is
// replaced atomically through a separate viper instance; only the watcher
// goroutine reads the shared one after Watch.
func (s *Store) SetRetryDelay(d time.Duration) error {
	if d < time.Second {
		return fmt.Errorf("retry delay must be at least 1s, got %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(int(d / time.Second)); err != nil {
		return err
	}
	s.retryDelay.Store(int64(d))
	return nil
}

func (s *Store) persist(secs int) error {
	w := viper.New()
	w.SetConfigFile(s.path)
	w.SetConfigType("json")
	if err := w.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) && !isNotFound(err) {
		s.logger.Warn("rewriting unreadable settings file", zap.String("path", s.path), zap.Error(err))
	}
	w.Set(keyRetryDelay, secs)

	tmp := filepath.Join(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp.json")
	if err := w.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Watch reloads the file on every write. onChange may be nil.
func (s *Store) Watch(onChange func()) {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return
	}
	s.watching = true
	s.mu.Unlock()

	s.v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		s.mu.Lock()
		s.apply()
		s.mu.Unlock()
		s.logger.Info("settings reloaded",
			zap.String("path", ev.Name),
			zap.Duration("retry_delay", s.RetryDelay()),
		)
		if onChange != nil {
			onChange()
		}
	})
	s.v.WatchConfig()
}
