package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/config"
	"github.com/JakeFAU/callrelay/internal/extractor"
	"github.com/JakeFAU/callrelay/internal/ledger"
	"github.com/JakeFAU/callrelay/internal/monitor"
)

func loadConfig(t *testing.T, extra string) config.Config {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
dashboard:
  login_url: https://dash.example.com/login
  calls_url: https://dash.example.com/calls
audio:
  sound_url: https://dash.example.com/sound
  work_dir: %[1]s
telegram:
  bot_token: "123:abc"
  chat_id: "-100"
monitor:
  auto_start: false
server:
  enabled: false
settings:
  path: %[1]s/settings.json
%[2]s`, dir, extra)
	path := filepath.Join(dir, "callrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

// TestNewAppWiresMemoryBackends builds the container without touching the
// network and checks the operator surface is live.
func TestNewAppWiresMemoryBackends(t *testing.T) {
	cfg := loadConfig(t, `
journal:
  driver: memory
  capacity: 10
events:
  driver: memory
`)
	a, err := NewApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NotNil(t, a.Engine())
	require.Equal(t, calls.StateDisconnected, a.Engine().Status().State)

	rec := httptest.NewRecorder()
	a.API().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/calls", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.API().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "retry_delay")
}

func TestNewAppWiresSQLiteAndLocalArchive(t *testing.T) {
	dir := t.TempDir()
	cfg := loadConfig(t, fmt.Sprintf(`
journal:
  driver: sqlite
  dsn: %[1]s/calls.db
archive:
  driver: local
  base_dir: %[1]s/archive
`, dir))
	a, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Len(t, a.closers, 1)

	rec := httptest.NewRecorder()
	a.API().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/calls?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.Close(context.Background()))
	require.Empty(t, a.closers)
	require.FileExists(t, filepath.Join(dir, "calls.db"))
}

func TestNewAppFailsOnUnusableSettingsPath(t *testing.T) {
	cfg := loadConfig(t, "")
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	cfg.Settings.Path = filepath.Join(blocker, "settings.json")

	_, err := NewApp(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "settings init failed")
}

// TestRunReturnsOnCancel covers the idle path: no auto start, no server.
func TestRunReturnsOnCancel(t *testing.T) {
	cfg := loadConfig(t, "")
	a, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

type crashingSessions struct{}

func (crashingSessions) NewSession(context.Context) (calls.Session, error) {
	panic("chrome exploded")
}

// TestRunExitsWhenMonitorCrashes keeps the API enabled and still returns
// the crash so the process exits non-zero.
func TestRunExitsWhenMonitorCrashes(t *testing.T) {
	cfg := loadConfig(t, "")
	cfg.Server.Enabled = true
	cfg.Server.Port = 0
	cfg.Monitor.AutoStart = true

	a, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	seen := ledger.New()
	a.engine, err = monitor.New(monitor.Config{}, monitor.Deps{
		Sessions:   crashingSessions{},
		Extractor:  extractor.New(seen, nil),
		Ledger:     seen,
		Dispatcher: a.pool,
	}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorContains(t, err, "chrome exploded")
	case <-time.After(5 * time.Second):
		t.Fatal("run kept blocking after the monitor crashed")
	}
	require.False(t, a.engine.Status().Monitoring)
}
