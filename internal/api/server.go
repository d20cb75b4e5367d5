package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/callrelay/internal/calls"
	"github.com/JakeFAU/callrelay/internal/metrics"
	"github.com/JakeFAU/callrelay/internal/monitor"
)

// Controller is the monitor as seen by the control surface.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() monitor.Status
}

// SettingsStore exposes the tunable retry delay.
type SettingsStore interface {
	RetryDelay() time.Duration
	SetRetryDelay(d time.Duration) error
}

// CallLister lists recent call outcomes, newest first.
type CallLister interface {
	Recent(limit int) []calls.Outcome
}

// Config tunes the server.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the monitor.
type Server struct {
	router   chi.Router
	base     context.Context
	monitor  Controller
	settings SettingsStore
	calls    CallLister
	clock    calls.Clock
	started  time.Time
	logger   *zap.Logger
}

// NewServer builds the router. base outlives requests and is handed to the
// monitor on start. settings and lister may be nil.
func NewServer(
	base context.Context,
	ctrl Controller,
	settings SettingsStore,
	lister CallLister,
	clock calls.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		base:     base,
		monitor:  ctrl,
		settings: settings,
		calls:    lister,
		clock:    clock,
		started:  clock.Now(),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/status", s.status)
		r.Post("/monitor/start", s.start)
		r.Post("/monitor/stop", s.stop)
		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
		r.Get("/calls", s.recentCalls)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready while the monitor holds a usable session.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	st := s.monitor.Status()
	if st.Monitoring && (st.State == calls.StateConnected || st.State == calls.StateDegraded) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": string(st.State)})
		return
	}
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": string(st.State)})
}

type statusResponse struct {
	monitor.Status
	LastCycleAgo string `json:"last_cycle_ago,omitempty"`
	Uptime       string `json:"uptime"`
	RetryDelay   string `json:"retry_delay,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	st := s.monitor.Status()
	resp := statusResponse{
		Status: st,
		Uptime: s.clock.Now().Sub(s.started).Round(time.Second).String(),
	}
	if !st.LastCycle.IsZero() {
		resp.LastCycleAgo = humanize.RelTime(st.LastCycle, s.clock.Now(), "ago", "from now")
	}
	if s.settings != nil {
		resp.RetryDelay = s.settings.RetryDelay().String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) start(w http.ResponseWriter, _ *http.Request) {
	if err := s.monitor.Start(s.base); err != nil {
		if errors.Is(err, monitor.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, "monitoring is already running")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("monitoring started via api")
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"monitoring": true})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if !s.monitor.Status().Monitoring {
		s.writeError(w, http.StatusConflict, "monitoring is not running")
		return
	}
	if err := s.monitor.Stop(r.Context()); err != nil {
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	s.logger.Info("monitoring stopped via api")
	s.writeJSON(w, http.StatusOK, map[string]bool{"monitoring": false})
}

type settingsPayload struct {
	RetryDelay int `json:"retry_delay"`
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	if s.settings == nil {
		s.writeError(w, http.StatusNotFound, "settings are not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, settingsPayload{RetryDelay: int(s.settings.RetryDelay() / time.Second)})
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		s.writeError(w, http.StatusNotFound, "settings are not configured")
		return
	}
	var req settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RetryDelay < 1 {
		s.writeError(w, http.StatusBadRequest, "retry_delay must be a positive number of seconds")
		return
	}
	if err := s.settings.SetRetryDelay(time.Duration(req.RetryDelay) * time.Second); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) recentCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.writeError(w, http.StatusNotFound, "call journal does not support listing")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	type callView struct {
		calls.Outcome
		Size string `json:"size"`
	}
	recent := s.calls.Recent(limit)
	out := make([]callView, 0, len(recent))
	for _, o := range recent {
		out = append(out, callView{Outcome: o, Size: humanize.Bytes(uint64(max(o.Recording.Bytes, 0)))})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"calls": out})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Serve runs an http.Server on addr until ctx ends, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
