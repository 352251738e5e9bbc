package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/config"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/pool"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/scrape"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/telemetry"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxSnapshotBody       = 1 << 16
)

// Pool is the pool surface exposed over HTTP.
type Pool interface {
	Acquire(ctx context.Context) (*pool.Session, error)
	Release(s *pool.Session)
	Stats() pool.Stats
	Restart(ctx context.Context) error
}

// Snapshotter renders pages.
type Snapshotter interface {
	Snapshot(ctx context.Context, rawURL string) (scrape.Document, error)
}

// Server wires HTTP handlers to the session pool.
type Server struct {
	router   chi.Router
	pool     Pool
	snapshot Snapshotter
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil metrics
// handler serves the default Prometheus registry.
func NewServer(p Pool, snap Snapshotter, metrics http.Handler, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.Handler()
	}
	timeout := cfg.Server.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		pool:     p,
		snapshot: snap,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/pool", func(r chi.Router) {
			r.Get("/stats", s.poolStats)
			r.Post("/warmup", s.warmup)
			r.Post("/restart", s.restart)
		})
		r.Post("/snapshots", s.createSnapshot)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports not ready when the pool is shut down or its browser is lost.
// A pool that has not launched yet is ready; the first Acquire launches it.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	st := s.pool.Stats()
	switch {
	case st.Closed:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "closed"})
	case st.Initialized && !st.BrowserConnected:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "browser disconnected"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

// warmup launches the browser and opens one session so the first real request
// does not pay the startup cost.
func (s *Server) warmup(w http.ResponseWriter, r *http.Request) {
	session, err := s.pool.Acquire(r.Context())
	if err != nil {
		s.writePoolError(w, err)
		return
	}
	s.pool.Release(session)
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) restart(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Restart(r.Context()); err != nil {
		s.writePoolError(w, err)
		return
	}
	s.logger.Info("pool restarted via API")
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

type snapshotRequest struct {
	URL string `json:"url"`
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSnapshotBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	doc, err := s.snapshot.Snapshot(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, scrape.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writePoolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) writePoolError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrAcquireTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pool.ErrPoolClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, pool.ErrLaunch):
		s.logger.Error("browser unavailable", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", requestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
