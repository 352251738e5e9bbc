// Package scrape renders pages through pooled browser sessions.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/policy/ratelimit"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/pool"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/telemetry"
)

const defaultSnapshotTimeout = 30 * time.Second

// ErrInvalidURL indicates the requested page cannot be navigated to.
var ErrInvalidURL = errors.New("invalid snapshot url")

// SessionPool is the subset of *pool.Pool used for rendering.
type SessionPool interface {
	Acquire(ctx context.Context) (*pool.Session, error)
	Release(s *pool.Session)
}

// Document is a rendered page.
type Document struct {
	URL       string        `json:"url"`
	FinalURL  string        `json:"final_url"`
	HTML      string        `json:"html"`
	SessionID string        `json:"session_id"`
	Duration  time.Duration `json:"duration_ns"`
}

// Config controls snapshot pacing.
type Config struct {
	// DomainQPS limits navigations per host; zero disables the limit.
	DomainQPS float64
	Timeout   time.Duration
}

// Snapshotter captures the rendered DOM of pages.
type Snapshotter struct {
	pool    SessionPool
	logger  *zap.Logger
	tracer  trace.Tracer
	timeout time.Duration
	limiter *ratelimit.Limiter
}

// NewSnapshotter creates a Snapshotter backed by p.
func NewSnapshotter(p SessionPool, cfg Config, logger *zap.Logger) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSnapshotTimeout
	}
	return &Snapshotter{
		pool:    p,
		logger:  logger,
		tracer:  telemetry.Tracer("scrape"),
		timeout: cfg.Timeout,
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.DomainQPS, Burst: 1}, telemetry.ObserveRateLimitDelay),
	}
}

// Snapshot navigates a pooled session to rawURL and returns the final URL and
// outer HTML. The session is always handed back to the pool.
func (s *Snapshotter) Snapshot(ctx context.Context, rawURL string) (Document, error) {
	ctx, span := s.tracer.Start(ctx, "scrape.Snapshot", trace.WithAttributes(attribute.String("url", rawURL)))
	defer span.End()

	doc, err := s.snapshot(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Document{}, err
	}
	return doc, nil
}

func (s *Snapshotter) snapshot(ctx context.Context, rawURL string) (Document, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return Document{}, err
	}
	if err := s.limiter.Wait(ctx, host); err != nil {
		return Document{}, fmt.Errorf("snapshot rate limit: %w", err)
	}

	start := time.Now()
	session, err := s.pool.Acquire(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("acquire session: %w", err)
	}
	defer s.pool.Release(session)

	taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := session.Tab.Navigate(taskCtx, rawURL); err != nil {
		return Document{}, fmt.Errorf("navigate: %w", err)
	}
	finalURL, err := session.Tab.Location(taskCtx)
	if err != nil {
		return Document{}, fmt.Errorf("read location: %w", err)
	}
	html, err := session.Tab.OuterHTML(taskCtx)
	if err != nil {
		return Document{}, fmt.Errorf("read html: %w", err)
	}

	doc := Document{
		URL:       rawURL,
		FinalURL:  finalURL,
		HTML:      html,
		SessionID: session.ID,
		Duration:  time.Since(start),
	}
	s.logger.Debug("snapshot captured",
		zap.String("url", rawURL),
		zap.String("final_url", finalURL),
		zap.String("session_id", session.ID),
		zap.Int("bytes", len(html)),
		zap.Duration("duration", doc.Duration),
	)
	return doc, nil
}

func hostOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return strings.ToLower(parsed.Host), nil
}
