package pool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/browser"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/telemetry"
)

const defaultResetTimeout = 10 * time.Second

// ResetConfig is the baseline a session is restored to between uses.
type ResetConfig struct {
	Viewport  browser.Viewport
	UserAgent string
	Timeout   time.Duration
}

// Resetter returns tabs to a neutral state.
type Resetter struct {
	cfg     ResetConfig
	logger  *zap.Logger
	metrics *telemetry.PoolMetrics
}

// NewResetter creates a Resetter. Zero viewport dimensions leave the viewport untouched.
func NewResetter(cfg ResetConfig, logger *zap.Logger, metrics *telemetry.PoolMetrics) *Resetter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultResetTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resetter{cfg: cfg, logger: logger, metrics: metrics}
}

// Reset navigates to a blank document, clears cookies, cache and storage, and
// restores the default viewport and user agent. Storage clearing is
// best-effort; every other failure, including the timeout, is returned
// wrapped in ErrReset.
func (r *Resetter) Reset(ctx context.Context, tab browser.Tab) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	err := r.reset(ctx, tab)
	r.metrics.ObserveReset(err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReset, err)
	}
	return nil
}

// Prepare applies the identity defaults to a freshly opened tab.
func (r *Resetter) Prepare(ctx context.Context, tab browser.Tab) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.applyIdentity(ctx, tab); err != nil {
		return fmt.Errorf("%w: %w", ErrReset, err)
	}
	return nil
}

func (r *Resetter) reset(ctx context.Context, tab browser.Tab) error {
	if tab.Closed() {
		return errTabClosed
	}
	if err := tab.Navigate(ctx, browser.BlankURL); err != nil {
		return err
	}
	if err := tab.ClearCookies(ctx); err != nil {
		return err
	}
	if err := tab.ClearCache(ctx); err != nil {
		return err
	}
	logBestEffort(r.logger, r.metrics, "clear_storage", tab.ClearStorage(ctx))
	return r.applyIdentity(ctx, tab)
}

func (r *Resetter) applyIdentity(ctx context.Context, tab browser.Tab) error {
	if vp := r.cfg.Viewport; vp.Width > 0 && vp.Height > 0 {
		if err := tab.SetViewport(ctx, vp.Width, vp.Height); err != nil {
			return err
		}
	}
	if r.cfg.UserAgent != "" {
		if err := tab.SetUserAgent(ctx, r.cfg.UserAgent); err != nil {
			return err
		}
	}
	return nil
}
