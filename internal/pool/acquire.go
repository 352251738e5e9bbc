package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/browser"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/telemetry"
)

// Acquire returns a clean session for exclusive use. It reuses an idle
// session when one exists, opens a new one while under MaxSessions, and
// otherwise polls until a session frees up or AcquireTimeout elapses.
//
// Callers only ever see ErrLaunch, ErrAcquireTimeout or, after Shutdown,
// ErrPoolClosed. Canceling ctx ends the wait early with ErrAcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	ctx, span := p.tracer.Start(ctx, "pool.Acquire")
	defer span.End()

	start := time.Now()
	s, err := p.acquire(ctx)
	p.metrics.ObserveAcquire(acquireResult(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.id", s.ID),
		attribute.Int64("browser.generation", int64(s.generation)),
	)
	return s, nil
}

func (p *Pool) acquire(ctx context.Context) (*Session, error) {
	deadline := time.NewTimer(p.cfg.AcquireTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()

	resetFailures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, err)
		}
		proc, gen, err := p.ensureLaunched(ctx)
		if err != nil {
			return nil, err
		}

		s, err := p.claimOrCreate(ctx, proc, gen)
		switch {
		case err == nil && s != nil:
			return s, nil
		case errors.Is(err, ErrReset):
			resetFailures++
			if resetFailures >= p.cfg.MaxAcquireAttempts {
				return nil, fmt.Errorf("%w: %d sessions failed to reset: %w", ErrAcquireTimeout, resetFailures, err)
			}
			continue
		case errors.Is(err, errStaleSession):
			continue
		case err != nil:
			return nil, err
		}

		select {
		case <-poll.C:
		case <-deadline.C:
			return nil, fmt.Errorf("%w: no session freed within %s", ErrAcquireTimeout, p.cfg.AcquireTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
		}
	}
}

// claimOrCreate hands out an idle session or opens a new one. A nil session
// with a nil error means the pool is saturated.
func (p *Pool) claimOrCreate(ctx context.Context, proc browser.Process, gen uint64) (*Session, error) {
	p.mu.Lock()
	if s := p.sessions.claimIdle(); s != nil {
		p.mu.Unlock()
		// Caller cancellation is not a session failure. Reset has its own timeout.
		if err := p.resetter.Reset(context.WithoutCancel(ctx), s.Tab); err != nil {
			p.discard(s, reasonResetFailed, err)
			return nil, err
		}
		p.logger.Debug("session reused", zap.String("session_id", s.ID))
		return s, nil
	}
	reserved := p.sessions.reserve(p.cfg.MaxSessions)
	p.mu.Unlock()
	if !reserved {
		return nil, nil
	}
	return p.create(ctx, proc, gen)
}

// create opens a tab for a reserved slot and registers it busy.
func (p *Pool) create(ctx context.Context, proc browser.Process, gen uint64) (*Session, error) {
	tab, err := proc.NewTab(ctx)
	if err != nil {
		p.unreserve()
		return nil, fmt.Errorf("%w: open session: %w", ErrLaunch, err)
	}
	id, err := p.ids.NewID()
	if err != nil {
		p.unreserve()
		logBestEffort(p.logger, p.metrics, "close_session", tab.Close())
		return nil, fmt.Errorf("%w: session id: %w", ErrLaunch, err)
	}
	if err := p.resetter.Prepare(ctx, tab); err != nil {
		p.unreserve()
		logBestEffort(p.logger, p.metrics, "close_session", tab.Close())
		p.logger.Warn("new session failed to apply defaults", zap.String("session_id", id), zap.Error(err))
		return nil, err
	}

	now := p.clock.Now()
	s := &Session{ID: id, Tab: tab, CreatedAt: now, generation: gen}

	p.mu.Lock()
	p.sessions.unreserve()
	if p.closed || p.proc == nil || gen != p.generation {
		closed := p.closed
		p.mu.Unlock()
		logBestEffort(p.logger, p.metrics, "close_session", tab.Close())
		if closed {
			return nil, ErrPoolClosed
		}
		return nil, errStaleSession
	}
	p.sessions.add(s, true, now)
	p.mu.Unlock()

	p.metrics.SessionCreated()
	p.logger.Debug("session created", zap.String("session_id", id), zap.Uint64("generation", gen))
	return s, nil
}

func (p *Pool) unreserve() {
	p.mu.Lock()
	p.sessions.unreserve()
	p.mu.Unlock()
}

// discard removes s from the registry and closes it.
func (p *Pool) discard(s *Session, reason string, cause error) {
	p.mu.Lock()
	if e, ok := p.sessions.get(s.ID); ok && e.session == s {
		p.sessions.remove(s.ID)
	}
	p.mu.Unlock()
	p.logger.Warn("discarding session", zap.String("session_id", s.ID), zap.String("reason", reason), zap.Error(cause))
	p.closeSession(s, reason)
}

// Release returns s to the pool. The session is reset before it becomes
// available again; sessions that fail to reset, were closed underneath the
// pool, or no longer belong to it are closed instead.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	ctx, span := p.tracer.Start(context.Background(), "pool.Release")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.ID))

	p.mu.Lock()
	e, ok := p.sessions.get(s.ID)
	if !ok || e.session != s {
		p.mu.Unlock()
		p.closeSession(s, reasonOrphan)
		return
	}
	if !e.busy {
		p.mu.Unlock()
		p.logger.Warn("session released twice", zap.String("session_id", s.ID))
		return
	}
	if s.Tab.Closed() {
		p.sessions.remove(s.ID)
		p.mu.Unlock()
		p.metrics.SessionDestroyed(reasonClosedExternally)
		p.logger.Info("released session was already closed", zap.String("session_id", s.ID))
		return
	}
	p.mu.Unlock()

	// The session stays busy while resetting so no acquirer can claim it mid-reset.
	if err := p.resetter.Reset(ctx, s.Tab); err != nil {
		span.RecordError(err)
		p.discard(s, reasonResetFailed, err)
		return
	}

	p.mu.Lock()
	e, ok = p.sessions.get(s.ID)
	if ok && e.session == s {
		p.sessions.markIdle(s.ID, p.clock.Now())
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	// Drained by a restart or disconnect while resetting.
	p.closeSession(s, reasonOrphan)
}

func acquireResult(err error) string {
	switch {
	case err == nil:
		return telemetry.AcquireOK
	case errors.Is(err, ErrLaunch):
		return telemetry.AcquireLaunchError
	case errors.Is(err, ErrPoolClosed):
		return telemetry.AcquireClosed
	default:
		return telemetry.AcquireTimeout
	}
}
