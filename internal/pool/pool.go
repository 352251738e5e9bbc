// Package pool manages a bounded set of reusable headless-browser sessions
// hosted by a single browser process.
//
// A Pool launches its browser lazily on the first Acquire, hands sessions out
// exclusively until they are released, resets them before reuse, and recovers
// from a crashed browser through its health loop. Sessions idle for longer than
// the idle timeout are closed by the reaper loop.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/browser"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/clock/system"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/id/uuid"
	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/telemetry"
)

const (
	defaultIdleTimeout        = 5 * time.Minute
	defaultAcquireTimeout     = 30 * time.Second
	defaultPollInterval       = 100 * time.Millisecond
	defaultMaxAcquireAttempts = 3
	defaultHealthInterval     = 30 * time.Second
	defaultReapInterval       = 10 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
)

// Session destruction reasons, used in logs and metrics.
const (
	reasonResetFailed      = "reset_failed"
	reasonIdle             = "idle"
	reasonDisconnect       = "disconnect"
	reasonShutdown         = "shutdown"
	reasonOrphan           = "orphan"
	reasonClosedExternally = "closed_externally"
)

// Config holds the pool limits. MaxSessions and IdleTimeout are fixed for the
// lifetime of a Pool.
type Config struct {
	MaxSessions int
	IdleTimeout time.Duration
	// AcquireTimeout bounds how long Acquire waits on a saturated pool.
	AcquireTimeout time.Duration
	PollInterval   time.Duration
	// MaxAcquireAttempts caps the reset failures a single Acquire tolerates.
	MaxAcquireAttempts int
	HealthInterval     time.Duration
	ReapInterval       time.Duration
	ShutdownTimeout    time.Duration
	Reset              ResetConfig
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxSessions <= 0 {
		return c, fmt.Errorf("max sessions must be > 0, got %d", c.MaxSessions)
	}
	setDefault(&c.IdleTimeout, defaultIdleTimeout)
	setDefault(&c.AcquireTimeout, defaultAcquireTimeout)
	setDefault(&c.PollInterval, defaultPollInterval)
	setDefault(&c.HealthInterval, defaultHealthInterval)
	setDefault(&c.ReapInterval, defaultReapInterval)
	setDefault(&c.ShutdownTimeout, defaultShutdownTimeout)
	if c.MaxAcquireAttempts <= 0 {
		c.MaxAcquireAttempts = defaultMaxAcquireAttempts
	}
	return c, nil
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Session is a browser tab handed out by Acquire. The caller owns it until
// Release; the pool may still close the underlying tab at any time.
type Session struct {
	ID        string
	Tab       browser.Tab
	CreatedAt time.Time

	generation uint64
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the clock used for idle bookkeeping.
func WithClock(clock Clock) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithIDGenerator overrides the session id source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(p *Pool) {
		if ids != nil {
			p.ids = ids
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(metrics *telemetry.PoolMetrics) Option {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

// Pool is a bounded, self-healing set of browser sessions. It is safe for
// concurrent use; construct one per process and share it.
type Pool struct {
	cfg      Config
	launcher browser.Launcher
	resetter *Resetter
	clock    Clock
	ids      IDGenerator
	logger   *zap.Logger
	metrics  *telemetry.PoolMetrics
	tracer   trace.Tracer

	// mu guards every field below it.
	mu         sync.Mutex
	sessions   *registry
	proc       browser.Process
	generation uint64
	started    bool
	closed     bool
	stop       chan struct{}
	// loops tracks the background loops of the current run.
	loops *sync.WaitGroup

	// launchMu serializes browser launches so concurrent acquirers share one.
	launchMu sync.Mutex
	// adminMu serializes Shutdown and Restart.
	adminMu     sync.Mutex
	disconnects chan uint64
}

// New creates a Pool and starts its health and reaper loops. The browser is
// not launched until the first Acquire.
func New(cfg Config, launcher browser.Launcher, opts ...Option) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:         cfg,
		launcher:    launcher,
		clock:       system.New(),
		ids:         uuid.New(),
		logger:      zap.NewNop(),
		tracer:      telemetry.Tracer("browserpool"),
		sessions:    newRegistry(),
		disconnects: make(chan uint64, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.resetter = NewResetter(cfg.Reset, p.logger.Named("reset"), p.metrics)

	p.mu.Lock()
	p.openLocked()
	p.mu.Unlock()
	return p, nil
}

// openLocked starts a fresh run of the background loops.
func (p *Pool) openLocked() {
	p.closed = false
	p.stop = make(chan struct{})
	p.loops = &sync.WaitGroup{}
	p.loops.Add(2)
	go p.runHealth(p.stop, p.loops)
	go p.runReaper(p.stop, p.loops)
}

// ensureLaunched returns the connected browser process, launching one when
// none exists or the current one has disconnected.
func (p *Pool) ensureLaunched(ctx context.Context) (browser.Process, uint64, error) {
	if proc, gen, ok, err := p.currentProcess(); err != nil || ok {
		return proc, gen, err
	}

	p.launchMu.Lock()
	defer p.launchMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, 0, ErrPoolClosed
	}
	if p.proc != nil && p.proc.Connected() {
		proc, gen := p.proc, p.generation
		p.mu.Unlock()
		return proc, gen, nil
	}
	stale := p.detachLocked()
	p.mu.Unlock()
	p.closeDetached(stale, reasonDisconnect)

	proc, err := p.launcher.Launch(ctx)
	p.metrics.ObserveLaunch(err)
	if err != nil {
		p.logger.Error("browser launch failed", zap.Error(err))
		return nil, 0, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		logBestEffort(p.logger, p.metrics, "close_browser", proc.Close())
		return nil, 0, ErrPoolClosed
	}
	p.generation++
	p.proc = proc
	p.started = true
	gen, stop := p.generation, p.stop
	p.mu.Unlock()

	go p.watchDisconnect(proc, gen, stop)
	p.logger.Info("browser launched", zap.Uint64("generation", gen))
	return proc, gen, nil
}

func (p *Pool) currentProcess() (browser.Process, uint64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, 0, false, ErrPoolClosed
	}
	if p.proc != nil && p.proc.Connected() {
		return p.proc, p.generation, true, nil
	}
	return nil, 0, false, nil
}

// detached is browser state removed from the pool that still has to be closed.
type detached struct {
	proc     browser.Process
	sessions []*Session
}

// detachLocked empties the registry and drops the browser handle, leaving the
// pool uninitialized.
func (p *Pool) detachLocked() detached {
	d := detached{proc: p.proc, sessions: p.sessions.drain()}
	p.proc = nil
	return d
}

func (p *Pool) closeDetached(d detached, reason string) {
	for _, s := range d.sessions {
		p.closeSession(s, reason)
	}
	if d.proc != nil {
		logBestEffort(p.logger, p.metrics, "close_browser", d.proc.Close())
	}
}

func (p *Pool) closeSession(s *Session, reason string) {
	logBestEffort(p.logger, p.metrics, "close_session", s.Tab.Close(),
		zap.String("session_id", s.ID),
		zap.String("reason", reason),
	)
	p.metrics.SessionDestroyed(reason)
	p.logger.Debug("session closed", zap.String("session_id", s.ID), zap.String("reason", reason))
}
