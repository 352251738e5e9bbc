package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Acquire outcomes used as the result label.
const (
	AcquireOK          = "ok"
	AcquireTimeout     = "timeout"
	AcquireLaunchError = "launch_error"
	AcquireClosed      = "closed"
)

// PoolMetrics tracks session pool activity. A nil *PoolMetrics is a valid no-op.
type PoolMetrics struct {
	acquires          *prometheus.CounterVec
	acquireWait       prometheus.Histogram
	sessionsCreated   prometheus.Counter
	sessionsDestroyed *prometheus.CounterVec
	resets            *prometheus.CounterVec
	launches          *prometheus.CounterVec
	restarts          *prometheus.CounterVec
	bestEffort        *prometheus.CounterVec
}

// NewPoolMetrics registers the pool collectors against reg.
func NewPoolMetrics(reg prometheus.Registerer) (*PoolMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PoolMetrics{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browser_pool_acquires_total",
			Help: "Session acquisitions partitioned by result.",
		}, []string{"result"}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "browser_pool_acquire_wait_seconds",
			Help:    "Time spent inside Acquire, including launch, reset and backpressure waits.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "browser_pool_sessions_created_total",
			Help: "Sessions opened by the pool.",
		}),
		sessionsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browser_pool_sessions_destroyed_total",
			Help: "Sessions closed by the pool partitioned by reason.",
		}, []string{"reason"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browser_pool_resets_total",
			Help: "Session resets partitioned by result.",
		}, []string{"result"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browser_pool_launches_total",
			Help: "Browser process launches partitioned by result.",
		}, []string{"result"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browser_pool_restarts_total",
			Help: "Full pool restarts partitioned by trigger.",
		}, []string{"trigger"}),
		bestEffort: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browser_pool_best_effort_failures_total",
			Help: "Ignored cleanup failures partitioned by operation.",
		}, []string{"op"}),
	}
	for _, collector := range []prometheus.Collector{
		m.acquires,
		m.acquireWait,
		m.sessionsCreated,
		m.sessionsDestroyed,
		m.resets,
		m.launches,
		m.restarts,
		m.bestEffort,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register pool collector: %w", err)
		}
	}
	return m, nil
}

// ObserveAcquire records one Acquire call.
func (m *PoolMetrics) ObserveAcquire(result string, wait time.Duration) {
	if m == nil {
		return
	}
	m.acquires.WithLabelValues(result).Inc()
	m.acquireWait.Observe(wait.Seconds())
}

// SessionCreated counts a newly opened session.
func (m *PoolMetrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// SessionDestroyed counts a session closed for reason.
func (m *PoolMetrics) SessionDestroyed(reason string) {
	if m == nil {
		return
	}
	m.sessionsDestroyed.WithLabelValues(reason).Inc()
}

// ObserveReset records a reset outcome.
func (m *PoolMetrics) ObserveReset(err error) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveLaunch records a browser launch outcome.
func (m *PoolMetrics) ObserveLaunch(err error) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveRestart counts a full pool restart.
func (m *PoolMetrics) ObserveRestart(trigger string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(trigger).Inc()
}

// ObserveBestEffort counts a swallowed cleanup failure.
func (m *PoolMetrics) ObserveBestEffort(op string) {
	if m == nil {
		return
	}
	m.bestEffort.WithLabelValues(op).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// PoolGauges is a point-in-time view of pool occupancy.
type PoolGauges struct {
	Total     int
	Active    int
	Idle      int
	Connected bool
}

// RegisterPoolGauges exposes occupancy gauges that call read on every scrape.
func RegisterPoolGauges(reg prometheus.Registerer, read func() PoolGauges) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string, value func(PoolGauges) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return value(read())
		})
	}
	collectors := []prometheus.Collector{
		gauge("browser_pool_sessions", "Sessions currently registered.", func(g PoolGauges) float64 {
			return float64(g.Total)
		}),
		gauge("browser_pool_sessions_active", "Sessions currently handed out.", func(g PoolGauges) float64 {
			return float64(g.Active)
		}),
		gauge("browser_pool_sessions_idle", "Sessions waiting for reuse.", func(g PoolGauges) float64 {
			return float64(g.Idle)
		}),
		gauge("browser_pool_browser_connected", "1 when the browser process is connected.", func(g PoolGauges) float64 {
			if g.Connected {
				return 1
			}
			return 0
		}),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register pool gauge: %w", err)
		}
	}
	return nil
}
