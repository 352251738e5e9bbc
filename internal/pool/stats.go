package pool

import "github.com/wanifuchi/web-conversion-optimizer-sub000/internal/telemetry"

// Stats is a point-in-time view of the pool for monitoring.
type Stats struct {
	Initialized      bool   `json:"initialized"`
	TotalSessions    int    `json:"total_sessions"`
	ActiveSessions   int    `json:"active_sessions"`
	IdleSessions     int    `json:"idle_sessions"`
	BrowserConnected bool   `json:"browser_connected"`
	MaxSessions      int    `json:"max_sessions"`
	Generation       uint64 `json:"generation"`
	Closed           bool   `json:"closed"`
}

// Stats reads the current registry and connection state without side effects.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total, busy, idle := p.sessions.counts()
	return Stats{
		Initialized:      p.proc != nil,
		TotalSessions:    total,
		ActiveSessions:   busy,
		IdleSessions:     idle,
		BrowserConnected: p.proc != nil && p.proc.Connected(),
		MaxSessions:      p.cfg.MaxSessions,
		Generation:       p.generation,
		Closed:           p.closed,
	}
}

// Gauges adapts Stats for telemetry.RegisterPoolGauges.
func (p *Pool) Gauges() telemetry.PoolGauges {
	st := p.Stats()
	return telemetry.PoolGauges{
		Total:     st.TotalSessions,
		Active:    st.ActiveSessions,
		Idle:      st.IdleSessions,
		Connected: st.BrowserConnected,
	}
}
