package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/browser"
)

// watchDisconnect forwards the disconnect notification of proc to the health
// loop, which owns all state changes that follow from it.
func (p *Pool) watchDisconnect(proc browser.Process, gen uint64, stop <-chan struct{}) {
	select {
	case <-proc.Disconnected():
	case <-stop:
		return
	}
	select {
	case p.disconnects <- gen:
	case <-stop:
	}
}

// runHealth reacts to disconnect notifications immediately and, on every
// tick, relaunches a browser that was started but is no longer connected.
func (p *Pool) runHealth(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case gen := <-p.disconnects:
			p.handleDisconnect(gen)
		case <-ticker.C:
			p.checkHealth(stop)
		}
	}
}

// handleDisconnect clears the pool so the next Acquire relaunches without
// waiting for a health tick.
func (p *Pool) handleDisconnect(gen uint64) {
	p.mu.Lock()
	if p.closed || p.proc == nil || gen != p.generation {
		p.mu.Unlock()
		return
	}
	d := p.detachLocked()
	p.mu.Unlock()

	p.logger.Warn("browser disconnected", zap.Uint64("generation", gen), zap.Int("sessions", len(d.sessions)))
	p.closeDetached(d, reasonDisconnect)
}

func (p *Pool) checkHealth(stop <-chan struct{}) {
	p.mu.Lock()
	unhealthy := !p.closed && p.started && (p.proc == nil || !p.proc.Connected())
	p.mu.Unlock()
	if !unhealthy {
		return
	}

	p.logger.Warn("browser not connected; restarting pool")
	p.metrics.ObserveRestart("health")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	if _, gen, err := p.ensureLaunched(ctx); err != nil {
		p.logger.Error("pool restart failed; retrying on next health check", zap.Error(err))
	} else {
		p.logger.Info("pool restarted", zap.Uint64("generation", gen))
	}
}
