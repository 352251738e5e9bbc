package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

func (p *Pool) runReaper(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle closes idle sessions unused for longer than IdleTimeout. Entries
// are removed even when closing them fails.
func (p *Pool) reapIdle() int {
	now := p.clock.Now()
	p.mu.Lock()
	expired := p.sessions.expire(now, p.cfg.IdleTimeout)
	p.mu.Unlock()

	for _, s := range expired {
		p.closeSession(s, reasonIdle)
	}
	if len(expired) > 0 {
		p.logger.Info("reaped idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}
