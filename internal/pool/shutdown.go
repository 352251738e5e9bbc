package pool

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"
)

// Shutdown stops the background loops, closes every session and the browser,
// and clears all pool state. Later Acquire calls fail with ErrPoolClosed until
// Restart. Calling Shutdown on a closed pool is a no-op.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.adminMu.Lock()
	defer p.adminMu.Unlock()
	return p.shutdown(ctx)
}

func (p *Pool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.started = false
	close(p.stop)
	loops := p.loops
	d := p.detachLocked()
	p.mu.Unlock()

	loopsDone := make(chan struct{})
	go func() {
		loops.Wait()
		close(loopsDone)
	}()

	// Resources are closed even when the loops are slow to exit.
	p.closeDetached(d, reasonShutdown)
	p.logger.Info("pool shut down", zap.Int("sessions_closed", len(d.sessions)))

	select {
	case <-loopsDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for pool loops: %w", ctx.Err())
	}
}

// Restart shuts the pool down and brings it back with a freshly launched browser.
// The pool is reopened even when the previous loops outlive ctx; the error is
// returned and the browser launches on the next Acquire.
func (p *Pool) Restart(ctx context.Context) error {
	p.adminMu.Lock()
	defer p.adminMu.Unlock()

	shutdownErr := p.shutdown(ctx)
	p.mu.Lock()
	p.openLocked()
	p.mu.Unlock()
	p.metrics.ObserveRestart("admin")
	if shutdownErr != nil {
		p.logger.Warn("previous pool loops still running; reopened without launching", zap.Error(shutdownErr))
		return shutdownErr
	}

	_, gen, err := p.ensureLaunched(ctx)
	if err != nil {
		return err
	}
	p.logger.Info("pool restarted", zap.Uint64("generation", gen))
	return nil
}

// ShutdownOnSignal drains the pool once ctx ends or one of sigs arrives. The
// returned channel is closed after the drain finished.
func (p *Pool) ShutdownOnSignal(ctx context.Context, sigs ...os.Signal) <-chan struct{} {
	waitCtx, stop := ctx, context.CancelFunc(func() {})
	if len(sigs) > 0 {
		waitCtx, stop = signal.NotifyContext(ctx, sigs...)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stop()
		<-waitCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("pool drain incomplete", zap.Error(err))
		}
	}()
	return done
}
