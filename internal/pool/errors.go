package pool

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wanifuchi/web-conversion-optimizer-sub000/internal/telemetry"
)

var (
	// ErrLaunch means the browser process or a new session could not be started.
	ErrLaunch = errors.New("browser launch failed")
	// ErrAcquireTimeout means no session became available within the acquire bound.
	ErrAcquireTimeout = errors.New("timed out acquiring browser session")
	// ErrReset means a session could not be returned to its clean baseline.
	// It never leaves the pool; affected sessions are discarded.
	ErrReset = errors.New("session reset failed")
	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("browser pool is closed")

	errStaleSession = errors.New("session belongs to a replaced browser")
	errTabClosed    = errors.New("tab already closed")
)

// BestEffortError is a cleanup failure that is logged and counted but never
// returned to a caller, such as clearing storage on a blank document or closing
// a handle that is already gone.
type BestEffortError struct {
	Op  string
	Err error
}

func (e *BestEffortError) Error() string {
	return fmt.Sprintf("best-effort %s: %v", e.Op, e.Err)
}

func (e *BestEffortError) Unwrap() error {
	return e.Err
}

func logBestEffort(logger *zap.Logger, metrics *telemetry.PoolMetrics, op string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	metrics.ObserveBestEffort(op)
	fields = append(fields,
		zap.String("category", "best_effort"),
		zap.Error(&BestEffortError{Op: op, Err: err}),
	)
	logger.Debug("ignored cleanup failure", fields...)
}
