// internal/diff/stability.go
package diff

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// CaptureFunc takes a fresh snapshot.
type CaptureFunc func(ctx context.Context) (*schemas.Snapshot, error)

// StabilityResult describes how a stability wait ended.
type StabilityResult struct {
	Polls    int
	TimedOut bool
	Elapsed  time.Duration
}

// Waiter polls until two consecutive snapshots are structurally identical.
type Waiter struct {
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewWaiter creates a stability waiter.
func NewWaiter(logger *zap.Logger, interval, timeout time.Duration) *Waiter {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if timeout < interval {
		timeout = interval
	}
	return &Waiter{logger: logger.Named("stability"), interval: interval, timeout: timeout}
}

// Stable polls capture starting from first (which may be nil) until the
// structure stops changing. When the timeout elapses the latest snapshot is
// returned with TimedOut set; that is not an error. Errors come only from
// capture or ctx.
func (w *Waiter) Stable(ctx context.Context, first *schemas.Snapshot, capture CaptureFunc) (*schemas.Snapshot, StabilityResult, error) {
	start := time.Now()
	res := StabilityResult{}

	prev := first
	if prev == nil {
		s, err := capture(ctx)
		if err != nil {
			return nil, res, err
		}
		res.Polls++
		prev = s
	}
	prevHash := Hash(prev)

	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return prev, res, ctx.Err()
		case <-deadline.C:
			res.TimedOut = true
			res.Elapsed = time.Since(start)
			w.logger.Debug("Stability timeout reached; proceeding with latest snapshot.",
				zap.Int("polls", res.Polls), zap.Duration("elapsed", res.Elapsed))
			return prev, res, nil
		case <-ticker.C:
			next, err := capture(ctx)
			if err != nil {
				return prev, res, err
			}
			res.Polls++
			h := Hash(next)
			if h == prevHash {
				res.Elapsed = time.Since(start)
				return next, res, nil
			}
			prev, prevHash = next, h
		}
	}
}
