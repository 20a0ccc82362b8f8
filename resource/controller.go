// Package resource governs long-running scans (statistics, export) so they
// cannot starve foreground mutations: a weighted semaphore caps concurrent
// scans and a token-bucket limiter paces how many records a scan may visit
// per second.
package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds scan limits.
type Config struct {
	// MaxConcurrentScans caps concurrently running full scans.
	// If 0, defaults to 2.
	MaxConcurrentScans int64

	// ScanRecordsPerSec paces scan progress in records per second.
	// If 0, scans are unpaced.
	ScanRecordsPerSec float64
}

// Controller manages scan concurrency and pacing.
type Controller struct {
	scanSem *semaphore.Weighted
	limiter *rate.Limiter
}

// NewController creates a controller for the given limits.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = 2
	}
	c := &Controller{
		scanSem: semaphore.NewWeighted(cfg.MaxConcurrentScans),
	}
	if cfg.ScanRecordsPerSec > 0 {
		burst := int(cfg.ScanRecordsPerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ScanRecordsPerSec), burst)
	}
	return c
}

// AcquireScan blocks until a scan slot is available or ctx is canceled.
// Callers must ReleaseScan when the scan finishes.
func (c *Controller) AcquireScan(ctx context.Context) error {
	if c == nil {
		return ctx.Err()
	}
	return c.scanSem.Acquire(ctx, 1)
}

// ReleaseScan returns a scan slot.
func (c *Controller) ReleaseScan() {
	if c == nil {
		return
	}
	c.scanSem.Release(1)
}

// WaitChunk blocks until the scan may visit another n records. It is called
// between cursor steps, which is also the scan's cancellation point.
func (c *Controller) WaitChunk(ctx context.Context, n int) error {
	if c == nil || c.limiter == nil {
		return ctx.Err()
	}
	if n <= 0 {
		return ctx.Err()
	}
	// WaitN rejects n > burst outright; pace oversized chunks in slices.
	for n > 0 {
		step := n
		if burst := c.limiter.Burst(); step > burst {
			step = burst
		}
		if err := c.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
