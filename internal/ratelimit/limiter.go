// Package ratelimit paces pipelined submissions to a fixed rate.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter issues permits no faster than a fixed rate. There is no burst:
// consecutive permits are at least one interval apart. It is safe for concurrent use.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	interval       time.Duration
	rate           float64

	now func() time.Time
}

// New creates a Limiter issuing ratePerSec permits per second.
// A rate below the minimum of one permit per second is raised to it.
func New(ratePerSec float64) *Limiter {
	if ratePerSec < 1 {
		ratePerSec = 1
	}
	l := &Limiter{
		interval: time.Duration(float64(time.Second) / ratePerSec),
		rate:     ratePerSec,
		now:      time.Now,
	}
	l.nextPermitTime = l.now()
	return l
}

// Rate returns the permits per second.
func (l *Limiter) Rate() float64 {
	return l.rate
}

// Interval returns the minimum spacing between permits.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Wait blocks until the caller's permit time or until ctx is done.
// A caller that is behind schedule proceeds immediately.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	if l.nextPermitTime.Before(now) {
		// Idle time is not banked into a burst.
		l.nextPermitTime = now
	}
	permitTime := l.nextPermitTime
	l.nextPermitTime = permitTime.Add(l.interval)
	l.mu.Unlock()

	wait := permitTime.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
