// Package sender dispatches submissions concurrently with bounded in-flight work.
package sender

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultConcurrency is used when Config.Concurrency is not positive.
const DefaultConcurrency = 500

// Dispatcher runs submission functions on goroutines with semaphore-based backpressure.
type Dispatcher struct {
	semaphore chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// Config for creating a Dispatcher.
type Config struct {
	Concurrency int // Max concurrent dispatches (default: 500)
	Logger      *slog.Logger
}

// New creates a new Dispatcher.
func New(cfg Config) *Dispatcher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		semaphore: make(chan struct{}, concurrency),
		logger:    logger,
	}
}

// Dispatch runs fn on a goroutine once a slot is free. It blocks while the
// dispatcher is at capacity and returns ctx.Err() if ctx ends first, in which
// case fn is not run.
func (d *Dispatcher) Dispatch(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case d.semaphore <- struct{}{}:
		d.start(fn)
		return nil
	case <-ctx.Done():
		d.logger.Debug("dispatch abandoned", slog.Int("inFlight", d.InFlight()))
		return ctx.Err()
	}
}

func (d *Dispatcher) start(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.semaphore }() // Release semaphore
		fn()
	}()
}

// Wait blocks until every dispatched function has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Capacity returns the total capacity.
func (d *Dispatcher) Capacity() int {
	return cap(d.semaphore)
}

// InFlight returns the number of functions currently running.
func (d *Dispatcher) InFlight() int {
	return len(d.semaphore)
}
