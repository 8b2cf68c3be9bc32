package sender

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

func TestDispatcherBasic(t *testing.T) {
	d := New(Config{Concurrency: 10, Logger: slogt.New(t)})

	var called atomic.Bool
	if err := d.Dispatch(context.Background(), func() { called.Store(true) }); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	d.Wait()

	if !called.Load() {
		t.Error("dispatched function was not called")
	}
}

func TestDispatcherAtCapacity(t *testing.T) {
	d := New(Config{Concurrency: 2, Logger: slogt.New(t)})

	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		if err := d.Dispatch(context.Background(), func() { <-release }); err != nil {
			t.Errorf("Dispatch %d error = %v, want nil", i, err)
		}
	}
	if got := d.InFlight(); got != 2 {
		t.Errorf("InFlight() = %d, want 2", got)
	}

	// A blocking dispatch gives up when its context ends.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Dispatch(ctx, func() { t.Error("ran after context expired") }); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Dispatch error = %v, want context.DeadlineExceeded", err)
	}

	close(release)
	d.Wait()
}

func TestDispatcherCapacityMetrics(t *testing.T) {
	d := New(Config{Concurrency: 5, Logger: slogt.New(t)})

	if got := d.Capacity(); got != 5 {
		t.Errorf("Capacity() = %d, want 5", got)
	}
	if got := d.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d, want 0", got)
	}

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)
	for i := 0; i < 3; i++ {
		d.Dispatch(context.Background(), func() {
			started.Done()
			<-release
		})
	}
	started.Wait()

	if got := d.InFlight(); got != 3 {
		t.Errorf("InFlight() = %d, want 3", got)
	}

	close(release)
	d.Wait()
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	const limit = 4
	d := New(Config{Concurrency: limit, Logger: slogt.New(t)})

	var running, peak atomic.Int32
	const numDispatches = 100
	var done atomic.Int32

	for i := 0; i < numDispatches; i++ {
		err := d.Dispatch(context.Background(), func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			done.Add(1)
		})
		if err != nil {
			t.Fatalf("Dispatch(%d) error: %v", i, err)
		}
	}
	d.Wait()

	if got := done.Load(); got != numDispatches {
		t.Errorf("completed = %d, want %d", got, numDispatches)
	}
	if got := peak.Load(); got > limit {
		t.Errorf("peak concurrency = %d, want <= %d", got, limit)
	}
}

func TestDispatcherDefaultConcurrency(t *testing.T) {
	if got := New(Config{}).Capacity(); got != DefaultConcurrency {
		t.Errorf("Capacity() = %d, want %d", got, DefaultConcurrency)
	}
}
