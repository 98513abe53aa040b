package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is the clock abstraction shared by the tick loop, the event
// scheduler and every timer-driven component (watchdogs, alignment retries,
// release windows). Tests substitute a controllable implementation.
type SimClock interface {
	// Now returns the current coordinator time.
	Now() time.Time
	// After returns a channel that receives the clock time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// WallClock is a SimClock backed by the system clock.
type WallClock struct{}

// Now implements SimClock.
func (WallClock) Now() time.Time { return time.Now() }

// After implements SimClock.
func (WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime follows the wall clock; each tick reads time.Now().
	RealTime Mode = iota
	// Accelerated advances by exactly Tick per loop iteration, as fast as
	// listeners allow.
	Accelerated
)

// Listener is invoked once per tick with the tick time.
type Listener func(ctx context.Context, now time.Time)

type waiter struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives the perception/guard/scenario tick loop and notifies
// registered listeners in registration order. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	listeners   []Listener
	waiters     []waiter
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current controller time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the controller clock and releases any waiters that are due.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	due := tc.collectDueLocked(t)
	tc.mu.Unlock()
	fire(due, t)
}

// After returns a channel that fires once controller time passes d from now.
// Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		tc.mu.Unlock()
		ch <- at
		return ch
	}
	tc.waiters = append(tc.waiters, waiter{at: at, ch: ch})
	tc.mu.Unlock()
	return ch
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Run ticks until ctx is cancelled or, when duration > 0, until that much
// controller time has elapsed. It returns ctx.Err() on cancellation and nil
// when the duration completes.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	tc.mu.Lock()
	now := tc.StartTime
	if tc.Mode == RealTime {
		now = time.Now()
	}
	tc.currentTime = now
	tc.mu.Unlock()

	ticker := time.NewTicker(tc.Tick)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		if duration > 0 && elapsed >= duration {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wall := <-ticker.C:
			if tc.Mode == RealTime {
				now = wall
			} else {
				now = now.Add(tc.Tick)
			}
		}
		elapsed += tc.Tick
		tc.SetTime(now)

		tc.mu.RLock()
		listeners := append([]Listener(nil), tc.listeners...)
		tc.mu.RUnlock()
		for _, fn := range listeners {
			fn(ctx, now)
		}
	}
}

// Start runs the controller in a separate goroutine for the given duration.
// The returned channel is closed when the run finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tc.Run(ctx, duration)
	}()
	return done
}

func (tc *TimeController) collectDueLocked(now time.Time) []waiter {
	if len(tc.waiters) == 0 {
		return nil
	}
	var due []waiter
	kept := tc.waiters[:0]
	for _, w := range tc.waiters {
		if !w.at.After(now) {
			due = append(due, w)
			continue
		}
		kept = append(kept, w)
	}
	tc.waiters = kept
	return due
}

func fire(due []waiter, now time.Time) {
	for _, w := range due {
		w.ch <- now
	}
}
