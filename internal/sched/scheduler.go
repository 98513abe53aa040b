// Package sched provides time-ordered callback scheduling for the
// coordinator. Watchdogs, alignment retries, release spacing and outbox
// retries are expressed as scheduled events so that stopping a sequence can
// cancel them and tests can drive them deterministically.
package sched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/timectrl"
)

// EventScheduler schedules callbacks to run at specific coordinator times
// based on a SimClock implementation.
//
// The coordinator runtime calls RunDue() periodically (see RunLoop); tests use
// FakeEventScheduler.AdvanceTo instead.
type EventScheduler interface {
	// Schedule registers a callback f to run at time 'at'.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current time, usually delegated to the underlying SimClock.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now().
	// Already-run events never run again.
	RunDue()
}

// After schedules f to run d after the scheduler's current time.
func After(s EventScheduler, d time.Duration, f func()) string {
	return s.Schedule(s.Now().Add(d), f)
}

// RunLoop calls RunDue every interval until ctx is done.
func RunLoop(ctx context.Context, s EventScheduler, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunDue()
		}
	}
}

type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// eventScheduler keeps events ordered by scheduled time and reads the
// current time from a SimClock.
type eventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // earliest first
	index   map[string]*scheduledEvent
}

// NewEventScheduler creates a new event scheduler backed by the given SimClock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)
	ev := &scheduledEvent{id: id, when: at, f: f}
	insertOrdered(&s.events, ev)
	s.index[id] = ev
	return id
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; RunDue skips cancelled events.
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := popDue(&s.events, s.clock.Now())
		if ev == nil {
			s.mu.Unlock()
			return
		}
		delete(s.index, ev.id)
		s.mu.Unlock()

		// Callbacks run outside the lock so they may schedule or cancel.
		if ev.f != nil {
			ev.f()
		}
	}
}

// Pending reports how many live events are queued.
func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func insertOrdered(events *[]*scheduledEvent, ev *scheduledEvent) {
	list := *events
	// Events with equal times keep insertion order.
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].when.After(ev.when)
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = ev
	*events = list
}

func popDue(events *[]*scheduledEvent, now time.Time) *scheduledEvent {
	list := *events
	for len(list) > 0 {
		ev := list[0]
		if ev.cancelled {
			list = list[1:]
			continue
		}
		if ev.when.After(now) {
			break
		}
		*events = list[1:]
		return ev
	}
	*events = list
	return nil
}
