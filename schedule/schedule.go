// Package schedule provides cancelable timed events on top of an injectable
// clock.
//
// Production code uses the wall clock. Tests pass a *clock.Mock and advance
// it explicitly, so that selection windows, lease expiry and reclaim sweeps
// can be exercised without sleeping for minutes:
//
//	mock := clock.NewMock()
//	s := schedule.New(mock)
//	s.After(5*time.Second, func(*schedule.Event) { ... })
//	mock.Add(5 * time.Second)
package schedule

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler creates events and tickers bound to one clock.
type Scheduler struct {
	clock clock.Clock
}

// New returns a Scheduler using c, or the wall clock when c is nil.
func New(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c}
}

// Clock returns the underlying clock.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// After arms a one-shot event that calls fn after d unless canceled first.
// fn receives the event so that owners can tell a superseded event apart
// from the current one.
func (s *Scheduler) After(d time.Duration, fn func(*Event)) *Event {
	ev := &Event{deadline: s.clock.Now().Add(d)}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.timer = s.clock.AfterFunc(d, func() {
		if ev.claim() {
			fn(ev)
		}
	})
	return ev
}

// Every calls fn once per interval until the returned Ticker is stopped.
func (s *Scheduler) Every(interval time.Duration, fn func()) *Ticker {
	t := &Ticker{
		ticker: s.clock.Ticker(interval),
		done:   make(chan struct{}),
	}
	go t.run(fn)
	return t
}

// Event is a single scheduled callback with a fixed deadline.
type Event struct {
	mu       sync.Mutex
	timer    *clock.Timer
	deadline time.Time
	fired    bool
	canceled bool
}

// claim marks the event as fired unless it was canceled.
func (e *Event) claim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.canceled {
		return false
	}
	e.fired = true
	return true
}

// Cancel prevents the callback from running if it has not started yet and
// reports whether it did so. Cancel on a nil event is a no-op.
func (e *Event) Cancel() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired || e.canceled {
		return false
	}
	e.canceled = true
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

// Deadline returns when the event fires.
func (e *Event) Deadline() time.Time {
	return e.deadline
}

// Pending reports whether the event is neither fired nor canceled.
func (e *Event) Pending() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.fired && !e.canceled
}

// Ticker runs a callback periodically.
type Ticker struct {
	ticker   *clock.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

func (t *Ticker) run(fn func()) {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			fn()
		}
	}
}

// Stop halts the ticker. Safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
}
