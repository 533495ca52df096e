// Package clock provides the time source shared by every loop in the engine.
// Production code uses System; tests drive state transitions with Manual.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the injectable time provider
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System is the wall clock
type System struct{}

// NewSystem returns the wall clock
func NewSystem() System {
	return System{}
}

func (System) Now() time.Time {
	return time.Now()
}

func (System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Venue wraps a clock and reports time in the trading venue's location.
// Day boundaries for compliance are computed from this clock, not the host's.
type Venue struct {
	base Clock
	loc  *time.Location
}

// NewVenue creates a venue clock. A nil location means UTC.
func NewVenue(base Clock, loc *time.Location) *Venue {
	if loc == nil {
		loc = time.UTC
	}
	return &Venue{base: base, loc: loc}
}

func (v *Venue) Now() time.Time {
	return v.base.Now().In(v.loc)
}

func (v *Venue) After(d time.Duration) <-chan time.Time {
	return v.base.After(d)
}

// Location returns the venue location
func (v *Venue) Location() *time.Location {
	return v.loc
}

// Manual is a clock that only moves when told to
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual creates a manual clock starting at t
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock has been advanced to or past now+d.
// Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, &waiter{deadline: m.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires due waiters
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.fireLocked()
	m.mu.Unlock()
}

// Set moves the clock to t. Moving backwards is allowed but never fires waiters.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.fireLocked()
	m.mu.Unlock()
}

// Waiters returns the number of pending After channels
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

func (m *Manual) fireLocked() {
	sort.Slice(m.waiters, func(i, j int) bool {
		return m.waiters[i].deadline.Before(m.waiters[j].deadline)
	})

	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.deadline.After(m.now) {
			w.ch <- m.now
			continue
		}
		remaining = append(remaining, w)
	}
	m.waiters = remaining
}

// Sleep blocks for d on clock c or until done is closed.
// It reports false when done closed first.
func Sleep(c Clock, d time.Duration, done <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	select {
	case <-c.After(d):
		return true
	case <-done:
		return false
	}
}
