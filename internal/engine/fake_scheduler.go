package engine

import (
	"sync"
	"time"
)

// FakeEventScheduler is a test-only EventScheduler with its own notion of
// time. Tests call AdvanceTo to move time forward and run due events
// deterministically, without a TimeController.
type FakeEventScheduler struct {
	mu    sync.Mutex
	now   time.Time
	queue eventQueue
}

var _ EventScheduler = (*FakeEventScheduler)(nil)

// NewFakeEventScheduler creates a new fake event scheduler starting at the given time.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	return &FakeEventScheduler{
		now:   start,
		queue: newEventQueue("fake-ev"),
	}
}

// Now returns the current fake simulation time.
func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule registers a callback to run at the specified simulation time.
func (s *FakeEventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.push(at, f)
}

// After registers a callback d after the current fake time.
func (s *FakeEventScheduler) After(d time.Duration, f func()) string {
	return s.Schedule(s.Now().Add(d), f)
}

// Cancel attempts to cancel a previously scheduled event.
func (s *FakeEventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.cancel(id)
}

// Pending reports the number of live scheduled events.
func (s *FakeEventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.pending()
}

// RunDue executes all events whose scheduled time is <= now.
func (s *FakeEventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.queue.popDue(s.now)
		s.mu.Unlock()
		if ev == nil {
			return
		}
		if ev.f != nil {
			ev.f()
		}
	}
}

// AdvanceTo moves fake time to t, stopping at every intermediate event
// timestamp so callbacks observe their own scheduled time as Now. Time is
// kept monotonic (does not go backwards).
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	for {
		s.mu.Lock()
		if t.Before(s.now) {
			s.mu.Unlock()
			return
		}
		next := s.queue.peek()
		if next == nil || next.when.After(t) {
			s.now = t
			s.mu.Unlock()
			s.RunDue()
			return
		}
		if next.when.After(s.now) {
			s.now = next.when
		}
		s.mu.Unlock()
		s.RunDue()
	}
}

// Advance is AdvanceTo(Now()+d).
func (s *FakeEventScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}
