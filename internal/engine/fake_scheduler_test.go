package engine

import (
	"testing"
	"time"
)

func TestFakeEventScheduler_AdvanceToRunsDueEvents(t *testing.T) {
	s := NewFakeEventScheduler(t0)

	var at []time.Time
	s.Schedule(t0.Add(2*time.Second), func() { at = append(at, s.Now()) })
	s.Schedule(t0.Add(time.Second), func() { at = append(at, s.Now()) })
	s.Schedule(t0.Add(5*time.Second), func() { at = append(at, s.Now()) })

	s.AdvanceTo(t0.Add(3 * time.Second))

	if len(at) != 2 {
		t.Fatalf("ran %d events, want 2", len(at))
	}
	// Callbacks see their own timestamp, not the AdvanceTo target.
	if !at[0].Equal(t0.Add(time.Second)) || !at[1].Equal(t0.Add(2*time.Second)) {
		t.Fatalf("callbacks observed %v", at)
	}
	if !s.Now().Equal(t0.Add(3 * time.Second)) {
		t.Fatalf("Now() = %v", s.Now())
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", s.Pending())
	}
}

func TestFakeEventScheduler_Monotonic(t *testing.T) {
	s := NewFakeEventScheduler(t0)
	s.Advance(time.Minute)
	s.AdvanceTo(t0)
	if !s.Now().Equal(t0.Add(time.Minute)) {
		t.Fatalf("fake time went backwards to %v", s.Now())
	}
}

func TestFakeEventScheduler_NestedScheduling(t *testing.T) {
	s := NewFakeEventScheduler(t0)

	count := 0
	var tick func()
	tick = func() {
		count++
		s.After(time.Second, tick)
	}
	s.After(time.Second, tick)
	s.AdvanceTo(t0.Add(5 * time.Second))

	if count != 5 {
		t.Fatalf("tick ran %d times, want 5", count)
	}
}
