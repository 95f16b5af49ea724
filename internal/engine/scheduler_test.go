package engine

import (
	"testing"
	"time"

	"github.com/signalsfoundry/satmac-simulator/timectrl"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEngine() (*Engine, *timectrl.TimeController) {
	clock := timectrl.NewTimeController(t0, timectrl.Accelerated)
	return New(clock), clock
}

func TestEngine_SingleEvent(t *testing.T) {
	eng, clock := newTestEngine()

	var counter int
	id := eng.Schedule(t0.Add(10*time.Second), func() { counter++ })
	if id == "" {
		t.Fatalf("Schedule returned empty ID")
	}

	eng.RunDue()
	if counter != 0 {
		t.Fatalf("expected counter=0 before time advance, got %d", counter)
	}

	clock.SetTime(t0.Add(10 * time.Second))
	eng.RunDue()
	eng.RunDue()
	if counter != 1 {
		t.Fatalf("expected counter=1, got %d", counter)
	}
}

func TestEngine_EqualTimesRunInScheduleOrder(t *testing.T) {
	eng, _ := newTestEngine()

	var order []string
	at := t0.Add(time.Second)
	eng.Schedule(at, func() { order = append(order, "a") })
	eng.Schedule(at, func() { order = append(order, "b") })
	eng.Schedule(t0.Add(500*time.Millisecond), func() { order = append(order, "early") })
	eng.Schedule(at, func() { order = append(order, "c") })

	eng.RunUntil(t0.Add(2*time.Second), nil)

	want := []string{"early", "a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEngine_CancelSkipsEvent(t *testing.T) {
	eng, _ := newTestEngine()

	ran := false
	id := eng.After(time.Second, func() { ran = true })
	eng.Cancel(id)
	eng.Cancel("unknown")

	eng.RunUntil(t0.Add(time.Minute), nil)
	if ran {
		t.Fatalf("cancelled event ran")
	}
	if eng.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", eng.Pending())
	}
}

func TestEngine_RunUntilAdvancesClockPerEvent(t *testing.T) {
	eng, clock := newTestEngine()

	var seen []time.Duration
	var tick func()
	tick = func() {
		seen = append(seen, eng.Now().Sub(t0))
		eng.After(100*time.Millisecond, tick)
	}
	eng.After(100*time.Millisecond, tick)

	eng.RunUntil(t0.Add(time.Second), nil)

	if len(seen) != 10 {
		t.Fatalf("periodic event ran %d times, want 10", len(seen))
	}
	if seen[3] != 400*time.Millisecond {
		t.Fatalf("fourth run at %v, want 400ms", seen[3])
	}
	if !clock.Now().Equal(t0.Add(time.Second)) {
		t.Fatalf("clock left at %v", clock.Now())
	}
	if eng.Executed() != 10 {
		t.Fatalf("Executed() = %d", eng.Executed())
	}
}

func TestEngine_RunUntilStopsOnDone(t *testing.T) {
	eng, _ := newTestEngine()
	done := make(chan struct{})
	close(done)

	ran := false
	eng.After(time.Second, func() { ran = true })
	eng.RunUntil(t0.Add(time.Minute), done)
	if ran {
		t.Fatalf("event ran after done was closed")
	}
}

func TestEngine_Step(t *testing.T) {
	eng, clock := newTestEngine()
	if eng.Step() {
		t.Fatalf("Step on empty queue returned true")
	}
	eng.After(3*time.Second, func() {})
	if !eng.Step() {
		t.Fatalf("Step returned false with a pending event")
	}
	if !clock.Now().Equal(t0.Add(3 * time.Second)) {
		t.Fatalf("Step left clock at %v", clock.Now())
	}
}
