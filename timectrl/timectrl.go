package timectrl

import (
	"sync"
	"time"
)

// SimClock is the read side of simulation time. MAC components (beam
// scheduler, terminal state machines, gateways) depend on it rather than on
// the controller so they can be driven by a fake clock in tests.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController paces simulation time.
type Mode int

const (
	// RealTime holds simulation time back so that it never runs ahead of
	// wall-clock time elapsed since Start.
	RealTime Mode = iota
	// Accelerated jumps straight to the next requested time.
	Accelerated
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// ParseMode maps "realtime"/"accelerated" to a Mode. Anything else is
// treated as Accelerated, which is what batch runs want.
func ParseMode(s string) Mode {
	if s == "realtime" || s == "real-time" {
		return RealTime
	}
	return Accelerated
}

// TimeController owns simulation time. The discrete-event engine advances it
// to each event's timestamp; listeners observe every advance.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Mode      Mode

	currentTime time.Time
	wallStart   time.Time

	listeners []func(time.Time)

	// sleep is swapped in tests.
	sleep func(time.Duration)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Mode:        mode,
		currentTime: start,
		wallStart:   time.Now(),
		sleep:       time.Sleep,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Elapsed returns simulation time elapsed since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	return tc.Now().Sub(tc.StartTime)
}

// AddListener registers a callback invoked after every time advance.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// SetTime moves simulation time to t. Time never goes backwards; an earlier
// t is ignored and reported as false. In RealTime mode the call blocks until
// wall-clock time has caught up with t.
func (tc *TimeController) SetTime(t time.Time) bool {
	tc.mu.Lock()
	if t.Before(tc.currentTime) {
		tc.mu.Unlock()
		return false
	}
	if tc.Mode == RealTime {
		ahead := t.Sub(tc.StartTime) - time.Since(tc.wallStart)
		if ahead > 0 && tc.sleep != nil {
			tc.mu.Unlock()
			tc.sleep(ahead)
			tc.mu.Lock()
		}
	}
	tc.currentTime = t
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
	return true
}

// Advance moves simulation time forward by d.
func (tc *TimeController) Advance(d time.Duration) {
	tc.SetTime(tc.Now().Add(d))
}
