package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/satmac-simulator/timectrl"
)

// EventScheduler schedules callbacks to run at specific simulation times.
// Every MAC component (beam scheduler cadence, NCR broadcast, link delivery,
// terminal slot bursts) books its future work through it.
//
// Events with the same timestamp run in the order they were scheduled.
type EventScheduler interface {
	// Schedule registers a callback f to run at simulation time 'at'.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Time, f func()) (id string)

	// After is Schedule relative to Now.
	After(d time.Duration, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now().
	RunDue()
}

type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// eventQueue is the time-ordered store shared by Engine and the fake.
type eventQueue struct {
	prefix  string
	counter uint64
	events  []*scheduledEvent // ordered by 'when' (earliest first)
	index   map[string]*scheduledEvent
}

func newEventQueue(prefix string) eventQueue {
	return eventQueue{prefix: prefix, index: make(map[string]*scheduledEvent)}
}

func (q *eventQueue) push(at time.Time, f func()) string {
	q.counter++
	id := fmt.Sprintf("%s-%d", q.prefix, q.counter)
	ev := &scheduledEvent{id: id, when: at, f: f}

	// First event strictly later than ev keeps equal timestamps FIFO.
	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].when.After(ev.when)
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev
	q.index[id] = ev
	return id
}

func (q *eventQueue) cancel(id string) {
	ev, ok := q.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(q.index, id)
}

// popDue removes and returns the earliest live event at or before now.
func (q *eventQueue) popDue(now time.Time) *scheduledEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

// peek returns the earliest live event without removing it.
func (q *eventQueue) peek() *scheduledEvent {
	for len(q.events) > 0 {
		if q.events[0].cancelled {
			q.events = q.events[1:]
			continue
		}
		return q.events[0]
	}
	return nil
}

func (q *eventQueue) pending() int {
	return len(q.index)
}

// Engine is the discrete-event loop: it owns a TimeController and advances
// it from one event timestamp to the next.
type Engine struct {
	clock *timectrl.TimeController

	mu    sync.Mutex
	queue eventQueue
	ran   uint64
}

var _ EventScheduler = (*Engine)(nil)

// New creates an engine that drives the given controller.
func New(clock *timectrl.TimeController) *Engine {
	return &Engine{clock: clock, queue: newEventQueue("ev")}
}

// Schedule registers a callback to run at the specified simulation time.
// Times in the past run on the next RunDue/Step.
func (e *Engine) Schedule(at time.Time, f func()) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.push(at, f)
}

// After registers a callback d after the current simulation time.
func (e *Engine) After(d time.Duration, f func()) string {
	return e.Schedule(e.Now().Add(d), f)
}

// Cancel attempts to cancel a previously scheduled event.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue.cancel(id)
}

// Now returns the current simulation time from the underlying clock.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Pending reports the number of live scheduled events.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.pending()
}

// Executed reports how many callbacks have run.
func (e *Engine) Executed() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ran
}

// RunDue executes all events whose scheduled time is <= Now() without
// moving the clock.
func (e *Engine) RunDue() {
	for {
		e.mu.Lock()
		ev := e.queue.popDue(e.clock.Now())
		if ev != nil {
			e.ran++
		}
		e.mu.Unlock()
		if ev == nil {
			return
		}
		// Callbacks run outside the lock so they can schedule more work.
		if ev.f != nil {
			ev.f()
		}
	}
}

// Step advances the clock to the next event and runs every event due at
// that instant. It returns false when nothing is scheduled.
func (e *Engine) Step() bool {
	e.mu.Lock()
	next := e.queue.peek()
	e.mu.Unlock()
	if next == nil {
		return false
	}
	e.clock.SetTime(next.when)
	e.RunDue()
	return true
}

// RunUntil processes events in time order up to and including end, then
// leaves the clock at end. It stops early if ctxDone is closed.
func (e *Engine) RunUntil(end time.Time, ctxDone <-chan struct{}) {
	for {
		select {
		case <-ctxDone:
			return
		default:
		}

		e.mu.Lock()
		next := e.queue.peek()
		e.mu.Unlock()
		if next == nil || next.when.After(end) {
			break
		}
		e.clock.SetTime(next.when)
		e.RunDue()
	}
	e.clock.SetTime(end)
}
