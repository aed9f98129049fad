// Package sim provides the discrete-event timeline every scheduling component
// runs on. All callbacks execute on the goroutine that drives the Loop; other
// goroutines inject work with Post.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/logging"
)

// ErrHalted is returned once a callback has failed; the loop does not run any
// further events.
var ErrHalted = errors.New("sim: loop halted")

// EventID identifies a scheduled event. The zero value never names an event.
type EventID uint64

// Func is an event callback. A non-nil error halts the loop.
type Func func() error

type event struct {
	id        EventID
	when      time.Time
	fn        Func
	cancelled bool
}

// Loop is a single logical timeline. Events are ordered by time; events at
// equal times run in the order they were scheduled.
type Loop struct {
	log logging.Logger

	mu      sync.Mutex
	now     time.Time
	counter uint64
	events  []*event // ordered by when, then by scheduling order
	index   map[EventID]*event
	posted  []Func
	err     error
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(l logging.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

// NewLoop creates a loop whose clock starts at start.
func NewLoop(start time.Time, opts ...Option) *Loop {
	l := &Loop{
		log:   logging.Noop(),
		now:   start,
		index: make(map[EventID]*event),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the current simulation time. Inside a callback it is the time
// the event was scheduled for.
func (l *Loop) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// Schedule registers fn to run at the given time. Times in the past run at
// the current time on the next advance.
func (l *Loop) Schedule(at time.Time, fn Func) EventID {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter++
	ev := &event{id: EventID(l.counter), when: at, fn: fn}
	if ev.when.Before(l.now) {
		ev.when = l.now
	}
	l.addEventLocked(ev)
	l.index[ev.id] = ev
	return ev.id
}

// After registers fn to run d after the current time.
func (l *Loop) After(d time.Duration, fn Func) EventID {
	return l.Schedule(l.Now().Add(d), fn)
}

// addEventLocked inserts ev after every event scheduled for the same or an
// earlier time. Caller must hold l.mu.
func (l *Loop) addEventLocked(ev *event) {
	idx := sort.Search(len(l.events), func(i int) bool {
		return ev.when.Before(l.events[i].when)
	})
	l.events = append(l.events, nil)
	copy(l.events[idx+1:], l.events[idx:])
	l.events[idx] = ev
}

// Cancel removes a pending event. It is a no-op for unknown or already run
// events.
func (l *Loop) Cancel(id EventID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(l.index, id)
}

// Pending returns the number of events waiting to run.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

// Post queues fn to run at the current time on the next advance. It is safe
// to call from any goroutine.
func (l *Loop) Post(fn Func) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
}

// Err returns the error that halted the loop, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// AdvanceTo runs every event due at or before t, in order, and leaves the
// clock at t. Time never moves backwards. The first callback error halts the
// loop and is returned; later calls return ErrHalted.
func (l *Loop) AdvanceTo(t time.Time) error {
	return l.RunUntil(context.Background(), t)
}

// RunUntil is AdvanceTo with cancellation checked between events. On
// cancellation the clock stays at the last executed event.
func (l *Loop) RunUntil(ctx context.Context, t time.Time) error {
	if err := l.halted(); err != nil {
		return err
	}
	if err := l.runPosted(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := l.popDue(t)
		if ev == nil {
			break
		}
		if ev.fn == nil {
			continue
		}
		if err := ev.fn(); err != nil {
			return l.halt(err)
		}
		if err := l.runPosted(); err != nil {
			return err
		}
	}

	l.mu.Lock()
	if t.After(l.now) {
		l.now = t
	}
	l.mu.Unlock()
	return nil
}

// popDue removes the next live event due at or before t and moves the clock
// to its time.
func (l *Loop) popDue(t time.Time) *event {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.events) > 0 {
		ev := l.events[0]
		if ev.cancelled {
			l.events = l.events[1:]
			continue
		}
		if ev.when.After(t) {
			return nil
		}
		l.events = l.events[1:]
		delete(l.index, ev.id)
		if ev.when.After(l.now) {
			l.now = ev.when
		}
		return ev
	}
	return nil
}

func (l *Loop) runPosted() error {
	for {
		l.mu.Lock()
		if len(l.posted) == 0 {
			l.mu.Unlock()
			return nil
		}
		fn := l.posted[0]
		l.posted = l.posted[1:]
		l.mu.Unlock()

		if fn == nil {
			continue
		}
		if err := fn(); err != nil {
			return l.halt(err)
		}
	}
}

func (l *Loop) halted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return fmt.Errorf("%w: %v", ErrHalted, l.err)
	}
	return nil
}

func (l *Loop) halt(err error) error {
	l.mu.Lock()
	l.err = err
	now := l.now
	l.events = nil
	l.index = make(map[EventID]*event)
	l.posted = nil
	l.mu.Unlock()

	l.log.Error(context.Background(), "event loop halted",
		logging.Time("sim_time", now),
		logging.Err(err),
	)
	return err
}
