package sim

import (
	"sync"
	"time"
)

// Task is a recurring event owned by whoever created it with Every.
type Task struct {
	loop   *Loop
	period time.Duration
	fn     Func

	mu      sync.Mutex
	next    EventID
	stopped bool
}

// Every runs fn every period, first at Now()+period, until the returned task
// is stopped or fn fails. A non-positive period panics.
func (l *Loop) Every(period time.Duration, fn Func) *Task {
	if period <= 0 {
		panic("sim: non-positive task period")
	}
	t := &Task{loop: l, period: period, fn: fn}
	t.arm(l.Now().Add(period))
	return t
}

func (t *Task) arm(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.next = t.loop.Schedule(at, func() error {
		if err := t.fn(); err != nil {
			return err
		}
		t.arm(at.Add(t.period))
		return nil
	})
}

// Stop cancels the pending run. Calling Stop from inside fn prevents the
// next run.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.loop.Cancel(t.next)
}

// Stopped reports whether Stop was called.
func (t *Task) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
