package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock gives access to simulation time. Components that only need to
// read the time depend on this rather than on a concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the listeners return while still
	// stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// TickListener is invoked on every tick with the new simulation time. A
// non-nil error stops the controller.
type TickListener func(time.Time) error

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	err         error

	listeners []TickListener
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// AddListener registers a callback invoked on every tick. Listeners must be
// registered before Start.
func (tc *TimeController) AddListener(fn TickListener) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Err returns the listener error that stopped the controller, if any.
func (tc *TimeController) Err() error {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.err
}

// Start runs the controller for the specified simulated duration (zero runs
// until ctx is done) in a separate goroutine. It returns a channel that is
// closed when the controller finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		simTime := tc.StartTime
		tc.currentTime = simTime
		listeners := append([]TickListener(nil), tc.listeners...)
		tc.mu.Unlock()

		var tick <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tick = ticker.C
		}

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}

			simTime = simTime.Add(tc.Tick)
			elapsed += tc.Tick

			tc.mu.Lock()
			tc.currentTime = simTime
			tc.mu.Unlock()

			for _, fn := range listeners {
				if err := fn(simTime); err != nil {
					tc.mu.Lock()
					tc.err = err
					tc.mu.Unlock()
					return
				}
			}
		}
	}()
	return done
}
