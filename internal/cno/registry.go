package cno

import (
	"math"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/model"
	"github.com/signalsfoundry/satlink-scheduler/timectrl"
)

// Registry holds one estimator per terminal, created on the first sample.
type Registry struct {
	mode       Mode
	window     time.Duration
	clock      timectrl.SimClock
	estimators map[model.Address]*Estimator
}

// NewRegistry validates the mode and returns an empty registry.
func NewRegistry(mode Mode, window time.Duration, clock timectrl.SimClock) (*Registry, error) {
	// Validate once so lazily created estimators cannot fail.
	if _, err := NewEstimator(mode, window, clock); err != nil {
		return nil, err
	}
	return &Registry{
		mode:       mode,
		window:     window,
		clock:      clock,
		estimators: make(map[model.Address]*Estimator),
	}, nil
}

// Update adds a sample for the terminal.
func (r *Registry) Update(terminal model.Address, value float64) {
	est, ok := r.estimators[terminal]
	if !ok {
		est, _ = NewEstimator(r.mode, r.window, r.clock)
		r.estimators[terminal] = est
	}
	est.AddSample(value)
}

// Estimate returns the current estimate of the terminal, NaN when unknown.
func (r *Registry) Estimate(terminal model.Address) float64 {
	est, ok := r.estimators[terminal]
	if !ok {
		return math.NaN()
	}
	return est.Estimate()
}

// Len returns the number of terminals with an estimator.
func (r *Registry) Len() int { return len(r.estimators) }

// Reset drops every estimator.
func (r *Registry) Reset() {
	r.estimators = make(map[model.Address]*Estimator)
}
