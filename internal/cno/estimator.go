// Package cno estimates per-terminal link quality (C/N0, dB-Hz) from a stream
// of timestamped samples.
package cno

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/timectrl"
)

// ErrUnsupportedMode is a configuration error: the estimation mode is unknown.
var ErrUnsupportedMode = errors.New("cno: unsupported estimation mode")

// DefaultWindow is the estimation window used when none is configured.
const DefaultWindow = 500 * time.Millisecond

// Mode selects how samples in the window are aggregated.
type Mode int

const (
	// Last uses the most recent sample.
	Last Mode = iota
	// Minimum uses the smallest sample in the window.
	Minimum
	// Average uses the arithmetic mean of the window.
	Average
)

func (m Mode) String() string {
	switch m {
	case Last:
		return "last"
	case Minimum:
		return "minimum"
	case Average:
		return "average"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m >= Last && m <= Average }

// ParseMode parses a configuration value.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "last", "":
		return Last, nil
	case "minimum", "min":
		return Minimum, nil
	case "average", "avg", "mean":
		return Average, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMode, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

type sample struct {
	at    time.Time
	value float64
}

// Estimator aggregates the samples of one terminal. It is not safe for
// concurrent use; it belongs to the goroutine driving the event loop.
type Estimator struct {
	mode    Mode
	window  time.Duration
	clock   timectrl.SimClock
	samples []sample
}

// NewEstimator creates an estimator. A non-positive window selects
// DefaultWindow.
func NewEstimator(mode Mode, window time.Duration, clock timectrl.SimClock) (*Estimator, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMode, int(mode))
	}
	if clock == nil {
		return nil, errors.New("cno: nil clock")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Estimator{mode: mode, window: window, clock: clock}, nil
}

// Mode returns the aggregation mode.
func (e *Estimator) Mode() Mode { return e.mode }

// Window returns the estimation window.
func (e *Estimator) Window() time.Duration { return e.window }

// AddSample records value at the current time and drops samples that fell
// out of the window. NaN samples are ignored.
func (e *Estimator) AddSample(value float64) {
	if math.IsNaN(value) {
		return
	}
	e.samples = append(e.samples, sample{at: e.clock.Now(), value: value})
	e.evict()
}

// Estimate returns the aggregate over the window, or NaN when the window is
// empty.
func (e *Estimator) Estimate() float64 {
	e.evict()
	if len(e.samples) == 0 {
		return math.NaN()
	}

	switch e.mode {
	case Minimum:
		lowest := e.samples[0].value
		for _, s := range e.samples[1:] {
			lowest = math.Min(lowest, s.value)
		}
		return lowest
	case Average:
		sum := 0.0
		for _, s := range e.samples {
			sum += s.value
		}
		return sum / float64(len(e.samples))
	default:
		return e.samples[len(e.samples)-1].value
	}
}

// Len returns the number of samples currently in the window.
func (e *Estimator) Len() int {
	e.evict()
	return len(e.samples)
}

func (e *Estimator) evict() {
	cutoff := e.clock.Now().Add(-e.window)
	drop := 0
	for drop < len(e.samples) && e.samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		e.samples = append(e.samples[:0], e.samples[drop:]...)
	}
}
