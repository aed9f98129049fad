// Package channel produces the C/N0 samples that drive adaptive coding. It
// propagates the satellite, checks visibility from every terminal and runs a
// free-space link budget. It stands in for the physical layer of a real
// system.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/logging"
	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/model"
)

// DefaultMinElevationDeg is the lowest elevation at which a terminal
// receives the satellite.
const DefaultMinElevationDeg = 10.0

// ErrNoTerminals is returned when a source is built without terminals.
var ErrNoTerminals = errors.New("channel: no terminals")

// Sample is one C/N0 observation of a terminal.
type Sample struct {
	Terminal     model.Address
	At           time.Time
	Cno          float64
	ElevationDeg float64
	DistanceKm   float64
}

// SinkFunc consumes samples.
type SinkFunc func(Sample) error

type ground struct {
	address model.Address
	motion  MotionModel
}

// Source samples the link of every terminal.
type Source struct {
	satellite MotionModel
	terminals []ground
	budget    LinkBudget
	minElev   float64
	log       logging.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the source logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMinElevation overrides DefaultMinElevationDeg.
func WithMinElevation(deg float64) Option {
	return func(s *Source) { s.minElev = deg }
}

// WithLinkBudget overrides DefaultLinkBudget.
func WithLinkBudget(b LinkBudget) Option {
	return func(s *Source) { s.budget = b }
}

// NewSource creates a source for the satellite and terminals.
func NewSource(sat MotionModel, terminals []model.Terminal, opts ...Option) (*Source, error) {
	if sat == nil {
		return nil, errors.New("channel: satellite motion model is required")
	}
	if len(terminals) == 0 {
		return nil, ErrNoTerminals
	}
	s := &Source{
		satellite: sat,
		budget:    DefaultLinkBudget(),
		minElev:   DefaultMinElevationDeg,
		log:       logging.Noop(),
	}
	for _, t := range terminals {
		m, err := NewMotionModel(t.Platform)
		if err != nil {
			return nil, fmt.Errorf("terminal %s: %w", t.Name, err)
		}
		s.terminals = append(s.terminals, ground{address: t.Address, motion: m})
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("component", "channel"))
	return s, nil
}

// Sample returns the C/N0 of every terminal that sees the satellite above
// the minimum elevation at the given time. Terminals out of view produce no
// sample.
func (s *Source) Sample(at time.Time) []Sample {
	satPos := s.satellite.Position(at)
	out := make([]Sample, 0, len(s.terminals))
	for _, g := range s.terminals {
		pos := g.motion.Position(at)
		if !HasLineOfSight(pos, satPos) {
			continue
		}
		elev := ElevationDegrees(pos, satPos)
		if elev < s.minElev {
			continue
		}
		d := pos.DistanceTo(satPos)
		out = append(out, Sample{
			Terminal:     g.address,
			At:           at,
			Cno:          s.budget.CnoDBHz(d),
			ElevationDeg: elev,
			DistanceKm:   d,
		})
	}
	return out
}

// Start samples now and then every period, handing each sample to sink.
// A sink error halts the loop.
func (s *Source) Start(loop *sim.Loop, period time.Duration, sink SinkFunc) *sim.Task {
	emit := func() error {
		now := loop.Now()
		samples := s.Sample(now)
		s.log.Debug(context.Background(), "channel sampled",
			logging.Time("sim_time", now),
			logging.Int("visible", len(samples)),
			logging.Int("terminals", len(s.terminals)),
		)
		for _, smp := range samples {
			if err := sink(smp); err != nil {
				return err
			}
		}
		return nil
	}
	loop.Schedule(loop.Now(), emit)
	return loop.Every(period, emit)
}
