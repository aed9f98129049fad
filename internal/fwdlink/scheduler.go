// Package fwdlink implements the forward-link scheduler of a gateway: it
// pulls scheduling descriptors from the upper layer, packs their data into
// BBFrames at a MODCOD chosen from per-terminal C/N0 estimates and hands out
// ready frames to the transmission loop.
package fwdlink

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/bbframe"
	"github.com/signalsfoundry/satlink-scheduler/internal/cno"
	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
	"github.com/signalsfoundry/satlink-scheduler/internal/logging"
	"github.com/signalsfoundry/satlink-scheduler/internal/observability"
	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrFragmentation is raised when the upper layer cannot fill an empty
	// frame although it still buffers data for the descriptor, or a
	// descriptor needs a larger opportunity than a frame offers.
	ErrFragmentation = errors.New("fwdlink: data unit does not fit an empty BBFrame")
	// ErrDisposed is returned by NextFrame after Dispose.
	ErrDisposed = errors.New("fwdlink: scheduler disposed")
)

// DemandSource is the upper layer (LLC) feeding the scheduler.
type DemandSource interface {
	// SchedulingDescriptors returns the current demand, one descriptor per
	// (terminal, flow) with buffered data.
	SchedulingDescriptors() []model.SchedulingDescriptor
	// RequestData dequeues at most maxBytes for (dest, flow). It returns
	// the unit, or nil when nothing fits, and the bytes still buffered
	// afterwards.
	RequestData(maxBytes uint32, dest model.Address, flow uint8) (*ctrlmsg.Packet, uint32)
}

// Scheduler is the forward-link BBFrame scheduler of one carrier. All
// methods must be called from the event loop goroutine.
type Scheduler struct {
	cfg    Config
	conf   *bbframe.Conf
	demand DemandSource
	loop   *sim.Loop

	log     logging.Logger
	metrics *observability.LinkCollector
	tracer  trace.Tracer

	container  *bbframe.Container
	estimators *cno.Registry
	task       *sim.Task

	dummyID  uint64
	disposed bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *observability.LinkCollector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer overrides the tracer used for scheduling pass spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New validates cfg, creates the frame container and estimator registry and
// starts the periodic scheduling pass on loop.
func New(cfg Config, conf *bbframe.Conf, demand DemandSource, loop *sim.Loop, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if conf == nil || demand == nil || loop == nil {
		return nil, fmt.Errorf("%w: frame configuration, demand source and loop are required", ErrInvalidConfig)
	}
	estimators, err := cno.NewRegistry(cfg.CnoMode, cfg.CnoWindow, loop)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:        cfg,
		conf:       conf,
		demand:     demand,
		loop:       loop,
		log:        logging.Noop(),
		tracer:     observability.Tracer(),
		container:  bbframe.NewContainer(conf),
		estimators: estimators,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("component", "fwdlink"), logging.String("gw", cfg.MacAddress.String()))

	s.task = loop.Every(cfg.Interval, func() error {
		return s.schedulePass(context.Background(), "periodic")
	})
	return s, nil
}

// NextFrame returns the next frame to transmit. When the buffered air time
// is below the start threshold a scheduling pass runs first. If no data
// frame is ready a dummy frame is returned, so the result is never nil
// without an error.
func (s *Scheduler) NextFrame(ctx context.Context) (*bbframe.Frame, error) {
	if s.disposed {
		return nil, ErrDisposed
	}
	if s.container.TotalDuration() < s.cfg.StartThreshold {
		if err := s.schedulePass(ctx, "opportunistic"); err != nil {
			return nil, err
		}
	}

	frame := s.container.NextFrame()
	if frame == nil {
		s.dummyID++
		frame = bbframe.NewDummyFrame(s.conf, &ctrlmsg.Packet{
			ID:   s.dummyID,
			Size: 1,
			Src:  s.cfg.MacAddress,
			Dst:  model.BroadcastAddress,
		})
	}
	s.metrics.SetContainerDuration(s.container.TotalDuration())
	return frame, nil
}

// CnoUpdated records a C/N0 sample of a terminal.
func (s *Scheduler) CnoUpdated(terminal model.Address, value float64) {
	if s.disposed {
		return
	}
	s.estimators.Update(terminal, value)
	s.metrics.SetEstimators(s.estimators.Len())
}

// Estimate returns the current C/N0 estimate of a terminal, NaN when there
// is none.
func (s *Scheduler) Estimate(terminal model.Address) float64 {
	return s.estimators.Estimate(terminal)
}

// BufferedDuration returns the air time of the frames waiting in the
// container.
func (s *Scheduler) BufferedDuration() time.Duration {
	return s.container.TotalDuration()
}

// BufferedFrames returns the number of frames waiting in the container.
func (s *Scheduler) BufferedFrames() int {
	return s.container.Len()
}

// FrameConf returns the BBFrame configuration of the carrier.
func (s *Scheduler) FrameConf() *bbframe.Conf { return s.conf }

// Dispose stops the periodic pass and drops buffered frames and estimators.
func (s *Scheduler) Dispose() {
	if s.disposed {
		return
	}
	s.disposed = true
	s.task.Stop()
	s.container.Reset()
	s.estimators.Reset()
}

func (s *Scheduler) schedulePass(ctx context.Context, trigger string) error {
	if s.container.TotalDuration() >= s.cfg.StopThreshold {
		return nil
	}
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "fwdlink.SchedulePass",
		trace.WithAttributes(attribute.String("trigger", trigger)))
	defer span.End()

	descs := s.demand.SchedulingDescriptors()
	sortDescriptors(descs, s.cfg.Sort)

	framesBefore := s.container.Len()
	for _, d := range descs {
		if s.container.TotalDuration() >= s.cfg.StopThreshold {
			break
		}
		if err := s.scheduleDescriptor(d); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.log.Error(ctx, "scheduling pass failed",
				logging.String("dest", d.Dest.String()),
				logging.Int("flow", int(d.FlowID)),
				logging.Err(err),
			)
			return err
		}
		s.container.Merge()
	}

	span.SetAttributes(
		attribute.Int("descriptors", len(descs)),
		attribute.Int("frames_added", s.container.Len()-framesBefore),
		attribute.Int64("buffered_us", s.container.TotalDuration().Microseconds()),
	)
	s.metrics.ObservePass(time.Since(started), s.container.TotalDuration())
	s.log.Debug(ctx, "scheduling pass",
		logging.String("trigger", trigger),
		logging.Int("descriptors", len(descs)),
		logging.Int("frames", s.container.Len()),
		logging.Duration("buffered", s.container.TotalDuration()),
	)
	return nil
}

func (s *Scheduler) scheduleDescriptor(d model.SchedulingDescriptor) error {
	format, err := s.frameFormat(d)
	if err != nil {
		return err
	}
	maxBytes := s.container.MaxPayloadBytes(format)
	if d.MinTxOpportunity > maxBytes {
		return fmt.Errorf("%w: minimum opportunity %d bytes, %s frame holds %d", ErrFragmentation, d.MinTxOpportunity, format, maxBytes)
	}

	remaining := d.BufferedBytes
	frameBytes := s.container.BytesLeftInTail(d.FlowID, format)
	for s.container.TotalDuration() < s.cfg.StopThreshold && remaining > 0 {
		if frameBytes == 0 || frameBytes < d.MinTxOpportunity {
			frameBytes = maxBytes
		}

		p, left := s.demand.RequestData(frameBytes, d.Dest, d.FlowID)
		if p != nil {
			if err := s.container.AddData(d.FlowID, format, p); err != nil {
				return fmt.Errorf("%w: %v", ErrFragmentation, err)
			}
			remaining = left
			frameBytes = s.container.BytesLeftInTail(d.FlowID, format)
			continue
		}

		switch {
		case left == 0:
			remaining = 0
		case frameBytes != maxBytes:
			// The tail was too small for the next unit; retry with an
			// empty frame.
			frameBytes = maxBytes
			remaining = left
		default:
			return fmt.Errorf("%w: %d bytes buffered for %s flow %d, %s frame holds %d",
				ErrFragmentation, left, d.Dest, d.FlowID, format, maxBytes)
		}
	}
	return nil
}

// frameFormat resolves the MODCOD and frame type for a descriptor. Control
// traffic and terminals without an estimate use the default MODCOD.
func (s *Scheduler) frameFormat(d model.SchedulingDescriptor) (bbframe.Format, error) {
	estimate := math.NaN()
	if d.FlowID != model.ControlFlowID && !d.Dest.IsGroup() {
		estimate = s.estimators.Estimate(d.Dest)
	}
	known := !math.IsNaN(estimate)

	modcod := s.conf.DefaultModcod()
	if known {
		modcod = s.conf.BestModcod(estimate, bbframe.NormalFrame)
	}

	switch s.cfg.UsageMode {
	case ShortFrames:
		if known {
			modcod = s.conf.BestModcod(estimate, bbframe.ShortFrame)
		}
		return bbframe.Format{Modcod: modcod, Type: bbframe.ShortFrame}, nil
	case NormalFrames:
		return bbframe.Format{Modcod: modcod, Type: bbframe.NormalFrame}, nil
	case HybridFrames:
		normal := bbframe.Format{Modcod: modcod, Type: bbframe.NormalFrame}
		if d.BufferedBytes >= s.conf.MaxPayloadBytes(normal) {
			return normal, nil
		}
		if known {
			modcod = s.conf.BestModcod(estimate, bbframe.ShortFrame)
		}
		return bbframe.Format{Modcod: modcod, Type: bbframe.ShortFrame}, nil
	default:
		return bbframe.Format{}, fmt.Errorf("%w: %d", ErrUnsupportedUsageMode, int(s.cfg.UsageMode))
	}
}
