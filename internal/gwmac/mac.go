// Package gwmac implements the gateway side of the link: the forward-link
// transmission loop that drains the BBFrame scheduler on every carrier, the
// reception of return-link units and capacity requests, and the network
// control centre that turns capacity requests into TBTPs.
package gwmac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/bbframe"
	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
	"github.com/signalsfoundry/satlink-scheduler/internal/fwdlink"
	"github.com/signalsfoundry/satlink-scheduler/internal/logging"
	"github.com/signalsfoundry/satlink-scheduler/internal/observability"
	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/model"
)

var (
	// ErrUnsupportedControlMessage is raised for control messages a gateway
	// never receives.
	ErrUnsupportedControlMessage = errors.New("gwmac: unsupported control message")
	// ErrInvalidConfig is returned for an unusable gateway configuration.
	ErrInvalidConfig = errors.New("gwmac: invalid configuration")
)

// Transmission is one BBFrame put on a forward carrier.
type Transmission struct {
	CarrierID uint32
	Start     time.Time
	Frame     *bbframe.Frame
}

// FrameSink is the forward-link transmission path.
type FrameSink interface {
	SendFrame(ctx context.Context, tx Transmission) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(ctx context.Context, tx Transmission) error

// SendFrame calls f.
func (f FrameSinkFunc) SendFrame(ctx context.Context, tx Transmission) error { return f(ctx, tx) }

// RxFunc delivers a received unit to the upper layer.
type RxFunc func(ctx context.Context, p *ctrlmsg.Packet, src model.Address) error

// Mac is the gateway MAC of one beam. All methods must be called from the
// event loop goroutine.
type Mac struct {
	address   model.Address
	carriers  uint32
	scheduler *fwdlink.Scheduler
	loop      *sim.Loop
	sink      FrameSink
	ncc       *NCC

	sendDummy bool
	rx        RxFunc

	log     logging.Logger
	metrics *observability.LinkCollector

	events   []sim.EventID
	started  bool
	disposed bool
}

// Option configures a Mac.
type Option func(*Mac)

// WithLogger sets the MAC logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Mac) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *observability.LinkCollector) Option {
	return func(m *Mac) { m.metrics = c }
}

// WithDummyFrames controls whether dummy frames reach the sink. They are
// always scheduled; disabled they only occupy air time.
func WithDummyFrames(enabled bool) Option {
	return func(m *Mac) { m.sendDummy = enabled }
}

// WithNCC routes received capacity requests to the network control centre.
func WithNCC(n *NCC) Option {
	return func(m *Mac) { m.ncc = n }
}

// WithRxFunc sets the upper-layer receive callback.
func WithRxFunc(fn RxFunc) Option {
	return func(m *Mac) { m.rx = fn }
}

// New creates a gateway MAC transmitting on carriers forward carriers.
func New(address model.Address, carriers uint32, scheduler *fwdlink.Scheduler, loop *sim.Loop, sink FrameSink, opts ...Option) (*Mac, error) {
	if carriers == 0 {
		return nil, fmt.Errorf("%w: at least one carrier is required", ErrInvalidConfig)
	}
	if scheduler == nil || loop == nil || sink == nil {
		return nil, fmt.Errorf("%w: scheduler, loop and sink are required", ErrInvalidConfig)
	}
	m := &Mac{
		address:   address,
		carriers:  carriers,
		scheduler: scheduler,
		loop:      loop,
		sink:      sink,
		log:       logging.Noop(),
		events:    make([]sim.EventID, carriers),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logging.String("component", "gwmac"), logging.String("gw", address.String()))
	return m, nil
}

// Address returns the gateway MAC address.
func (m *Mac) Address() model.Address { return m.address }

// StartScheduling starts the transmission loop of every carrier at the
// current time. Calling it twice is a no-op.
func (m *Mac) StartScheduling(ctx context.Context) {
	if m.started || m.disposed {
		return
	}
	m.started = true
	now := m.loop.Now()
	for c := uint32(0); c < m.carriers; c++ {
		m.scheduleTransmit(now, c)
	}
	m.log.Info(ctx, "forward scheduling started", logging.Int("carriers", int(m.carriers)))
}

func (m *Mac) scheduleTransmit(at time.Time, carrier uint32) {
	m.events[carrier] = m.loop.Schedule(at, func() error {
		return m.transmitTime(context.Background(), carrier)
	})
}

// transmitTime sends the next frame on a carrier and schedules the carrier
// again once the frame is on the air.
func (m *Mac) transmitTime(ctx context.Context, carrier uint32) error {
	frame, err := m.scheduler.NextFrame(ctx)
	if err != nil {
		return err
	}
	now := m.loop.Now()
	if !frame.IsDummy() || m.sendDummy {
		tx := Transmission{CarrierID: carrier, Start: now, Frame: frame}
		if err := m.sink.SendFrame(ctx, tx); err != nil {
			return err
		}
	}
	m.metrics.ObserveFrame(frame.Type().String(), frame.Modcod().String(), frame.IsDummy())
	m.scheduleTransmit(now.Add(frame.Duration()), carrier)
	return nil
}

// Receive handles units arriving on the return link. Capacity requests feed
// the forward scheduler estimator and the NCC; other control messages are
// protocol violations. Data units go to the upper layer.
func (m *Mac) Receive(ctx context.Context, packets []*ctrlmsg.Packet) error {
	if m.disposed {
		return nil
	}
	for _, p := range packets {
		if p == nil {
			continue
		}
		if p.Dst != m.address && !p.Dst.IsGroup() {
			continue
		}
		if p.Control != nil {
			if err := m.receiveControl(ctx, p); err != nil {
				return err
			}
			continue
		}
		if m.rx != nil {
			if err := m.rx(ctx, p, p.Src); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Mac) receiveControl(ctx context.Context, p *ctrlmsg.Packet) error {
	if p.Control.Type != ctrlmsg.MsgCr {
		return fmt.Errorf("%w: %s from %s", ErrUnsupportedControlMessage, p.Control.Type, p.Src)
	}
	cr, ok := p.Body.(*ctrlmsg.CapacityRequest)
	if !ok {
		return fmt.Errorf("%w: CR from %s carries %T", ErrUnsupportedControlMessage, p.Src, p.Body)
	}
	m.metrics.IncCrReceived()
	m.scheduler.CnoUpdated(p.Src, cr.Cno)
	if m.ncc != nil {
		m.ncc.CapacityRequested(p.Src, *cr)
	}
	m.log.Debug(ctx, "capacity request received",
		logging.String("ut", p.Src.String()),
		logging.String("type", cr.Type.String()),
		logging.Float("rate_kbps", cr.RequestedRate),
		logging.Float("cno", cr.Cno),
	)
	return nil
}

// Dispose stops the transmission loop of every carrier.
func (m *Mac) Dispose() {
	if m.disposed {
		return
	}
	m.disposed = true
	for _, id := range m.events {
		m.loop.Cancel(id)
	}
}
