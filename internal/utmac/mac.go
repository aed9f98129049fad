// Package utmac implements the return-link MAC of a user terminal: it turns
// the slots a TBTP assigns to the terminal into timed transmission
// opportunities, fills each burst from the terminal queue and periodically
// reports its demand and link quality to the gateway in capacity requests.
package utmac

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
	"github.com/signalsfoundry/satlink-scheduler/internal/logging"
	"github.com/signalsfoundry/satlink-scheduler/internal/observability"
	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/internal/superframe"
	"github.com/signalsfoundry/satlink-scheduler/model"
)

var (
	// ErrMixedFrames is raised when a TBTP assigns the terminal slots in
	// more than one frame.
	ErrMixedFrames = errors.New("utmac: TBTP assigns slots from different frames")
	// ErrTbtpNotFound is raised when a TBTP control message refers to a
	// table no longer held in the beam history.
	ErrTbtpNotFound = errors.New("utmac: TBTP not found in history")
	// ErrUnsupportedControlMessage is raised for control messages a
	// terminal never receives.
	ErrUnsupportedControlMessage = errors.New("utmac: unsupported control message")
	// ErrOversizedUnit is raised when the queue returns a unit larger than
	// the payload it was offered.
	ErrOversizedUnit = errors.New("utmac: data unit larger than slot payload")
)

// Queue is the terminal's upper layer (LLC) serving transmission
// opportunities.
type Queue interface {
	// TxOpportunity dequeues one unit of at most maxBytes. It returns nil
	// when nothing fits, and the bytes still buffered.
	TxOpportunity(maxBytes uint32, src model.Address) (*ctrlmsg.Packet, uint32)
}

// Burst is one frame PDU sent in a time slot.
type Burst struct {
	Source    model.Address
	CarrierID uint32
	Start     time.Time
	Duration  time.Duration
	Packets   []*ctrlmsg.Packet
}

// Bytes returns the payload carried by the burst.
func (b Burst) Bytes() uint32 { return ctrlmsg.TotalSize(b.Packets) }

// BurstSink is the return-link transmission path.
type BurstSink interface {
	SendBurst(ctx context.Context, b Burst) error
}

// BurstSinkFunc adapts a function to BurstSink.
type BurstSinkFunc func(ctx context.Context, b Burst) error

// SendBurst calls f.
func (f BurstSinkFunc) SendBurst(ctx context.Context, b Burst) error { return f(ctx, b) }

// TxFunc hands a control unit to the upper layer for transmission.
type TxFunc func(ctx context.Context, p *ctrlmsg.Packet, dest model.Address) error

// RxFunc delivers a received unit to the upper layer.
type RxFunc func(ctx context.Context, p *ctrlmsg.Packet, dest model.Address) error

// Mac is the return-link MAC of one terminal. All methods must be called
// from the event loop goroutine.
type Mac struct {
	cfg      Config
	terminal model.Terminal
	gateway  model.Address
	seq      *superframe.Sequence
	loop     *sim.Loop
	queue    Queue
	sink     BurstSink

	tx TxFunc
	rx RxFunc

	log     logging.Logger
	metrics *observability.LinkCollector

	state    State
	lastCno  float64
	crTask   *sim.Task
	pending  map[sim.EventID]struct{}
	burstEnd sim.EventID
	crCount  uint64
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

// WithGateway sets the address capacity requests are sent to.
func WithGateway(addr model.Address) Option {
	return func(m *Mac) { m.gateway = addr }
}

// WithTxFunc sets the control transmission path. Without one the terminal
// sends no capacity requests.
func WithTxFunc(fn TxFunc) Option {
	return func(m *Mac) { m.tx = fn }
}

// WithRxFunc sets the upper-layer receive callback.
func WithRxFunc(fn RxFunc) Option {
	return func(m *Mac) { m.rx = fn }
}

// New creates the MAC of terminal and, when a tx path is configured, starts
// its capacity request timer.
func New(cfg Config, terminal model.Terminal, seq *superframe.Sequence, loop *sim.Loop, queue Queue, sink BurstSink, opts ...Option) (*Mac, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if seq == nil || loop == nil || queue == nil || sink == nil {
		return nil, fmt.Errorf("%w: sequence, loop, queue and sink are required", ErrInvalidConfig)
	}
	m := &Mac{
		cfg:      cfg,
		terminal: terminal,
		seq:      seq,
		loop:     loop,
		queue:    queue,
		sink:     sink,
		log:      logging.Noop(),
		lastCno:  math.NaN(),
		pending:  make(map[sim.EventID]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(
		logging.String("component", "utmac"),
		logging.String("ut", terminal.Address.String()),
	)
	if m.tx != nil {
		m.crTask = loop.Every(cfg.CrPeriod, func() error {
			return m.sendCapacityRequest(context.Background())
		})
	}
	return m, nil
}

// Address returns the terminal MAC address.
func (m *Mac) Address() model.Address { return m.terminal.Address }

// State returns the current return-link state.
func (m *Mac) State() State { return m.state }

// LastCno returns the latest forward-link C/N0, NaN before the first sample.
func (m *Mac) LastCno() float64 { return m.lastCno }

// PendingSlots returns the number of scheduled transmission opportunities.
func (m *Mac) PendingSlots() int { return len(m.pending) }

// CnoUpdated stores the latest forward-link C/N0 measured by the terminal.
func (m *Mac) CnoUpdated(cno float64) {
	m.lastCno = cno
}

// Receive handles units arriving on the forward link. Units addressed to
// other terminals are dropped, TBTP control messages schedule slots and
// untagged broadcast units (dummy frames) are ignored. Everything else is
// passed to the upper layer.
func (m *Mac) Receive(ctx context.Context, packets []*ctrlmsg.Packet) error {
	if m.disposed {
		return nil
	}
	for _, p := range packets {
		if p == nil {
			continue
		}
		dest := p.Dst
		if dest != m.terminal.Address && !dest.IsBroadcast() && !dest.IsGroup() {
			continue
		}

		switch {
		case p.Control != nil:
			if err := m.receiveControl(ctx, p); err != nil {
				return err
			}
		case dest.IsBroadcast():
			// dummy frame
		default:
			if m.rx != nil {
				if err := m.rx(ctx, p, dest); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (m *Mac) receiveControl(ctx context.Context, p *ctrlmsg.Packet) error {
	switch p.Control.Type {
	case ctrlmsg.MsgTbtp:
		tbtp, ok := m.seq.Tbtp(m.terminal.Beam, p.Control.ID)
		if !ok {
			m.log.Error(ctx, "TBTP not found; history too short for the superframe sequence",
				logging.Int("tbtp_id", int(p.Control.ID)),
			)
			return fmt.Errorf("%w: beam %d id %d", ErrTbtpNotFound, m.terminal.Beam, p.Control.ID)
		}
		return m.ScheduleSlots(ctx, tbtp)
	default:
		return fmt.Errorf("%w: %s from %s", ErrUnsupportedControlMessage, p.Control.Type, p.Src)
	}
}

// txOpportunity is a resolved slot assignment.
type txOpportunity struct {
	start    time.Time
	duration time.Duration
	payload  uint32
	carrier  uint32
}

// ScheduleSlots schedules one transmission event for every slot tbtp assigns
// to this terminal. All slots must belong to the same frame. Slots that
// already started are skipped.
func (m *Mac) ScheduleSlots(ctx context.Context, tbtp *ctrlmsg.Tbtp) error {
	if m.disposed || tbtp == nil {
		return nil
	}
	slots := tbtp.Timeslots(ctrlmsg.AssignmentID(m.terminal.AssignmentID))
	if len(slots) == 0 {
		return nil
	}

	frameID := slots[0].FrameID
	for _, s := range slots[1:] {
		if s.FrameID != frameID {
			return fmt.Errorf("%w: frames %d and %d for %s", ErrMixedFrames, frameID, s.FrameID, m.terminal.Address)
		}
	}

	sfStart, err := m.seq.StartNear(tbtp.SuperframeSeqID, tbtp.SuperframeCounter, m.loop.Now())
	if err != nil {
		return err
	}
	frame, err := m.seq.Frame(0, frameID)
	if err != nil {
		return err
	}

	opportunities := make([]txOpportunity, 0, len(slots))
	for _, s := range slots {
		slot, err := m.seq.Slot(frameID, s.SlotID)
		if err != nil {
			return err
		}
		wf, err := m.seq.Waveform(slot.WaveformID)
		if err != nil {
			return err
		}
		carrier, err := m.seq.CarrierID(0, frameID, slot.CarrierID)
		if err != nil {
			return err
		}
		payload := wf.PayloadBytes()
		if payload <= m.cfg.FramePduHeaderBytes {
			return fmt.Errorf("%w: slot payload %d bytes does not exceed the %d byte frame PDU header",
				ErrInvalidConfig, payload, m.cfg.FramePduHeaderBytes)
		}
		opportunities = append(opportunities, txOpportunity{
			start:    sfStart.Add(slot.StartOffset),
			duration: wf.BurstDuration(frame.SymbolRate),
			payload:  payload,
			carrier:  carrier,
		})
	}

	now := m.loop.Now()
	scheduled := 0
	for _, op := range opportunities {
		if op.start.Before(now) {
			m.log.Warn(ctx, "slot already started, skipping",
				logging.Time("slot_start", op.start),
				logging.Int("superframe_counter", int(tbtp.SuperframeCounter)),
			)
			continue
		}
		m.scheduleTxOpportunity(op)
		scheduled++
	}
	if scheduled > 0 && m.state != Transmitting {
		m.state = SlotScheduled
	}
	m.log.Debug(ctx, "slots scheduled",
		logging.Int("superframe_counter", int(tbtp.SuperframeCounter)),
		logging.Int("frame", int(frameID)),
		logging.Int("slots", scheduled),
	)
	return nil
}

func (m *Mac) scheduleTxOpportunity(op txOpportunity) {
	var id sim.EventID
	id = m.loop.Schedule(op.start, func() error {
		delete(m.pending, id)
		return m.transmit(context.Background(), op)
	})
	m.pending[id] = struct{}{}
}

// transmit fills one slot from the queue. The frame PDU header is overhead
// on every burst.
func (m *Mac) transmit(ctx context.Context, op txOpportunity) error {
	payloadLeft := op.payload - m.cfg.FramePduHeaderBytes

	var packets []*ctrlmsg.Packet
	underflow := false
	for payloadLeft > 0 {
		p, _ := m.queue.TxOpportunity(payloadLeft, m.terminal.Address)
		if p == nil {
			underflow = true
			break
		}
		if p.Size > payloadLeft {
			return fmt.Errorf("%w: %d bytes offered, unit of %d returned", ErrOversizedUnit, payloadLeft, p.Size)
		}
		packets = append(packets, p)
		payloadLeft -= p.Size
	}

	burst := Burst{
		Source:    m.terminal.Address,
		CarrierID: op.carrier,
		Start:     m.loop.Now(),
		Duration:  op.duration - m.cfg.GuardTime,
		Packets:   packets,
	}
	m.metrics.ObserveBurst(burst.Bytes(), underflow)

	if len(packets) == 0 {
		m.settle()
		return nil
	}
	m.log.Debug(ctx, "burst",
		logging.Int("carrier", int(op.carrier)),
		logging.Int("packets", len(packets)),
		logging.Int("bytes", int(burst.Bytes())),
	)
	if err := m.sink.SendBurst(ctx, burst); err != nil {
		return err
	}
	m.state = Transmitting
	m.loop.Cancel(m.burstEnd)
	m.burstEnd = m.loop.After(burst.Duration, func() error {
		m.burstEnd = 0
		m.settle()
		return nil
	})
	return nil
}

// settle leaves the Transmitting state once a burst is over.
func (m *Mac) settle() {
	if m.burstEnd != 0 {
		return
	}
	if len(m.pending) > 0 {
		m.state = SlotScheduled
		return
	}
	m.state = Idle
}

// sendCapacityRequest reports the constant rate assignment and the latest
// C/N0 to the gateway.
func (m *Mac) sendCapacityRequest(ctx context.Context) error {
	m.crCount++
	cr := &ctrlmsg.CapacityRequest{
		Type:          ctrlmsg.CrRbdc,
		RequestedRate: m.cfg.Cra,
		Cno:           m.lastCno,
	}
	p := &ctrlmsg.Packet{
		ID:      m.crCount,
		Size:    uint32(cr.SerializedSize()),
		Src:     m.terminal.Address,
		Dst:     m.gateway,
		Control: &ctrlmsg.ControlTag{Type: ctrlmsg.MsgCr},
		Body:    cr,
	}
	if err := m.tx(ctx, p, m.gateway); err != nil {
		return err
	}
	m.metrics.IncCrSent()
	if m.state == Idle {
		m.state = AwaitingTable
	}
	m.log.Debug(ctx, "capacity request sent",
		logging.Float("rate_kbps", cr.RequestedRate),
		logging.Float("cno", cr.Cno),
	)
	return nil
}

// Dispose stops the capacity request timer and cancels pending slots.
func (m *Mac) Dispose() {
	if m.disposed {
		return
	}
	m.disposed = true
	m.crTask.Stop()
	for id := range m.pending {
		m.loop.Cancel(id)
	}
	m.pending = make(map[sim.EventID]struct{})
	m.loop.Cancel(m.burstEnd)
	m.burstEnd = 0
	m.state = Idle
}
