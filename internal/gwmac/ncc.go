package gwmac

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
	"github.com/signalsfoundry/satlink-scheduler/internal/logging"
	"github.com/signalsfoundry/satlink-scheduler/internal/observability"
	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/internal/superframe"
	"github.com/signalsfoundry/satlink-scheduler/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultLead is how many superframes ahead a TBTP is generated.
const DefaultLead = 2

// ControlSender queues a control unit on the forward link.
type ControlSender interface {
	SendControl(ctx context.Context, p *ctrlmsg.Packet) error
}

// ControlSenderFunc adapts a function to ControlSender.
type ControlSenderFunc func(ctx context.Context, p *ctrlmsg.Packet) error

// SendControl calls f.
func (f ControlSenderFunc) SendControl(ctx context.Context, p *ctrlmsg.Packet) error {
	return f(ctx, p)
}

// NCCConfig holds the network control centre parameters of one beam.
type NCCConfig struct {
	Beam             uint32
	SuperframeID     uint8
	AssignmentFormat uint8
	// Lead is the number of superframes between generating a TBTP and the
	// superframe it allocates.
	Lead int
}

type terminalDemand struct {
	address    model.Address
	assignment ctrlmsg.AssignmentID
	cra        float64
	rate       float64
}

// demand returns the rate the terminal is served at, in kbps.
func (t *terminalDemand) demand() float64 {
	return math.Max(t.rate, t.cra)
}

// NCC allocates return-link slots. Once per superframe it builds a TBTP
// granting every terminal with demand a contiguous run of slots, stores it
// in the beam history and broadcasts a reference to it.
type NCC struct {
	cfg     NCCConfig
	address model.Address
	seq     *superframe.Sequence
	loop    *sim.Loop
	sender  ControlSender

	log     logging.Logger
	metrics *observability.LinkCollector
	tracer  trace.Tracer

	terminals map[model.Address]*terminalDemand
	order     []model.Address
	task      *sim.Task
	packetID  uint64
}

// NCCOption configures an NCC.
type NCCOption func(*NCC)

// WithNCCLogger sets the NCC logger.
func WithNCCLogger(l logging.Logger) NCCOption {
	return func(n *NCC) {
		if l != nil {
			n.log = l
		}
	}
}

// WithNCCMetrics attaches a metrics collector.
func WithNCCMetrics(c *observability.LinkCollector) NCCOption {
	return func(n *NCC) { n.metrics = c }
}

// WithNCCTracer overrides the tracer used for TBTP generation spans.
func WithNCCTracer(t trace.Tracer) NCCOption {
	return func(n *NCC) {
		if t != nil {
			n.tracer = t
		}
	}
}

// NewNCC creates the network control centre of a beam. TBTPs are sent from
// address through sender.
func NewNCC(cfg NCCConfig, address model.Address, seq *superframe.Sequence, loop *sim.Loop, sender ControlSender, opts ...NCCOption) (*NCC, error) {
	if seq == nil || loop == nil || sender == nil {
		return nil, fmt.Errorf("%w: sequence, loop and control sender are required", ErrInvalidConfig)
	}
	if _, err := seq.Superframe(cfg.SuperframeID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, _, _, err := ctrlmsg.AssignmentWidth(cfg.AssignmentFormat); err != nil {
		return nil, err
	}
	if cfg.Lead <= 0 {
		cfg.Lead = DefaultLead
	}
	n := &NCC{
		cfg:       cfg,
		address:   address,
		seq:       seq,
		loop:      loop,
		sender:    sender,
		log:       logging.Noop(),
		tracer:    observability.Tracer(),
		terminals: make(map[model.Address]*terminalDemand),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(logging.String("component", "ncc"), logging.Int("beam", int(cfg.Beam)))
	return n, nil
}

// Logon registers a terminal with its assignment id and constant rate
// assignment in kbps.
func (n *NCC) Logon(t model.Terminal, cra float64) {
	if _, ok := n.terminals[t.Address]; !ok {
		n.order = append(n.order, t.Address)
	}
	n.terminals[t.Address] = &terminalDemand{
		address:    t.Address,
		assignment: ctrlmsg.AssignmentID(t.AssignmentID),
		cra:        cra,
	}
}

// CapacityRequested records the rate a terminal asked for. Requests from
// terminals that never logged on are ignored.
func (n *NCC) CapacityRequested(terminal model.Address, cr ctrlmsg.CapacityRequest) {
	t, ok := n.terminals[terminal]
	if !ok {
		n.log.Warn(context.Background(), "capacity request from unknown terminal",
			logging.String("ut", terminal.String()),
		)
		return
	}
	if math.IsNaN(cr.RequestedRate) || cr.RequestedRate < 0 {
		return
	}
	t.rate = cr.RequestedRate
}

// Demand returns the rate a terminal is currently served at, in kbps.
func (n *NCC) Demand(terminal model.Address) float64 {
	t, ok := n.terminals[terminal]
	if !ok {
		return 0
	}
	return t.demand()
}

// Start generates the first TBTP now and then one per superframe.
func (n *NCC) Start(ctx context.Context) error {
	if n.task != nil {
		return nil
	}
	if err := n.generate(ctx); err != nil {
		return err
	}
	d, _ := n.seq.Duration(n.cfg.SuperframeID)
	n.task = n.loop.Every(d, func() error {
		return n.generate(context.Background())
	})
	return nil
}

// Stop cancels TBTP generation.
func (n *NCC) Stop() {
	n.task.Stop()
}

// currentCounter returns the index of the superframe running at now.
func (n *NCC) currentCounter() int64 {
	d, _ := n.seq.Duration(n.cfg.SuperframeID)
	elapsed := n.loop.Now().Sub(n.seq.Epoch())
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / d)
}

func (n *NCC) generate(ctx context.Context) error {
	counter := uint16(n.currentCounter() + int64(n.cfg.Lead))
	ctx, span := n.tracer.Start(ctx, "gwmac.GenerateTbtp",
		trace.WithAttributes(attribute.Int("superframe_counter", int(counter))))
	defer span.End()

	tbtp, err := n.BuildTbtp(counter)
	if err == nil && tbtp.EntryCount() > 0 {
		err = n.publish(ctx, tbtp)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.log.Error(ctx, "TBTP generation failed", logging.Int("superframe_counter", int(counter)), logging.Err(err))
		return err
	}
	span.SetAttributes(
		attribute.Int("terminals", len(tbtp.Terminals())),
		attribute.Int("entries", tbtp.EntryCount()),
	)
	return nil
}

func (n *NCC) publish(ctx context.Context, tbtp *ctrlmsg.Tbtp) error {
	encoded, err := tbtp.MarshalBinary()
	if err != nil {
		return err
	}
	id := n.seq.AddTbtp(n.cfg.Beam, tbtp)
	n.metrics.ObserveTbtp(n.seq.History(n.cfg.Beam).Len())

	n.packetID++
	p := &ctrlmsg.Packet{
		ID:      n.packetID,
		Size:    uint32(len(encoded)),
		Src:     n.address,
		Dst:     model.BroadcastAddress,
		Control: &ctrlmsg.ControlTag{Type: ctrlmsg.MsgTbtp, ID: id},
	}
	n.log.Debug(ctx, "TBTP generated",
		logging.Int("superframe_counter", int(tbtp.SuperframeCounter)),
		logging.Int("tbtp_id", int(id)),
		logging.Int("entries", tbtp.EntryCount()),
		logging.Int("bytes", len(encoded)),
	)
	return n.sender.SendControl(ctx, p)
}

// BuildTbtp allocates the superframe with the given counter. A terminal is
// granted the slots needed to carry its rate; when the superframe is
// oversubscribed the slots are shared in proportion to the rates. Grants are
// packed back to back from the first slot of each frame, one frame per
// terminal, and the terminal served first rotates with the counter.
func (n *NCC) BuildTbtp(counter uint16) (*ctrlmsg.Tbtp, error) {
	sf, err := n.seq.Superframe(n.cfg.SuperframeID)
	if err != nil {
		return nil, err
	}
	tbtp := ctrlmsg.NewTbtp(n.cfg.SuperframeID, counter, n.cfg.AssignmentFormat)

	var active []*terminalDemand
	for _, addr := range n.order {
		if t := n.terminals[addr]; t.demand() > 0 {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return tbtp, nil
	}
	shift := int(counter) % len(active)
	rotated := make([]*terminalDemand, 0, len(active))
	rotated = append(rotated, active[shift:]...)
	active = append(rotated, active[:shift]...)

	totalSlots, payload, err := n.capacity(sf)
	if err != nil {
		return nil, err
	}
	if totalSlots == 0 {
		return tbtp, nil
	}
	grants := slotGrants(active, totalSlots, payload, sf.Duration)

	frameIdx, next := 0, 0
	for i, t := range active {
		want := grants[i]
		for want > 0 && frameIdx < len(sf.Frames) {
			free := len(sf.Frames[frameIdx].Slots) - next
			if free == 0 {
				frameIdx++
				next = 0
				continue
			}
			if want > free {
				want = free
			}
			frameID := sf.Frames[frameIdx].ID
			for s := next; s < next+want; s++ {
				if err := tbtp.SetTimeslot(t.assignment, ctrlmsg.TimeSlotInfo{FrameID: frameID, SlotID: uint16(s)}); err != nil {
					return nil, err
				}
			}
			next += want
			want = 0
		}
	}
	return tbtp, nil
}

// capacity returns the number of slots in a superframe and their mean
// payload in bytes.
func (n *NCC) capacity(sf superframe.Superframe) (int, float64, error) {
	slots := 0
	var bytes float64
	for _, f := range sf.Frames {
		for _, s := range f.Slots {
			wf, err := n.seq.Waveform(s.WaveformID)
			if err != nil {
				return 0, 0, err
			}
			slots++
			bytes += float64(wf.PayloadBytes())
		}
	}
	if slots == 0 {
		return 0, 0, nil
	}
	return slots, bytes / float64(slots), nil
}

// slotGrants converts rates into slot counts for one superframe.
func slotGrants(active []*terminalDemand, totalSlots int, payload float64, d time.Duration) []int {
	needed := make([]int, len(active))
	sum := 0
	for i, t := range active {
		bytes := t.demand() * 1000 / 8 * d.Seconds()
		needed[i] = int(math.Ceil(bytes / payload))
		if needed[i] < 1 {
			needed[i] = 1
		}
		sum += needed[i]
	}
	if sum <= totalSlots {
		return needed
	}
	grants := make([]int, len(active))
	for i := range active {
		grants[i] = totalSlots * needed[i] / sum
		if grants[i] < 1 {
			grants[i] = 1
		}
	}
	return grants
}
