package fwdlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/bbframe"
	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/model"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type queueKey struct {
	dest model.Address
	flow uint8
}

// fakeDemand is an in-memory LLC with one FIFO of unit sizes per
// (terminal, flow).
type fakeDemand struct {
	order  []queueKey
	queues map[queueKey][]uint32
	minTx  map[queueKey]uint32
	nextID uint64

	requests int
}

func newFakeDemand() *fakeDemand {
	return &fakeDemand{
		queues: make(map[queueKey][]uint32),
		minTx:  make(map[queueKey]uint32),
	}
}

func (d *fakeDemand) enqueue(dest model.Address, flow uint8, sizes ...uint32) {
	k := queueKey{dest, flow}
	if _, ok := d.queues[k]; !ok {
		d.order = append(d.order, k)
	}
	d.queues[k] = append(d.queues[k], sizes...)
}

func (d *fakeDemand) buffered(k queueKey) uint32 {
	var n uint32
	for _, s := range d.queues[k] {
		n += s
	}
	return n
}

func (d *fakeDemand) SchedulingDescriptors() []model.SchedulingDescriptor {
	var out []model.SchedulingDescriptor
	for _, k := range d.order {
		if len(d.queues[k]) == 0 {
			continue
		}
		out = append(out, model.SchedulingDescriptor{
			FlowID:           k.flow,
			BufferedBytes:    d.buffered(k),
			MinTxOpportunity: d.minTx[k],
			Dest:             k.dest,
		})
	}
	return out
}

func (d *fakeDemand) RequestData(maxBytes uint32, dest model.Address, flow uint8) (*ctrlmsg.Packet, uint32) {
	d.requests++
	k := queueKey{dest, flow}
	q := d.queues[k]
	if len(q) == 0 || q[0] > maxBytes {
		return nil, d.buffered(k)
	}
	d.queues[k] = q[1:]
	d.nextID++
	return &ctrlmsg.Packet{ID: d.nextID, Size: q[0], Dst: dest}, d.buffered(k)
}

func newTestScheduler(t *testing.T, cfg Config, demand DemandSource) (*Scheduler, *sim.Loop, *bbframe.Conf) {
	t.Helper()
	conf, err := bbframe.NewConf(bbframe.ConfParams{DefaultModcod: bbframe.QPSK_1_4})
	if err != nil {
		t.Fatalf("NewConf: %v", err)
	}
	loop := sim.NewLoop(epoch)
	s, err := New(cfg, conf, demand, loop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, loop, conf
}

func TestIdleTerminalAlwaysGetsDummyFrames(t *testing.T) {
	s, loop, conf := newTestScheduler(t, DefaultConfig(), newFakeDemand())
	ctx := context.Background()

	now := epoch
	for i := 0; i < 500; i++ {
		frame, err := s.NextFrame(ctx)
		if err != nil {
			t.Fatalf("NextFrame %d: %v", i, err)
		}
		if frame == nil || !frame.IsDummy() {
			t.Fatalf("NextFrame %d = %v, want dummy frame", i, frame)
		}
		if frame.Modcod() != conf.DefaultModcod() {
			t.Fatalf("dummy MODCOD = %s, want default", frame.Modcod())
		}
		pkts := frame.Packets()
		if len(pkts) != 1 || pkts[0].Size != 1 || !pkts[0].Dst.IsBroadcast() {
			t.Fatalf("dummy payload = %v", pkts)
		}
		now = now.Add(frame.Duration())
		if err := loop.AdvanceTo(now); err != nil {
			t.Fatalf("AdvanceTo: %v", err)
		}
	}
	if now.Sub(epoch) < DefaultInterval {
		t.Fatalf("test did not cross a periodic interval (%v)", now.Sub(epoch))
	}
}

func TestFramesCarryAllBufferedData(t *testing.T) {
	demand := newFakeDemand()
	ut := model.AddressFromUint64(1)
	for i := 0; i < 10; i++ {
		demand.enqueue(ut, 1, 500)
	}
	s, _, conf := newTestScheduler(t, DefaultConfig(), demand)

	var dataFrames []*bbframe.Frame
	for i := 0; i < 6; i++ {
		frame, err := s.NextFrame(context.Background())
		if err != nil {
			t.Fatalf("NextFrame: %v", err)
		}
		if !frame.IsDummy() {
			dataFrames = append(dataFrames, frame)
		}
	}
	if len(dataFrames) != 4 {
		t.Fatalf("data frames = %d, want 4", len(dataFrames))
	}
	var units int
	for _, f := range dataFrames {
		if f.PayloadBytes() > f.MaxPayloadBytes() {
			t.Fatalf("frame overfilled: %s", f)
		}
		if f.Format() != (bbframe.Format{Modcod: conf.DefaultModcod(), Type: bbframe.NormalFrame}) {
			t.Fatalf("frame format = %s, want default MODCOD normal frame", f.Format())
		}
		units += len(f.Packets())
	}
	if units != 10 {
		t.Fatalf("units delivered = %d, want 10", units)
	}
}

func TestModcodFollowsEstimate(t *testing.T) {
	demand := newFakeDemand()
	ut := model.AddressFromUint64(2)
	demand.enqueue(ut, 1, 100)
	s, _, conf := newTestScheduler(t, DefaultConfig(), demand)

	cnoValue := conf.RequiredCno(bbframe.Format{Modcod: bbframe.PSK8_3_5, Type: bbframe.NormalFrame}) + 0.01
	s.CnoUpdated(ut, cnoValue)

	frame, err := s.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if want := conf.BestModcod(cnoValue, bbframe.NormalFrame); frame.Modcod() != want {
		t.Fatalf("frame MODCOD = %s, want %s", frame.Modcod(), want)
	}
	if frame.Modcod() == conf.DefaultModcod() {
		t.Fatalf("estimate ignored")
	}
}

func TestControlFlowUsesDefaultModcod(t *testing.T) {
	demand := newFakeDemand()
	ut := model.AddressFromUint64(3)
	demand.enqueue(model.BroadcastAddress, model.ControlFlowID, 40)
	demand.enqueue(ut, model.ControlFlowID, 40)
	s, _, conf := newTestScheduler(t, DefaultConfig(), demand)
	s.CnoUpdated(ut, 120)

	frame, err := s.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if frame.Modcod() != conf.DefaultModcod() || len(frame.Packets()) != 2 {
		t.Fatalf("control frame = %s, want both units at default MODCOD", frame)
	}
}

func TestStopThresholdBoundsPass(t *testing.T) {
	demand := newFakeDemand()
	ut := model.AddressFromUint64(4)
	for i := 0; i < 1000; i++ {
		demand.enqueue(ut, 1, 1000)
	}
	s, _, conf := newTestScheduler(t, DefaultConfig(), demand)

	if _, err := s.NextFrame(context.Background()); err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	frameDur := conf.Duration(bbframe.Format{Modcod: conf.DefaultModcod(), Type: bbframe.NormalFrame})
	// One frame was handed out; the rest must stay within stop + one frame.
	if got := s.BufferedDuration() + frameDur; got < DefaultStopThreshold || got > DefaultStopThreshold+frameDur {
		t.Fatalf("buffered %v + handed out %v outside [%v, %v]", s.BufferedDuration(), frameDur, DefaultStopThreshold, DefaultStopThreshold+frameDur)
	}
}

func TestRetryWithFreshFrameWhenTailTooSmall(t *testing.T) {
	demand := newFakeDemand()
	ut := model.AddressFromUint64(5)
	demand.enqueue(ut, 1, 1500, 1500)
	s, _, _ := newTestScheduler(t, DefaultConfig(), demand)

	if _, err := s.NextFrame(context.Background()); err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	// First frame handed out, second still buffered.
	if s.BufferedFrames() != 1 {
		t.Fatalf("buffered frames = %d, want 1", s.BufferedFrames())
	}
	if left := demand.buffered(queueKey{ut, 1}); left != 0 {
		t.Fatalf("bytes left in queue = %d, want 0", left)
	}
}

func TestFragmentationIsFatal(t *testing.T) {
	demand := newFakeDemand()
	ut := model.AddressFromUint64(6)
	demand.enqueue(ut, 1, 5000)
	s, _, _ := newTestScheduler(t, DefaultConfig(), demand)

	if _, err := s.NextFrame(context.Background()); !errors.Is(err, ErrFragmentation) {
		t.Fatalf("NextFrame error = %v, want ErrFragmentation", err)
	}
}

func TestMinTxOpportunityLargerThanFrameIsFatal(t *testing.T) {
	demand := newFakeDemand()
	ut := model.AddressFromUint64(7)
	demand.enqueue(ut, 1, 10)
	demand.minTx[queueKey{ut, 1}] = 100000
	s, _, _ := newTestScheduler(t, DefaultConfig(), demand)

	if _, err := s.NextFrame(context.Background()); !errors.Is(err, ErrFragmentation) {
		t.Fatalf("NextFrame error = %v, want ErrFragmentation", err)
	}
}

func TestPeriodicPassFillsContainer(t *testing.T) {
	demand := newFakeDemand()
	ut := model.AddressFromUint64(8)
	demand.enqueue(ut, 1, 300, 300)
	s, loop, _ := newTestScheduler(t, DefaultConfig(), demand)

	if err := loop.AdvanceTo(epoch.Add(DefaultInterval - time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if s.BufferedFrames() != 0 {
		t.Fatalf("frames buffered before the first interval: %d", s.BufferedFrames())
	}
	if err := loop.AdvanceTo(epoch.Add(DefaultInterval)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if s.BufferedFrames() != 1 {
		t.Fatalf("frames buffered after periodic pass = %d, want 1", s.BufferedFrames())
	}
}

func TestPeriodicFragmentationHaltsLoop(t *testing.T) {
	demand := newFakeDemand()
	demand.enqueue(model.AddressFromUint64(9), 1, 5000)
	_, loop, _ := newTestScheduler(t, DefaultConfig(), demand)

	if err := loop.AdvanceTo(epoch.Add(time.Second)); !errors.Is(err, ErrFragmentation) {
		t.Fatalf("AdvanceTo error = %v, want ErrFragmentation", err)
	}
	if err := loop.AdvanceTo(epoch.Add(2 * time.Second)); !errors.Is(err, sim.ErrHalted) {
		t.Fatalf("AdvanceTo after failure = %v, want ErrHalted", err)
	}
}

func TestHybridFrameComposition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UsageMode = HybridFrames

	demand := newFakeDemand()
	small := model.AddressFromUint64(10)
	large := model.AddressFromUint64(11)
	demand.enqueue(small, 1, 200)
	for i := 0; i < 5; i++ {
		demand.enqueue(large, 2, 1000)
	}
	s, _, _ := newTestScheduler(t, cfg, demand)

	types := map[model.Address]bbframe.FrameType{}
	for i := 0; i < 4; i++ {
		frame, err := s.NextFrame(context.Background())
		if err != nil {
			t.Fatalf("NextFrame: %v", err)
		}
		if frame.IsDummy() {
			continue
		}
		types[frame.Packets()[0].Dst] = frame.Type()
	}
	if types[small] != bbframe.ShortFrame {
		t.Fatalf("small demand frame type = %s, want short", types[small])
	}
	if types[large] != bbframe.NormalFrame {
		t.Fatalf("large demand frame type = %s, want normal", types[large])
	}
}

func TestShortFramesMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UsageMode = ShortFrames
	demand := newFakeDemand()
	demand.enqueue(model.AddressFromUint64(12), 1, 100)
	s, _, _ := newTestScheduler(t, cfg, demand)

	frame, err := s.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if frame.Type() != bbframe.ShortFrame {
		t.Fatalf("frame type = %s, want short", frame.Type())
	}
}

func TestDisposeStopsScheduler(t *testing.T) {
	demand := newFakeDemand()
	s, loop, _ := newTestScheduler(t, DefaultConfig(), demand)
	s.Dispose()
	s.Dispose()

	demand.enqueue(model.AddressFromUint64(13), 1, 100)
	if err := loop.AdvanceTo(epoch.Add(time.Second)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if demand.requests != 0 {
		t.Fatalf("disposed scheduler requested data %d times", demand.requests)
	}
	if _, err := s.NextFrame(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("NextFrame after Dispose error = %v", err)
	}
	if loop.Pending() != 0 {
		t.Fatalf("pending events after Dispose = %d", loop.Pending())
	}
}
