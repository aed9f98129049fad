package llc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/model"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw    = model.AddressFromUint64(0x100)
	utA   = model.AddressFromUint64(1)
	utB   = model.AddressFromUint64(2)
)

func mustEnqueue(t *testing.T, q *Queue, dest model.Address, flow uint8, size uint32) *ctrlmsg.Packet {
	t.Helper()
	p, err := q.Enqueue(dest, flow, size)
	if err != nil {
		t.Fatalf("Enqueue(%s, %d, %d): %v", dest, flow, size, err)
	}
	return p
}

func TestSchedulingDescriptorsControlFlowFirst(t *testing.T) {
	loop := sim.NewLoop(epoch)
	q := NewQueue(gw, loop)

	mustEnqueue(t, q, utA, 2, 100)
	mustEnqueue(t, q, utA, 2, 50)
	if err := loop.AdvanceTo(epoch.Add(10 * time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if err := q.SendControl(context.Background(), &ctrlmsg.Packet{Size: 30, Src: gw, Dst: model.BroadcastAddress}); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	mustEnqueue(t, q, utB, 1, 200)

	want := []model.SchedulingDescriptor{
		{FlowID: model.ControlFlowID, BufferedBytes: 30, MinTxOpportunity: 30, Dest: model.BroadcastAddress},
		{FlowID: 1, BufferedBytes: 200, MinTxOpportunity: 200, Dest: utB},
		{FlowID: 2, BufferedBytes: 150, HolDelay: 10 * time.Millisecond, MinTxOpportunity: 100, Dest: utA},
	}
	if diff := cmp.Diff(want, q.SchedulingDescriptors()); diff != "" {
		t.Fatalf("descriptors (-want +got):\n%s", diff)
	}
	if got := q.Buffered(); got != 380 {
		t.Fatalf("buffered = %d, want 380", got)
	}
}

func TestRequestDataHonoursMaxBytes(t *testing.T) {
	q := NewQueue(gw, sim.NewLoop(epoch))
	first := mustEnqueue(t, q, utA, 1, 100)
	mustEnqueue(t, q, utA, 1, 40)

	if p, left := q.RequestData(99, utA, 1); p != nil || left != 140 {
		t.Fatalf("RequestData(99) = %v, %d; want nil, 140", p, left)
	}
	p, left := q.RequestData(100, utA, 1)
	if p != first || left != 40 {
		t.Fatalf("RequestData(100) = %v, %d; want unit %d, 40", p, left, first.ID)
	}
	if p.Src != gw || p.Dst != utA {
		t.Fatalf("unit addressed %s -> %s", p.Src, p.Dst)
	}
	if p, left := q.RequestData(100, utB, 1); p != nil || left != 0 {
		t.Fatalf("RequestData(unknown flow) = %v, %d; want nil, 0", p, left)
	}
	if got := len(q.SchedulingDescriptors()); got != 1 {
		t.Fatalf("descriptors = %d, want 1", got)
	}
}

func TestTxOpportunityServesFirstFittingFlow(t *testing.T) {
	q := NewQueue(utA, sim.NewLoop(epoch))
	mustEnqueue(t, q, gw, 1, 120)
	small := mustEnqueue(t, q, gw, 3, 60)
	ctrl := &ctrlmsg.Packet{Size: ctrlmsg.CapacityRequestSize, Src: utA, Dst: gw}
	if err := q.SendControl(context.Background(), ctrl); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	p, left := q.TxOpportunity(66, utA)
	if p != ctrl || left != 180 {
		t.Fatalf("first opportunity = %v, %d; want control unit, 180", p, left)
	}
	p, left = q.TxOpportunity(66, utA)
	if p != small || left != 120 {
		t.Fatalf("second opportunity = %v, %d; want unit %d, 120", p, left, small.ID)
	}
	if p, left := q.TxOpportunity(66, utA); p != nil || left != 120 {
		t.Fatalf("third opportunity = %v, %d; want nil, 120", p, left)
	}
}

func TestDrainedFlowsAreForgotten(t *testing.T) {
	q := NewQueue(gw, sim.NewLoop(epoch))
	for i := uint64(1); i <= 50; i++ {
		mustEnqueue(t, q, model.AddressFromUint64(i), 1, 10)
	}
	for i := uint64(1); i <= 50; i++ {
		if p, left := q.RequestData(10, model.AddressFromUint64(i), 1); p == nil || left != 0 {
			t.Fatalf("RequestData(%d) = %v, %d; want a unit, 0", i, p, left)
		}
	}
	if len(q.order) != 0 || len(q.flows) != 0 {
		t.Fatalf("flows after drain = %d (order %d), want 0", len(q.flows), len(q.order))
	}

	mustEnqueue(t, q, utB, 2, 20)
	mustEnqueue(t, q, utA, 1, 30)
	if p, _ := q.TxOpportunity(30, gw); p == nil || p.Dst != utA {
		t.Fatalf("first opportunity = %v, want the flow 1 unit", p)
	}
	want := []model.SchedulingDescriptor{{FlowID: 2, BufferedBytes: 20, MinTxOpportunity: 20, Dest: utB}}
	if diff := cmp.Diff(want, q.SchedulingDescriptors()); diff != "" {
		t.Fatalf("descriptors (-want +got):\n%s", diff)
	}
}

func TestWithLimitDropsTail(t *testing.T) {
	q := NewQueue(gw, sim.NewLoop(epoch), WithLimit(250))
	mustEnqueue(t, q, utA, 1, 200)
	if _, err := q.Enqueue(utA, 1, 51); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}
	mustEnqueue(t, q, utA, 1, 50)
	if got := q.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	if got := q.Buffered(); got != 250 {
		t.Fatalf("buffered = %d, want 250", got)
	}
}

func TestCBREnqueuesAtInterval(t *testing.T) {
	loop := sim.NewLoop(epoch)
	q := NewQueue(gw, loop)
	src := &CBR{Dest: utA, Flow: 1, Size: 128, Interval: time.Second}
	if err := src.Start(loop, q, 100*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Units at 0.1, 1.1 and 2.1 s.
	if err := loop.AdvanceTo(epoch.Add(2500 * time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if got := src.Sent(); got != 3 {
		t.Fatalf("sent = %d, want 3", got)
	}
	ds := q.SchedulingDescriptors()
	if len(ds) != 1 || ds[0].BufferedBytes != 384 || ds[0].HolDelay != 2400*time.Millisecond {
		t.Fatalf("descriptors = %+v", ds)
	}

	src.Stop()
	if err := loop.AdvanceTo(epoch.Add(5 * time.Second)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if got := src.Sent(); got != 3 {
		t.Fatalf("sent after Stop = %d, want 3", got)
	}
}

func TestCBRCountsDropsWithoutHalting(t *testing.T) {
	loop := sim.NewLoop(epoch)
	q := NewQueue(gw, loop, WithLimit(128))
	src := &CBR{Dest: utA, Flow: 1, Size: 128, Interval: time.Second}
	if err := src.Start(loop, q, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := loop.AdvanceTo(epoch.Add(2 * time.Second)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if src.Sent() != 1 || src.Dropped() != 2 {
		t.Fatalf("sent, dropped = %d, %d; want 1, 2", src.Sent(), src.Dropped())
	}
}

func TestCBRRejectsZeroInterval(t *testing.T) {
	loop := sim.NewLoop(epoch)
	src := &CBR{Dest: utA, Size: 128}
	if err := src.Start(loop, NewQueue(gw, loop), 0); err == nil {
		t.Fatalf("Start with zero interval succeeded")
	}
}
