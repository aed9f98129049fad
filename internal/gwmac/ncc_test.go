package gwmac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
	"github.com/signalsfoundry/satlink-scheduler/internal/observability"
	"github.com/signalsfoundry/satlink-scheduler/internal/sim"
	"github.com/signalsfoundry/satlink-scheduler/internal/superframe"
	"github.com/signalsfoundry/satlink-scheduler/model"
)

var (
	epoch  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gwAddr = model.AddressFromUint64(0x100)
	utA    = model.Terminal{Name: "ut-a", Address: model.AddressFromUint64(1), AssignmentID: 1, Beam: 1}
	utB    = model.Terminal{Name: "ut-b", Address: model.AddressFromUint64(2), AssignmentID: 2, Beam: 1}

	// 67 byte bursts, eight per 10 ms superframe.
	testWaveform = superframe.Waveform{ID: 1, ModulatedBits: 2, CodingRate: 0.5, LengthInSymbols: 536}
)

func testSequence(t *testing.T) *superframe.Sequence {
	t.Helper()
	seq, err := superframe.NewSequence([]superframe.Superframe{{
		ID:       0,
		Duration: 10 * time.Millisecond,
		Frames:   []superframe.Frame{superframe.UniformFrame(0, 1e6, 2, 4, testWaveform)},
	}}, []superframe.Waveform{testWaveform}, superframe.WithEpoch(epoch))
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	return seq
}

type controlRecorder struct {
	packets []*ctrlmsg.Packet
}

func (r *controlRecorder) SendControl(_ context.Context, p *ctrlmsg.Packet) error {
	r.packets = append(r.packets, p)
	return nil
}

func newTestNCC(t *testing.T, opts ...NCCOption) (*NCC, *sim.Loop, *superframe.Sequence, *controlRecorder) {
	t.Helper()
	loop := sim.NewLoop(epoch)
	seq := testSequence(t)
	rec := &controlRecorder{}
	cfg := NCCConfig{Beam: 1, AssignmentFormat: ctrlmsg.AssignmentFormat8Bit}
	n, err := NewNCC(cfg, gwAddr, seq, loop, rec, opts...)
	if err != nil {
		t.Fatalf("NewNCC: %v", err)
	}
	return n, loop, seq, rec
}

func slotIDs(slots []ctrlmsg.TimeSlotInfo) []uint16 {
	ids := make([]uint16, len(slots))
	for i, s := range slots {
		ids[i] = s.SlotID
	}
	return ids
}

func TestBuildTbtpGrantsNeededSlots(t *testing.T) {
	n, _, _, _ := newTestNCC(t)
	n.Logon(utA, 128)
	n.Logon(utB, 0)
	n.CapacityRequested(utB.Address, ctrlmsg.CapacityRequest{Type: ctrlmsg.CrRbdc, RequestedRate: 256})

	// 128 kbps is 160 bytes per superframe (3 slots), 256 kbps is 320 (5).
	tbtp, err := n.BuildTbtp(0)
	if err != nil {
		t.Fatalf("BuildTbtp: %v", err)
	}
	if diff := cmp.Diff([]uint16{0, 1, 2}, slotIDs(tbtp.Timeslots(1))); diff != "" {
		t.Fatalf("ut-a slots (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint16{3, 4, 5, 6, 7}, slotIDs(tbtp.Timeslots(2))); diff != "" {
		t.Fatalf("ut-b slots (-want +got):\n%s", diff)
	}

	// The terminal served first rotates with the counter.
	tbtp, err = n.BuildTbtp(1)
	if err != nil {
		t.Fatalf("BuildTbtp: %v", err)
	}
	if diff := cmp.Diff([]uint16{0, 1, 2, 3, 4}, slotIDs(tbtp.Timeslots(2))); diff != "" {
		t.Fatalf("rotated ut-b slots (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint16{5, 6, 7}, slotIDs(tbtp.Timeslots(1))); diff != "" {
		t.Fatalf("rotated ut-a slots (-want +got):\n%s", diff)
	}
}

func TestBuildTbtpSharesOversubscribedSuperframe(t *testing.T) {
	n, _, _, _ := newTestNCC(t)
	n.Logon(utA, 128)
	n.Logon(utB, 512)

	// Needs are 3 and 10 slots of 8.
	tbtp, err := n.BuildTbtp(0)
	if err != nil {
		t.Fatalf("BuildTbtp: %v", err)
	}
	if got := slotIDs(tbtp.Timeslots(1)); len(got) != 1 {
		t.Fatalf("ut-a slots = %v, want 1 slot", got)
	}
	if got := slotIDs(tbtp.Timeslots(2)); len(got) != 6 {
		t.Fatalf("ut-b slots = %v, want 6 slots", got)
	}
	if _, err := tbtp.MarshalBinary(); err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
}

func TestBuildTbtpSkipsIdleTerminals(t *testing.T) {
	n, _, _, _ := newTestNCC(t)
	n.Logon(utA, 0)
	tbtp, err := n.BuildTbtp(0)
	if err != nil {
		t.Fatalf("BuildTbtp: %v", err)
	}
	if got := tbtp.EntryCount(); got != 0 {
		t.Fatalf("entries = %d, want 0", got)
	}
}

func TestCapacityRequestFromUnknownTerminalIgnored(t *testing.T) {
	n, _, _, _ := newTestNCC(t)
	n.CapacityRequested(utA.Address, ctrlmsg.CapacityRequest{RequestedRate: 64})
	if got := n.Demand(utA.Address); got != 0 {
		t.Fatalf("demand = %v, want 0", got)
	}
}

func TestStartPublishesTbtpEverySuperframe(t *testing.T) {
	metrics, err := observability.NewLinkCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewLinkCollector: %v", err)
	}
	n, loop, seq, rec := newTestNCC(t, WithNCCMetrics(metrics))
	n.Logon(utA, 128)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := loop.AdvanceTo(epoch.Add(25 * time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if len(rec.packets) != 3 {
		t.Fatalf("TBTP broadcasts = %d, want 3", len(rec.packets))
	}

	for i, p := range rec.packets {
		if !p.Dst.IsBroadcast() || p.Src != gwAddr {
			t.Fatalf("broadcast %d addressed %s -> %s", i, p.Src, p.Dst)
		}
		if p.Control == nil || p.Control.Type != ctrlmsg.MsgTbtp {
			t.Fatalf("broadcast %d control = %+v", i, p.Control)
		}
		tbtp, ok := seq.Tbtp(1, p.Control.ID)
		if !ok {
			t.Fatalf("broadcast %d refers to unknown TBTP %d", i, p.Control.ID)
		}
		if want := uint16(i + DefaultLead); tbtp.SuperframeCounter != want {
			t.Fatalf("broadcast %d allocates superframe %d, want %d", i, tbtp.SuperframeCounter, want)
		}
		if int(p.Size) != tbtp.SerializedSize() {
			t.Fatalf("broadcast %d size = %d, want %d", i, p.Size, tbtp.SerializedSize())
		}
	}
	if got := testutil.ToFloat64(metrics.TbtpsGenerated); got != 3 {
		t.Fatalf("TBTPs generated = %v, want 3", got)
	}

	n.Stop()
	if err := loop.AdvanceTo(epoch.Add(100 * time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if len(rec.packets) != 3 {
		t.Fatalf("TBTP broadcasts after Stop = %d, want 3", len(rec.packets))
	}
}

func TestStartWithoutDemandSendsNothing(t *testing.T) {
	n, loop, _, rec := newTestNCC(t)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := loop.AdvanceTo(epoch.Add(50 * time.Millisecond)); err != nil {
		t.Fatalf("AdvanceTo: %v", err)
	}
	if len(rec.packets) != 0 {
		t.Fatalf("TBTP broadcasts = %d, want 0", len(rec.packets))
	}
}

func TestNewNCCRejectsBadFormat(t *testing.T) {
	loop := sim.NewLoop(epoch)
	_, err := NewNCC(NCCConfig{AssignmentFormat: 9}, gwAddr, testSequence(t), loop, &controlRecorder{})
	if !errors.Is(err, ctrlmsg.ErrUnsupportedAssignmentFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedAssignmentFormat", err)
	}
}
