package fwdlink

import (
	"testing"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/model"
)

func descriptors() []model.SchedulingDescriptor {
	return []model.SchedulingDescriptor{
		{FlowID: 2, BufferedBytes: 100, HolDelay: 30 * time.Millisecond, Dest: model.AddressFromUint64(1)},
		{FlowID: 1, BufferedBytes: 200, HolDelay: 10 * time.Millisecond, Dest: model.AddressFromUint64(2)},
		{FlowID: 1, BufferedBytes: 900, HolDelay: 5 * time.Millisecond, Dest: model.AddressFromUint64(3)},
		{FlowID: 1, BufferedBytes: 50, HolDelay: 40 * time.Millisecond, Dest: model.AddressFromUint64(4)},
		{FlowID: 0, BufferedBytes: 10, HolDelay: 0, Dest: model.BroadcastAddress},
	}
}

func destOrder(descs []model.SchedulingDescriptor) []uint64 {
	out := make([]uint64, len(descs))
	for i, d := range descs {
		out[i] = d.Dest.Uint64()
	}
	return out
}

func TestSortDescriptors(t *testing.T) {
	bcast := model.BroadcastAddress.Uint64()
	cases := []struct {
		criterion SortCriterion
		want      []uint64
	}{
		// Equal flows keep their input order.
		{NoSort, []uint64{bcast, 2, 3, 4, 1}},
		// Longest head-of-line delay first.
		{DelaySort, []uint64{bcast, 4, 2, 3, 1}},
		// Largest load first.
		{LoadSort, []uint64{bcast, 3, 2, 4, 1}},
	}
	for _, tc := range cases {
		descs := descriptors()
		sortDescriptors(descs, tc.criterion)
		got := destOrder(descs)
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: order = %v, want %v", tc.criterion, got, tc.want)
			}
		}
		for i := 1; i < len(descs); i++ {
			if descs[i].FlowID < descs[i-1].FlowID {
				t.Fatalf("%s: flow ids not ascending: %v", tc.criterion, descs)
			}
		}
	}
}
