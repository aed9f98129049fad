package fwdlink

import (
	"cmp"

	"github.com/signalsfoundry/satlink-scheduler/model"
	"golang.org/x/exp/slices"
)

// sortDescriptors orders by flow id ascending, breaking ties by the
// criterion. The sort is stable so NoSort keeps the upper layer's order
// within a flow.
func sortDescriptors(descs []model.SchedulingDescriptor, criterion SortCriterion) {
	if len(descs) < 2 {
		return
	}
	slices.SortStableFunc(descs, func(a, b model.SchedulingDescriptor) int {
		if a.FlowID != b.FlowID {
			return cmp.Compare(a.FlowID, b.FlowID)
		}
		switch criterion {
		case DelaySort:
			return cmp.Compare(b.HolDelay, a.HolDelay)
		case LoadSort:
			return cmp.Compare(b.BufferedBytes, a.BufferedBytes)
		default:
			return 0
		}
	})
}
