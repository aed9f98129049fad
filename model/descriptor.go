package model

import "time"

// ControlFlowID is the flow reserved for control messages (TBTP broadcasts).
// It sorts ahead of every user flow.
const ControlFlowID uint8 = 0

// SchedulingDescriptor is a snapshot of one flow's pending forward-link demand
// towards a single terminal. It is produced by the upper layer on request and
// consumed within one scheduling pass.
type SchedulingDescriptor struct {
	FlowID uint8

	// BufferedBytes is the amount of data queued for (Dest, FlowID).
	BufferedBytes uint32

	// HolDelay is the head-of-line delay of the oldest queued unit.
	HolDelay time.Duration

	// MinTxOpportunity is the smallest transmission opportunity, in bytes,
	// that the upper layer can fill (e.g. one unfragmentable control unit).
	MinTxOpportunity uint32

	Dest Address
}
