package utmac

import "fmt"

// State is the return-link state of a terminal.
type State int

const (
	// Idle: no request outstanding and no slot pending.
	Idle State = iota
	// AwaitingTable: a capacity request was sent, no slots assigned yet.
	AwaitingTable
	// SlotScheduled: at least one transmission opportunity is pending.
	SlotScheduled
	// Transmitting: a burst is on the air.
	Transmitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingTable:
		return "awaiting-table"
	case SlotScheduled:
		return "slot-scheduled"
	case Transmitting:
		return "transmitting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
