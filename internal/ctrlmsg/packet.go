package ctrlmsg

import (
	"fmt"

	"github.com/signalsfoundry/satlink-scheduler/model"
)

// Packet is a link-layer data unit. Src and Dst form the MAC tag; Control is
// set when the unit carries a control message, in which case Body holds the
// decoded message (*CapacityRequest for CRs, nil for TBTP references whose
// table lives in the TBTP history).
type Packet struct {
	ID   uint64
	Size uint32

	Src model.Address
	Dst model.Address

	Control *ControlTag
	Body    any
}

// IsControl reports whether p carries a control tag.
func (p *Packet) IsControl() bool {
	return p != nil && p.Control != nil
}

func (p *Packet) String() string {
	if p == nil {
		return "<nil>"
	}
	if p.Control != nil {
		return fmt.Sprintf("pkt#%d %dB %s->%s ctrl=%s/%d", p.ID, p.Size, p.Src, p.Dst, p.Control.Type, p.Control.ID)
	}
	return fmt.Sprintf("pkt#%d %dB %s->%s", p.ID, p.Size, p.Src, p.Dst)
}

// TotalSize sums the sizes of the given packets.
func TotalSize(packets []*Packet) uint32 {
	var n uint32
	for _, p := range packets {
		if p != nil {
			n += p.Size
		}
	}
	return n
}
