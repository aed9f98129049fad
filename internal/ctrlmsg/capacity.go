package ctrlmsg

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CrRequestType is the capacity category requested by a terminal.
type CrRequestType uint32

const (
	// CrRbdc is a rate-based dynamic capacity request.
	CrRbdc CrRequestType = iota
	// CrVbdc is a volume-based dynamic capacity request.
	CrVbdc
	// CrAvbdc is an absolute volume-based dynamic capacity request.
	CrAvbdc
)

func (t CrRequestType) String() string {
	switch t {
	case CrRbdc:
		return "RBDC"
	case CrVbdc:
		return "VBDC"
	case CrAvbdc:
		return "AVBDC"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// CapacityRequestSize is the encoded size of a CapacityRequest.
const CapacityRequestSize = 4 + 8 + 8

// CapacityRequest is the demand signal sent by a terminal to the gateway.
// RequestedRate is in kbps; Cno is the terminal's latest C/N0 estimate in
// dB-Hz and may be NaN when no estimate exists.
type CapacityRequest struct {
	Type          CrRequestType
	RequestedRate float64
	Cno           float64
}

// SerializedSize returns the encoded size of the request.
func (r CapacityRequest) SerializedSize() int { return CapacityRequestSize }

// MarshalBinary encodes the request.
func (r CapacityRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CapacityRequestSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Type))
	binary.LittleEndian.PutUint64(buf[4:12], math.Float64bits(r.RequestedRate))
	binary.LittleEndian.PutUint64(buf[12:20], math.Float64bits(r.Cno))
	return buf, nil
}

// UnmarshalBinary decodes a request produced by MarshalBinary.
func (r *CapacityRequest) UnmarshalBinary(data []byte) error {
	if len(data) < CapacityRequestSize {
		return fmt.Errorf("capacity request: %w (%d < %d)", ErrShortBuffer, len(data), CapacityRequestSize)
	}
	r.Type = CrRequestType(binary.LittleEndian.Uint32(data[0:4]))
	r.RequestedRate = math.Float64frombits(binary.LittleEndian.Uint64(data[4:12]))
	r.Cno = math.Float64frombits(binary.LittleEndian.Uint64(data[12:20]))
	return nil
}
