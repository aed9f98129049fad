package ctrlmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a buffer is too small to hold a message.
var ErrShortBuffer = errors.New("ctrlmsg: short buffer")

// MsgType classifies a control message.
type MsgType uint32

const (
	MsgNonCtrl MsgType = iota
	MsgTbtp
	MsgCr
	MsgRa
)

func (t MsgType) String() string {
	switch t {
	case MsgNonCtrl:
		return "NON_CTRL"
	case MsgTbtp:
		return "TBTP"
	case MsgCr:
		return "CR"
	case MsgRa:
		return "RA"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// ControlTagSize is the encoded size of a ControlTag.
const ControlTagSize = 8

// ControlTag marks a data unit as a control message. ID optionally refers to
// a stored message, e.g. the TBTP history id.
type ControlTag struct {
	Type MsgType
	ID   uint32
}

// SerializedSize returns the encoded size of the tag.
func (t ControlTag) SerializedSize() int { return ControlTagSize }

// MarshalBinary encodes the tag as two 32-bit fields.
func (t ControlTag) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ControlTagSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(t.Type))
	binary.LittleEndian.PutUint32(buf[4:8], t.ID)
	return buf, nil
}

// UnmarshalBinary decodes a tag produced by MarshalBinary.
func (t *ControlTag) UnmarshalBinary(data []byte) error {
	if len(data) < ControlTagSize {
		return fmt.Errorf("control tag: %w (%d < %d)", ErrShortBuffer, len(data), ControlTagSize)
	}
	t.Type = MsgType(binary.LittleEndian.Uint32(data[0:4]))
	t.ID = binary.LittleEndian.Uint32(data[4:8])
	return nil
}
