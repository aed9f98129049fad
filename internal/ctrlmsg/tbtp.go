package ctrlmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnsupportedAssignmentFormat is a configuration error: the TBTP
	// assignment format code is not one of the known formats.
	ErrUnsupportedAssignmentFormat = errors.New("ctrlmsg: unsupported assignment format")
	// ErrSlotOutOfRange indicates a time slot id above MaxTimeSlotID.
	ErrSlotOutOfRange = errors.New("ctrlmsg: time slot id out of range")
	// ErrSlotTaken indicates the same (frame, slot) was assigned twice.
	ErrSlotTaken = errors.New("ctrlmsg: time slot already assigned")
	// ErrNonContiguousSlots indicates the slots of one frame do not form a
	// single assignment run and cannot be encoded.
	ErrNonContiguousSlots = errors.New("ctrlmsg: frame assignments are not contiguous")
	// ErrAssignmentIDOverflow indicates an assignment id does not fit the
	// width selected by the assignment format.
	ErrAssignmentIDOverflow = errors.New("ctrlmsg: assignment id does not fit assignment format")
	// ErrMalformedTbtp indicates an encoded TBTP is inconsistent.
	ErrMalformedTbtp = errors.New("ctrlmsg: malformed TBTP")
)

const (
	// MaxTimeSlotID is the largest slot id a TBTP can carry.
	MaxTimeSlotID = 2047

	// TbtpHeaderSize is the fixed TBTP body size: group id, superframe
	// sequence, superframe counter, assignment format and frame loop count.
	TbtpHeaderSize = 6
	// TbtpFrameHeaderSize is the per-frame size: frame id, assignment offset
	// and assignment loop count.
	TbtpFrameHeaderSize = 5
)

// Assignment formats (ETSI EN 301 545-2 TBTP2).
const (
	AssignmentFormat48Bit        uint8 = 0
	AssignmentFormat8Bit         uint8 = 1
	AssignmentFormat16Bit        uint8 = 2
	AssignmentFormat24Bit        uint8 = 3
	AssignmentFormatDynamic8Bit  uint8 = 10
	AssignmentFormatDynamic16Bit uint8 = 11
	AssignmentFormatDynamic24Bit uint8 = 12
)

// AssignmentID addresses a terminal inside a TBTP.
type AssignmentID uint64

// TimeSlotInfo is one slot assignment. TxType is only carried by the dynamic
// assignment formats.
type TimeSlotInfo struct {
	FrameID uint8
	SlotID  uint16
	TxType  uint8
}

// AssignmentWidth returns the number of bytes an assignment entry occupies
// for the given format, the width of the id part alone, and whether the
// format carries a dynamic tx type byte.
func AssignmentWidth(format uint8) (entryBytes, idBytes int, dynamic bool, err error) {
	switch format {
	case AssignmentFormat48Bit:
		return 6, 6, false, nil
	case AssignmentFormat8Bit:
		return 1, 1, false, nil
	case AssignmentFormat16Bit:
		return 2, 2, false, nil
	case AssignmentFormat24Bit:
		return 3, 3, false, nil
	case AssignmentFormatDynamic8Bit:
		return 2, 1, true, nil
	case AssignmentFormatDynamic16Bit:
		return 3, 2, true, nil
	case AssignmentFormatDynamic24Bit:
		return 4, 3, true, nil
	default:
		return 0, 0, false, fmt.Errorf("%w: %d", ErrUnsupportedAssignmentFormat, format)
	}
}

// Tbtp is the terminal burst time plan of one superframe.
type Tbtp struct {
	GroupID           uint8
	SuperframeSeqID   uint8
	SuperframeCounter uint16
	AssignmentFormat  uint8

	// slots per terminal, kept ordered by (frame, slot).
	slots map[AssignmentID][]TimeSlotInfo
	// owner of each (frame, slot).
	owners map[uint8]map[uint16]AssignmentID
}

// NewTbtp creates an empty plan.
func NewTbtp(seqID uint8, counter uint16, format uint8) *Tbtp {
	return &Tbtp{
		SuperframeSeqID:   seqID,
		SuperframeCounter: counter,
		AssignmentFormat:  format,
		slots:             make(map[AssignmentID][]TimeSlotInfo),
		owners:            make(map[uint8]map[uint16]AssignmentID),
	}
}

// SetTimeslot assigns a slot to a terminal. The slots of a frame are
// encoded as one run, so a slot must extend the frame's run at either end.
func (t *Tbtp) SetTimeslot(id AssignmentID, info TimeSlotInfo) error {
	if info.SlotID > MaxTimeSlotID {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, info.SlotID)
	}
	if t.slots == nil {
		t.slots = make(map[AssignmentID][]TimeSlotInfo)
		t.owners = make(map[uint8]map[uint16]AssignmentID)
	}
	frame := t.owners[info.FrameID]
	if frame == nil {
		frame = make(map[uint16]AssignmentID)
		t.owners[info.FrameID] = frame
	}
	if owner, taken := frame[info.SlotID]; taken {
		return fmt.Errorf("%w: frame %d slot %d (owner %d)", ErrSlotTaken, info.FrameID, info.SlotID, owner)
	}
	if len(frame) > 0 {
		_, before := frame[info.SlotID-1]
		_, after := frame[info.SlotID+1]
		if !before && !after {
			return fmt.Errorf("%w: frame %d slot %d", ErrNonContiguousSlots, info.FrameID, info.SlotID)
		}
	}
	frame[info.SlotID] = id

	list := t.slots[id]
	idx := sort.Search(len(list), func(i int) bool {
		if list[i].FrameID != info.FrameID {
			return list[i].FrameID > info.FrameID
		}
		return list[i].SlotID > info.SlotID
	})
	list = append(list, TimeSlotInfo{})
	copy(list[idx+1:], list[idx:])
	list[idx] = info
	t.slots[id] = list
	return nil
}

// Timeslots returns a copy of the slots assigned to a terminal, ordered by
// frame then slot. It is empty when the terminal has no assignment.
func (t *Tbtp) Timeslots(id AssignmentID) []TimeSlotInfo {
	list := t.slots[id]
	out := make([]TimeSlotInfo, len(list))
	copy(out, list)
	return out
}

// Terminals returns the assignment ids present in the plan, ascending.
func (t *Tbtp) Terminals() []AssignmentID {
	ids := make([]AssignmentID, 0, len(t.slots))
	for id := range t.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FrameIDs returns the distinct frame ids referenced by the plan, ascending.
func (t *Tbtp) FrameIDs() []uint8 {
	ids := make([]uint8, 0, len(t.owners))
	for id, slots := range t.owners {
		if len(slots) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// EntryCount returns the number of (terminal, slot) assignments.
func (t *Tbtp) EntryCount() int {
	n := 0
	for _, list := range t.slots {
		n += len(list)
	}
	return n
}

// SizeInBytes returns the TBTP size: header, one frame header per referenced
// frame and one assignment entry per (terminal, slot) pair.
func (t *Tbtp) SizeInBytes() (int, error) {
	entry, _, _, err := AssignmentWidth(t.AssignmentFormat)
	if err != nil {
		return 0, err
	}
	return TbtpHeaderSize + len(t.FrameIDs())*TbtpFrameHeaderSize + t.EntryCount()*entry, nil
}

// SerializedSize is SizeInBytes for callers that already validated the
// assignment format; it returns 0 for an unsupported format.
func (t *Tbtp) SerializedSize() int {
	n, err := t.SizeInBytes()
	if err != nil {
		return 0
	}
	return n
}

// MarshalBinary encodes the plan, one assignment run per frame.
func (t *Tbtp) MarshalBinary() ([]byte, error) {
	entry, idBytes, dynamic, err := AssignmentWidth(t.AssignmentFormat)
	if err != nil {
		return nil, err
	}
	frames := t.FrameIDs()
	if len(frames) > 0xff {
		return nil, fmt.Errorf("%w: %d frames", ErrMalformedTbtp, len(frames))
	}
	size := TbtpHeaderSize + len(frames)*TbtpFrameHeaderSize + t.EntryCount()*entry
	buf := make([]byte, size)

	buf[0] = t.GroupID
	buf[1] = t.SuperframeSeqID
	binary.LittleEndian.PutUint16(buf[2:4], t.SuperframeCounter)
	buf[4] = t.AssignmentFormat
	buf[5] = uint8(len(frames))
	off := TbtpHeaderSize

	maxID := uint64(1)<<(8*idBytes) - 1
	for _, frameID := range frames {
		owners := t.owners[frameID]
		slotIDs := make([]uint16, 0, len(owners))
		for s := range owners {
			slotIDs = append(slotIDs, s)
		}
		sort.Slice(slotIDs, func(i, j int) bool { return slotIDs[i] < slotIDs[j] })
		first := slotIDs[0]
		if int(slotIDs[len(slotIDs)-1]-first) != len(slotIDs)-1 {
			return nil, fmt.Errorf("%w: frame %d", ErrNonContiguousSlots, frameID)
		}

		buf[off] = frameID
		binary.LittleEndian.PutUint16(buf[off+1:off+3], first)
		binary.LittleEndian.PutUint16(buf[off+3:off+5], uint16(len(slotIDs)))
		off += TbtpFrameHeaderSize

		for _, s := range slotIDs {
			id := owners[s]
			if uint64(id) > maxID {
				return nil, fmt.Errorf("%w: id %d, format %d", ErrAssignmentIDOverflow, id, t.AssignmentFormat)
			}
			if dynamic {
				buf[off] = t.txType(id, frameID, s)
				off++
			}
			putUintN(buf[off:off+idBytes], uint64(id))
			off += idBytes
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes a plan produced by MarshalBinary.
func (t *Tbtp) UnmarshalBinary(data []byte) error {
	if len(data) < TbtpHeaderSize {
		return fmt.Errorf("tbtp header: %w (%d < %d)", ErrShortBuffer, len(data), TbtpHeaderSize)
	}
	decoded := NewTbtp(data[1], binary.LittleEndian.Uint16(data[2:4]), data[4])
	decoded.GroupID = data[0]
	_, idBytes, dynamic, err := AssignmentWidth(decoded.AssignmentFormat)
	if err != nil {
		return err
	}
	frameCount := int(data[5])
	off := TbtpHeaderSize

	for i := 0; i < frameCount; i++ {
		if len(data) < off+TbtpFrameHeaderSize {
			return fmt.Errorf("tbtp frame %d: %w", i, ErrShortBuffer)
		}
		frameID := data[off]
		first := binary.LittleEndian.Uint16(data[off+1 : off+3])
		count := int(binary.LittleEndian.Uint16(data[off+3 : off+5]))
		off += TbtpFrameHeaderSize
		if count == 0 {
			return fmt.Errorf("%w: frame %d has an empty assignment loop", ErrMalformedTbtp, frameID)
		}

		for j := 0; j < count; j++ {
			info := TimeSlotInfo{FrameID: frameID, SlotID: first + uint16(j)}
			if dynamic {
				if len(data) < off+1 {
					return fmt.Errorf("tbtp frame %d entry %d: %w", frameID, j, ErrShortBuffer)
				}
				info.TxType = data[off]
				off++
			}
			if len(data) < off+idBytes {
				return fmt.Errorf("tbtp frame %d entry %d: %w", frameID, j, ErrShortBuffer)
			}
			id := AssignmentID(getUintN(data[off : off+idBytes]))
			off += idBytes
			if err := decoded.SetTimeslot(id, info); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedTbtp, err)
			}
		}
	}
	if off != len(data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedTbtp, len(data)-off)
	}
	*t = *decoded
	return nil
}

func (t *Tbtp) txType(id AssignmentID, frameID uint8, slotID uint16) uint8 {
	for _, s := range t.slots[id] {
		if s.FrameID == frameID && s.SlotID == slotID {
			return s.TxType
		}
	}
	return 0
}

func putUintN(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUintN(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
