package bbframe

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
)

var (
	// ErrPayloadOverflow indicates a data unit does not fit the frame.
	ErrPayloadOverflow = errors.New("bbframe: payload exceeds frame capacity")
	// ErrFrameClosed indicates a write to a frame already handed out.
	ErrFrameClosed = errors.New("bbframe: frame is closed")
)

// Frame is one forward-link BBFrame under construction or ready for
// transmission.
type Frame struct {
	format   Format
	maxBytes uint32
	duration time.Duration

	packets []*ctrlmsg.Packet
	bytes   uint32
	closed  bool
}

// NewFrame creates an empty frame of the given format.
func NewFrame(f Format, conf *Conf) (*Frame, error) {
	if !conf.Supports(f) {
		return nil, fmt.Errorf("%w: format %s", ErrInvalidConf, f)
	}
	return &Frame{
		format:   f,
		maxBytes: conf.MaxPayloadBytes(f),
		duration: conf.Duration(f),
	}, nil
}

// NewDummyFrame creates the filler frame at the default MODCOD carrying the
// single unit p, normally one broadcast byte.
func NewDummyFrame(conf *Conf, p *ctrlmsg.Packet) *Frame {
	format := Format{Modcod: conf.DefaultModcod(), Type: DummyFrame}
	return &Frame{
		format:   format,
		maxBytes: conf.MaxPayloadBytes(format),
		duration: conf.Duration(format),
		packets:  []*ctrlmsg.Packet{p},
		bytes:    p.Size,
		closed:   true,
	}
}

// Format returns the frame MODCOD and type.
func (f *Frame) Format() Format { return f.format }

// Modcod returns the frame MODCOD.
func (f *Frame) Modcod() Modcod { return f.format.Modcod }

// Type returns the frame type.
func (f *Frame) Type() FrameType { return f.format.Type }

// Duration returns the frame air time.
func (f *Frame) Duration() time.Duration { return f.duration }

// MaxPayloadBytes returns the payload capacity.
func (f *Frame) MaxPayloadBytes() uint32 { return f.maxBytes }

// PayloadBytes returns the bytes already added.
func (f *Frame) PayloadBytes() uint32 { return f.bytes }

// SpaceLeft returns the bytes that can still be added.
func (f *Frame) SpaceLeft() uint32 { return f.maxBytes - f.bytes }

// Occupancy returns the filled share of the payload in [0, 1].
func (f *Frame) Occupancy() float64 {
	if f.maxBytes == 0 {
		return 0
	}
	return float64(f.bytes) / float64(f.maxBytes)
}

// Packets returns the data units carried by the frame.
func (f *Frame) Packets() []*ctrlmsg.Packet { return f.packets }

// Closed reports whether the frame was handed out.
func (f *Frame) Closed() bool { return f.closed }

// Close freezes the frame.
func (f *Frame) Close() { f.closed = true }

// AddPayload appends p. It fails when the frame is closed or p does not fit.
func (f *Frame) AddPayload(p *ctrlmsg.Packet) error {
	if f.closed {
		return ErrFrameClosed
	}
	if p.Size > f.SpaceLeft() {
		return fmt.Errorf("%w: %d bytes, %d left in %s frame", ErrPayloadOverflow, p.Size, f.SpaceLeft(), f.format)
	}
	f.packets = append(f.packets, p)
	f.bytes += p.Size
	return nil
}

// IsDummy reports whether f is a filler frame.
func (f *Frame) IsDummy() bool { return f.format.Type == DummyFrame }

func (f *Frame) String() string {
	return fmt.Sprintf("%s %d/%dB %d units %v", f.format, f.bytes, f.maxBytes, len(f.packets), f.duration)
}

// mergeFrom moves all units of other into f. Caller checks capacity.
func (f *Frame) mergeFrom(other *Frame) {
	f.packets = append(f.packets, other.packets...)
	f.bytes += other.bytes
	other.packets = nil
	other.bytes = 0
}
