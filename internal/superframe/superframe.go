// Package superframe describes the return-link TDMA layout: waveforms, time
// slots, frames and superframes, together with the per-beam TBTP history the
// gateway publishes allocations into and terminals resolve them from.
package superframe

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/ctrlmsg"
)

var (
	// ErrInvalidLayout is returned for an inconsistent superframe layout.
	ErrInvalidLayout = errors.New("superframe: invalid layout")
	// ErrUnknownSuperframe is returned for a superframe id outside the sequence.
	ErrUnknownSuperframe = errors.New("superframe: unknown superframe")
	// ErrUnknownFrame is returned for a frame id the superframe does not have.
	ErrUnknownFrame = errors.New("superframe: unknown frame")
	// ErrUnknownSlot is returned for a slot id the frame does not have.
	ErrUnknownSlot = errors.New("superframe: unknown time slot")
	// ErrUnknownWaveform is returned for a waveform id not in the sequence.
	ErrUnknownWaveform = errors.New("superframe: unknown waveform")
)

// Waveform is a return-link burst format.
type Waveform struct {
	ID uint32
	// ModulatedBits is the number of bits per symbol (2 for QPSK).
	ModulatedBits int
	// CodingRate is the FEC code rate, e.g. 1/3.
	CodingRate float64
	// LengthInSymbols is the burst length including preamble and guard.
	LengthInSymbols uint32
}

// PayloadBytes returns the number of bytes one burst carries.
func (w Waveform) PayloadBytes() uint32 {
	bits := float64(w.LengthInSymbols) * float64(w.ModulatedBits) * w.CodingRate
	return uint32(math.Floor(bits / 8))
}

// BurstDuration returns the air time of one burst at symbolRate baud.
func (w Waveform) BurstDuration(symbolRate float64) time.Duration {
	if symbolRate <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(w.LengthInSymbols) / symbolRate * float64(time.Second)))
}

func (w Waveform) validate() error {
	switch {
	case w.ModulatedBits <= 0:
		return fmt.Errorf("%w: waveform %d has %d modulated bits", ErrInvalidLayout, w.ID, w.ModulatedBits)
	case w.CodingRate <= 0 || w.CodingRate > 1:
		return fmt.Errorf("%w: waveform %d coding rate %v", ErrInvalidLayout, w.ID, w.CodingRate)
	case w.LengthInSymbols == 0:
		return fmt.Errorf("%w: waveform %d has zero length", ErrInvalidLayout, w.ID)
	case w.PayloadBytes() == 0:
		return fmt.Errorf("%w: waveform %d carries no whole byte", ErrInvalidLayout, w.ID)
	}
	return nil
}

// TimeSlot is one burst opportunity within a frame.
type TimeSlot struct {
	// StartOffset is measured from the start of the superframe.
	StartOffset time.Duration
	WaveformID  uint32
	// CarrierID is local to the frame.
	CarrierID uint32
}

// Frame is a group of carriers sharing a burst time unit symbol rate. Slot
// ids index Slots.
type Frame struct {
	ID           uint8
	SymbolRate   float64
	CarrierCount uint32
	Slots        []TimeSlot
}

// Superframe is the repeating allocation period.
type Superframe struct {
	ID       uint8
	Duration time.Duration
	Frames   []Frame
}

// UniformFrame builds a frame whose carriers are each cut into
// slotsPerCarrier back-to-back slots of the given waveform. Slot ids run
// carrier-major, so slot c*slotsPerCarrier+i is the i-th slot of carrier c.
func UniformFrame(id uint8, symbolRate float64, carriers, slotsPerCarrier uint32, wf Waveform) Frame {
	f := Frame{
		ID:           id,
		SymbolRate:   symbolRate,
		CarrierCount: carriers,
		Slots:        make([]TimeSlot, 0, carriers*slotsPerCarrier),
	}
	step := wf.BurstDuration(symbolRate)
	for c := uint32(0); c < carriers; c++ {
		for i := uint32(0); i < slotsPerCarrier; i++ {
			f.Slots = append(f.Slots, TimeSlot{
				StartOffset: time.Duration(i) * step,
				WaveformID:  wf.ID,
				CarrierID:   c,
			})
		}
	}
	return f
}

// Sequence is the superframe sequence of a beam group together with the TBTP
// histories of each beam.
type Sequence struct {
	superframes []Superframe
	waveforms   map[uint32]Waveform

	historyCapacity int
	epoch           time.Time

	mu        sync.Mutex
	histories map[uint32]*ctrlmsg.TbtpHistory
}

// Option configures a Sequence.
type Option func(*Sequence)

// WithHistoryCapacity sets how many TBTPs each beam retains.
func WithHistoryCapacity(n int) Option {
	return func(s *Sequence) { s.historyCapacity = n }
}

// WithEpoch sets the instant superframe counter 0 starts at.
func WithEpoch(t time.Time) Option {
	return func(s *Sequence) { s.epoch = t }
}

// NewSequence validates the layout and returns the sequence. Superframe ids
// must equal their index.
func NewSequence(superframes []Superframe, waveforms []Waveform, opts ...Option) (*Sequence, error) {
	if len(superframes) == 0 {
		return nil, fmt.Errorf("%w: no superframes", ErrInvalidLayout)
	}
	s := &Sequence{
		superframes:     superframes,
		waveforms:       make(map[uint32]Waveform, len(waveforms)),
		historyCapacity: ctrlmsg.DefaultTbtpHistoryCapacity,
		histories:       make(map[uint32]*ctrlmsg.TbtpHistory),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, wf := range waveforms {
		if err := wf.validate(); err != nil {
			return nil, err
		}
		if _, dup := s.waveforms[wf.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate waveform %d", ErrInvalidLayout, wf.ID)
		}
		s.waveforms[wf.ID] = wf
	}
	for i, sf := range superframes {
		if int(sf.ID) != i {
			return nil, fmt.Errorf("%w: superframe at index %d has id %d", ErrInvalidLayout, i, sf.ID)
		}
		if err := s.validateSuperframe(sf); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sequence) validateSuperframe(sf Superframe) error {
	if sf.Duration <= 0 {
		return fmt.Errorf("%w: superframe %d has no duration", ErrInvalidLayout, sf.ID)
	}
	seen := make(map[uint8]bool, len(sf.Frames))
	for _, f := range sf.Frames {
		if seen[f.ID] {
			return fmt.Errorf("%w: superframe %d repeats frame %d", ErrInvalidLayout, sf.ID, f.ID)
		}
		seen[f.ID] = true
		if f.SymbolRate <= 0 || f.CarrierCount == 0 {
			return fmt.Errorf("%w: frame %d needs a symbol rate and carriers", ErrInvalidLayout, f.ID)
		}
		if len(f.Slots) > ctrlmsg.MaxTimeSlotID+1 {
			return fmt.Errorf("%w: frame %d has %d slots", ErrInvalidLayout, f.ID, len(f.Slots))
		}
		for id, slot := range f.Slots {
			wf, ok := s.waveforms[slot.WaveformID]
			if !ok {
				return fmt.Errorf("%w: frame %d slot %d: %w", ErrInvalidLayout, f.ID, id, ErrUnknownWaveform)
			}
			if slot.CarrierID >= f.CarrierCount {
				return fmt.Errorf("%w: frame %d slot %d on carrier %d of %d", ErrInvalidLayout, f.ID, id, slot.CarrierID, f.CarrierCount)
			}
			if slot.StartOffset < 0 || slot.StartOffset+wf.BurstDuration(f.SymbolRate) > sf.Duration {
				return fmt.Errorf("%w: frame %d slot %d ends after the superframe", ErrInvalidLayout, f.ID, id)
			}
		}
	}
	return nil
}

// Len returns the number of superframes in the sequence.
func (s *Sequence) Len() int { return len(s.superframes) }

// Superframe returns a superframe by id.
func (s *Sequence) Superframe(id uint8) (Superframe, error) {
	if int(id) >= len(s.superframes) {
		return Superframe{}, fmt.Errorf("%w: %d", ErrUnknownSuperframe, id)
	}
	return s.superframes[id], nil
}

// Duration returns the duration of a superframe.
func (s *Sequence) Duration(superframeID uint8) (time.Duration, error) {
	sf, err := s.Superframe(superframeID)
	if err != nil {
		return 0, err
	}
	return sf.Duration, nil
}

// Epoch returns the start of superframe counter 0.
func (s *Sequence) Epoch() time.Time { return s.epoch }

// Start returns the instant a superframe with the given counter begins.
func (s *Sequence) Start(superframeID uint8, counter uint16) (time.Time, error) {
	d, err := s.Duration(superframeID)
	if err != nil {
		return time.Time{}, err
	}
	return s.epoch.Add(time.Duration(counter) * d), nil
}

// counterCycle is the number of superframes after which the 16-bit
// superframe counter wraps.
const counterCycle = 1 << 16

// StartNear is Start for a counter that may have wrapped: it returns the
// start of the counter occurrence closest to now.
func (s *Sequence) StartNear(superframeID uint8, counter uint16, now time.Time) (time.Time, error) {
	base, err := s.Start(superframeID, counter)
	if err != nil {
		return time.Time{}, err
	}
	d, _ := s.Duration(superframeID)
	period := counterCycle * d
	diff := now.Sub(base)
	if diff <= 0 {
		return base, nil
	}
	n := (diff + period/2) / period
	return base.Add(time.Duration(n) * period), nil
}

// Frame returns a frame of a superframe.
func (s *Sequence) Frame(superframeID, frameID uint8) (Frame, error) {
	sf, err := s.Superframe(superframeID)
	if err != nil {
		return Frame{}, err
	}
	for _, f := range sf.Frames {
		if f.ID == frameID {
			return f, nil
		}
	}
	return Frame{}, fmt.Errorf("%w: %d in superframe %d", ErrUnknownFrame, frameID, superframeID)
}

// Slot returns a time slot of a frame of the first superframe, which is the
// only one allocation tables address.
func (s *Sequence) Slot(frameID uint8, slotID uint16) (TimeSlot, error) {
	f, err := s.Frame(0, frameID)
	if err != nil {
		return TimeSlot{}, err
	}
	if int(slotID) >= len(f.Slots) {
		return TimeSlot{}, fmt.Errorf("%w: %d in frame %d", ErrUnknownSlot, slotID, frameID)
	}
	return f.Slots[slotID], nil
}

// Waveform returns a waveform by id.
func (s *Sequence) Waveform(id uint32) (Waveform, error) {
	wf, ok := s.waveforms[id]
	if !ok {
		return Waveform{}, fmt.Errorf("%w: %d", ErrUnknownWaveform, id)
	}
	return wf, nil
}

// CarrierID maps a frame-local carrier to a carrier id that is unique across
// the sequence: carriers are numbered through the superframes and their
// frames in order.
func (s *Sequence) CarrierID(superframeID, frameID uint8, localCarrier uint32) (uint32, error) {
	if int(superframeID) >= len(s.superframes) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSuperframe, superframeID)
	}
	var base uint32
	for _, sf := range s.superframes[:superframeID] {
		for _, f := range sf.Frames {
			base += f.CarrierCount
		}
	}
	for _, f := range s.superframes[superframeID].Frames {
		if f.ID == frameID {
			if localCarrier >= f.CarrierCount {
				return 0, fmt.Errorf("%w: carrier %d of frame %d", ErrInvalidLayout, localCarrier, frameID)
			}
			return base + localCarrier, nil
		}
		base += f.CarrierCount
	}
	return 0, fmt.Errorf("%w: %d in superframe %d", ErrUnknownFrame, frameID, superframeID)
}

// History returns the TBTP history of a beam, creating it on first use.
func (s *Sequence) History(beam uint32) *ctrlmsg.TbtpHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[beam]
	if !ok {
		h = ctrlmsg.NewTbtpHistory(s.historyCapacity)
		s.histories[beam] = h
	}
	return h
}

// AddTbtp stores a TBTP for a beam and returns the id terminals look it up
// with.
func (s *Sequence) AddTbtp(beam uint32, t *ctrlmsg.Tbtp) uint32 {
	return s.History(beam).Add(t)
}

// Tbtp returns a stored TBTP of a beam.
func (s *Sequence) Tbtp(beam uint32, id uint32) (*ctrlmsg.Tbtp, bool) {
	return s.History(beam).Get(id)
}
