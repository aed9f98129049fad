// Package bbframe models DVB-S2 forward-link baseband frames: the MODCOD and
// frame type tables, individual frames and the per-flow frame container used
// by the forward-link scheduler.
package bbframe

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModcod is returned when a MODCOD name or value is not known.
var ErrUnknownModcod = errors.New("bbframe: unknown MODCOD")

// Modulation of a MODCOD.
type Modulation int

const (
	QPSK Modulation = iota
	PSK8
	APSK16
	APSK32
)

func (m Modulation) String() string {
	switch m {
	case QPSK:
		return "QPSK"
	case PSK8:
		return "8PSK"
	case APSK16:
		return "16APSK"
	case APSK32:
		return "32APSK"
	default:
		return fmt.Sprintf("modulation(%d)", int(m))
	}
}

// BitsPerSymbol returns the modulation order in bits.
func (m Modulation) BitsPerSymbol() int {
	return int(m) + 2
}

// Modcod is a DVB-S2 modulation and coding combination. Values are ordered
// by modulation, then by code rate.
type Modcod int

const (
	QPSK_1_4 Modcod = iota
	QPSK_1_3
	QPSK_2_5
	QPSK_1_2
	QPSK_3_5
	QPSK_2_3
	QPSK_3_4
	QPSK_4_5
	QPSK_5_6
	QPSK_8_9
	QPSK_9_10
	PSK8_3_5
	PSK8_2_3
	PSK8_3_4
	PSK8_5_6
	PSK8_8_9
	PSK8_9_10
	APSK16_2_3
	APSK16_3_4
	APSK16_4_5
	APSK16_5_6
	APSK16_8_9
	APSK16_9_10
	APSK32_3_4
	APSK32_4_5
	APSK32_5_6
	APSK32_8_9
	APSK32_9_10

	modcodCount
)

type codeRate struct{ num, den int }

type modcodInfo struct {
	mod  Modulation
	rate codeRate
	// Ideal Es/N0 in dB for quasi error free operation, normal frames.
	esNoDb float64
	// BCH uncoded block size in bits, normal and short frames (0 when the
	// code rate does not exist for short frames).
	kbchNormal uint32
	kbchShort  uint32
}

var modcodTable = [modcodCount]modcodInfo{
	QPSK_1_4:    {QPSK, codeRate{1, 4}, -2.35, 16008, 3072},
	QPSK_1_3:    {QPSK, codeRate{1, 3}, -1.24, 21408, 5232},
	QPSK_2_5:    {QPSK, codeRate{2, 5}, -0.30, 25728, 6312},
	QPSK_1_2:    {QPSK, codeRate{1, 2}, 1.00, 32208, 7032},
	QPSK_3_5:    {QPSK, codeRate{3, 5}, 2.23, 38688, 9552},
	QPSK_2_3:    {QPSK, codeRate{2, 3}, 3.10, 43040, 10632},
	QPSK_3_4:    {QPSK, codeRate{3, 4}, 4.03, 48408, 11712},
	QPSK_4_5:    {QPSK, codeRate{4, 5}, 4.68, 51648, 12432},
	QPSK_5_6:    {QPSK, codeRate{5, 6}, 5.18, 53840, 13152},
	QPSK_8_9:    {QPSK, codeRate{8, 9}, 6.20, 57472, 14232},
	QPSK_9_10:   {QPSK, codeRate{9, 10}, 6.42, 58192, 0},
	PSK8_3_5:    {PSK8, codeRate{3, 5}, 5.50, 38688, 9552},
	PSK8_2_3:    {PSK8, codeRate{2, 3}, 6.62, 43040, 10632},
	PSK8_3_4:    {PSK8, codeRate{3, 4}, 7.91, 48408, 11712},
	PSK8_5_6:    {PSK8, codeRate{5, 6}, 9.35, 53840, 13152},
	PSK8_8_9:    {PSK8, codeRate{8, 9}, 10.69, 57472, 14232},
	PSK8_9_10:   {PSK8, codeRate{9, 10}, 10.98, 58192, 0},
	APSK16_2_3:  {APSK16, codeRate{2, 3}, 8.97, 43040, 10632},
	APSK16_3_4:  {APSK16, codeRate{3, 4}, 10.21, 48408, 11712},
	APSK16_4_5:  {APSK16, codeRate{4, 5}, 11.03, 51648, 12432},
	APSK16_5_6:  {APSK16, codeRate{5, 6}, 11.61, 53840, 13152},
	APSK16_8_9:  {APSK16, codeRate{8, 9}, 12.89, 57472, 14232},
	APSK16_9_10: {APSK16, codeRate{9, 10}, 13.13, 58192, 0},
	APSK32_3_4:  {APSK32, codeRate{3, 4}, 12.73, 48408, 11712},
	APSK32_4_5:  {APSK32, codeRate{4, 5}, 13.64, 51648, 12432},
	APSK32_5_6:  {APSK32, codeRate{5, 6}, 14.28, 53840, 13152},
	APSK32_8_9:  {APSK32, codeRate{8, 9}, 15.69, 57472, 14232},
	APSK32_9_10: {APSK32, codeRate{9, 10}, 16.05, 58192, 0},
}

// AllModcods returns every MODCOD in value order.
func AllModcods() []Modcod {
	out := make([]Modcod, 0, modcodCount)
	for m := Modcod(0); m < modcodCount; m++ {
		out = append(out, m)
	}
	return out
}

// Valid reports whether m is a known MODCOD.
func (m Modcod) Valid() bool { return m >= 0 && m < modcodCount }

// Modulation returns the modulation of m.
func (m Modcod) Modulation() Modulation { return modcodTable[m].mod }

// CodeRate returns the code rate of m as a fraction.
func (m Modcod) CodeRate() (num, den int) {
	r := modcodTable[m].rate
	return r.num, r.den
}

// EsNoDb returns the required Es/N0 for normal frames.
func (m Modcod) EsNoDb() float64 { return modcodTable[m].esNoDb }

func (m Modcod) String() string {
	if !m.Valid() {
		return fmt.Sprintf("modcod(%d)", int(m))
	}
	info := modcodTable[m]
	return fmt.Sprintf("%s_%d_%d", info.mod, info.rate.num, info.rate.den)
}

// ParseModcod parses names such as "QPSK_1_2" or "8psk_3_5".
func ParseModcod(s string) (Modcod, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for m := Modcod(0); m < modcodCount; m++ {
		if m.String() == want {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownModcod, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Modcod) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownModcod, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Modcod) UnmarshalText(b []byte) error {
	parsed, err := ParseModcod(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// FrameType classifies a BBFrame.
type FrameType int

const (
	ShortFrame FrameType = iota
	NormalFrame
	// DummyFrame is the filler transmitted when nothing else is ready.
	DummyFrame
)

func (t FrameType) String() string {
	switch t {
	case ShortFrame:
		return "short"
	case NormalFrame:
		return "normal"
	case DummyFrame:
		return "dummy"
	default:
		return fmt.Sprintf("frametype(%d)", int(t))
	}
}

// Format is the (MODCOD, frame type) pair that determines a frame's payload
// capacity and duration.
type Format struct {
	Modcod Modcod
	Type   FrameType
}

func (f Format) String() string { return f.Modcod.String() + "/" + f.Type.String() }
