package bbframe

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrInvalidConf is returned by NewConf for inconsistent parameters.
var ErrInvalidConf = errors.New("bbframe: invalid configuration")

const (
	// BBHeaderBits is the baseband header carried in every frame.
	BBHeaderBits = 80

	slotSymbols       = 90
	plHeaderSymbols   = 90
	pilotBlockSymbols = 36
	slotsPerPilot     = 16

	// DummyFrameSymbols is the length of a DVB-S2 dummy PLFRAME.
	DummyFrameSymbols = 3330

	// DefaultSymbolRate is the forward carrier symbol rate in baud.
	DefaultSymbolRate = 27.5e6
	// DefaultShortFrameMarginDb is added to the Es/N0 requirement of short
	// frames.
	DefaultShortFrameMarginDb = 0.2
)

// ConfParams are the inputs of NewConf. Zero values select defaults.
type ConfParams struct {
	SymbolRate         float64
	Pilots             bool
	DefaultModcod      Modcod
	Modcods            []Modcod // supported MODCODs; empty means all
	ShortFrameMarginDb float64
	LinkMarginDb       float64
}

// Conf holds the BBFrame tables for one forward carrier.
type Conf struct {
	symbolRate    float64
	pilots        bool
	defaultModcod Modcod
	shortMargin   float64
	linkMargin    float64

	// supported MODCODs per frame type, most robust first.
	byRobustness map[FrameType][]Modcod
}

// NewConf validates p and builds the frame tables.
func NewConf(p ConfParams) (*Conf, error) {
	if p.SymbolRate == 0 {
		p.SymbolRate = DefaultSymbolRate
	}
	if p.SymbolRate < 0 || math.IsNaN(p.SymbolRate) {
		return nil, fmt.Errorf("%w: symbol rate %v", ErrInvalidConf, p.SymbolRate)
	}
	if p.ShortFrameMarginDb == 0 {
		p.ShortFrameMarginDb = DefaultShortFrameMarginDb
	}
	if !p.DefaultModcod.Valid() {
		return nil, fmt.Errorf("%w: default %v", ErrUnknownModcod, p.DefaultModcod)
	}
	modcods := p.Modcods
	if len(modcods) == 0 {
		modcods = AllModcods()
	}

	c := &Conf{
		symbolRate:    p.SymbolRate,
		pilots:        p.Pilots,
		defaultModcod: p.DefaultModcod,
		shortMargin:   p.ShortFrameMarginDb,
		linkMargin:    p.LinkMarginDb,
		byRobustness:  make(map[FrameType][]Modcod),
	}

	seenDefault := false
	for _, m := range modcods {
		if !m.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownModcod, int(m))
		}
		if m == p.DefaultModcod {
			seenDefault = true
		}
		c.byRobustness[NormalFrame] = append(c.byRobustness[NormalFrame], m)
		if modcodTable[m].kbchShort > 0 {
			c.byRobustness[ShortFrame] = append(c.byRobustness[ShortFrame], m)
		}
	}
	if !seenDefault {
		return nil, fmt.Errorf("%w: default MODCOD %s is not in the supported set", ErrInvalidConf, p.DefaultModcod)
	}
	if modcodTable[p.DefaultModcod].kbchShort == 0 {
		return nil, fmt.Errorf("%w: default MODCOD %s has no short frame", ErrInvalidConf, p.DefaultModcod)
	}
	for ft, list := range c.byRobustness {
		sort.SliceStable(list, func(i, j int) bool {
			return modcodTable[list[i]].esNoDb < modcodTable[list[j]].esNoDb
		})
		c.byRobustness[ft] = list
	}
	return c, nil
}

// SymbolRate returns the carrier symbol rate in baud.
func (c *Conf) SymbolRate() float64 { return c.symbolRate }

// DefaultModcod is used when no C/N0 estimate exists and for dummy frames.
func (c *Conf) DefaultModcod() Modcod { return c.defaultModcod }

// Supports reports whether the format can be built with this configuration.
func (c *Conf) Supports(f Format) bool {
	if f.Type == DummyFrame {
		return f.Modcod.Valid()
	}
	for _, m := range c.byRobustness[f.Type] {
		if m == f.Modcod {
			return true
		}
	}
	return false
}

// PayloadBits returns the data field size of a frame in bits.
func (c *Conf) PayloadBits(f Format) uint32 {
	if !f.Modcod.Valid() {
		return 0
	}
	var kbch uint32
	switch f.Type {
	case NormalFrame:
		kbch = modcodTable[f.Modcod].kbchNormal
	case ShortFrame:
		kbch = modcodTable[f.Modcod].kbchShort
	case DummyFrame:
		return 8
	}
	if kbch <= BBHeaderBits {
		return 0
	}
	return kbch - BBHeaderBits
}

// MaxPayloadBytes returns the payload capacity of a frame in bytes.
func (c *Conf) MaxPayloadBytes(f Format) uint32 {
	return c.PayloadBits(f) / 8
}

// Symbols returns the PLFRAME length in symbols.
func (c *Conf) Symbols(f Format) uint32 {
	if f.Type == DummyFrame {
		return DummyFrameSymbols
	}
	fecBits := uint32(64800)
	if f.Type == ShortFrame {
		fecBits = 16200
	}
	slots := fecBits / uint32(f.Modcod.Modulation().BitsPerSymbol()) / slotSymbols
	symbols := slots*slotSymbols + plHeaderSymbols
	if c.pilots {
		symbols += ((slots - 1) / slotsPerPilot) * pilotBlockSymbols
	}
	return symbols
}

// Duration returns the air time of a frame.
func (c *Conf) Duration(f Format) time.Duration {
	return time.Duration(float64(c.Symbols(f)) / c.symbolRate * float64(time.Second))
}

// RequiredCno returns the minimum C/N0 in dB-Hz for error free reception.
func (c *Conf) RequiredCno(f Format) float64 {
	esno := modcodTable[f.Modcod].esNoDb + c.linkMargin
	if f.Type == ShortFrame {
		esno += c.shortMargin
	}
	return esno + 10*math.Log10(c.symbolRate)
}

// BestModcod returns the highest-throughput supported MODCOD whose
// requirement is met by cno. When none qualifies, or cno is NaN, the most
// robust supported MODCOD is returned.
func (c *Conf) BestModcod(cno float64, ft FrameType) Modcod {
	if ft == DummyFrame {
		return c.defaultModcod
	}
	list := c.byRobustness[ft]
	if len(list) == 0 {
		return c.defaultModcod
	}
	best := list[0]
	if math.IsNaN(cno) {
		return best
	}
	for _, m := range list {
		if c.RequiredCno(Format{Modcod: m, Type: ft}) <= cno {
			best = m
		}
	}
	return best
}

// MoreRobust reports whether a needs a lower C/N0 than b.
func (c *Conf) MoreRobust(a, b Modcod) bool {
	return modcodTable[a].esNoDb < modcodTable[b].esNoDb
}
