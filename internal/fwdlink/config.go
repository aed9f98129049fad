package fwdlink

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/satlink-scheduler/internal/cno"
	"github.com/signalsfoundry/satlink-scheduler/model"
)

var (
	// ErrUnsupportedUsageMode is a configuration error.
	ErrUnsupportedUsageMode = errors.New("fwdlink: unsupported BBFrame usage mode")
	// ErrUnsupportedSortCriterion is a configuration error.
	ErrUnsupportedSortCriterion = errors.New("fwdlink: unsupported sort criterion")
	// ErrInvalidConfig covers inconsistent intervals and thresholds.
	ErrInvalidConfig = errors.New("fwdlink: invalid configuration")
)

// Defaults of the forward-link scheduler.
const (
	DefaultInterval       = 20 * time.Millisecond
	DefaultStartThreshold = 5 * time.Millisecond
	DefaultStopThreshold  = 15 * time.Millisecond
)

// UsageMode selects which BBFrame types the scheduler builds.
type UsageMode int

const (
	// ShortFrames builds short frames only.
	ShortFrames UsageMode = iota
	// NormalFrames builds normal frames only.
	NormalFrames
	// HybridFrames builds a normal frame when the demand fills one at the
	// chosen MODCOD and a short frame otherwise.
	HybridFrames
)

func (m UsageMode) String() string {
	switch m {
	case ShortFrames:
		return "short"
	case NormalFrames:
		return "normal"
	case HybridFrames:
		return "hybrid"
	default:
		return fmt.Sprintf("usagemode(%d)", int(m))
	}
}

// ParseUsageMode parses a configuration value.
func ParseUsageMode(s string) (UsageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "short_frames":
		return ShortFrames, nil
	case "normal", "normal_frames", "":
		return NormalFrames, nil
	case "hybrid", "short_and_normal", "short_and_normal_frames":
		return HybridFrames, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedUsageMode, s)
	}
}

// SortCriterion is the tiebreak applied between descriptors of equal flow id.
type SortCriterion int

const (
	// NoSort orders by flow id only.
	NoSort SortCriterion = iota
	// DelaySort puts the longest head-of-line delay first.
	DelaySort
	// LoadSort puts the largest buffered load first.
	LoadSort
)

func (c SortCriterion) String() string {
	switch c {
	case NoSort:
		return "none"
	case DelaySort:
		return "delay"
	case LoadSort:
		return "load"
	default:
		return fmt.Sprintf("sort(%d)", int(c))
	}
}

// ParseSortCriterion parses a configuration value.
func ParseSortCriterion(s string) (SortCriterion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "no_sort", "":
		return NoSort, nil
	case "delay", "buffering_delay":
		return DelaySort, nil
	case "load", "buffering_load":
		return LoadSort, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedSortCriterion, s)
	}
}

// Config parameterises a Scheduler.
type Config struct {
	// Interval of the periodic scheduling pass.
	Interval time.Duration
	// StartThreshold triggers an opportunistic pass from NextFrame when the
	// buffered air time is below it.
	StartThreshold time.Duration
	// StopThreshold bounds the air time a pass may buffer.
	StopThreshold time.Duration

	UsageMode UsageMode
	Sort      SortCriterion

	CnoMode   cno.Mode
	CnoWindow time.Duration

	// MacAddress is the gateway address used as source of dummy frames.
	MacAddress model.Address
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       DefaultInterval,
		StartThreshold: DefaultStartThreshold,
		StopThreshold:  DefaultStopThreshold,
		UsageMode:      NormalFrames,
		Sort:           NoSort,
		CnoMode:        cno.Last,
		CnoWindow:      cno.DefaultWindow,
	}
}

// Validate checks enumerations and thresholds.
func (c Config) Validate() error {
	if c.UsageMode < ShortFrames || c.UsageMode > HybridFrames {
		return fmt.Errorf("%w: %d", ErrUnsupportedUsageMode, int(c.UsageMode))
	}
	if c.Sort < NoSort || c.Sort > LoadSort {
		return fmt.Errorf("%w: %d", ErrUnsupportedSortCriterion, int(c.Sort))
	}
	if !c.CnoMode.Valid() {
		return fmt.Errorf("%w: %d", cno.ErrUnsupportedMode, int(c.CnoMode))
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval %v", ErrInvalidConfig, c.Interval)
	}
	if c.StartThreshold < 0 || c.StopThreshold <= 0 || c.StartThreshold > c.StopThreshold {
		return fmt.Errorf("%w: start %v / stop %v thresholds", ErrInvalidConfig, c.StartThreshold, c.StopThreshold)
	}
	return nil
}
