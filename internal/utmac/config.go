package utmac

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for an unusable terminal MAC configuration.
var ErrInvalidConfig = errors.New("utmac: invalid configuration")

const (
	DefaultCrPeriod            = 250 * time.Millisecond
	DefaultFramePduHeaderBytes = 1
	DefaultGuardTime           = time.Microsecond
	// DefaultCra is the constant rate assignment in kbps.
	DefaultCra = 128.0
)

// Config holds the terminal MAC parameters.
type Config struct {
	// CrPeriod is the interval between capacity requests.
	CrPeriod time.Duration
	// FramePduHeaderBytes is subtracted from every slot payload.
	FramePduHeaderBytes uint32
	// GuardTime is cut from the end of every burst.
	GuardTime time.Duration
	// Cra is the constant rate assignment requested in every CR, in kbps.
	Cra float64
}

// DefaultConfig returns the standard terminal parameters.
func DefaultConfig() Config {
	return Config{
		CrPeriod:            DefaultCrPeriod,
		FramePduHeaderBytes: DefaultFramePduHeaderBytes,
		GuardTime:           DefaultGuardTime,
		Cra:                 DefaultCra,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.CrPeriod <= 0:
		return fmt.Errorf("%w: CR period must be positive, got %v", ErrInvalidConfig, c.CrPeriod)
	case c.GuardTime < 0:
		return fmt.Errorf("%w: negative guard time %v", ErrInvalidConfig, c.GuardTime)
	case c.Cra < 0:
		return fmt.Errorf("%w: negative CRA %v", ErrInvalidConfig, c.Cra)
	}
	return nil
}
