package model

// MotionSource indicates how a platform's motion is determined.
type MotionSource int

const (
	MotionSourceUnknown    MotionSource = iota
	MotionSourceSpacetrack              // TLE-based orbit propagation
)

// Motion represents a position in ECEF metres.
type Motion struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// PlatformDefinition represents the physical asset carrying a link endpoint:
// the satellite, the gateway or a terminal antenna.
type PlatformDefinition struct {
	ID   string
	Name string
	Type string // e.g. "SATELLITE", "GATEWAY", "TERMINAL"

	Coordinates  Motion
	MotionSource MotionSource

	// TLE lines, used when MotionSource is MotionSourceSpacetrack.
	TLE1 string
	TLE2 string
}

// Terminal is a user terminal attached to one beam of the satellite.
type Terminal struct {
	Name    string
	Address Address

	// AssignmentID identifies the terminal inside allocation tables; it is
	// handed out at logon.
	AssignmentID uint64

	Beam     uint32
	Platform PlatformDefinition
}
