package channel

import (
	"fmt"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/satlink-scheduler/model"
)

// MotionModel gives the position of a platform at a simulation time.
type MotionModel interface {
	Position(at time.Time) Vec3
}

// StaticMotion keeps a platform at a fixed position.
type StaticMotion struct {
	Pos Vec3
}

// Position returns the fixed position.
func (m StaticMotion) Position(time.Time) Vec3 { return m.Pos }

// OrbitalMotion propagates a satellite from its TLE with SGP4.
type OrbitalMotion struct {
	sat satellite.Satellite
}

// NewOrbitalMotion constructs an orbital model from TLE lines.
func NewOrbitalMotion(line1, line2 string) *OrbitalMotion {
	return &OrbitalMotion{sat: satellite.TLEToSat(line1, line2, satellite.GravityWGS72)}
}

// Position propagates to at and returns the ECEF position in kilometres.
func (m *OrbitalMotion) Position(at time.Time) Vec3 {
	at = at.UTC()
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	posECI, _ := satellite.Propagate(m.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	posECEF := satellite.ECIToECEF(posECI, satellite.ThetaG_JD(jd))
	return Vec3{X: posECEF.X, Y: posECEF.Y, Z: posECEF.Z}
}

// NewMotionModel picks SGP4 for platforms tracked by TLE and a static
// position otherwise. Platform coordinates are ECEF metres.
func NewMotionModel(p model.PlatformDefinition) (MotionModel, error) {
	if p.MotionSource == model.MotionSourceSpacetrack {
		if p.TLE1 == "" || p.TLE2 == "" {
			return nil, fmt.Errorf("channel: platform %q is TLE tracked but has no TLE", p.Name)
		}
		return NewOrbitalMotion(p.TLE1, p.TLE2), nil
	}
	const mToKm = 1e-3
	return StaticMotion{Pos: Vec3{
		X: p.Coordinates.X * mToKm,
		Y: p.Coordinates.Y * mToKm,
		Z: p.Coordinates.Z * mToKm,
	}}, nil
}
