package channel

import "math"

// EarthRadiusKm is the mean Earth radius used for all geometry (kilometres).
const EarthRadiusKm = 6371.0

// Vec3 is an ECEF vector in kilometres.
type Vec3 struct {
	X, Y, Z float64
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// Scale returns v multiplied by k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// FromGeodetic converts latitude and longitude in degrees and altitude in
// kilometres to ECEF on a spherical Earth.
func FromGeodetic(latDeg, lonDeg, altKm float64) Vec3 {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	r := EarthRadiusKm + altKm
	return Vec3{
		X: r * math.Cos(lat) * math.Cos(lon),
		Y: r * math.Cos(lat) * math.Sin(lon),
		Z: r * math.Sin(lat),
	}
}

// HasLineOfSight reports whether the segment between p1 and p2 clears the
// Earth sphere.
func HasLineOfSight(p1, p2 Vec3) bool {
	v := p2.Sub(p1)
	a := v.Dot(v)
	if a == 0 {
		return p1.Dot(p1) > EarthRadiusKm*EarthRadiusKm
	}

	// Closest point of the segment to the Earth's centre.
	t := -p1.Dot(v) / a
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := Vec3{X: p1.X + v.X*t, Y: p1.Y + v.Y*t, Z: p1.Z + v.Z*t}

	// A small tolerance keeps ground observers on the surface from
	// blocking themselves.
	const surfaceToleranceKm = 1e-3
	r := EarthRadiusKm - surfaceToleranceKm
	return closest.Dot(closest) > r*r
}

// ElevationDegrees returns the elevation of target seen from observer:
// 0 at the geometric horizon, 90 overhead.
func ElevationDegrees(observer, target Vec3) float64 {
	v := target.Sub(observer)
	vNorm := v.Norm()
	r := observer.Norm()
	if vNorm == 0 || r == 0 {
		return 90
	}
	zenith := observer.Scale(1 / r)

	// atan2 of the vertical and horizontal parts stays accurate overhead,
	// where acos of the zenith cosine does not.
	up := v.Dot(zenith)
	horizontal := v.Sub(zenith.Scale(up)).Norm()
	return math.Atan2(up, horizontal) * 180 / math.Pi
}
