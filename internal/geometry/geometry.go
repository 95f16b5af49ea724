// Package geometry computes the positions and slant ranges that set the
// propagation delays of the satellite links, and from them the scheduler
// lookahead.
package geometry

import (
	"math"
	"time"
)

const (
	// EarthRadiusKm is the mean Earth radius (kilometres).
	EarthRadiusKm = 6371.0
	// GeoRadiusKm is the geostationary orbit radius (kilometres).
	GeoRadiusKm = 42164.0
	// SpeedOfLightKmPerSec in vacuum.
	SpeedOfLightKmPerSec = 299792.458
)

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

// GroundPoint is a position on or above the spherical Earth.
type GroundPoint struct {
	LatDeg float64 `yaml:"lat_deg" toml:"lat_deg" json:"lat_deg"`
	LonDeg float64 `yaml:"lon_deg" toml:"lon_deg" json:"lon_deg"`
	AltKm  float64 `yaml:"alt_km" toml:"alt_km" json:"alt_km"`
}

// ECEF converts the point on a spherical Earth.
func (g GroundPoint) ECEF() Vec3 {
	lat := g.LatDeg * math.Pi / 180
	lon := g.LonDeg * math.Pi / 180
	r := EarthRadiusKm + g.AltKm
	return Vec3{
		X: r * math.Cos(lat) * math.Cos(lon),
		Y: r * math.Cos(lat) * math.Sin(lon),
		Z: r * math.Sin(lat),
	}
}

// losRadiusKm leaves a metre so that points on the surface can see out.
const losRadiusKm = EarthRadiusKm - 0.001

// LineOfSight reports whether the segment p1-p2 clears the Earth sphere.
func LineOfSight(p1, p2 Vec3) bool {
	v := p2.Sub(p1)
	a := v.Dot(v)
	if a == 0 {
		return p1.Dot(p1) > losRadiusKm*losRadiusKm
	}

	// Closest point of the segment to the Earth's centre.
	t := math.Min(math.Max(-p1.Dot(v)/a, 0), 1)
	closest := Vec3{X: p1.X + v.X*t, Y: p1.Y + v.Y*t, Z: p1.Z + v.Z*t}
	return closest.Dot(closest) > losRadiusKm*losRadiusKm
}

// ElevationDegrees returns the elevation of target seen from observer.
// 0 is the geometric horizon, 90 overhead.
func ElevationDegrees(observer, target Vec3) float64 {
	v := target.Sub(observer)
	vNorm, r := v.Norm(), observer.Norm()
	if vNorm == 0 || r == 0 {
		return 90
	}
	zenith := Vec3{X: observer.X / r, Y: observer.Y / r, Z: observer.Z / r}
	cosGamma := math.Min(math.Max(v.Dot(zenith)/vNorm, -1), 1)
	return 90 - math.Acos(cosGamma)*180/math.Pi
}

// PropagationDelay is the free-space delay over a distance in kilometres.
func PropagationDelay(km float64) time.Duration {
	return time.Duration(km / SpeedOfLightKmPerSec * float64(time.Second))
}
