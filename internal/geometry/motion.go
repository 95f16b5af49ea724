package geometry

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// MotionModel yields a platform position at a simulation time.
type MotionModel interface {
	Position(t time.Time) Vec3
}

// StaticMotionModel is a fixed ECEF position.
type StaticMotionModel struct {
	At Vec3
}

// Position returns the fixed position.
func (m StaticMotionModel) Position(time.Time) Vec3 { return m.At }

// NewGeoModel places a geostationary satellite over the given longitude.
func NewGeoModel(lonDeg float64) StaticMotionModel {
	lon := lonDeg * math.Pi / 180
	return StaticMotionModel{At: Vec3{X: GeoRadiusKm * math.Cos(lon), Y: GeoRadiusKm * math.Sin(lon)}}
}

// OrbitalSGP4MotionModel propagates a TLE with SGP4.
type OrbitalSGP4MotionModel struct {
	sat satellite.Satellite
}

// NewOrbitalModelFromTLE constructs an orbital model from TLE lines.
func NewOrbitalModelFromTLE(line1, line2 string) *OrbitalSGP4MotionModel {
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	return &OrbitalSGP4MotionModel{sat: sat}
}

// Position propagates the satellite to t and rotates the result into ECEF.
func (m *OrbitalSGP4MotionModel) Position(t time.Time) Vec3 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, _ := satellite.Propagate(m.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	posECEF := satellite.ECIToECEF(posECI, gmst)
	return Vec3{X: posECEF.X, Y: posECEF.Y, Z: posECEF.Z}
}

// SatelliteConfig selects the motion model of the relaying satellite.
// A complete TLE wins over the geostationary longitude.
type SatelliteConfig struct {
	LonDeg float64
	TLE1   string
	TLE2   string
}

// NewMotionModel chooses SGP4 when a TLE is given, a GEO slot otherwise.
func NewMotionModel(c SatelliteConfig) MotionModel {
	if c.TLE1 != "" && c.TLE2 != "" {
		return NewOrbitalModelFromTLE(c.TLE1, c.TLE2)
	}
	return NewGeoModel(c.LonDeg)
}
