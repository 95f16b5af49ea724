package geometry

import (
	"time"
)

// Link is a bent-pipe hop ground -> satellite -> ground.
type Link struct {
	Satellite MotionModel
	Gateway   GroundPoint
}

// OneWay returns the delay from the terminal through the satellite to the
// gateway at t. The path is symmetric so the forward delay is the same.
func (l Link) OneWay(t time.Time, terminal GroundPoint) time.Duration {
	sat := l.Satellite.Position(t)
	km := terminal.ECEF().DistanceTo(sat) + sat.DistanceTo(l.Gateway.ECEF())
	return PropagationDelay(km)
}

// Visible reports whether both ground ends see the satellite above
// minElevationDeg.
func (l Link) Visible(t time.Time, terminal GroundPoint, minElevationDeg float64) bool {
	sat := l.Satellite.Position(t)
	for _, g := range []Vec3{terminal.ECEF(), l.Gateway.ECEF()} {
		if !LineOfSight(g, sat) || ElevationDegrees(g, sat) < minElevationDeg {
			return false
		}
	}
	return true
}

// MaxTwoWayDelay is the longest round trip over terminals at t. The
// scheduler lookahead must cover it.
func (l Link) MaxTwoWayDelay(t time.Time, terminals []GroundPoint) time.Duration {
	var longest time.Duration
	for _, ut := range terminals {
		if d := 2 * l.OneWay(t, ut); d > longest {
			longest = d
		}
	}
	return longest
}
