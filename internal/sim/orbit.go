package sim

import (
	"math"
	"time"
)

// Orbit moves the simulated receiver on a figure-eight around a center.
type Orbit struct {
	CenterLatDeg float64
	CenterLonDeg float64
	RadiusM      float64
	Period       time.Duration
}

// Position returns a deterministic position for now.
func (o Orbit) Position(now time.Time) (latDeg, lonDeg float64) {
	period := o.Period
	if period <= 0 {
		period = 10 * time.Minute
	}
	radiusM := o.RadiusM
	if radiusM <= 0 {
		radiusM = 500
	}

	// ~111.32 km per degree of latitude.
	radiusDeg := radiusM / 111320.0

	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())

	//	x = cos(2πt)
	//	y = 0.5*sin(4πt)
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	latDeg = o.CenterLatDeg + radiusDeg*y
	lonDeg = o.CenterLonDeg + (radiusDeg*x)/math.Cos(o.CenterLatDeg*math.Pi/180.0)
	return latDeg, lonDeg
}
