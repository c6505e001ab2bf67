// Package qibla computes the direction of the Kaaba from an observer position.
//
// All angles are degrees. Bearings are clockwise from true north and are
// normalized into [0,360).
package qibla

import (
	"fmt"
	"math"

	geo "github.com/kellydunn/golang-geo"
)

// GeoCoordinate is a geographic position in decimal degrees.
type GeoCoordinate struct {
	LatDeg float64 `json:"lat_deg" yaml:"lat_deg"`
	LonDeg float64 `json:"lon_deg" yaml:"lon_deg"`
}

// Kaaba is the fixed target of every bearing computed by this package.
var Kaaba = GeoCoordinate{LatDeg: 21.422534, LonDeg: 39.826353}

// Bearing returns the initial great-circle bearing from observer toward the Kaaba.
//
// The input is not range checked. Out-of-range or polar input yields whatever
// the trigonometry produces; it never panics.
func Bearing(observer GeoCoordinate) float64 {
	phiO := toRad(observer.LatDeg)
	phiT := toRad(Kaaba.LatDeg)
	dLambda := toRad(Kaaba.LonDeg - observer.LonDeg)

	num := math.Sin(dLambda)
	den := math.Cos(phiO)*math.Tan(phiT) - math.Sin(phiO)*math.Cos(dLambda)
	deg := toDeg(math.Atan2(num, den))
	if deg < 0 {
		deg += 360
	}
	// A tiny negative plus 360 rounds to 360.
	if deg >= 360 {
		deg -= 360
	}
	return deg
}

// Normalize maps any real angle into [0,360).
func Normalize(x float64) float64 {
	return math.Mod(math.Mod(x, 360)+360, 360)
}

// CalculateRotation returns how far a compass face must rotate so that the
// bearing marker lines up with the device heading.
func CalculateRotation(bearing, heading float64) float64 {
	return Normalize(bearing - heading)
}

// DistanceKm returns the great-circle distance from observer to the Kaaba.
func DistanceKm(observer GeoCoordinate) float64 {
	p := geo.NewPoint(observer.LatDeg, observer.LonDeg)
	return p.GreatCircleDistance(geo.NewPoint(Kaaba.LatDeg, Kaaba.LonDeg))
}

// Validate reports whether c is a usable fix. Bearing does not call it.
func Validate(c GeoCoordinate) error {
	if math.IsNaN(c.LatDeg) || math.IsInf(c.LatDeg, 0) {
		return fmt.Errorf("lat_deg must be finite")
	}
	if math.IsNaN(c.LonDeg) || math.IsInf(c.LonDeg, 0) {
		return fmt.Errorf("lon_deg must be finite")
	}
	if c.LatDeg < -90 || c.LatDeg > 90 {
		return fmt.Errorf("lat_deg must be within [-90,90]")
	}
	if c.LonDeg < -180 || c.LonDeg > 180 {
		return fmt.Errorf("lon_deg must be within [-180,180]")
	}
	return nil
}

// Direction bundles everything a caller usually wants about the Qibla.
type Direction struct {
	Observer   GeoCoordinate `json:"observer"`
	BearingDeg float64       `json:"bearing_deg"`
	DistanceKm float64       `json:"distance_km"`
	Cardinal   string        `json:"cardinal"`
}

// DirectionFrom bundles bearing, distance and cardinal label for observer.
func DirectionFrom(observer GeoCoordinate) Direction {
	b := Bearing(observer)
	return Direction{
		Observer:   observer,
		BearingDeg: b,
		DistanceKm: DistanceKm(observer),
		Cardinal:   Cardinal(b),
	}
}

var cardinals = [...]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Cardinal returns the 8-point compass label nearest to deg.
func Cardinal(deg float64) string {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return ""
	}
	idx := int(math.Floor(Normalize(deg)/45.0+0.5)) % len(cardinals)
	return cardinals[idx]
}

func toRad(deg float64) float64 { return deg * math.Pi / 180.0 }

func toDeg(rad float64) float64 { return rad * 180.0 / math.Pi }
