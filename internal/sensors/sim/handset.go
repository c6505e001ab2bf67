// Package sim provides a deterministic simulated handset for bench runs and tests.
package sim

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"ayna-qibla/internal/sensors"
)

// Handset is a phone lying roughly flat and slowly turning in place.
//
// Heading sweeps a full circle every Period. Pitch and roll sway sinusoidally
// within SwayDeg. Missing lists sensor kinds the simulated device lacks.
type Handset struct {
	Period  time.Duration
	SwayDeg float64
	FieldUT float64
	Missing []sensors.Kind
	Now     func() time.Time
}

const (
	defaultPeriod  = 60 * time.Second
	defaultFieldUT = 45.0
)

// Pose returns the simulated attitude at now.
func (h Handset) Pose(now time.Time) (headingDeg, pitchDeg, rollDeg float64) {
	period := h.Period
	if period <= 0 {
		period = defaultPeriod
	}
	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())
	headingDeg = math.Mod(phase*360, 360)

	// Sway runs on a slower, decoupled period so the motion does not repeat in lockstep.
	sp := 3 * period / 2
	w := 2 * math.Pi * float64(now.UnixNano()%sp.Nanoseconds()) / float64(sp.Nanoseconds())
	pitchDeg = h.SwayDeg * math.Sin(w)
	rollDeg = 0.5 * h.SwayDeg * math.Sin(2*w)
	return headingDeg, pitchDeg, rollDeg
}

// Vector returns the raw reading a device in that pose would produce.
func (h Handset) Vector(kind sensors.Kind, now time.Time) r3.Vec {
	heading, pitch, roll := h.Pose(now)
	switch kind {
	case sensors.Accelerometer:
		p := pitch * math.Pi / 180
		r := roll * math.Pi / 180
		return r3.Vec{
			X: -math.Sin(p),
			Y: math.Cos(p) * math.Sin(r),
			Z: math.Cos(p) * math.Cos(r),
		}
	case sensors.Magnetometer:
		field := h.FieldUT
		if field <= 0 {
			field = defaultFieldUT
		}
		hr := heading * math.Pi / 180
		// Horizontal component carries the heading; the vertical dip is cosmetic.
		return r3.Scale(field, r3.Vec{X: math.Cos(hr), Y: math.Sin(hr), Z: -0.6})
	default:
		return r3.Vec{}
	}
}

func (h Handset) Name() string { return "sim" }

func (h Handset) Subscribe(ctx context.Context, kind sensors.Kind, interval time.Duration) (sensors.Subscription, error) {
	for _, m := range h.Missing {
		if m == kind {
			return nil, fmt.Errorf("sim %s: %w", kind, sensors.ErrUnavailable)
		}
	}
	if kind != sensors.Accelerometer && kind != sensors.Magnetometer {
		return nil, fmt.Errorf("sim %s: %w", kind, sensors.ErrUnavailable)
	}
	now := h.Now
	if now == nil {
		now = time.Now
	}
	read := func() (r3.Vec, error) { return h.Vector(kind, now()), nil }
	return sensors.Poll(ctx, kind, interval, read, nil), nil
}
