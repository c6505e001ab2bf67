// Package orientation turns raw accelerometer and magnetometer vectors into a
// heading/pitch/roll estimate and a rotate-to-align value for a compass face.
//
// A Fuser has a single owner: the goroutine delivering samples. It holds no
// locks; callers that share one across goroutines must serialize access.
package orientation

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"ayna-qibla/internal/qibla"
)

// DefaultMinInterval is the throttle window between two fusion recomputes.
const DefaultMinInterval = 16 * time.Millisecond

type State int

const (
	// AwaitingFirstPair: at most one of the two streams has produced a sample.
	AwaitingFirstPair State = iota
	// Fusing: both streams have produced at least one sample.
	Fusing
)

func (s State) String() string {
	switch s {
	case AwaitingFirstPair:
		return "awaiting_first_pair"
	case Fusing:
		return "fusing"
	default:
		return "unknown"
	}
}

// Estimate is the per-frame orientation output. HeadingDeg is in [0,360).
type Estimate struct {
	HeadingDeg float64 `json:"heading_deg"`
	PitchDeg   float64 `json:"pitch_deg"`
	RollDeg    float64 `json:"roll_deg"`
}

type Config struct {
	// MinInterval skips a recompute when the previous one is more recent.
	// Zero means DefaultMinInterval; negative disables throttling.
	MinInterval time.Duration
	// Now is the throttle clock. Nil means time.Now.
	Now func() time.Time
}

type Fuser struct {
	minInterval time.Duration
	now         func() time.Time

	acc     r3.Vec
	mag     r3.Vec
	haveAcc bool
	haveMag bool

	est         Estimate
	haveHeading bool

	lastRecompute time.Time
	haveRecompute bool
	recomputes    int
}

func NewFuser(cfg Config) *Fuser {
	f := &Fuser{minInterval: cfg.MinInterval, now: cfg.Now}
	if f.minInterval == 0 {
		f.minInterval = DefaultMinInterval
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

func (f *Fuser) State() State {
	if f.haveAcc && f.haveMag {
		return Fusing
	}
	return AwaitingFirstPair
}

// Accelerometer caches v as the latest accelerometer sample and recomputes if
// the magnetometer has already reported. It returns the current estimate and
// whether a recompute happened.
func (f *Fuser) Accelerometer(v r3.Vec) (Estimate, bool) {
	f.acc = v
	f.haveAcc = true
	return f.maybeRecompute()
}

// Magnetometer is the magnetometer counterpart of Accelerometer.
func (f *Fuser) Magnetometer(v r3.Vec) (Estimate, bool) {
	f.mag = v
	f.haveMag = true
	return f.maybeRecompute()
}

func (f *Fuser) maybeRecompute() (Estimate, bool) {
	if f.State() != Fusing {
		return f.est, false
	}
	now := f.now()
	if f.haveRecompute && f.minInterval > 0 && now.Sub(f.lastRecompute) < f.minInterval {
		return f.est, false
	}
	f.lastRecompute = now
	f.haveRecompute = true
	return f.UpdateHeading(f.mag, f.acc), true
}

// UpdateHeading fuses one magnetometer/accelerometer pair unconditionally.
//
// A non-finite heading (a {0,0} magnetometer, NaN input) is dropped and the
// last valid heading is kept. Non-finite tilt angles are dropped the same way.
func (f *Fuser) UpdateHeading(mag, acc r3.Vec) Estimate {
	f.recomputes++

	if h := Heading(mag); isFinite(h) && !(mag.X == 0 && mag.Y == 0) {
		f.est.HeadingDeg = h
		f.haveHeading = true
	}
	if pitch, roll := Tilt(acc); isFinite(pitch) && isFinite(roll) {
		f.est.PitchDeg = pitch
		f.est.RollDeg = roll
	}
	return f.est
}

// Estimate returns the latest estimate and whether a valid heading exists.
func (f *Fuser) Estimate() (Estimate, bool) {
	return f.est, f.haveHeading
}

// Rotation returns the rotate-to-align value for bearing against the current
// heading. It is false until a valid heading exists.
func (f *Fuser) Rotation(bearing float64) (float64, bool) {
	if !f.haveHeading || !isFinite(bearing) {
		return 0, false
	}
	return qibla.CalculateRotation(bearing, f.est.HeadingDeg), true
}

// Recomputes counts UpdateHeading invocations.
func (f *Fuser) Recomputes() int { return f.recomputes }

// Reset returns the fuser to AwaitingFirstPair and forgets every estimate.
func (f *Fuser) Reset() {
	*f = Fuser{minInterval: f.minInterval, now: f.now}
}

// Heading returns atan2(mag.Y, mag.X) in degrees, normalized to [0,360).
// A zero horizontal field has no direction; callers treat it as no update.
func Heading(mag r3.Vec) float64 {
	return qibla.Normalize(math.Atan2(mag.Y, mag.X) * 180 / math.Pi)
}

// Tilt derives pitch and roll (degrees) from the gravity vector.
func Tilt(acc r3.Vec) (pitchDeg, rollDeg float64) {
	rollRad := math.Atan2(acc.Y, acc.Z)
	pitchRad := math.Atan2(-acc.X, math.Hypot(acc.Y, acc.Z))
	return pitchRad * 180 / math.Pi, rollRad * 180 / math.Pi
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
