// Package compass runs the Qibla compass start sequence: one location fix,
// the bearing toward the Kaaba, then a fused heading stream that yields a
// rotate-to-align value for a compass face.
package compass

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"ayna-qibla/internal/location"
	"ayna-qibla/internal/orientation"
	"ayna-qibla/internal/qibla"
	"ayna-qibla/internal/sensors"
)

var (
	ErrSensorUnavailable        = errors.New("orientation sensors not available on this device")
	ErrLocationPermissionDenied = errors.New("location permission denied")
)

type State int

const (
	Idle State = iota
	Locating
	AwaitingFirstPair
	Fusing
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Locating:
		return "locating"
	case AwaitingFirstPair:
		return "awaiting_first_pair"
	case Fusing:
		return "fusing"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := Idle; c <= Stopped; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("compass: unknown state %q", b)
}

// active reports whether a run goroutine owns the service.
func (s State) active() bool {
	return s == Locating || s == AwaitingFirstPair || s == Fusing
}

// Reading is one published compass frame. HeadingValid is false for the
// state-only frames emitted before the first fused heading and on failure.
type Reading struct {
	State        State         `json:"state"`
	HeadingValid bool          `json:"heading_valid"`
	HeadingDeg   float64       `json:"heading_deg"`
	PitchDeg     float64       `json:"pitch_deg"`
	RollDeg      float64       `json:"roll_deg"`
	RotationDeg  float64       `json:"rotation_deg"`
	BearingDeg   float64       `json:"bearing_deg"`
	DistanceKm   float64       `json:"distance_km"`
	Location     *location.Fix `json:"location,omitempty"`
	Error        string        `json:"error,omitempty"`
	At           time.Time     `json:"at"`
}

type Config struct {
	Location location.Provider
	Sensors  sensors.Source

	// Interval is the requested sensor cadence. Zero means 20ms.
	Interval time.Duration
	// MinInterval is the fusion throttle; see orientation.Config.
	MinInterval time.Duration
	// Now drives the throttle and reading timestamps. Nil means time.Now.
	Now func() time.Time

	Broadcaster *Broadcaster
	Log         *zap.Logger
}

type Snapshot struct {
	State      State         `json:"state"`
	Source     string        `json:"source,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Location   *location.Fix `json:"location,omitempty"`
	BearingDeg *float64      `json:"bearing_deg,omitempty"`
	Reading    *Reading      `json:"reading,omitempty"`
	Recomputes int           `json:"recomputes"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
}

type Service struct {
	cfg Config
	log *zap.Logger
	bc  *Broadcaster

	// ctl guards cancel and done across lifecycle calls.
	ctl sync.Mutex

	mu         sync.RWMutex
	state      State
	lastErr    error
	fix        *location.Fix
	bearing    float64
	haveBear   bool
	last       Reading
	haveLast   bool
	recomputes int
	startedAt  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	bc := cfg.Broadcaster
	if bc == nil {
		bc = NewBroadcaster()
	}
	return &Service{cfg: cfg, log: log.Named("compass"), bc: bc}
}

func (s *Service) Broadcaster() *Broadcaster { return s.bc }

// SetMinInterval changes the fusion throttle for the next Start or Restart.
func (s *Service) SetMinInterval(d time.Duration) {
	s.ctl.Lock()
	s.cfg.MinInterval = d
	s.ctl.Unlock()
}

// Start launches the start sequence in the background. It is a no-op while a
// previous sequence is still active; a Failed or Stopped service starts over.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("compass: service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("compass: ctx is nil")
	}
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	minInterval := s.cfg.MinInterval
	s.cancel = cancel
	s.done = done

	s.mu.Lock()
	s.lastErr = nil
	s.fix = nil
	s.haveBear = false
	s.haveLast = false
	s.recomputes = 0
	s.startedAt = s.cfg.Now().UTC()
	s.mu.Unlock()
	s.setState(Locating)

	go func() {
		defer close(done)
		defer cancel()
		s.loop(runCtx, minInterval)
	}()
	return nil
}

// Stop unsubscribes both sensor streams and waits for the run goroutine.
// It is safe to call repeatedly.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	s.cancel = nil
	s.done = nil

	s.mu.Lock()
	if s.state.active() || s.state == Idle {
		s.state = Stopped
	}
	s.mu.Unlock()
}

// Restart is the caller-initiated retry: it stops any active sequence and
// runs the start sequence again from a fresh fix.
func (s *Service) Restart(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("compass: service is nil")
	}
	s.ctl.Lock()
	s.stopLocked()
	s.ctl.Unlock()
	s.log.Info("compass restart requested")
	return s.Start(ctx)
}

// Done is closed when the current run goroutine exits. It is nil before the
// first Start.
func (s *Service) Done() <-chan struct{} {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.done
}

func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the terminal error of the last sequence, if it failed.
func (s *Service) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		State:      s.state,
		Recomputes: s.recomputes,
		StartedAt:  s.startedAt,
	}
	if s.cfg.Sensors != nil {
		out.Source = s.cfg.Sensors.Name()
	}
	if s.lastErr != nil {
		out.LastError = s.lastErr.Error()
	}
	if s.fix != nil {
		f := *s.fix
		out.Location = &f
	}
	if s.haveBear {
		b := s.bearing
		out.BearingDeg = &b
	}
	if s.haveLast {
		r := s.last
		out.Reading = &r
	}
	return out
}

func (s *Service) loop(ctx context.Context, minInterval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("compass: internal error: %v", r))
		}
	}()

	fix, err := s.locate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(Stopped)
			return
		}
		s.fail(err)
		return
	}
	bearing := qibla.Bearing(fix.Coordinate)
	distance := qibla.DistanceKm(fix.Coordinate)
	s.mu.Lock()
	s.fix = &fix
	s.bearing = bearing
	s.haveBear = true
	s.mu.Unlock()
	s.log.Info("qibla bearing",
		zap.Float64("lat_deg", fix.Coordinate.LatDeg),
		zap.Float64("lon_deg", fix.Coordinate.LonDeg),
		zap.Float64("bearing_deg", bearing),
		zap.Float64("distance_km", distance),
	)

	acc, mag, err := s.subscribe(ctx)
	if err != nil {
		s.fail(err)
		return
	}
	defer acc.Unsubscribe()
	defer mag.Unsubscribe()

	s.setState(AwaitingFirstPair)
	s.publish(Reading{State: AwaitingFirstPair, BearingDeg: bearing, DistanceKm: distance, Location: &fix, At: s.cfg.Now().UTC()})

	fuser := orientation.NewFuser(orientation.Config{MinInterval: minInterval, Now: s.cfg.Now})
	accC, magC := acc.C(), mag.C()
	for {
		var recomputed bool
		select {
		case <-ctx.Done():
			s.setState(Stopped)
			return
		case smp, ok := <-accC:
			if !ok {
				s.streamEnded(ctx, sensors.Accelerometer)
				return
			}
			_, recomputed = fuser.Accelerometer(smp.Vec)
		case smp, ok := <-magC:
			if !ok {
				s.streamEnded(ctx, sensors.Magnetometer)
				return
			}
			_, recomputed = fuser.Magnetometer(smp.Vec)
		}

		if fuser.State() == orientation.Fusing && s.State() == AwaitingFirstPair {
			s.setState(Fusing)
		}
		if !recomputed {
			continue
		}
		est, haveHeading := fuser.Estimate()
		s.mu.Lock()
		s.recomputes = fuser.Recomputes()
		s.mu.Unlock()
		if !haveHeading {
			continue
		}
		rot, ok := fuser.Rotation(bearing)
		if !ok {
			continue
		}
		s.publish(Reading{
			State:        Fusing,
			HeadingValid: true,
			HeadingDeg:   est.HeadingDeg,
			PitchDeg:     est.PitchDeg,
			RollDeg:      est.RollDeg,
			RotationDeg:  rot,
			BearingDeg:   bearing,
			DistanceKm:   distance,
			Location:     &fix,
			At:           s.cfg.Now().UTC(),
		})
	}
}

func (s *Service) locate(ctx context.Context) (fix location.Fix, err error) {
	if s.cfg.Location == nil {
		return location.Fix{}, fmt.Errorf("%w: no location provider", ErrLocationPermissionDenied)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: location provider: %v", ErrLocationPermissionDenied, r)
		}
	}()
	fix, err = s.cfg.Location.Locate(ctx)
	if err != nil {
		if errors.Is(err, ErrLocationPermissionDenied) {
			return location.Fix{}, err
		}
		return location.Fix{}, fmt.Errorf("%w: %v", ErrLocationPermissionDenied, err)
	}
	c := fix.Coordinate
	if math.IsNaN(c.LatDeg) || math.IsNaN(c.LonDeg) || math.IsInf(c.LatDeg, 0) || math.IsInf(c.LonDeg, 0) {
		return location.Fix{}, fmt.Errorf("%w: non-finite fix", ErrLocationPermissionDenied)
	}
	return fix, nil
}

func (s *Service) subscribe(ctx context.Context) (acc, mag sensors.Subscription, err error) {
	if s.cfg.Sensors == nil {
		return nil, nil, ErrSensorUnavailable
	}
	acc, err = s.subscribeOne(ctx, sensors.Accelerometer)
	if err != nil {
		return nil, nil, err
	}
	mag, err = s.subscribeOne(ctx, sensors.Magnetometer)
	if err != nil {
		acc.Unsubscribe()
		return nil, nil, err
	}
	return acc, mag, nil
}

func (s *Service) subscribeOne(ctx context.Context, kind sensors.Kind) (sub sensors.Subscription, err error) {
	defer func() {
		if r := recover(); r != nil {
			sub = nil
			err = fmt.Errorf("%w: %s %v: %v", ErrSensorUnavailable, s.cfg.Sensors.Name(), kind, r)
		}
	}()
	sub, err = s.cfg.Sensors.Subscribe(ctx, kind, s.cfg.Interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %v: %v", ErrSensorUnavailable, s.cfg.Sensors.Name(), kind, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: %s %v", ErrSensorUnavailable, s.cfg.Sensors.Name(), kind)
	}
	return sub, nil
}

func (s *Service) streamEnded(ctx context.Context, kind sensors.Kind) {
	if ctx.Err() != nil {
		s.setState(Stopped)
		return
	}
	s.fail(fmt.Errorf("%w: %v stream ended", ErrSensorUnavailable, kind))
}

func (s *Service) fail(err error) {
	s.mu.Lock()
	s.state = Failed
	s.lastErr = err
	s.mu.Unlock()
	s.log.Warn("compass failed", zap.Error(err))
	s.publish(Reading{State: Failed, Error: err.Error(), At: s.cfg.Now().UTC()})
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug("compass state", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

func (s *Service) publish(r Reading) {
	if r.HeadingValid {
		s.mu.Lock()
		s.last = r
		s.haveLast = true
		s.mu.Unlock()
	}
	s.bc.Publish(r)
}
