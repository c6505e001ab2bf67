// Package location supplies the one-shot observer fix the compass needs to
// compute its Qibla bearing.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ayna-qibla/internal/gps"
	"ayna-qibla/internal/qibla"
)

// ErrPermissionDenied means no fix could be obtained: access was refused,
// location is disabled, or the receiver never produced a fix.
var ErrPermissionDenied = errors.New("location permission denied")

type Fix struct {
	Coordinate qibla.GeoCoordinate `json:"coordinate"`
	// AccuracyM is the horizontal accuracy in meters, 0 when unknown.
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	At        time.Time `json:"at"`
}

// Provider fetches a single fix. Implementations impose no timeout of their
// own; ctx governs how long Locate may block.
type Provider interface {
	Locate(ctx context.Context) (Fix, error)
}

// Static always reports the configured coordinate.
type Static struct {
	Coordinate qibla.GeoCoordinate
	Now        func() time.Time
}

func (s Static) Locate(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	if err := qibla.Validate(s.Coordinate); err != nil {
		return Fix{}, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Fix{Coordinate: s.Coordinate, At: now().UTC()}, nil
}

// FixSource is satisfied by *gps.Service.
type FixSource interface {
	WaitFix(ctx context.Context) (gps.Snapshot, error)
}

// GPS waits for the first valid fix from a receiver.
type GPS struct {
	Source FixSource
}

func (g GPS) Locate(ctx context.Context) (Fix, error) {
	if g.Source == nil {
		return Fix{}, fmt.Errorf("%w: gps not configured", ErrPermissionDenied)
	}
	snap, err := g.Source.WaitFix(ctx)
	if err != nil {
		if errors.Is(err, gps.ErrNoFix) {
			return Fix{}, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return Fix{}, err
	}
	fix := Fix{
		Coordinate: qibla.GeoCoordinate{LatDeg: snap.LatDeg, LonDeg: snap.LonDeg},
		At:         time.Now().UTC(),
	}
	if snap.HorizAccM != nil {
		fix.AccuracyM = *snap.HorizAccM
	}
	if t, err := time.Parse(time.RFC3339Nano, snap.LastFixUTC); err == nil {
		fix.At = t
	}
	return fix, nil
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context) (Fix, error)

func (f Func) Locate(ctx context.Context) (Fix, error) { return f(ctx) }

// Swappable forwards to a provider that can be replaced while the compass
// runs; the next Locate sees the new one.
type Swappable struct {
	mu sync.RWMutex
	p  Provider
}

func NewSwappable(p Provider) *Swappable { return &Swappable{p: p} }

func (s *Swappable) Set(p Provider) {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
}

func (s *Swappable) Locate(ctx context.Context) (Fix, error) {
	s.mu.RLock()
	p := s.p
	s.mu.RUnlock()
	if p == nil {
		return Fix{}, fmt.Errorf("%w: no provider", ErrPermissionDenied)
	}
	return p.Locate(ctx)
}
