// Package remote links a handset to the compass over a websocket. The phone
// pushes its location fix and raw motion vectors; the server answers with
// compass readings.
package remote

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"ayna-qibla/internal/location"
	"ayna-qibla/internal/qibla"
	"ayna-qibla/internal/sensors"
)

// Message types sent by the handset.
const (
	TypeLocation         = "location"
	TypeAccelerometer    = "accelerometer"
	TypeMagnetometer     = "magnetometer"
	TypeUnavailable      = "unavailable"
	TypePermissionDenied = "permission_denied"
	// TypeRestart asks for a fresh compass activation, e.g. after the user
	// granted location permission.
	TypeRestart = "restart"
)

type Message struct {
	Type string `json:"type"`

	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
	Z float64 `json:"z,omitempty"`

	LatDeg    float64 `json:"lat_deg,omitempty"`
	LonDeg    float64 `json:"lon_deg,omitempty"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`

	// Sensor names the missing sensor for TypeUnavailable.
	Sensor string `json:"sensor,omitempty"`
}

// Device is the server-side view of one connected handset. It is both the
// sensors.Source and the location.Provider for that handset's compass.
type Device struct {
	id  uuid.UUID
	log *zap.Logger
	now func() time.Time

	mu          sync.Mutex
	streams     map[sensors.Kind]map[*sensors.Stream]struct{}
	unavailable map[sensors.Kind]bool
	fix         *location.Fix
	denied      bool
	closed      bool
	// changed is closed and replaced whenever location state changes.
	changed  chan struct{}
	restarts chan struct{}
}

func NewDevice(log *zap.Logger) *Device {
	id := uuid.New()
	if log == nil {
		log = zap.NewNop()
	}
	return &Device{
		id:          id,
		log:         log.With(zap.String("device", id.String())),
		now:         time.Now,
		streams:     make(map[sensors.Kind]map[*sensors.Stream]struct{}),
		unavailable: make(map[sensors.Kind]bool),
		changed:     make(chan struct{}),
		restarts:    make(chan struct{}, 1),
	}
}

func (d *Device) ID() uuid.UUID { return d.id }

func (d *Device) Name() string { return "remote:" + d.id.String() }

// Handle applies one handset message.
func (d *Device) Handle(m Message) error {
	switch strings.ToLower(strings.TrimSpace(m.Type)) {
	case TypeLocation:
		c := qibla.GeoCoordinate{LatDeg: m.LatDeg, LonDeg: m.LonDeg}
		if err := qibla.Validate(c); err != nil {
			return fmt.Errorf("remote location: %w", err)
		}
		d.mu.Lock()
		d.fix = &location.Fix{Coordinate: c, AccuracyM: m.AccuracyM, At: d.now().UTC()}
		d.denied = false
		d.notifyLocked()
		d.mu.Unlock()
		return nil
	case TypePermissionDenied:
		d.mu.Lock()
		d.denied = true
		d.notifyLocked()
		d.mu.Unlock()
		return nil
	case TypeRestart:
		d.mu.Lock()
		d.denied = false
		d.notifyLocked()
		d.mu.Unlock()
		select {
		case d.restarts <- struct{}{}:
		default:
		}
		return nil
	case TypeAccelerometer, TypeMagnetometer:
		kind, _ := sensors.ParseKind(m.Type)
		v := r3.Vec{X: m.X, Y: m.Y, Z: m.Z}
		if !finite(v) {
			return nil
		}
		d.push(sensors.Sample{Kind: kind, Vec: v, At: d.now().UTC()})
		return nil
	case TypeUnavailable:
		kind, err := sensors.ParseKind(m.Sensor)
		if err != nil {
			return fmt.Errorf("remote unavailable: %w", err)
		}
		d.markUnavailable(kind)
		return nil
	default:
		return fmt.Errorf("remote: unknown message type %q", m.Type)
	}
}

// Restarts delivers one value per pending restart request. Requests that
// arrive before the previous one was taken collapse into one.
func (d *Device) Restarts() <-chan struct{} { return d.restarts }

func (d *Device) push(s sensors.Sample) {
	d.mu.Lock()
	subs := make([]*sensors.Stream, 0, len(d.streams[s.Kind]))
	for st := range d.streams[s.Kind] {
		subs = append(subs, st)
	}
	d.mu.Unlock()
	for _, st := range subs {
		st.Push(s)
	}
}

func (d *Device) markUnavailable(kind sensors.Kind) {
	d.mu.Lock()
	d.unavailable[kind] = true
	subs := d.streams[kind]
	delete(d.streams, kind)
	d.mu.Unlock()
	d.log.Info("handset sensor unavailable", zap.Stringer("kind", kind))
	for st := range subs {
		st.Unsubscribe()
	}
}

// Subscribe ignores interval: the handset decides its own cadence.
func (d *Device) Subscribe(ctx context.Context, kind sensors.Kind, _ time.Duration) (sensors.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.unavailable[kind] {
		return nil, fmt.Errorf("%s %v: %w", d.Name(), kind, sensors.ErrUnavailable)
	}
	var st *sensors.Stream
	st = sensors.NewStream(8, func() {
		d.mu.Lock()
		delete(d.streams[kind], st)
		d.mu.Unlock()
	})
	if d.streams[kind] == nil {
		d.streams[kind] = make(map[*sensors.Stream]struct{})
	}
	d.streams[kind][st] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			st.Unsubscribe()
		case <-st.Done():
		}
	}()
	return st, nil
}

// Locate returns the latest fix the handset sent, waiting for one if needed.
func (d *Device) Locate(ctx context.Context) (location.Fix, error) {
	for {
		d.mu.Lock()
		switch {
		case d.denied:
			d.mu.Unlock()
			return location.Fix{}, fmt.Errorf("%w: handset refused location", location.ErrPermissionDenied)
		case d.fix != nil:
			fix := *d.fix
			d.mu.Unlock()
			return fix, nil
		case d.closed:
			d.mu.Unlock()
			return location.Fix{}, fmt.Errorf("%w: handset disconnected", location.ErrPermissionDenied)
		}
		changed := d.changed
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return location.Fix{}, ctx.Err()
		case <-changed:
		}
	}
}

// Close ends every open stream and fails pending Locate calls.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	all := d.streams
	d.streams = make(map[sensors.Kind]map[*sensors.Stream]struct{})
	d.notifyLocked()
	d.mu.Unlock()
	for _, subs := range all {
		for st := range subs {
			st.Unsubscribe()
		}
	}
}

func (d *Device) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func finite(v r3.Vec) bool {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
