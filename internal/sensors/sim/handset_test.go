package sim

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"ayna-qibla/internal/orientation"
	"ayna-qibla/internal/sensors"
)

func TestHandset_VectorsRecoverPose(t *testing.T) {
	h := Handset{Period: 40 * time.Second, SwayDeg: 12}
	start := time.Date(2025, 12, 20, 19, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		now := start.Add(time.Duration(i) * 370 * time.Millisecond)
		wantH, wantP, wantR := h.Pose(now)

		gotH := orientation.Heading(h.Vector(sensors.Magnetometer, now))
		gotP, gotR := orientation.Tilt(h.Vector(sensors.Accelerometer, now))

		dh := math.Abs(gotH - wantH)
		if dh > 180 {
			dh = 360 - dh
		}
		if dh > 1e-6 {
			t.Fatalf("i=%d heading got=%v want=%v", i, gotH, wantH)
		}
		if math.Abs(gotP-wantP) > 1e-6 || math.Abs(gotR-wantR) > 1e-6 {
			t.Fatalf("i=%d tilt got=(%v,%v) want=(%v,%v)", i, gotP, gotR, wantP, wantR)
		}
	}
}

func TestHandset_PoseBounds(t *testing.T) {
	h := Handset{SwayDeg: 10}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		hd, p, r := h.Pose(start.Add(time.Duration(i) * 777 * time.Millisecond))
		if hd < 0 || hd >= 360 {
			t.Fatalf("heading out of range: %v", hd)
		}
		if math.Abs(p) > 10.0001 || math.Abs(r) > 5.0001 {
			t.Fatalf("sway out of bounds: pitch=%v roll=%v", p, r)
		}
	}
}

func TestHandset_MissingSensorUnavailable(t *testing.T) {
	h := Handset{Missing: []sensors.Kind{sensors.Magnetometer}}
	_, err := h.Subscribe(context.Background(), sensors.Magnetometer, time.Millisecond)
	if !errors.Is(err, sensors.ErrUnavailable) {
		t.Fatalf("err=%v want ErrUnavailable", err)
	}
}

func TestHandset_SubscribeDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := Handset{}
	sub, err := h.Subscribe(ctx, sensors.Accelerometer, time.Millisecond)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	select {
	case s := <-sub.C():
		if s.Kind != sensors.Accelerometer {
			t.Fatalf("kind=%v", s.Kind)
		}
		if math.Abs(s.Vec.Z-1) > 1e-9 {
			t.Fatalf("flat handset should read 1G on Z, got %v", s.Vec)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no sample")
	}
}
