package remote

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ayna-qibla/internal/location"
	"ayna-qibla/internal/sensors"
)

func recv(t *testing.T, sub sensors.Subscription) sensors.Sample {
	t.Helper()
	select {
	case s, ok := <-sub.C():
		require.True(t, ok, "stream closed")
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no sample")
	}
	return sensors.Sample{}
}

func TestDevice_DeliversSamplesByKind(t *testing.T) {
	d := NewDevice(nil)
	ctx := context.Background()
	acc, err := d.Subscribe(ctx, sensors.Accelerometer, 0)
	require.NoError(t, err)
	mag, err := d.Subscribe(ctx, sensors.Magnetometer, 0)
	require.NoError(t, err)
	defer acc.Unsubscribe()
	defer mag.Unsubscribe()

	require.NoError(t, d.Handle(Message{Type: TypeMagnetometer, X: 20, Y: -5, Z: 40}))
	require.NoError(t, d.Handle(Message{Type: TypeAccelerometer, Z: 1}))

	m := recv(t, mag)
	assert.Equal(t, sensors.Magnetometer, m.Kind)
	assert.Equal(t, 20.0, m.Vec.X)
	a := recv(t, acc)
	assert.Equal(t, sensors.Accelerometer, a.Kind)
	assert.Equal(t, 1.0, a.Vec.Z)
}

func TestDevice_DropsNonFiniteSamples(t *testing.T) {
	d := NewDevice(nil)
	mag, err := d.Subscribe(context.Background(), sensors.Magnetometer, 0)
	require.NoError(t, err)
	defer mag.Unsubscribe()

	require.NoError(t, d.Handle(Message{Type: TypeMagnetometer, X: math.Inf(1)}))
	require.NoError(t, d.Handle(Message{Type: TypeMagnetometer, X: 3}))
	assert.Equal(t, 3.0, recv(t, mag).Vec.X)
}

func TestDevice_UnavailableClosesStreamAndRejectsSubscribe(t *testing.T) {
	d := NewDevice(nil)
	mag, err := d.Subscribe(context.Background(), sensors.Magnetometer, 0)
	require.NoError(t, err)

	require.NoError(t, d.Handle(Message{Type: TypeUnavailable, Sensor: "magnetometer"}))
	_, open := <-mag.C()
	assert.False(t, open)

	_, err = d.Subscribe(context.Background(), sensors.Magnetometer, 0)
	require.ErrorIs(t, err, sensors.ErrUnavailable)

	require.Error(t, d.Handle(Message{Type: TypeUnavailable, Sensor: "gyro"}))
}

func TestDevice_LocateWaitsForFix(t *testing.T) {
	d := NewDevice(nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = d.Handle(Message{Type: TypeLocation, LatDeg: 40.7128, LonDeg: -74.006, AccuracyM: 12})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fix, err := d.Locate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40.7128, fix.Coordinate.LatDeg)
	assert.Equal(t, 12.0, fix.AccuracyM)
}

func TestDevice_LocateDenied(t *testing.T) {
	d := NewDevice(nil)
	require.NoError(t, d.Handle(Message{Type: TypePermissionDenied}))
	_, err := d.Locate(context.Background())
	require.ErrorIs(t, err, location.ErrPermissionDenied)

	// Granting later clears the denial.
	require.NoError(t, d.Handle(Message{Type: TypeLocation, LatDeg: 1, LonDeg: 2}))
	_, err = d.Locate(context.Background())
	require.NoError(t, err)
}

func TestDevice_RestartClearsDenialAndSignals(t *testing.T) {
	d := NewDevice(nil)
	require.NoError(t, d.Handle(Message{Type: TypePermissionDenied}))

	require.NoError(t, d.Handle(Message{Type: TypeRestart}))
	require.NoError(t, d.Handle(Message{Type: " Restart "}))
	select {
	case <-d.Restarts():
	case <-time.After(2 * time.Second):
		t.Fatalf("restart not signalled")
	}
	// Back-to-back requests collapse into one.
	select {
	case <-d.Restarts():
		t.Fatalf("duplicate restart signal")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Locate(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "denial must be cleared, fix still pending")
}

func TestDevice_LocateRespectsContext(t *testing.T) {
	d := NewDevice(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Locate(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDevice_RejectsBadMessages(t *testing.T) {
	d := NewDevice(nil)
	require.Error(t, d.Handle(Message{Type: "teleport"}))
	require.Error(t, d.Handle(Message{Type: TypeLocation, LatDeg: 91}))
}

func TestDevice_CloseEndsStreamsAndLocate(t *testing.T) {
	d := NewDevice(nil)
	acc, err := d.Subscribe(context.Background(), sensors.Accelerometer, 0)
	require.NoError(t, err)

	d.Close()
	d.Close()
	_, open := <-acc.C()
	assert.False(t, open)

	_, err = d.Locate(context.Background())
	require.ErrorIs(t, err, location.ErrPermissionDenied)
	_, err = d.Subscribe(context.Background(), sensors.Accelerometer, 0)
	require.ErrorIs(t, err, sensors.ErrUnavailable)
}

func TestDevice_ContextCancelUnsubscribes(t *testing.T) {
	d := NewDevice(nil)
	ctx, cancel := context.WithCancel(context.Background())
	acc, err := d.Subscribe(ctx, sensors.Accelerometer, 0)
	require.NoError(t, err)
	cancel()
	_, open := <-acc.C()
	assert.False(t, open)
	assert.Contains(t, d.Name(), d.ID().String())
}
