package sensors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"a": Accelerometer, "Accelerometer": Accelerometer, " m ": Magnetometer, "mag": Magnetometer} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("gyro")
	require.Error(t, err)
}

func TestStream_DropsOldestWhenFull(t *testing.T) {
	st := NewStream(2, nil)
	for i := 0; i < 5; i++ {
		require.True(t, st.Push(Sample{Kind: Accelerometer, Vec: r3.Vec{X: float64(i)}}))
	}
	a := <-st.C()
	b := <-st.C()
	assert.Equal(t, 3.0, a.Vec.X)
	assert.Equal(t, 4.0, b.Vec.X)
}

func TestStream_UnsubscribeIdempotent(t *testing.T) {
	var stops int32
	st := NewStream(1, func() { atomic.AddInt32(&stops, 1) })
	require.NotPanics(t, func() {
		st.Unsubscribe()
		st.Unsubscribe()
		st.Unsubscribe()
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&stops))
	assert.False(t, st.Push(Sample{}))
	_, ok := <-st.C()
	assert.False(t, ok)

	var nilStream *Stream
	require.NotPanics(t, nilStream.Unsubscribe)
}

func TestPoll_DeliversAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var errs int32
	n := 0
	read := func() (r3.Vec, error) {
		n++
		if n == 2 {
			return r3.Vec{}, errors.New("bus glitch")
		}
		return r3.Vec{Z: 1}, nil
	}
	st := Poll(ctx, Magnetometer, time.Millisecond, read, func(error) { atomic.AddInt32(&errs, 1) })

	got := 0
	deadline := time.After(2 * time.Second)
	for got < 3 {
		select {
		case s := <-st.C():
			assert.Equal(t, Magnetometer, s.Kind)
			assert.Equal(t, 1.0, s.Vec.Z)
			got++
		case <-deadline:
			t.Fatalf("timed out after %d samples", got)
		}
	}
	st.Unsubscribe()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&errs), int32(1))

	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatalf("stream not done after Unsubscribe")
	}
}
