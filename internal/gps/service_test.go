package gps

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadNMEA_PublishesFix(t *testing.T) {
	s := New(Config{Enable: true}, nil)
	in := strings.Join([]string{
		"garbage",
		"$GPRMC,bad*00",
		nmeaLine("GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"),
	}, "\n")
	err := s.readNMEA(context.Background(), strings.NewReader(in), "/dev/ttyACM0")
	require.Error(t, err)

	snap := s.Snapshot()
	assert.True(t, snap.Valid)
	assert.Equal(t, "/dev/ttyACM0", snap.Device)
	assert.InDelta(t, 48.1173, snap.LatDeg, 1e-4)
}

func TestWaitFix_DisabledService(t *testing.T) {
	s := New(Config{Enable: false}, nil)
	_, err := s.WaitFix(context.Background())
	require.ErrorIs(t, err, ErrNoFix)
}

func TestWaitFix_TimesOutWithLastError(t *testing.T) {
	s := New(Config{Enable: true}, nil)
	s.setError("gpsd dial failed")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.WaitFix(ctx)
	require.True(t, errors.Is(err, ErrNoFix))
	assert.Contains(t, err.Error(), "gpsd dial failed")
}

func TestGPSDService_EndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		_, _ = conn.Write([]byte(`{"class":"VERSION","release":"3.25"}` + "\n"))
		_, _ = conn.Write([]byte(`{"class":"TPV","mode":3,"lat":21.4,"lon":39.8,"eph":3.5}` + "\n"))
		// Hold the connection open until the client goes away.
		_, _ = r.ReadString('\n')
	}()

	s := New(Config{Enable: true, Source: "gpsd", GPSDAddr: ln.Addr().String()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	snap, err := s.WaitFix(waitCtx)
	require.NoError(t, err)
	assert.InDelta(t, 21.4, snap.LatDeg, 1e-9)
	assert.InDelta(t, 39.8, snap.LonDeg, 1e-9)
	require.NotNil(t, snap.HorizAccM)
	assert.InDelta(t, 3.5, *snap.HorizAccM, 1e-9)
}

func TestStart_UnknownSource(t *testing.T) {
	s := New(Config{Enable: true, Source: "carrier-pigeon"}, nil)
	require.Error(t, s.Start(context.Background()))
}
