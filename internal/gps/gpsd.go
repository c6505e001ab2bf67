package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"time"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON streaming reports.
func gpsdWatch(w io.Writer) error {
	// scaled=true yields SI units (meters) and degrees.
	_, err := w.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

type gpsdTPV struct {
	Class string   `json:"class"`
	Mode  *int     `json:"mode"`
	Time  string   `json:"time"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`

	// Estimated position errors (meters) when available.
	Epx *float64 `json:"epx"`
	Epy *float64 `json:"epy"`
	Eph *float64 `json:"eph"`
}

type gpsdSKY struct {
	Class      string `json:"class"`
	Satellites []struct {
		Used bool `json:"used"`
	} `json:"satellites"`
	USat *int `json:"uSat"`
}

type gpsdState struct {
	latDeg float64
	lonDeg float64
	latOK  bool
	lonOK  bool
	mode   int

	hAccM  float64
	hAccOK bool

	satsUsed int
	satsOK   bool

	lastFix time.Time
	valid   bool
}

func newGPSDState() *gpsdState {
	return &gpsdState{}
}

func (s *gpsdState) snapshot() Snapshot {
	out := Snapshot{
		Enabled: true,
		Valid:   s.valid,
		Source:  "gpsd",
		Device:  "gpsd",
		LatDeg:  s.latDeg,
		LonDeg:  s.lonDeg,
	}
	if s.hAccOK {
		v := s.hAccM
		out.HorizAccM = &v
	}
	if s.satsOK {
		v := s.satsUsed
		out.Satellites = &v
	}
	if !s.lastFix.IsZero() {
		out.LastFixUTC = s.lastFix.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *gpsdState) applyLine(nowUTC time.Time, line string) (bool, error) {
	var base struct {
		Class string `json:"class"`
	}
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return false, fmt.Errorf("gpsd json parse failed: %w", err)
	}

	switch strings.ToUpper(strings.TrimSpace(base.Class)) {
	case "TPV":
		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil {
			return false, fmt.Errorf("gpsd tpv parse failed: %w", err)
		}
		return s.applyTPV(nowUTC, tpv), nil
	case "SKY":
		var sky gpsdSKY
		if err := json.Unmarshal([]byte(line), &sky); err != nil {
			return false, fmt.Errorf("gpsd sky parse failed: %w", err)
		}
		return s.applySKY(sky), nil
	default:
		// VERSION/DEVICES/WATCH and friends.
		return false, nil
	}
}

func (s *gpsdState) applyTPV(nowUTC time.Time, tpv gpsdTPV) bool {
	updated := false
	if tpv.Mode != nil {
		s.mode = *tpv.Mode
		updated = true
	}
	if tpv.Eph != nil {
		s.hAccM = *tpv.Eph
		s.hAccOK = true
		updated = true
	} else if tpv.Epx != nil && tpv.Epy != nil {
		s.hAccM = math.Hypot(*tpv.Epx, *tpv.Epy)
		s.hAccOK = true
		updated = true
	}
	if tpv.Lat != nil {
		s.latDeg = *tpv.Lat
		s.latOK = true
		updated = true
	}
	if tpv.Lon != nil {
		s.lonDeg = *tpv.Lon
		s.lonOK = true
		updated = true
	}

	fixTime := nowUTC
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(tpv.Time)); err == nil {
		fixTime = t.UTC()
	}
	// Mode 2 is a 2D fix, 3 is 3D.
	if s.mode >= 2 && s.latOK && s.lonOK {
		s.valid = true
		s.lastFix = fixTime
	}
	return updated
}

func (s *gpsdState) applySKY(sky gpsdSKY) bool {
	if sky.USat != nil {
		s.satsUsed = *sky.USat
		s.satsOK = true
		return true
	}
	if len(sky.Satellites) == 0 {
		return false
	}
	used := 0
	for _, sat := range sky.Satellites {
		if sat.Used {
			used++
		}
	}
	s.satsUsed = used
	s.satsOK = true
	return true
}
