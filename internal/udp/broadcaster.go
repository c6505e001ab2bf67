// Package udp forwards compass readings to a LAN listener as JSON datagrams.
package udp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"ayna-qibla/internal/compass"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest string
	conn udpConn
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// Datagram is the wire form of one reading.
type Datagram struct {
	Type        string        `json:"type"`
	State       compass.State `json:"state"`
	HeadingDeg  float64       `json:"heading_deg"`
	PitchDeg    float64       `json:"pitch_deg"`
	RollDeg     float64       `json:"roll_deg"`
	BearingDeg  float64       `json:"bearing_deg"`
	RotationDeg float64       `json:"rotation_deg"`
	DistanceKm  float64       `json:"distance_km"`
	TimeUTC     string        `json:"time_utc"`
}

func encode(r compass.Reading) ([]byte, error) {
	return json.Marshal(Datagram{
		Type:        "qibla",
		State:       r.State,
		HeadingDeg:  r.HeadingDeg,
		PitchDeg:    r.PitchDeg,
		RollDeg:     r.RollDeg,
		BearingDeg:  r.BearingDeg,
		RotationDeg: r.RotationDeg,
		DistanceKm:  r.DistanceKm,
		TimeUTC:     r.At.UTC().Format(time.RFC3339Nano),
	})
}

// Forwarder sends the most recent heading-bearing reading every Interval.
// Readings arriving faster than Interval are coalesced; nothing is sent until
// the first valid heading.
type Forwarder struct {
	Out      *Broadcaster
	Interval time.Duration
	Log      *zap.Logger
	// OnSent is called after every successful datagram.
	OnSent func(nowUTC time.Time, n int)
}

// Run consumes readings until ctx ends or the channel closes.
func (f *Forwarder) Run(ctx context.Context, readings <-chan compass.Reading) error {
	log := f.Log
	if log == nil {
		log = zap.NewNop()
	}
	interval := f.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	var latest compass.Reading
	have := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-readings:
			if !ok {
				return nil
			}
			if r.HeadingValid {
				latest = r
				have = true
			}
		case <-tick.C:
			if !have {
				continue
			}
			b, err := encode(latest)
			if err != nil {
				return err
			}
			if err := f.Out.Send(b); err != nil {
				log.Warn("udp send failed", zap.String("dest", f.Out.Dest()), zap.Error(err))
				continue
			}
			if f.OnSent != nil {
				f.OnSent(time.Now().UTC(), 1)
			}
		}
	}
}
