package web

import (
	"sync/atomic"
	"time"

	"ayna-qibla/internal/compass"
	"ayna-qibla/internal/gps"
)

// Status aggregates what /api/status reports. Producers update it from their
// own goroutines; every field is atomic.
type Status struct {
	startUnixNano int64
	datagramsSent uint64
	lastSendNano  int64
	devices       int64
	info          atomic.Value // Info
	compass       atomic.Pointer[compass.Service]
	gps           atomic.Pointer[gps.Service]
}

// Info is the static part of the status, fixed at startup.
type Info struct {
	LocationSource string `json:"location_source"`
	SensorSource   string `json:"sensor_source"`
	Interval       string `json:"interval"`
	MinInterval    string `json:"min_interval"`
	UDPDest        string `json:"udp_dest,omitempty"`
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.info.Store(Info{})
	return s
}

func (s *Status) SetInfo(info Info) { s.info.Store(info) }

func (s *Status) SetCompass(c *compass.Service) { s.compass.Store(c) }

func (s *Status) SetGPS(g *gps.Service) { s.gps.Store(g) }

// MarkSent records datagrams pushed by the UDP broadcaster.
func (s *Status) MarkSent(nowUTC time.Time, n int) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	atomic.StoreInt64(&s.lastSendNano, nowUTC.UnixNano())
	if n > 0 {
		atomic.AddUint64(&s.datagramsSent, uint64(n))
	}
}

func (s *Status) deviceConnected()    { atomic.AddInt64(&s.devices, 1) }
func (s *Status) deviceDisconnected() { atomic.AddInt64(&s.devices, -1) }

type StatusSnapshot struct {
	Service          string            `json:"service"`
	NowUTC           string            `json:"now_utc"`
	UptimeSec        int64             `json:"uptime_sec"`
	Info             Info              `json:"info"`
	Compass          *compass.Snapshot `json:"compass,omitempty"`
	GPS              *gps.Snapshot     `json:"gps,omitempty"`
	DevicesConnected int64             `json:"devices_connected"`
	DatagramsSent    uint64            `json:"datagrams_sent"`
	LastSendUTC      string            `json:"last_send_utc,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:          serviceName,
		NowUTC:           nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:        int64(nowUTC.Sub(start).Seconds()),
		Info:             s.info.Load().(Info),
		DevicesConnected: atomic.LoadInt64(&s.devices),
		DatagramsSent:    atomic.LoadUint64(&s.datagramsSent),
	}
	if c := s.compass.Load(); c != nil {
		cs := c.Snapshot()
		snap.Compass = &cs
	}
	if g := s.gps.Load(); g != nil {
		gs := g.Snapshot()
		snap.GPS = &gs
	}
	if last := atomic.LoadInt64(&s.lastSendNano); last != 0 {
		snap.LastSendUTC = time.Unix(0, last).UTC().Format(time.RFC3339Nano)
	}
	return snap
}
