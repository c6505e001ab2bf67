package web

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ayna-qibla/internal/compass"
	"ayna-qibla/internal/remote"
)

const (
	pingInterval = 20 * time.Second
	writeWait    = 5 * time.Second
)

// newUpgrader checks the Origin of websocket upgrades against allowed.
// Browsers skip CORS on upgrades, so this is the only origin gate the stream
// and device endpoints have. An empty list, a "*" entry or a missing Origin
// header (a native client) is accepted.
func newUpgrader(allowed []string) *websocket.Upgrader {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			set[o] = struct{}{}
		}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if _, wild := set["*"]; wild || len(set) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := set[origin]
			return ok
		},
	}
}

// handleStream pushes every published compass reading to the client until
// either side goes away.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Compass
	if c == nil {
		writeError(w, http.StatusNotFound, "compass unavailable")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("stream upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: only control frames are expected; a read error means the
	// client left.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	id, readings := c.Broadcaster().Subscribe(8)
	defer c.Broadcaster().Unsubscribe(id)
	pushReadings(ctx, ws, readings)
}

func pushReadings(ctx context.Context, ws *websocket.Conn, readings <-chan compass.Reading) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case rd, ok := <-readings:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(rd); err != nil {
				return
			}
		}
	}
}

type deviceHello struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

type deviceReading struct {
	Type string `json:"type"`
	compass.Reading
}

// handleDevice links a handset: the handset is both the location provider
// and the sensor source of a compass dedicated to this connection, and it
// receives that compass's readings back.
func (s *server) handleDevice(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("device upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	dev := remote.NewDevice(s.log)
	conn := remote.NewConn(ws, s.log)
	defer conn.Close()
	log := s.log.With(zap.String("device", dev.ID().String()))

	s.deps.Status.deviceConnected()
	defer s.deps.Status.deviceDisconnected()
	log.Info("handset connected", zap.String("remote", clientIP(r)))
	defer log.Info("handset disconnected")

	cfg := s.deps.DeviceCompass
	cfg.Location = dev
	cfg.Sensors = dev
	cfg.Broadcaster = nil
	cfg.Log = log
	svc := compass.New(cfg)

	id, readings := svc.Broadcaster().Subscribe(8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for rd := range readings {
			if err := conn.WriteJSON(deviceReading{Type: "reading", Reading: rd}); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := conn.WriteJSON(deviceHello{Type: "hello", DeviceID: dev.ID().String()}); err != nil {
		svc.Broadcaster().Unsubscribe(id)
		wg.Wait()
		return
	}
	if err := svc.Start(ctx); err != nil {
		log.Warn("device compass start failed", zap.Error(err))
	}
	restartDone := make(chan struct{})
	go func() {
		defer close(restartDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-dev.Restarts():
				if err := svc.Restart(ctx); err != nil {
					log.Warn("device compass restart failed", zap.Error(err))
				}
			}
		}
	}()

	if err := conn.Serve(ctx, dev); err != nil {
		log.Debug("handset read ended", zap.Error(err))
	}
	cancel()
	<-restartDone
	dev.Close()
	svc.Stop()
	svc.Broadcaster().Unsubscribe(id)
	wg.Wait()
}
