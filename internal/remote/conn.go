package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxMessageBytes = 4096
	writeWait       = 5 * time.Second
)

// Conn is a websocket whose writes may come from several goroutines.
type Conn struct {
	ws  *websocket.Conn
	log *zap.Logger

	mu sync.Mutex
}

func NewConn(ws *websocket.Conn, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	ws.SetReadLimit(maxMessageBytes)
	return &Conn{ws: ws, log: log}
}

func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// errorReply is sent back for messages the device rejected.
type errorReply struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Serve reads handset messages into dev until the peer goes away or ctx ends.
// A clean close returns nil.
func (c *Conn) Serve(ctx context.Context, dev *Device) error {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil
			}
			return err
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			c.log.Debug("bad handset message", zap.Error(err))
			_ = c.WriteJSON(errorReply{Type: "error", Error: "invalid json"})
			continue
		}
		if err := dev.Handle(m); err != nil {
			c.log.Debug("handset message rejected", zap.String("type", m.Type), zap.Error(err))
			_ = c.WriteJSON(errorReply{Type: "error", Error: err.Error()})
		}
	}
}
