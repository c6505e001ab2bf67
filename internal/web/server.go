package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ayna-qibla/internal/compass"
)

const serviceName = "ayna-qibla"

// Deps wires the HTTP surface to the running services. Only Status is
// required; missing pieces turn their routes into 404/503 responses.
type Deps struct {
	Status   *Status
	Compass  *compass.Service
	Logs     *LogBuffer
	Settings SettingsStore
	Log      *zap.Logger

	// DeviceCompass configures the per-connection compass behind
	// /api/device/ws. Location and Sensors are filled in per handset.
	DeviceCompass compass.Config

	AllowedOrigins []string
	TrustProxy     bool
	QiblaRate      rate.Limit
	QiblaBurst     int
}

type server struct {
	// ctx outlives individual requests; background work started by a
	// request (a compass restart) runs under it.
	ctx      context.Context
	deps     Deps
	log      *zap.Logger
	limiter  *ipLimiter
	upgrader *websocket.Upgrader
}

func Handler(ctx context.Context, d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	if d.QiblaRate <= 0 {
		d.QiblaRate = 5
	}
	if d.QiblaBurst <= 0 {
		d.QiblaBurst = 10
	}
	s := &server{
		ctx:      ctx,
		deps:     d,
		log:      log.Named("web"),
		limiter:  newIPLimiter(d.QiblaRate, d.QiblaBurst, 10*time.Minute),
		upgrader: newUpgrader(d.AllowedOrigins),
	}

	// Routes hang off the root router with full paths: a subrouter reports a
	// method mismatch as 404.
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/api/qibla", s.rateLimited(http.HandlerFunc(s.handleQibla))).Methods(http.MethodGet)
	r.HandleFunc("/api/compass/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/api/compass/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/api/device/ws", s.handleDevice).Methods(http.MethodGet)
	r.Handle("/api/settings", d.Settings.Handler()).Methods(http.MethodGet, http.MethodPost)
	if d.Logs != nil {
		r.Handle("/api/logs", d.Logs.Handler()).Methods(http.MethodGet)
	}
	r.Handle("/api/about", AboutHandler()).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)

	var h http.Handler = r
	h = cors.New(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(h)
	if d.TrustProxy {
		h = handlers.ProxyHeaders(h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(zapPrintln{s.log}), handlers.PrintRecoveryStack(false))(h)
	return h
}

// Serve runs the HTTP server until ctx ends.
func Serve(ctx context.Context, listenAddr string, h http.Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handlers.CombinedLoggingHandler(accessLog{log.Named("http")}, h),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("web listening", zap.String("addr", listenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Snapshot(time.Now().UTC()))
}

func (s *server) handleRestart(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Compass
	if c == nil {
		writeError(w, http.StatusNotFound, "compass unavailable")
		return
	}
	if err := c.Restart(s.ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, c.Snapshot())
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Status.Snapshot(time.Now().UTC())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>Ayna Qibla</title></head><body>")
	_, _ = fmt.Fprintf(w, "<h1>Ayna Qibla</h1>")
	_, _ = fmt.Fprintf(w, "<p>API: <a href=\"/api/status\">/api/status</a>, <a href=\"/api/qibla?lat=48.8566&lon=2.3522\">/api/qibla</a>, <a href=\"/api/logs?format=text\">/api/logs</a>.</p>")
	if c := snap.Compass; c != nil {
		_, _ = fmt.Fprintf(w, "<pre>state=%s\nsource=%s\n", html.EscapeString(c.State.String()), html.EscapeString(c.Source))
		if c.BearingDeg != nil {
			_, _ = fmt.Fprintf(w, "bearing_deg=%.2f\n", *c.BearingDeg)
		}
		if c.Reading != nil {
			_, _ = fmt.Fprintf(w, "heading_deg=%.1f\nrotation_deg=%.1f\n", c.Reading.HeadingDeg, c.Reading.RotationDeg)
		}
		if c.LastError != "" {
			_, _ = fmt.Fprintf(w, "last_error=%s\n", html.EscapeString(c.LastError))
		}
		_, _ = fmt.Fprintf(w, "</pre>")
	}
	_, _ = fmt.Fprintf(w, "</body></html>")
}

// zapPrintln adapts a zap logger to handlers.RecoveryHandlerLogger.
type zapPrintln struct{ log *zap.Logger }

func (z zapPrintln) Println(v ...any) {
	z.log.Error("handler panic", zap.String("panic", fmt.Sprint(v...)))
}

// accessLog turns combined-log lines into debug entries.
type accessLog struct{ log *zap.Logger }

func (a accessLog) Write(p []byte) (int, error) {
	a.log.Debug(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}
