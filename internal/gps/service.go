package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls the GPS reader.
//
// Device may be empty to auto-detect. Baud defaults to 9600, which is what
// most u-blox receivers emit NMEA at out of the box.
type Config struct {
	Enable bool

	// Source selects how GPS is ingested: "nmea" (direct serial) or "gpsd".
	// When empty, defaults to "nmea".
	Source string

	// GPSDAddr is host:port for gpsd when Source=="gpsd".
	GPSDAddr string

	// Device is the serial device path for Source=="nmea".
	Device string
	Baud   int
}

type Snapshot struct {
	Enabled bool   `json:"enabled"`
	Valid   bool   `json:"valid"`
	Source  string `json:"source,omitempty"`
	Device  string `json:"device,omitempty"`

	LatDeg     float64  `json:"lat_deg,omitempty"`
	LonDeg     float64  `json:"lon_deg,omitempty"`
	HorizAccM  *float64 `json:"horiz_acc_m,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`

	LastFixUTC string `json:"last_fix_utc,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// ErrNoFix is returned by WaitFix when the service is not running.
var ErrNoFix = errors.New("gps: no fix")

type Service struct {
	cfg Config
	log *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last    atomic.Value // Snapshot
	updated chan struct{}

	mu     sync.Mutex
	closer io.Closer
}

func New(cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{cfg: cfg, log: log.Named("gps"), updated: make(chan struct{}, 1)}
	s.last.Store(Snapshot{Enabled: cfg.Enable, Source: sourceName(cfg.Source), Device: cfg.Device})
	return s
}

func sourceName(src string) string {
	src = strings.ToLower(strings.TrimSpace(src))
	if src == "" {
		return "nmea"
	}
	return src
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gps service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	switch sourceName(s.cfg.Source) {
	case "gpsd":
		return s.startGPSDLocked(ctx)
	case "nmea":
		return s.startNMEALocked(ctx)
	default:
		return fmt.Errorf("gps: unknown source %q", s.cfg.Source)
	}
}

func (s *Service) startNMEALocked(ctx context.Context) error {
	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			s.setErrorLocked("gps auto-detect failed: no serial receiver found")
			return fmt.Errorf("gps auto-detect failed")
		}
	}
	baud := s.cfg.Baud
	if baud == 0 {
		baud = 9600
	}

	port, err := openSerial(device, baud)
	if err != nil {
		s.setErrorLocked(fmt.Sprintf("gps open failed device=%s baud=%d: %v", device, baud, err))
		return err
	}
	s.closer = port

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.publish(Snapshot{Enabled: true, Source: "nmea", Device: device})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = port.Close() }()
		s.log.Info("gps enabled", zap.String("device", device), zap.Int("baud", baud))
		if err := s.readNMEA(childCtx, timeoutReader{ctx: childCtx, r: port}, device); err != nil && childCtx.Err() == nil {
			s.setError(fmt.Sprintf("gps read stopped: %v", err))
		}
	}()
	return nil
}

// readNMEA consumes sentences until r ends. Bad sentences only update LastError.
func (s *Service) readNMEA(ctx context.Context, r io.Reader, device string) error {
	reader := bufio.NewScanner(r)
	// NMEA sentences are typically < 82 chars, but allow some headroom.
	reader.Buffer(make([]byte, 0, 256), 4096)

	st := nmeaState{device: device}
	for reader.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(reader.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sent, err := parseNMEASentence(line)
		if err != nil {
			s.setError(err.Error())
			continue
		}
		if st.apply(time.Now().UTC(), sent) {
			s.publish(st.snapshot())
		}
	}
	if err := reader.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (s *Service) startGPSDLocked(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.GPSDAddr)
	if addr == "" {
		addr = gpsdDefaultAddr
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.publish(Snapshot{Enabled: true, Source: "gpsd", Device: "gpsd"})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.log.Info("gps enabled", zap.String("source", "gpsd"), zap.String("addr", addr))
		st := newGPSDState()
		backoff := 250 * time.Millisecond
		maxBackoff := 10 * time.Second

		for childCtx.Err() == nil {
			conn, err := dialGPSD(childCtx, addr)
			if err != nil {
				s.setError(fmt.Sprintf("gpsd dial failed addr=%s: %v", addr, err))
				select {
				case <-childCtx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < maxBackoff {
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
				continue
			}
			backoff = 250 * time.Millisecond

			s.mu.Lock()
			// Swap the closer so Close() can interrupt an active connection.
			s.closer = conn
			s.mu.Unlock()

			if err := s.readGPSD(childCtx, conn, st); err != nil && childCtx.Err() == nil {
				s.setError(err.Error())
			}
			_ = conn.Close()
		}
	}()
	return nil
}

func (s *Service) readGPSD(ctx context.Context, conn io.ReadWriter, st *gpsdState) error {
	if err := gpsdWatch(conn); err != nil {
		return fmt.Errorf("gpsd watch failed: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		updated, err := st.applyLine(time.Now().UTC(), line)
		if err != nil {
			s.setError(err.Error())
			continue
		}
		if updated {
			s.publish(st.snapshot())
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("gpsd read stopped: %w", err)
	}
	return fmt.Errorf("gpsd read stopped: %w", io.EOF)
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.cancel = nil
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	v := s.last.Load()
	if v == nil {
		return Snapshot{}
	}
	return v.(Snapshot)
}

// WaitFix blocks until a valid fix is available or ctx ends.
func (s *Service) WaitFix(ctx context.Context) (Snapshot, error) {
	if s == nil || !s.cfg.Enable {
		return Snapshot{}, ErrNoFix
	}
	for {
		if snap := s.Snapshot(); snap.Valid {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			snap := s.Snapshot()
			if snap.LastError != "" {
				return snap, fmt.Errorf("%w: %s", ErrNoFix, snap.LastError)
			}
			return snap, fmt.Errorf("%w: %v", ErrNoFix, ctx.Err())
		case <-s.updated:
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *Service) publish(snap Snapshot) {
	s.last.Store(snap)
	select {
	case s.updated <- struct{}{}:
	default:
	}
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErrorLocked(msg)
}

func (s *Service) setErrorLocked(msg string) {
	cur := s.Snapshot()
	cur.LastError = msg
	// Transient parse issues do not flip validity.
	s.last.Store(cur)
	s.log.Debug("gps error", zap.String("error", msg))
}
