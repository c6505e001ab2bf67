package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"ayna-qibla/internal/sensors"
)

// Log format: line-oriented text.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START" resets the origin (next record time is relative to 0 again).
// - Data lines are: <t_ns>,<kind>,<x>,<y>,<z>
//   where t_ns is nanoseconds since START and kind is "a" (accelerometer) or
//   "m" (magnetometer).

type Record struct {
	At time.Duration
	// Sample is nil for a START marker.
	Sample *sensors.Sample
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{At: 0})
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseLine(line string) (Record, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 5 {
		return Record{}, fmt.Errorf("invalid sample line (want 5 fields): %q", line)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	tsNs, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid timestamp %q: %w", parts[0], err)
	}
	if tsNs < 0 {
		return Record{}, fmt.Errorf("invalid timestamp (negative): %d", tsNs)
	}
	kind, err := sensors.ParseKind(parts[1])
	if err != nil {
		return Record{}, err
	}
	var xyz [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(parts[2+i], 64)
		if err != nil {
			return Record{}, fmt.Errorf("invalid component %q: %w", parts[2+i], err)
		}
		xyz[i] = v
	}
	at := time.Duration(tsNs)
	return Record{At: at, Sample: &sensors.Sample{Kind: kind, Vec: r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]}}}, nil
}

func kindCode(k sensors.Kind) string {
	if k == sensors.Magnetometer {
		return "m"
	}
	return "a"
}

// Writer appends samples to a log. It is safe for concurrent use so both
// sensor streams can record into one file.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now()}, nil
}

func (ww *Writer) WriteSample(now time.Time, s sensors.Sample) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("sample writer is closed")
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(ww.w, "%d,%s,%s,%s,%s\n", d.Nanoseconds(), kindCode(s.Kind),
		strconv.FormatFloat(s.Vec.X, 'g', -1, 64),
		strconv.FormatFloat(s.Vec.Y, 'g', -1, 64),
		strconv.FormatFloat(s.Vec.Z, 'g', -1, 64))
	return err
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play replays records with their relative timing.
//
// cb is invoked for each sample record; START markers reset the origin.
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
func Play(ctx context.Context, records []Record, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(sensors.Sample) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("speedMultiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for {
		var origin time.Duration
		var lastAt time.Duration
		var haveLast bool

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Sample == nil {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				wait := at - lastAt
				if wait < 0 {
					wait = 0
				}
				wait = time.Duration(float64(wait) / speedMultiplier)
				if wait > 0 {
					if err := sleeper.Sleep(ctx, wait); err != nil {
						return err
					}
				}
			}

			if err := cb(*r.Sample); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}

// Summary describes a sample log.
type Summary struct {
	Segments    int
	Samples     int
	MaxDuration time.Duration
	KindCounts  map[sensors.Kind]int
}

func Summarize(records []Record) Summary {
	s := Summary{KindCounts: map[sensors.Kind]int{}}
	origin := time.Duration(0)
	hasSamples := false
	for _, r := range records {
		if r.Sample == nil {
			s.Segments++
			origin = r.At
			continue
		}
		hasSamples = true
		s.Samples++
		at := r.At - origin
		if at > s.MaxDuration {
			s.MaxDuration = at
		}
		s.KindCounts[r.Sample.Kind]++
	}
	if s.Segments == 0 && hasSamples {
		s.Segments = 1
	}
	return s
}

// RateHz is the average sample rate of kind. Meaningful for single-segment logs.
func (s Summary) RateHz(kind sensors.Kind) float64 {
	if s.MaxDuration <= 0 {
		return 0
	}
	return float64(s.KindCounts[kind]) / s.MaxDuration.Seconds()
}
