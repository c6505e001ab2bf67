// Package sensors defines the motion-sensor streams the compass consumes.
//
// A Source hands out one Subscription per sensor kind. Samples are delivered
// on a channel; the latest value wins when a consumer falls behind.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrUnavailable means the platform has no sensor of the requested kind.
var ErrUnavailable = errors.New("sensor not available")

type Kind int

const (
	Accelerometer Kind = iota + 1
	Magnetometer
)

func (k Kind) String() string {
	switch k {
	case Accelerometer:
		return "accelerometer"
	case Magnetometer:
		return "magnetometer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the long names and the one-letter log codes ("a", "m").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "acc", "accel", "accelerometer":
		return Accelerometer, nil
	case "m", "mag", "magnetometer":
		return Magnetometer, nil
	default:
		return 0, fmt.Errorf("unknown sensor kind %q", s)
	}
}

// Sample is one raw vector reading. Accelerometer units are G, magnetometer
// units are whatever the device reports (only the direction matters).
type Sample struct {
	Kind Kind
	Vec  r3.Vec
	At   time.Time
}

type Source interface {
	Name() string
	// Subscribe starts delivering samples of kind at roughly interval.
	// It returns an error wrapping ErrUnavailable when kind is not present.
	Subscribe(ctx context.Context, kind Kind, interval time.Duration) (Subscription, error)
}

type Subscription interface {
	C() <-chan Sample
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe()
}

// Stream is a Subscription backed by a small buffered channel. Producers call
// Push; consumers read C. Closing is idempotent.
type Stream struct {
	ch       chan Sample
	done     chan struct{}
	stopOnce sync.Once
	onStop   func()

	mu     sync.Mutex
	closed bool
}

func NewStream(buffer int, onStop func()) *Stream {
	if buffer <= 0 {
		buffer = 4
	}
	return &Stream{ch: make(chan Sample, buffer), done: make(chan struct{}), onStop: onStop}
}

func (s *Stream) C() <-chan Sample { return s.ch }

// Done is closed once Unsubscribe has been called.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Push delivers smp without blocking. When the buffer is full the oldest
// queued sample is dropped. It reports false once the stream is closed.
func (s *Stream) Push(smp Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- smp:
			return true
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *Stream) Unsubscribe() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// ReadFunc returns the current vector for one sensor kind.
type ReadFunc func() (r3.Vec, error)

// Poll runs read every interval until ctx ends or the returned stream is
// unsubscribed. Read errors are passed to onErr and the tick is skipped.
func Poll(ctx context.Context, kind Kind, interval time.Duration, read ReadFunc, onErr func(error)) *Stream {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	st := NewStream(4, nil)
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		defer st.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-st.Done():
				return
			case now := <-tick.C:
				v, err := read()
				if err != nil {
					if onErr != nil {
						onErr(err)
					}
					continue
				}
				if !st.Push(Sample{Kind: kind, Vec: v, At: now.UTC()}) {
					return
				}
			}
		}
	}()
	return st
}
