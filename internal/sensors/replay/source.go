// Package replay records sensor samples to a text log and plays them back as
// a sensors.Source.
package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"ayna-qibla/internal/sensors"
)

// Source replays a log. Each subscription plays the records of its own kind
// from the start of the log, so two subscriptions taken together stay in step.
type Source struct {
	Records []Record
	Speed   float64
	Loop    bool
	Sleeper Sleeper
	Log     *zap.Logger
}

func Open(path string, speed float64, loop bool, log *zap.Logger) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", path, err)
	}
	return &Source{Records: recs, Speed: speed, Loop: loop, Log: log}, nil
}

func (s *Source) Name() string { return "replay" }

func (s *Source) Subscribe(ctx context.Context, kind sensors.Kind, _ time.Duration) (sensors.Subscription, error) {
	filtered := make([]Record, 0, len(s.Records))
	have := false
	for _, r := range s.Records {
		if r.Sample == nil {
			filtered = append(filtered, r)
			continue
		}
		if r.Sample.Kind == kind {
			filtered = append(filtered, r)
			have = true
		}
	}
	if !have {
		return nil, fmt.Errorf("replay log has no %s samples: %w", kind, sensors.ErrUnavailable)
	}
	speed := s.Speed
	if speed <= 0 {
		speed = 1
	}
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	playCtx, cancel := context.WithCancel(ctx)
	st := sensors.NewStream(4, cancel)
	go func() {
		defer st.Unsubscribe()
		err := Play(playCtx, filtered, speed, s.Loop, s.Sleeper, func(smp sensors.Sample) error {
			smp.At = time.Now().UTC()
			if !st.Push(smp) {
				return context.Canceled
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("replay stopped", zap.Stringer("kind", kind), zap.Error(err))
		}
	}()
	return st, nil
}

// Recorder wraps a Source and appends every delivered sample to a Writer.
type Recorder struct {
	Source sensors.Source
	Writer *Writer
	Log    *zap.Logger
}

func (r *Recorder) Name() string { return r.Source.Name() + "+record" }

func (r *Recorder) Subscribe(ctx context.Context, kind sensors.Kind, interval time.Duration) (sensors.Subscription, error) {
	inner, err := r.Source.Subscribe(ctx, kind, interval)
	if err != nil {
		return nil, err
	}
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	out := sensors.NewStream(4, inner.Unsubscribe)
	go func() {
		defer out.Unsubscribe()
		for {
			select {
			case <-out.Done():
				return
			case smp, ok := <-inner.C():
				if !ok {
					return
				}
				at := smp.At
				if at.IsZero() {
					at = time.Now()
				}
				if err := r.Writer.WriteSample(at, smp); err != nil {
					log.Warn("record sample failed", zap.Error(err))
				}
				if !out.Push(smp) {
					return
				}
			}
		}
	}()
	return out, nil
}
