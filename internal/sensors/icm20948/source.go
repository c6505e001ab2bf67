package icm20948

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ayna-qibla/internal/i2c"
	"ayna-qibla/internal/sensors"
)

// Source exposes a Device as a sensors.Source.
type Source struct {
	Dev *Device
	Log *zap.Logger

	bus *i2c.Bus
}

// Open opens busPath, probes the chip at addr and returns a ready source.
// The magnetometer is optional: a board without one still yields a source
// whose magnetometer subscription reports sensors.ErrUnavailable.
func Open(busPath string, addr uint16, log *zap.Logger) (*Source, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if addr == 0 {
		addr = addrDefault
	}
	bus, err := i2c.Open(busPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", sensors.ErrUnavailable, busPath, err)
	}
	dev, err := New(bus.Dev(addr), bus.Dev(addrMagnetometer))
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("%w: %v", sensors.ErrUnavailable, err)
	}
	if !dev.HasMagnetometer() {
		log.Warn("icm20948 magnetometer not found", zap.String("bus", busPath))
	}
	log.Info("icm20948 ready", zap.String("bus", busPath), zap.Uint16("addr", addr), zap.Bool("magnetometer", dev.HasMagnetometer()))
	return &Source{Dev: dev, Log: log, bus: bus}, nil
}

func (s *Source) Name() string { return "icm20948" }

func (s *Source) Subscribe(ctx context.Context, kind sensors.Kind, interval time.Duration) (sensors.Subscription, error) {
	if s == nil || s.Dev == nil {
		return nil, fmt.Errorf("icm20948: %w", sensors.ErrUnavailable)
	}
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	var read sensors.ReadFunc
	switch kind {
	case sensors.Accelerometer:
		read = s.Dev.ReadAccel
	case sensors.Magnetometer:
		if !s.Dev.HasMagnetometer() {
			return nil, fmt.Errorf("icm20948 magnetometer: %w", sensors.ErrUnavailable)
		}
		read = s.Dev.ReadMag
	default:
		return nil, fmt.Errorf("icm20948 %v: %w", kind, sensors.ErrUnavailable)
	}
	onErr := func(err error) {
		if errors.Is(err, errMagNotReady) {
			return
		}
		log.Debug("icm20948 read failed", zap.Stringer("kind", kind), zap.Error(err))
	}
	return sensors.Poll(ctx, kind, interval, read, onErr), nil
}

func (s *Source) Close() error {
	if s == nil || s.bus == nil {
		return nil
	}
	return s.bus.Close()
}
