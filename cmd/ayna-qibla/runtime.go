package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"ayna-qibla/internal/config"
	"ayna-qibla/internal/gps"
	"ayna-qibla/internal/i2c"
	"ayna-qibla/internal/location"
	"ayna-qibla/internal/qibla"
	"ayna-qibla/internal/sensors"
	"ayna-qibla/internal/sensors/icm20948"
	"ayna-qibla/internal/sensors/replay"
	"ayna-qibla/internal/sensors/sim"
)

func loadConfig(path string) (config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("config load %s: %w", path, err)
	}
	return cfg, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closers []io.Closer

func (c closers) Close() error {
	var first error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// buildSensors returns the configured sensor source. A nil source means
// sensors arrive per handset over /api/device/ws.
func buildSensors(cfg config.SensorsConfig, log *zap.Logger) (sensors.Source, io.Closer, error) {
	var (
		src    sensors.Source
		closer io.Closer = nopCloser{}
	)
	switch cfg.Source {
	case "sim":
		src = sim.Handset{Period: cfg.Sim.Period, SwayDeg: cfg.Sim.SwayDeg, FieldUT: cfg.Sim.FieldUT}
	case "imu":
		busPath := i2c.Path(cfg.IMU.I2CBus)
		imu, err := icm20948.Open(busPath, cfg.IMU.Addr, log.Named("icm20948"))
		if err != nil {
			return nil, nil, err
		}
		src, closer = imu, imu
	case "replay":
		rs, err := replay.Open(cfg.Replay.Path, cfg.Replay.Speed, cfg.Replay.Loop, log.Named("replay"))
		if err != nil {
			return nil, nil, err
		}
		src = rs
	case "remote":
		return nil, closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown sensors source %q", cfg.Source)
	}

	if cfg.Record.Enable {
		w, err := replay.CreateWriter(cfg.Record.Path)
		if err != nil {
			_ = closer.Close()
			return nil, nil, fmt.Errorf("record %s: %w", cfg.Record.Path, err)
		}
		src = &replay.Recorder{Source: src, Writer: w, Log: log.Named("record")}
		closer = closers{closer, w}
	}
	return src, closer, nil
}

// buildLocation returns the configured provider wrapped in a Swappable so the
// settings API can replace a static fix at runtime. The GPS service, when
// one is used, is started under ctx.
func buildLocation(ctx context.Context, cfg config.LocationConfig, log *zap.Logger) (*location.Swappable, *gps.Service, error) {
	var (
		p   location.Provider
		svc *gps.Service
	)
	switch cfg.Source {
	case "static":
		p = staticProvider(cfg.Static)
	case "gps":
		svc = gps.New(gps.Config{
			Enable:   true,
			Source:   cfg.GPS.Source,
			GPSDAddr: cfg.GPS.GPSDAddr,
			Device:   cfg.GPS.Device,
			Baud:     cfg.GPS.Baud,
		}, log.Named("gps"))
		if err := svc.Start(ctx); err != nil {
			return nil, nil, err
		}
		p = location.GPS{Source: svc}
	case "remote":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown location source %q", cfg.Source)
	}
	return location.NewSwappable(withTimeout(p, cfg.Timeout)), svc, nil
}

func staticProvider(s config.StaticLocation) location.Provider {
	return location.Static{Coordinate: qibla.GeoCoordinate{LatDeg: s.LatDeg, LonDeg: s.LonDeg}}
}

// withTimeout bounds every Locate call on p. Zero leaves p unbounded.
func withTimeout(p location.Provider, d time.Duration) location.Provider {
	if d <= 0 {
		return p
	}
	return location.Func(func(ctx context.Context) (location.Fix, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Locate(ctx)
	})
}
