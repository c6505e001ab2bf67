package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ayna-qibla/internal/compass"
	"ayna-qibla/internal/config"
	"ayna-qibla/internal/gps"
	"ayna-qibla/internal/location"
	"ayna-qibla/internal/logging"
	"ayna-qibla/internal/udp"
	"ayna-qibla/internal/web"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the compass, the HTTP API and the optional UDP feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, opts.configPath, opts.verbose)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, configPath string, verbose bool) error {
	logs := web.NewLogBuffer(cfg.Log.BufferLines)
	log, err := logging.New(cfg.Log.Level, verbose, logs)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	status := web.NewStatus()
	status.SetInfo(web.Info{
		LocationSource: cfg.Location.Source,
		SensorSource:   cfg.Sensors.Source,
		Interval:       cfg.Sensors.Interval.String(),
		MinInterval:    cfg.Fusion.MinInterval.String(),
		UDPDest:        udpDest(cfg.UDP),
	})
	if rt.compass != nil {
		status.SetCompass(rt.compass)
	}
	if rt.gps != nil {
		status.SetGPS(rt.gps)
	}

	h := web.Handler(ctx, web.Deps{
		Status:   status,
		Compass:  rt.compass,
		Logs:     logs,
		Settings: web.SettingsStore{ConfigPath: configPath, Apply: rt.apply},
		Log:      log,
		DeviceCompass: compass.Config{
			Interval:    cfg.Sensors.Interval,
			MinInterval: cfg.Fusion.MinInterval,
		},
		AllowedOrigins: cfg.Web.AllowedOrigins,
		TrustProxy:     cfg.Web.TrustProxy,
		QiblaRate:      rate.Limit(cfg.Web.QiblaRate),
		QiblaBurst:     cfg.Web.QiblaBurst,
	})

	log.Info("ayna-qibla starting",
		zap.String("location", cfg.Location.Source),
		zap.String("sensors", cfg.Sensors.Source),
		zap.Duration("min_interval", cfg.Fusion.MinInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := web.Serve(gctx, cfg.Web.Listen, h, log)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if rt.compass != nil {
		if err := rt.compass.Start(gctx); err != nil {
			return err
		}
		if cfg.UDP.Enable {
			out, err := udp.NewBroadcaster(cfg.UDP.Dest)
			if err != nil {
				return fmt.Errorf("udp broadcaster init failed: %w", err)
			}
			defer out.Close()
			id, readings := rt.compass.Broadcaster().Subscribe(16)
			defer rt.compass.Broadcaster().Unsubscribe(id)
			fwd := &udp.Forwarder{Out: out, Interval: cfg.UDP.Interval, Log: log.Named("udp"), OnSent: status.MarkSent}
			g.Go(func() error { return fwd.Run(gctx, readings) })
		}
	}

	err = g.Wait()
	log.Info("ayna-qibla stopping")
	return err
}

func udpDest(c config.UDPConfig) string {
	if !c.Enable {
		return ""
	}
	return c.Dest
}

// liveRuntime owns the long-lived services behind serve.
type liveRuntime struct {
	ctx      context.Context
	log      *zap.Logger
	location *location.Swappable
	gps      *gps.Service
	compass  *compass.Service
	closeFn  func() error
}

func newRuntime(ctx context.Context, cfg config.Config, log *zap.Logger) (*liveRuntime, error) {
	src, sensorCloser, err := buildSensors(cfg.Sensors, log)
	if err != nil {
		return nil, err
	}
	loc, gpsSvc, err := buildLocation(ctx, cfg.Location, log)
	if err != nil {
		_ = sensorCloser.Close()
		return nil, err
	}
	rt := &liveRuntime{ctx: ctx, log: log, location: loc, gps: gpsSvc, closeFn: sensorCloser.Close}
	// Remote mode has no process-wide compass; each handset gets its own.
	if src != nil && loc != nil {
		rt.compass = compass.New(compass.Config{
			Location:    loc,
			Sensors:     src,
			Interval:    cfg.Sensors.Interval,
			MinInterval: cfg.Fusion.MinInterval,
			Log:         log,
		})
	}
	return rt, nil
}

// apply makes saved settings effective: a new static fix and throttle, then
// a compass restart so the bearing is recomputed.
func (rt *liveRuntime) apply(cfg config.Config) error {
	if rt.compass == nil {
		return nil
	}
	if cfg.Location.Source == "static" && rt.location != nil {
		rt.location.Set(staticProvider(cfg.Location.Static))
	}
	rt.compass.SetMinInterval(cfg.Fusion.MinInterval)
	rt.log.Info("settings applied",
		zap.Float64("lat_deg", cfg.Location.Static.LatDeg),
		zap.Float64("lon_deg", cfg.Location.Static.LonDeg),
		zap.Duration("min_interval", cfg.Fusion.MinInterval),
	)
	return rt.compass.Restart(rt.ctx)
}

func (rt *liveRuntime) Close() {
	if rt.compass != nil {
		rt.compass.Stop()
	}
	if rt.gps != nil {
		rt.gps.Close()
	}
	if rt.closeFn != nil {
		if err := rt.closeFn(); err != nil {
			rt.log.Warn("sensor close failed", zap.Error(err))
		}
	}
}
