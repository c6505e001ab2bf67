package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ayna-qibla/internal/logging"
	"ayna-qibla/internal/sensors"
	"ayna-qibla/internal/sensors/replay"
)

func newRecordCmd(opts *rootOptions) *cobra.Command {
	var (
		out      string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record raw accelerometer and magnetometer samples to a replay log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, opts.verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			sc := cfg.Sensors
			sc.Record.Enable = false
			src, closer, err := buildSensors(sc, log)
			if err != nil {
				return err
			}
			defer closer.Close()
			if src == nil {
				return fmt.Errorf("sensors source %q cannot be recorded locally", sc.Source)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if duration > 0 {
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			n, err := record(ctx, src, sc.Interval, out, log)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "recorded %d samples to %s\n", n, out)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "samples.log", "output log path")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

// record drains both sensor streams of src into a log at path until ctx ends
// or a stream closes.
func record(ctx context.Context, src sensors.Source, interval time.Duration, path string, log *zap.Logger) (int, error) {
	w, err := replay.CreateWriter(path)
	if err != nil {
		return 0, err
	}
	defer w.Close()

	rec := &replay.Recorder{Source: src, Writer: w, Log: log}
	acc, err := rec.Subscribe(ctx, sensors.Accelerometer, interval)
	if err != nil {
		return 0, err
	}
	mag, err := rec.Subscribe(ctx, sensors.Magnetometer, interval)
	if err != nil {
		acc.Unsubscribe()
		return 0, err
	}

	n := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case _, ok := <-acc.C():
			if !ok {
				break loop
			}
			n++
		case _, ok := <-mag.C():
			if !ok {
				break loop
			}
			n++
		}
	}
	acc.Unsubscribe()
	mag.Unsubscribe()
	return n, w.Close()
}
