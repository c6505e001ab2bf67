package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ayna-qibla/internal/sensors"
	"ayna-qibla/internal/sensors/replay"
)

func newSummarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <log>",
		Short: "Describe a recorded sample log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			recs, err := replay.NewReader(f).ReadAll()
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return writeSummary(cmd.OutOrStdout(), replay.Summarize(recs))
		},
	}
}

func writeSummary(w io.Writer, s replay.Summary) error {
	_, err := fmt.Fprintf(w, "segments=%d samples=%d duration=%s\n", s.Segments, s.Samples, s.MaxDuration)
	if err != nil {
		return err
	}
	for _, k := range []sensors.Kind{sensors.Accelerometer, sensors.Magnetometer} {
		line := fmt.Sprintf("  %-13s n=%d", k, s.KindCounts[k])
		if s.Segments == 1 {
			line += fmt.Sprintf(" rate=%.1fHz", s.RateHz(k))
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
