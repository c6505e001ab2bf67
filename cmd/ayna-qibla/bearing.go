package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"ayna-qibla/internal/qibla"
)

func newBearingCmd() *cobra.Command {
	var (
		lat, lon float64
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "bearing",
		Short: "Print the Qibla bearing and distance from a coordinate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := qibla.GeoCoordinate{LatDeg: lat, LonDeg: lon}
			if err := qibla.Validate(c); err != nil {
				return err
			}
			d := qibla.DirectionFrom(c)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(d)
			}
			_, err := fmt.Fprintf(out, "bearing=%.2f° (%s) distance=%.0f km\n", d.BearingDeg, d.Cardinal, d.DistanceKm)
			return err
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "observer latitude in degrees")
	cmd.Flags().Float64Var(&lon, "lon", 0, "observer longitude in degrees")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}
