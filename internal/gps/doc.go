// Package gps reads position fixes from a GNSS receiver.
//
// Two ingestion paths are supported:
//   - NMEA 0183 (RMC+GGA) straight from a USB/serial receiver
//   - gpsd JSON reports over TCP
//
// The compass needs a single fix per activation, so the service keeps only the
// latest position, its accuracy estimate and the satellites in use.
package gps
