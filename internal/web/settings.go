package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"ayna-qibla/internal/config"
)

// SettingsPayload is the editable slice of the config exposed to clients.
type SettingsPayload struct {
	LocationSource string  `json:"location_source"`
	SensorSource   string  `json:"sensor_source"`
	LatDeg         float64 `json:"lat_deg"`
	LonDeg         float64 `json:"lon_deg"`
	MinInterval    string  `json:"min_interval"`
}

// SettingsPayloadIn is the strict POST schema. Every field is required so a
// client cannot rely on hidden defaults.
type SettingsPayloadIn struct {
	LatDeg      *float64 `json:"lat_deg"`
	LonDeg      *float64 `json:"lon_deg"`
	MinInterval *string  `json:"min_interval"`
}

var settingsPostKeys = []string{
	"lat_deg",
	"lon_deg",
	"min_interval",
}

func decodeSettingsPayloadInStrict(body []byte) (SettingsPayloadIn, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	// First pass: walk tokens to reject unknown, duplicate and null keys.
	allowed := make(map[string]struct{}, len(settingsPostKeys))
	for _, k := range settingsPostKeys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(settingsPostKeys))

	tok, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return SettingsPayloadIn{}, errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	if _, err := dec.Token(); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SettingsPayloadIn{}, errors.New("invalid json: trailing data")
	}
	for _, k := range settingsPostKeys {
		if _, ok := seen[k]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: missing required key %q", k)
		}
	}

	var out SettingsPayloadIn
	dec2 := json.NewDecoder(bytes.NewReader(body))
	dec2.DisallowUnknownFields()
	if err := dec2.Decode(&out); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	return out, nil
}

func configToSettingsPayload(cfg config.Config) SettingsPayload {
	return SettingsPayload{
		LocationSource: cfg.Location.Source,
		SensorSource:   cfg.Sensors.Source,
		LatDeg:         cfg.Location.Static.LatDeg,
		LonDeg:         cfg.Location.Static.LonDeg,
		MinInterval:    cfg.Fusion.MinInterval.String(),
	}
}

func applySettingsPayload(cfg *config.Config, p SettingsPayloadIn) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if p.LatDeg == nil || p.LonDeg == nil || p.MinInterval == nil {
		return errors.New("lat_deg, lon_deg and min_interval are required")
	}
	if math.IsNaN(*p.LatDeg) || math.IsNaN(*p.LonDeg) {
		return errors.New("coordinates must be numbers")
	}
	d, err := time.ParseDuration(strings.TrimSpace(*p.MinInterval))
	if err != nil {
		return fmt.Errorf("invalid min_interval %q: %w", *p.MinInterval, err)
	}
	cfg.Location.Static.LatDeg = *p.LatDeg
	cfg.Location.Static.LonDeg = *p.LonDeg
	cfg.Fusion.MinInterval = d
	return nil
}

type SettingsStore struct {
	ConfigPath string
	// Apply, when set, runs after validation and before saving. An error
	// aborts the save. Apply makes the new config effective immediately.
	Apply func(cfg config.Config) error
}

func (s SettingsStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.ConfigPath) == "" {
			writeError(w, http.StatusNotImplemented, "settings not available (no config path)")
			return
		}

		oldCfg, err := config.Load(s.ConfigPath)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("load failed: %v", err))
			return
		}
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, configToSettingsPayload(oldCfg))
			return
		}

		if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read failed: %v", err))
			return
		}
		p, err := decodeSettingsPayloadInStrict(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		cfg := oldCfg
		if err := applySettingsPayload(&cfg, p); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid settings: %v", err))
			return
		}
		if err := config.DefaultAndValidate(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
			return
		}
		if s.Apply != nil {
			if err := s.Apply(cfg); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("apply failed: %v", err))
				return
			}
		}
		if err := config.Save(s.ConfigPath, cfg); err != nil {
			// Keep the runtime consistent with disk.
			if s.Apply != nil {
				_ = s.Apply(oldCfg)
			}
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("save failed: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))
	})
}
