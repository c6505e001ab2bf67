package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ayna-qibla/internal/config"
)

func writeTempConfigFile(t *testing.T, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return p
}

func postSettings(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSettingsGET(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "location:\n  source: static\n  static:\n    lat_deg: 40.7128\n    lon_deg: -74.006\n")
	ts := httptest.NewServer(SettingsStore{ConfigPath: cfgPath}.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var got SettingsPayload
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := SettingsPayload{LocationSource: "static", SensorSource: "sim", LatDeg: 40.7128, LonDeg: -74.006, MinInterval: "16ms"}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestSettingsPOST_AppliesAndSaves(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "sensors:\n  source: sim\n")

	appliedCh := make(chan config.Config, 1)
	store := SettingsStore{
		ConfigPath: cfgPath,
		Apply: func(cfg config.Config) error {
			appliedCh <- cfg
			return nil
		},
	}
	ts := httptest.NewServer(store.Handler())
	defer ts.Close()

	resp := postSettings(t, ts.URL, `{"lat_deg": 51.5074, "lon_deg": -0.1278, "min_interval": "50ms"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	select {
	case cfg := <-appliedCh:
		if cfg.Location.Static.LatDeg != 51.5074 || cfg.Location.Static.LonDeg != -0.1278 {
			t.Fatalf("applied location=%+v", cfg.Location.Static)
		}
		if cfg.Fusion.MinInterval != 50*time.Millisecond {
			t.Fatalf("applied min_interval=%v", cfg.Fusion.MinInterval)
		}
	default:
		t.Fatalf("Apply was not called")
	}

	saved, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if saved.Location.Static.LatDeg != 51.5074 || saved.Fusion.MinInterval != 50*time.Millisecond {
		t.Fatalf("saved=%+v", saved)
	}
}

func TestSettingsPOST_ApplyErrorAbortsSave(t *testing.T) {
	orig := "location:\n  static:\n    lat_deg: 10\n    lon_deg: 20\n"
	cfgPath := writeTempConfigFile(t, orig)
	store := SettingsStore{
		ConfigPath: cfgPath,
		Apply:      func(config.Config) error { return errors.New("compass busy") },
	}
	ts := httptest.NewServer(store.Handler())
	defer ts.Close()

	resp := postSettings(t, ts.URL, `{"lat_deg": 1, "lon_deg": 2, "min_interval": "16ms"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	b, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != orig {
		t.Fatalf("config rewritten despite Apply error:\n%s", b)
	}
}

func TestSettingsPOST_Rejects(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "")
	ts := httptest.NewServer(SettingsStore{ConfigPath: cfgPath}.Handler())
	defer ts.Close()

	cases := map[string]string{
		"unknown key":   `{"lat_deg": 1, "lon_deg": 2, "min_interval": "16ms", "extra": 1}`,
		"duplicate key": `{"lat_deg": 1, "lat_deg": 1, "lon_deg": 2, "min_interval": "16ms"}`,
		"null value":    `{"lat_deg": null, "lon_deg": 2, "min_interval": "16ms"}`,
		"missing key":   `{"lat_deg": 1, "lon_deg": 2}`,
		"trailing data": `{"lat_deg": 1, "lon_deg": 2, "min_interval": "16ms"} {}`,
		"not an object": `[1, 2]`,
		"bad duration":  `{"lat_deg": 1, "lon_deg": 2, "min_interval": "soon"}`,
		"lat out range": `{"lat_deg": 91, "lon_deg": 2, "min_interval": "16ms"}`,
		"lon out range": `{"lat_deg": 1, "lon_deg": -181, "min_interval": "16ms"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := postSettings(t, ts.URL, body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status=%d", resp.StatusCode)
			}
		})
	}
}

func TestSettingsPOST_RequiresJSONContentType(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "")
	ts := httptest.NewServer(SettingsStore{ConfigPath: cfgPath}.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL, "text/plain", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestSettings_NoConfigPath(t *testing.T) {
	ts := httptest.NewServer(SettingsStore{}.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestSettings_MissingConfigFile(t *testing.T) {
	ts := httptest.NewServer(SettingsStore{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")}.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
