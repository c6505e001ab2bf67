package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Web      WebConfig      `yaml:"web"`
	Location LocationConfig `yaml:"location"`
	Sensors  SensorsConfig  `yaml:"sensors"`
	Fusion   FusionConfig   `yaml:"fusion"`
	UDP      UDPConfig      `yaml:"udp"`
	Log      LogConfig      `yaml:"log"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
	// AllowedOrigins feeds the CORS layer. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// TrustProxy honours X-Forwarded-For when rate limiting.
	TrustProxy bool `yaml:"trust_proxy"`
	// QiblaRate is the per-client request rate for /api/qibla.
	QiblaRate  float64 `yaml:"qibla_rate"`
	QiblaBurst int     `yaml:"qibla_burst"`
}

type LocationConfig struct {
	// Source is static, gps or remote.
	Source string         `yaml:"source"`
	Static StaticLocation `yaml:"static"`
	GPS    GPSLocation    `yaml:"gps"`
	// Timeout bounds the one-shot fix. Zero waits indefinitely.
	Timeout time.Duration `yaml:"timeout"`
}

type StaticLocation struct {
	LatDeg float64 `yaml:"lat_deg"`
	LonDeg float64 `yaml:"lon_deg"`
}

type GPSLocation struct {
	// Source is nmea or gpsd.
	Source   string `yaml:"source"`
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	GPSDAddr string `yaml:"gpsd_addr"`
}

type SensorsConfig struct {
	// Source is sim, imu, replay or remote.
	Source   string        `yaml:"source"`
	Interval time.Duration `yaml:"interval"`
	IMU      IMUConfig     `yaml:"imu"`
	Sim      SimConfig     `yaml:"sim"`
	Replay   ReplayConfig  `yaml:"replay"`
	Record   RecordConfig  `yaml:"record"`
}

type IMUConfig struct {
	I2CBus int    `yaml:"i2c_bus"`
	Addr   uint16 `yaml:"addr"`
}

type SimConfig struct {
	Period  time.Duration `yaml:"period"`
	SwayDeg float64       `yaml:"sway_deg"`
	FieldUT float64       `yaml:"field_ut"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type FusionConfig struct {
	// MinInterval throttles recomputes. Negative disables the throttle.
	MinInterval time.Duration `yaml:"min_interval"`
}

type UDPConfig struct {
	Enable   bool          `yaml:"enable"`
	Dest     string        `yaml:"dest"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// BufferLines sizes the in-memory tail served at /api/logs.
	BufferLines int `yaml:"buffer_lines"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default is the built-in configuration: simulated sensors and a static fix
// in Paris.
func Default() Config {
	cfg := Config{
		Location: LocationConfig{Source: "static", Static: StaticLocation{LatDeg: 48.8566, LonDeg: 2.3522}},
		Sensors:  SensorsConfig{Source: "sim"},
	}
	_ = DefaultAndValidate(&cfg)
	return cfg
}

// DefaultAndValidate fills zero values and rejects inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.QiblaRate == 0 {
		cfg.Web.QiblaRate = 5
	}
	if cfg.Web.QiblaRate < 0 {
		return fmt.Errorf("web.qibla_rate must be > 0")
	}
	if cfg.Web.QiblaBurst <= 0 {
		cfg.Web.QiblaBurst = 10
	}

	cfg.Location.Source = strings.ToLower(strings.TrimSpace(cfg.Location.Source))
	if cfg.Location.Source == "" {
		cfg.Location.Source = "static"
	}
	switch cfg.Location.Source {
	case "static":
		if err := validateCoordinate("location.static", cfg.Location.Static); err != nil {
			return err
		}
	case "gps":
		cfg.Location.GPS.Source = strings.ToLower(strings.TrimSpace(cfg.Location.GPS.Source))
		if cfg.Location.GPS.Source == "" {
			cfg.Location.GPS.Source = "nmea"
		}
		if cfg.Location.GPS.Source != "nmea" && cfg.Location.GPS.Source != "gpsd" {
			return fmt.Errorf("location.gps.source must be nmea or gpsd")
		}
		if cfg.Location.GPS.Baud == 0 {
			cfg.Location.GPS.Baud = 9600
		}
		if cfg.Location.GPS.Baud < 0 {
			return fmt.Errorf("location.gps.baud must be > 0")
		}
		if cfg.Location.GPS.Source == "gpsd" && cfg.Location.GPS.GPSDAddr == "" {
			cfg.Location.GPS.GPSDAddr = "127.0.0.1:2947"
		}
	case "remote":
	default:
		return fmt.Errorf("location.source must be static, gps or remote")
	}
	if cfg.Location.Timeout < 0 {
		return fmt.Errorf("location.timeout must be >= 0")
	}

	cfg.Sensors.Source = strings.ToLower(strings.TrimSpace(cfg.Sensors.Source))
	if cfg.Sensors.Source == "" {
		cfg.Sensors.Source = "sim"
	}
	if cfg.Sensors.Interval <= 0 {
		cfg.Sensors.Interval = 20 * time.Millisecond
	}
	switch cfg.Sensors.Source {
	case "sim":
		if cfg.Sensors.Sim.Period <= 0 {
			cfg.Sensors.Sim.Period = 60 * time.Second
		}
		if cfg.Sensors.Sim.SwayDeg == 0 {
			cfg.Sensors.Sim.SwayDeg = 3
		}
		if cfg.Sensors.Sim.FieldUT <= 0 {
			cfg.Sensors.Sim.FieldUT = 48
		}
	case "imu":
		if cfg.Sensors.IMU.I2CBus == 0 {
			cfg.Sensors.IMU.I2CBus = 1
		}
		if cfg.Sensors.IMU.Addr == 0 {
			cfg.Sensors.IMU.Addr = 0x68
		}
		if cfg.Sensors.IMU.Addr > 0x7F {
			return fmt.Errorf("sensors.imu.addr must be a 7-bit address")
		}
	case "replay":
		if cfg.Sensors.Replay.Path == "" {
			return fmt.Errorf("sensors.replay.path is required when sensors.source is replay")
		}
		if cfg.Sensors.Replay.Speed == 0 {
			cfg.Sensors.Replay.Speed = 1
		}
		if cfg.Sensors.Replay.Speed < 0 {
			return fmt.Errorf("sensors.replay.speed must be > 0")
		}
	case "remote":
		if cfg.Location.Source != "remote" {
			return fmt.Errorf("sensors.source remote requires location.source remote")
		}
	default:
		return fmt.Errorf("sensors.source must be sim, imu, replay or remote")
	}
	if cfg.Location.Source == "remote" && cfg.Sensors.Source != "remote" {
		return fmt.Errorf("location.source remote requires sensors.source remote")
	}
	if cfg.Sensors.Record.Enable {
		if cfg.Sensors.Record.Path == "" {
			return fmt.Errorf("sensors.record.path is required when sensors.record.enable is true")
		}
		if cfg.Sensors.Source == "replay" && filepath.Clean(cfg.Sensors.Record.Path) == filepath.Clean(cfg.Sensors.Replay.Path) {
			return fmt.Errorf("sensors.record.path must differ from sensors.replay.path")
		}
	}

	if cfg.Fusion.MinInterval == 0 {
		cfg.Fusion.MinInterval = 16 * time.Millisecond
	}

	if cfg.UDP.Enable && cfg.UDP.Dest == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}
	if cfg.UDP.Interval <= 0 {
		cfg.UDP.Interval = 100 * time.Millisecond
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	if cfg.Log.BufferLines <= 0 {
		cfg.Log.BufferLines = 2000
	}
	return nil
}

func validateCoordinate(prefix string, c StaticLocation) error {
	if math.IsNaN(c.LatDeg) || math.IsInf(c.LatDeg, 0) || c.LatDeg < -90 || c.LatDeg > 90 {
		return fmt.Errorf("%s.lat_deg must be within [-90,90]", prefix)
	}
	if math.IsNaN(c.LonDeg) || math.IsInf(c.LonDeg, 0) || c.LonDeg < -180 || c.LonDeg > 180 {
		return fmt.Errorf("%s.lon_deg must be within [-180,180]", prefix)
	}
	return nil
}

// Save validates cfg and writes it to path atomically.
func Save(path string, cfg Config) error {
	if err := DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
