// Package daemon manages the boop daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/boop-network/boop/internal/app/session"
	"github.com/boop-network/boop/internal/infra/bluez"
	"github.com/boop-network/boop/internal/infra/discovery"
	"github.com/boop-network/boop/internal/infra/lanlink"
	"github.com/boop-network/boop/internal/infra/ranging"
	"github.com/boop-network/boop/internal/infra/scheduler"
)

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Ranging   RangingConfig   `toml:"ranging"`
	Boop      BoopConfig      `toml:"boop"`
	Transport TransportConfig `toml:"transport"`
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// NodeConfig identifies this node. An empty ID uses the one persisted in
// the database, generating it on first run.
type NodeConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// DiscoveryConfig controls the peer registry.
type DiscoveryConfig struct {
	StaleThreshold string `toml:"stale_threshold"`
	SweepInterval  string `toml:"sweep_interval"`
}

// RangingConfig controls proximity classification.
type RangingConfig struct {
	Enabled            bool    `toml:"enabled"`
	TouchingDistance   float64 `toml:"touching_distance"`
	PointingMaxDist    float64 `toml:"pointing_max_distance"`
	MaxHorizontalAngle float64 `toml:"max_horizontal_angle"`
	MaxVerticalAngle   float64 `toml:"max_vertical_angle"`
}

// BoopConfig controls the boop queue.
type BoopConfig struct {
	AutoBoop    bool   `toml:"auto_boop"`
	Interval    string `toml:"interval"`
	MaxAttempts int    `toml:"max_attempts"`
	BaseDelay   string `toml:"base_delay"`
	MaxDelay    string `toml:"max_delay"`
}

// TransportConfig selects and configures the radio.
type TransportConfig struct {
	Kind string `toml:"kind"` // lanlink, bluez or loopback

	// lanlink
	Listen         string   `toml:"listen"`
	Advertise      string   `toml:"advertise"`
	Seeds          []string `toml:"seeds"`
	BeaconInterval string   `toml:"beacon_interval"`
	DialTimeout    string   `toml:"dial_timeout"`
	Insecure       bool     `toml:"insecure"`

	// bluez
	Adapter        string `toml:"adapter"`
	ConnectTimeout string `toml:"connect_timeout"`

	// loopback
	SimPeers int `toml:"sim_peers"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig controls the history journal.
type StorageConfig struct {
	History        bool   `toml:"history"`
	Retention      string `toml:"retention"`
	RecorderBuffer int    `toml:"recorder_buffer"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"` // info or debug
	File  string `toml:"file"`  // empty logs to stderr
}

// TelemetryConfig controls metrics export.
type TelemetryConfig struct {
	Prometheus     bool   `toml:"prometheus"`
	HealthInterval string `toml:"health_interval"`
}

// Transport kinds.
const (
	TransportLAN      = "lanlink"
	TransportBlueZ    = "bluez"
	TransportLoopback = "loopback"
)

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	th := ranging.DefaultThresholds()
	return Config{
		Discovery: DiscoveryConfig{
			StaleThreshold: "5s",
			SweepInterval:  "2s",
		},
		Ranging: RangingConfig{
			Enabled:            true,
			TouchingDistance:   th.TouchingDistance,
			PointingMaxDist:    th.PointingMaxDist,
			MaxHorizontalAngle: th.MaxHorizontalAngle,
			MaxVerticalAngle:   th.MaxVerticalAngle,
		},
		Boop: BoopConfig{
			AutoBoop:    true,
			Interval:    "250ms",
			MaxAttempts: 3,
			BaseDelay:   "250ms",
			MaxDelay:    "2s",
		},
		Transport: TransportConfig{
			Kind:           TransportLAN,
			Listen:         "0.0.0.0:7420",
			BeaconInterval: "1s",
			DialTimeout:    "3s",
			Adapter:        "hci0",
			ConnectTimeout: "10s",
			SimPeers:       3,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7421,
		},
		Storage: StorageConfig{
			History:        true,
			Retention:      "720h",
			RecorderBuffer: 256,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Prometheus:     true,
			HealthInterval: "15s",
		},
	}
}

// LoadConfig reads config from $BOOP_HOME/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(boopHome(), "config.toml"))
}

// LoadConfigFile reads config from path. A missing file yields the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Transport.Kind {
	case TransportLAN, TransportBlueZ, TransportLoopback:
	default:
		return fmt.Errorf("transport.kind %q: want %s, %s or %s", c.Transport.Kind, TransportLAN, TransportBlueZ, TransportLoopback)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Boop.MaxAttempts <= 0 {
		return fmt.Errorf("boop.max_attempts must be positive, got %d", c.Boop.MaxAttempts)
	}
	if c.Transport.SimPeers < 0 {
		return fmt.Errorf("transport.sim_peers must not be negative")
	}
	if c.Ranging.TouchingDistance < 0 || c.Ranging.PointingMaxDist < 0 {
		return fmt.Errorf("ranging distances must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "info", "debug":
	default:
		return fmt.Errorf("logging.level %q: want info or debug", c.Logging.Level)
	}
	return nil
}

// SaveConfig writes the config to $BOOP_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(boopHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// ─── Component configs ──────────────────────────────────────────────────────

// SessionConfig converts the file settings into the coordinator's config.
func (c Config) SessionConfig() session.Config {
	def := session.DefaultConfig()
	out := def
	out.Discovery = discovery.Config{
		StaleThreshold: parseDuration(c.Discovery.StaleThreshold, def.Discovery.StaleThreshold),
		SweepInterval:  parseDuration(c.Discovery.SweepInterval, def.Discovery.SweepInterval),
	}
	out.Thresholds = ranging.Thresholds{
		TouchingDistance:   c.Ranging.TouchingDistance,
		PointingMaxDist:    c.Ranging.PointingMaxDist,
		MaxHorizontalAngle: c.Ranging.MaxHorizontalAngle,
		MaxVerticalAngle:   c.Ranging.MaxVerticalAngle,
	}
	out.Retry = scheduler.RetryConfig{
		MaxAttempts: c.Boop.MaxAttempts,
		BaseDelay:   parseDuration(c.Boop.BaseDelay, def.Retry.BaseDelay),
		MaxDelay:    parseDuration(c.Boop.MaxDelay, def.Retry.MaxDelay),
	}
	out.BoopInterval = parseDuration(c.Boop.Interval, def.BoopInterval)
	out.AutoBoop = c.Boop.AutoBoop
	return out
}

// LANConfig converts the transport section for lanlink.
func (c Config) LANConfig() lanlink.Config {
	def := lanlink.DefaultConfig()
	return lanlink.Config{
		ListenAddr:     c.Transport.Listen,
		AdvertiseAddr:  c.Transport.Advertise,
		Seeds:          c.Transport.Seeds,
		BeaconInterval: parseDuration(c.Transport.BeaconInterval, def.BeaconInterval),
		DialTimeout:    parseDuration(c.Transport.DialTimeout, def.DialTimeout),
		Insecure:       c.Transport.Insecure,
	}
}

// BlueZConfig converts the transport section for bluez.
func (c Config) BlueZConfig() bluez.Config {
	def := bluez.DefaultConfig()
	return bluez.Config{
		Adapter:        c.Transport.Adapter,
		ConnectTimeout: parseDuration(c.Transport.ConnectTimeout, def.ConnectTimeout),
	}
}

// Debug reports whether per-message trace logging is on.
func (c Config) Debug() bool {
	return strings.EqualFold(c.Logging.Level, "debug")
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// boopHome returns the boop data directory.
func boopHome() string {
	if env := os.Getenv("BOOP_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".boop")
}

// BoopHome is exported for use by other packages.
func BoopHome() string {
	return boopHome()
}
