// Package config loads collabdoc's YAML configuration, following the typed
// config-struct-with-code-defaults pattern used across the example corpus
// (cuemby-warren, element-hq-dendrite) rather than a library that infers
// defaults from struct tags.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration: the Configuration Surface table
// in spec.md §6, plus connection strings for storage and the broadcast
// backplane that spec.md treats as external wiring.
type Config struct {
	Listen string `yaml:"listen"`

	RateLimitConnections    int `yaml:"rate_limit_connections"`
	RateLimitWindowSeconds  int `yaml:"rate_limit_window_seconds"`
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
	SnapshotAfterEditCount  int `yaml:"snapshot_after_edit_count"`

	Storage StorageConfig `yaml:"storage"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig selects and configures the UpdateStore backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "postgres" | "sqlite"
	DSN    string `yaml:"dsn"`
}

// NATSConfig configures the RoomHub's cross-process broadcast backplane.
// Empty URL means run in-process-only (single worker), which spec.md §4.2
// explicitly allows.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures the base logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration surface's defaults (spec.md §6 table).
func Default() Config {
	return Config{
		Listen:                  ":8080",
		RateLimitConnections:    30,
		RateLimitWindowSeconds:  60,
		SnapshotIntervalSeconds: 15,
		SnapshotAfterEditCount:  50,
		Storage:                 StorageConfig{Driver: "sqlite", DSN: "collabdoc.db"},
		Metrics:                 MetricsConfig{Listen: ":9090"},
		Log:                     LogConfig{Level: "info", JSON: true},
	}
}

// Load reads a YAML file at path and overlays it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: reading %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parsing %s", path)
	}
	return cfg, nil
}
