// Package config loads the YAML configuration for the edge daemon and the
// cloud hub. Load returns an immutable snapshot; Reload produces a fresh
// snapshot rather than mutating a shared one, so running components keep
// the settings they started with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration lets YAML documents spell durations as "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	DeviceID string     `yaml:"device_id"`
	TenantID string     `yaml:"tenant_id"`
	Store    Store      `yaml:"store"`
	Sync     Sync       `yaml:"sync"`
	Server   Server     `yaml:"server"`
	Archive  Archive    `yaml:"archive"`
	Resolver Resolution `yaml:"resolver"`
}

// Store selects and parameterizes the persistence backend.
type Store struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path,omitempty"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn,omitempty"`
}

// Sync tunes the edge sync worker and hub endpoint.
type Sync struct {
	HubURL       string   `yaml:"hub_url"`
	Token        string   `yaml:"token,omitempty"`
	Compress     bool     `yaml:"compress"`
	Interval     Duration `yaml:"interval"`
	BatchSize    int      `yaml:"batch_size"`
	RetryBackoff Duration `yaml:"retry_backoff"`
	MaxBackoff   Duration `yaml:"max_backoff"`
	MaxRetries   int      `yaml:"max_retries"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token,omitempty"`
}

// Archive enables the S3 event archive on the hub.
type Archive struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Resolution holds profile resolution defaults.
type Resolution struct {
	AllowPartialLineage  bool `yaml:"allow_partial_lineage"`
	AllowComputedOverlay bool `yaml:"allow_computed_overlay"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	return Config{
		Store: Store{Driver: "sqlite", Path: "floracore.db"},
		Sync: Sync{
			Interval:     Duration(30 * time.Second),
			BatchSize:    200,
			RetryBackoff: Duration(time.Second),
			MaxBackoff:   Duration(2 * time.Minute),
			MaxRetries:   5,
		},
		Server: Server{Addr: ":8080"},
	}
}

// Load reads the YAML file at path, layers it over Default, and applies
// environment overrides. An empty path yields defaults plus env.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Reload re-reads the file and returns a new snapshot. Callers swap the
// snapshot atomically; in-flight work keeps the old one.
func Reload(path string) (Config, error) { return Load(path) }

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLORACORE_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("FLORACORE_TENANT_ID"); v != "" {
		cfg.TenantID = v
	}
	if v := os.Getenv("FLORACORE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("FLORACORE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLORACORE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("FLORACORE_HUB_URL"); v != "" {
		cfg.Sync.HubURL = v
	}
	if v := os.Getenv("FLORACORE_SYNC_TOKEN"); v != "" {
		cfg.Sync.Token = v
	}
	if v := os.Getenv("FLORACORE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FLORACORE_SERVER_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch size must be positive")
	}
	return nil
}
