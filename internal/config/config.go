package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Adb    AdbConfig    `yaml:"adb"`
	Mirror MirrorConfig `yaml:"mirror"`
	Events EventsConfig `yaml:"events"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AdbConfig struct {
	// Path is the adb binary. Resolved via $PATH when relative.
	Path string `yaml:"path"`

	// PollInterval is the device enumeration period. A liveness/cost
	// tradeoff, not a correctness parameter.
	PollInterval time.Duration `yaml:"poll_interval"`

	// HealthThreshold is the number of consecutive probe failures before
	// a degraded-probe diagnostic is emitted.
	HealthThreshold int `yaml:"health_threshold"`
}

type MirrorConfig struct {
	// ScrcpyPath is the mirroring binary. Resolved via $PATH when relative.
	ScrcpyPath string `yaml:"scrcpy_path"`

	// DefaultArgs are passed to every mirroring process before any
	// per-request args.
	DefaultArgs []string `yaml:"default_args"`

	// ExitPollInterval is how often a running session is checked for
	// self-initiated process exit.
	ExitPollInterval time.Duration `yaml:"exit_poll_interval"`

	// SweepOrphans kills leftover mirroring processes from a previous
	// daemon run at startup.
	SweepOrphans bool `yaml:"sweep_orphans"`
}

type EventsConfig struct {
	// SnapshotInterval is the period of full state snapshots pushed to
	// WebSocket clients, in addition to incremental events.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// ClientBuffer is the per-client outbound message buffer. Clients
	// that fall this far behind are disconnected.
	ClientBuffer int `yaml:"client_buffer"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8924,
			Host: "127.0.0.1",
		},
		Adb: AdbConfig{
			Path:            "adb",
			PollInterval:    2 * time.Second,
			HealthThreshold: 3,
		},
		Mirror: MirrorConfig{
			ScrcpyPath:       "scrcpy",
			ExitPollInterval: 500 * time.Millisecond,
			SweepOrphans:     true,
		},
		Events: EventsConfig{
			SnapshotInterval: 5 * time.Second,
			ClientBuffer:     256,
		},
	}
}

// Load reads a YAML config file on top of the defaults. Zero values in the
// file fall back to the default for that field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyFallbacks()

	// Environment override for the secret so the token can stay out of
	// the config file.
	if envToken := os.Getenv("DROIDMIRROR_AUTH_TOKEN"); envToken != "" {
		cfg.Server.AuthToken = envToken
	}

	return cfg, nil
}

// applyFallbacks restores defaults for fields the file set to zero values.
// yaml.Unmarshal overwrites rather than merges, so an explicit
// `poll_interval: 0` and an absent key both land here.
func (c *Config) applyFallbacks() {
	def := Default()
	if c.Server.Port <= 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Adb.Path == "" {
		c.Adb.Path = def.Adb.Path
	}
	if c.Adb.PollInterval <= 0 {
		c.Adb.PollInterval = def.Adb.PollInterval
	}
	if c.Adb.HealthThreshold <= 0 {
		c.Adb.HealthThreshold = def.Adb.HealthThreshold
	}
	if c.Mirror.ScrcpyPath == "" {
		c.Mirror.ScrcpyPath = def.Mirror.ScrcpyPath
	}
	if c.Mirror.ExitPollInterval <= 0 {
		c.Mirror.ExitPollInterval = def.Mirror.ExitPollInterval
	}
	if c.Events.SnapshotInterval <= 0 {
		c.Events.SnapshotInterval = def.Events.SnapshotInterval
	}
	if c.Events.ClientBuffer <= 0 {
		c.Events.ClientBuffer = def.Events.ClientBuffer
	}
}
