// Package config loads cue's configuration from ~/.cue/config.yaml with
// environment overrides. All settings have working defaults; the file is
// optional.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig tunes the message queue worker.
type QueueConfig struct {
	// TickIntervalSeconds is how often the worker runs a delivery pass.
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	// ClaimLimit bounds how many conversations a single tick serves.
	ClaimLimit int `yaml:"claim_limit"`
	// PendingTimeoutMinutes is how long a request may sit unanswered before
	// the sweep auto-cancels it. Pause requests are never swept.
	PendingTimeoutMinutes int `yaml:"pending_timeout_minutes"`
}

// LeaseConfig tunes the shared worker lease.
type LeaseConfig struct {
	Key        string `yaml:"key"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// RendezvousConfig tunes the blocking cue/pause wait.
type RendezvousConfig struct {
	PollIntervalMillis int `yaml:"poll_interval_ms"`
	// CueTimeoutSeconds is the default wait before a cue is auto-cancelled.
	CueTimeoutSeconds int `yaml:"cue_timeout_seconds"`
}

// ScheduleConfig tunes the cron auto-reply scheduler.
type ScheduleConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
}

// OtelConfig mirrors the otel package config in yaml form.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath overrides the default <home>/cue.db location.
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	// Quiet suppresses stderr logging; the jsonl file log always runs.
	Quiet bool `yaml:"quiet"`

	Queue      QueueConfig      `yaml:"queue"`
	Lease      LeaseConfig      `yaml:"lease"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Otel       OtelConfig       `yaml:"otel"`
}

// Duration accessors so callers never multiply units themselves.

func (c Config) QueueTickInterval() time.Duration {
	return time.Duration(c.Queue.TickIntervalSeconds) * time.Second
}

func (c Config) PendingTimeout() time.Duration {
	return time.Duration(c.Queue.PendingTimeoutMinutes) * time.Minute
}

func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Rendezvous.PollIntervalMillis) * time.Millisecond
}

func (c Config) CueTimeout() time.Duration {
	return time.Duration(c.Rendezvous.CueTimeoutSeconds) * time.Second
}

func (c Config) ScheduleTickInterval() time.Duration {
	return time.Duration(c.Schedule.TickIntervalSeconds) * time.Second
}

// ResolvedDBPath returns the effective database path.
func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "cue.db")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a process is running with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|tick=%d|claim=%d|sweep=%d|lease=%s/%d|poll=%d|cue=%d",
		c.ResolvedDBPath(), c.LogLevel,
		c.Queue.TickIntervalSeconds, c.Queue.ClaimLimit, c.Queue.PendingTimeoutMinutes,
		c.Lease.Key, c.Lease.TTLSeconds,
		c.Rendezvous.PollIntervalMillis, c.Rendezvous.CueTimeoutSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Queue: QueueConfig{
			TickIntervalSeconds:   1,
			ClaimLimit:            20,
			PendingTimeoutMinutes: 10,
		},
		Lease: LeaseConfig{
			Key:        "cue-queue-worker",
			TTLSeconds: 15,
		},
		Rendezvous: RendezvousConfig{
			PollIntervalMillis: 500,
			CueTimeoutSeconds:  600,
		},
		Schedule: ScheduleConfig{
			TickIntervalSeconds: 60,
		},
	}
}

// HomeDir resolves the cue home directory (GOCUE_HOME or ~/.cue).
func HomeDir() string {
	if override := os.Getenv("GOCUE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cue")
}

// Load reads config.yaml from the cue home, applies env overrides, and fills
// defaults. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create cue home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Queue.TickIntervalSeconds <= 0 {
		cfg.Queue.TickIntervalSeconds = 1
	}
	if cfg.Queue.ClaimLimit <= 0 || cfg.Queue.ClaimLimit > 50 {
		cfg.Queue.ClaimLimit = 20
	}
	if cfg.Queue.PendingTimeoutMinutes <= 0 {
		cfg.Queue.PendingTimeoutMinutes = 10
	}
	if cfg.Lease.Key == "" {
		cfg.Lease.Key = "cue-queue-worker"
	}
	if cfg.Lease.TTLSeconds <= 0 {
		cfg.Lease.TTLSeconds = 15
	}
	if cfg.Rendezvous.PollIntervalMillis <= 0 {
		cfg.Rendezvous.PollIntervalMillis = 500
	}
	if cfg.Rendezvous.CueTimeoutSeconds <= 0 {
		cfg.Rendezvous.CueTimeoutSeconds = 600
	}
	if cfg.Schedule.TickIntervalSeconds <= 0 {
		cfg.Schedule.TickIntervalSeconds = 60
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOCUE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOCUE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOCUE_QUIET"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Quiet = v
		}
	}
	if raw := os.Getenv("GOCUE_CUE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Rendezvous.CueTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOCUE_TICK_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.TickIntervalSeconds = v
		}
	}
	if raw := os.Getenv("GOCUE_LEASE_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lease.TTLSeconds = v
		}
	}
}
