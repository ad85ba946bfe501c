// Package config loads ServiceHub's process configuration from the
// environment, per spec.md §6 and SPEC_FULL.md §6.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the top level configuration struct for the ServiceHub process.
type Config struct {
	EnvName  string `env:"ENV_NAME" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ServerAddress string `env:"SERVER_ADDRESS" envDefault:":8080"`

	DatabaseURL string `env:"DATABASE_URL"`

	// EncryptionKey seeds credentials.Cipher; must be >= 32 bytes, per
	// spec.md §6.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	PollIntervalSeconds    int `env:"POLL_INTERVAL_SECONDS" envDefault:"10"`
	MaxParallelNamespaces  int `env:"MAX_PARALLEL_NAMESPACES" envDefault:"10"`
	PeekPageSize           int `env:"PEEK_PAGE_SIZE" envDefault:"100"`
	PerEntitySafetyCap     int `env:"PER_ENTITY_SAFETY_CAP" envDefault:"10000"`

	// MonitorTickDeadlineMultiplier bounds one scheduler tick's deadline as
	// a multiple of PollIntervalSeconds, per spec.md §4.6's "5x tick
	// deadline" default.
	MonitorTickDeadlineMultiplier int `env:"MONITOR_TICK_DEADLINE_MULTIPLIER" envDefault:"5"`
	SchedulerStopGraceSeconds     int `env:"SCHEDULER_STOP_GRACE_SECONDS" envDefault:"10"`

	ReplayWorkers int `env:"REPLAY_WORKERS" envDefault:"0"` // 0 means equal to MaxParallelNamespaces, per spec.md §5

	BrokerCallTimeoutSeconds          int `env:"BROKER_CALL_TIMEOUT_SECONDS" envDefault:"30"`
	MonitorNamespaceTimeoutSeconds    int `env:"MONITOR_NAMESPACE_TIMEOUT_SECONDS" envDefault:"120"`
	ReplayAttemptTimeoutSeconds       int `env:"REPLAY_ATTEMPT_TIMEOUT_SECONDS" envDefault:"30"`
}

// PollInterval is PollIntervalSeconds as a time.Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// TickDeadline is the scheduler's per-tick context deadline, per spec.md
// §4.6.
func (c Config) TickDeadline() time.Duration {
	return c.PollInterval() * time.Duration(c.MonitorTickDeadlineMultiplier)
}

// SchedulerStopGrace is SchedulerStopGraceSeconds as a time.Duration.
func (c Config) SchedulerStopGrace() time.Duration {
	return time.Duration(c.SchedulerStopGraceSeconds) * time.Second
}

// ReplayWorkerCount resolves ReplayWorkers, defaulting to
// MaxParallelNamespaces when unset, per spec.md §5's "R default equal to
// W" requirement.
func (c Config) ReplayWorkerCount() int {
	if c.ReplayWorkers > 0 {
		return c.ReplayWorkers
	}

	return c.MaxParallelNamespaces
}

// BrokerCallTimeout is BrokerCallTimeoutSeconds as a time.Duration.
func (c Config) BrokerCallTimeout() time.Duration {
	return time.Duration(c.BrokerCallTimeoutSeconds) * time.Second
}

// MonitorNamespaceTimeout is MonitorNamespaceTimeoutSeconds as a
// time.Duration.
func (c Config) MonitorNamespaceTimeout() time.Duration {
	return time.Duration(c.MonitorNamespaceTimeoutSeconds) * time.Second
}

// ReplayAttemptTimeout is ReplayAttemptTimeoutSeconds as a time.Duration.
func (c Config) ReplayAttemptTimeout() time.Duration {
	return time.Duration(c.ReplayAttemptTimeoutSeconds) * time.Second
}

// Validate reports a descriptive error for a config that would make the
// process unsafe or nonsensical to start.
func (c Config) Validate() error {
	if len(c.EncryptionKey) < 32 {
		return fmt.Errorf("config: ENCRYPTION_KEY must be at least 32 bytes, got %d", len(c.EncryptionKey))
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}

	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL_SECONDS must be > 0")
	}

	if c.MaxParallelNamespaces <= 0 {
		return fmt.Errorf("config: MAX_PARALLEL_NAMESPACES must be > 0")
	}

	return nil
}

// Load reads a .env file if present (missing is not an error) and then
// parses the environment into a Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: loading .env: %w", err)
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing environment: %w", err)
	}

	return cfg, nil
}
