// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package config holds the engine's configuration, loaded through Koanf with
// layered sources: built-in defaults, an optional YAML file, then environment
// variables.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Progress ProgressConfig `koanf:"progress"`
	Bus      BusConfig      `koanf:"bus"`
	Queue    QueueConfig    `koanf:"queue"`
	Agent    AgentConfig    `koanf:"agent"`
	API      APIConfig      `koanf:"api"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig configures record persistence.
type DatabaseConfig struct {
	// Backend selects the store implementation: "badger" or "memory".
	Backend string `koanf:"backend"`
	// Path is the Badger data directory.
	Path string `koanf:"path"`
}

// ProgressConfig configures the progress entry store.
type ProgressConfig struct {
	Dir string `koanf:"dir"`
}

// BusConfig configures the in-process event bus.
type BusConfig struct {
	// Buffer is the per-subscriber channel buffer before publishing blocks.
	Buffer int64 `koanf:"buffer"`
}

// QueueConfig configures the job queue.
type QueueConfig struct {
	Workers int `koanf:"workers"`
	// MaxAttempts and RetryDelay apply to plans without their own budget.
	MaxAttempts int           `koanf:"max_attempts"`
	RetryDelay  time.Duration `koanf:"retry_delay"`
}

// AgentConfig configures the remote-device control channel.
type AgentConfig struct {
	// Enabled turns remote agent support on. When off, only the local
	// device is reachable and no NATS connection is made.
	Enabled bool `koanf:"enabled"`

	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`

	SubjectPrefix  string        `koanf:"subject_prefix"`
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// Circuit breaker settings for per-device command dispatch.
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerOpenFor     time.Duration `koanf:"breaker_open_for"`
}

// APIConfig configures the HTTP API surface.
type APIConfig struct {
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
	Caller bool   `koanf:"caller"`
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Backend {
	case "badger":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path required for badger backend")
		}
	case "memory":
	default:
		return fmt.Errorf("database.backend %q is not supported", c.Database.Backend)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if c.Agent.Enabled && !c.Agent.EmbeddedServer && c.Agent.URL == "" {
		return fmt.Errorf("agent.url required when the embedded server is disabled")
	}
	return nil
}
