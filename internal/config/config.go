// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

// Package config loads and validates application configuration from layered
// sources: built-in defaults, an optional YAML file, and environment
// variables (highest priority).
package config

import (
	"fmt"
	"time"
)

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Cache      CacheConfig      `koanf:"cache"`
	Aggregator AggregatorConfig `koanf:"aggregator"`
	Sync       SyncConfig       `koanf:"sync"`
	Realtime   RealtimeConfig   `koanf:"realtime"`
	Security   SecurityConfig   `koanf:"security"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// DatabaseConfig holds persistent store settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
}

// CacheConfig holds the in-memory cache settings.
type CacheConfig struct {
	// DefaultTTL applies to entries written without an explicit TTL.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	// EventRelayTTL bounds how long published events stay available for
	// best-effort replay.
	EventRelayTTL time.Duration `koanf:"event_relay_ttl"`
}

// AggregatorConfig holds settings for the external financial-data provider.
type AggregatorConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`

	// Timeout applies per request; exceeding it surfaces as a transient
	// network error.
	Timeout time.Duration `koanf:"timeout"`

	// RateLimit is the maximum requests per second to the provider.
	// Zero disables client-side rate limiting.
	RateLimit float64 `koanf:"rate_limit"`
}

// SyncConfig holds sync scheduling settings.
type SyncConfig struct {
	// MinInterval is the floor for schedule intervals. Requests below it
	// are clamped up, not rejected.
	MinInterval time.Duration `koanf:"min_interval"`

	// DefaultInterval is used when a schedule request does not specify one.
	DefaultInterval time.Duration `koanf:"default_interval"`

	// MaxConsecutiveFailures is the failure count at which a schedule
	// transitions to failed instead of retrying.
	MaxConsecutiveFailures int `koanf:"max_consecutive_failures"`

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff
	// applied between failed ticks.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`
}

// RealtimeConfig holds WebSocket connection settings.
type RealtimeConfig struct {
	MaxConnectionsPerUser int           `koanf:"max_connections_per_user"`
	PingInterval          time.Duration `koanf:"ping_interval"`
	PingTimeout           time.Duration `koanf:"ping_timeout"`
	WriteTimeout          time.Duration `koanf:"write_timeout"`
	SendBuffer            int           `koanf:"send_buffer"`
}

// SecurityConfig holds identity verification settings.
type SecurityConfig struct {
	// JWTSecret signs and verifies client identity tokens. Required.
	JWTSecret string `koanf:"jwt_secret"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Aggregator.BaseURL == "" {
		return fmt.Errorf("aggregator.base_url is required")
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}
	if c.Sync.MinInterval <= 0 {
		return fmt.Errorf("sync.min_interval must be positive")
	}
	if c.Sync.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("sync.max_consecutive_failures must be positive")
	}
	if c.Realtime.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("realtime.max_connections_per_user must be positive")
	}
	if c.Realtime.PingTimeout >= c.Realtime.PingInterval {
		return fmt.Errorf("realtime.ping_timeout must be shorter than ping_interval")
	}
	return nil
}
