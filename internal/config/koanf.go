// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/coinflow/config.yaml",
	"/etc/coinflow/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and environment.
//
// PingInterval/PingTimeout and MaxConnectionsPerUser carry the values the
// client protocol was designed around (30s/10s/5); change them only together
// with the clients.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8460,
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "/data/coinflow.db",
		},
		Cache: CacheConfig{
			DefaultTTL:    5 * time.Minute,
			EventRelayTTL: 60 * time.Second,
		},
		Aggregator: AggregatorConfig{
			BaseURL:   "",
			APIKey:    "",
			Timeout:   15 * time.Second,
			RateLimit: 10,
		},
		Sync: SyncConfig{
			MinInterval:            time.Minute,
			DefaultInterval:        60 * time.Minute,
			MaxConsecutiveFailures: 5,
			RetryBaseDelay:         2 * time.Second,
			RetryMaxDelay:          5 * time.Minute,
		},
		Realtime: RealtimeConfig{
			MaxConnectionsPerUser: 5,
			PingInterval:          30 * time.Second,
			PingTimeout:           10 * time.Second,
			WriteTimeout:          10 * time.Second,
			SendBuffer:            256,
		},
		Security: SecurityConfig{
			JWTSecret: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds configuration from layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if present)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so arbitrary environment noise cannot leak
// into the configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"http_host":    "server.host",
		"http_port":    "server.port",
		"http_timeout": "server.timeout",

		"database_path": "database.path",

		"cache_default_ttl":     "cache.default_ttl",
		"cache_event_relay_ttl": "cache.event_relay_ttl",

		"aggregator_base_url":   "aggregator.base_url",
		"aggregator_api_key":    "aggregator.api_key",
		"aggregator_timeout":    "aggregator.timeout",
		"aggregator_rate_limit": "aggregator.rate_limit",

		"sync_min_interval":     "sync.min_interval",
		"sync_default_interval": "sync.default_interval",
		"sync_max_failures":     "sync.max_consecutive_failures",
		"sync_retry_base_delay": "sync.retry_base_delay",
		"sync_retry_max_delay":  "sync.retry_max_delay",

		"ws_max_connections_per_user": "realtime.max_connections_per_user",
		"ws_ping_interval":            "realtime.ping_interval",
		"ws_ping_timeout":             "realtime.ping_timeout",
		"ws_write_timeout":            "realtime.write_timeout",
		"ws_send_buffer":              "realtime.send_buffer",

		"jwt_secret": "security.jwt_secret",

		"log_level":  "logging.level",
		"log_format": "logging.format",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
