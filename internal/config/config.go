// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

// Package config loads relay configuration with koanf. Precedence, lowest
// to highest: built-in defaults, the optional YAML config file, command
// line flags.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config holds every tunable of the relay process. Field tags double as the
// YAML keys and the flag names.
type Config struct {
	// ListenAddr serves the websocket endpoint and the control-plane API.
	ListenAddr string `koanf:"listen-addr"`

	// MetricsAddr serves /metrics and the health probes. Empty disables the
	// observability server.
	MetricsAddr string `koanf:"metrics-addr"`

	LogFormat string `koanf:"log-format"`
	LogLevel  string `koanf:"log-level"`

	// SweepInterval is how often the defensive empty-room sweep runs.
	SweepInterval time.Duration `koanf:"sweep-interval"`

	// SendBuffer is the per-connection outbound channel capacity.
	SendBuffer int `koanf:"send-buffer"`

	// RateLimitBurst and RateLimitRate bound inbound frames per connection.
	RateLimitBurst int     `koanf:"rate-limit-burst"`
	RateLimitRate  float64 `koanf:"rate-limit-rate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		MetricsAddr:    "127.0.0.1:9100",
		LogFormat:      "json",
		LogLevel:       "info",
		SweepInterval:  5 * time.Minute,
		SendBuffer:     32,
		RateLimitBurst: 20,
		RateLimitRate:  10.0,
	}
}

// Load builds the effective configuration. path may be empty (no file);
// flags may be nil (no flag overrides).
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.
				Code("CONFIG_FILE").
				With("path", path).
				Wrapf(err, "failed to load config file")
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_FLAGS").Wrapf(err, "failed to load flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_UNMARSHAL").Wrapf(err, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the relay cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("listen-addr must not be empty")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.
			Code("CONFIG_INVALID").
			With("log-format", c.LogFormat).
			Errorf("log-format must be json or text")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return oops.
			Code("CONFIG_INVALID").
			With("log-level", c.LogLevel).
			Errorf("log-level must be one of debug, info, warn, error")
	}
	if c.SweepInterval <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("sweep-interval must be positive")
	}
	if c.SendBuffer <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("send-buffer must be positive")
	}
	if c.RateLimitBurst <= 0 || c.RateLimitRate <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("rate limit burst and rate must be positive")
	}
	return nil
}
