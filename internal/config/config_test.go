// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `
listen-addr: ":9999"
log-format: text
sweep-interval: 1m
rate-limit-burst: 5
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 5, cfg.RateLimitBurst)

	// Untouched keys keep their defaults.
	assert.Equal(t, Default().MetricsAddr, cfg.MetricsAddr)
	assert.Equal(t, Default().SendBuffer, cfg.SendBuffer)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config file")
}

func TestLoadFlagPrecedence(t *testing.T) {
	path := writeConfigFile(t, `
listen-addr: ":9999"
log-level: warn
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen-addr", Default().ListenAddr, "")
	flags.String("log-level", Default().LogLevel, "")
	require.NoError(t, flags.Parse([]string{"--listen-addr=:7777"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	// Set flags beat the file; unset flags do not.
	assert.Equal(t, ":7777", cfg.ListenAddr)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	valid := Default()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty listen addr",
			mutate:  func(c *Config) { c.ListenAddr = "" },
			wantErr: "listen-addr",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "log-format",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "log-level",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *Config) { c.SweepInterval = 0 },
			wantErr: "sweep-interval",
		},
		{
			name:    "zero send buffer",
			mutate:  func(c *Config) { c.SendBuffer = 0 },
			wantErr: "send-buffer",
		},
		{
			name:    "zero rate limit burst",
			mutate:  func(c *Config) { c.RateLimitBurst = 0 },
			wantErr: "rate limit",
		},
		{
			name:    "negative rate limit rate",
			mutate:  func(c *Config) { c.RateLimitRate = -1 },
			wantErr: "rate limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadInvalidConfigFails(t *testing.T) {
	path := writeConfigFile(t, `log-format: csv`)
	_, err := Load(path, nil)
	require.Error(t, err)
}
