// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

// Package config loads PuzzleHub's runtime configuration by layering
// defaults, an optional YAML file, environment variables, and CLI flags.
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

// Config is PuzzleHub's full runtime configuration.
type Config struct {
	DatabaseURL      string        `koanf:"database_url"`
	ListenAddr       string        `koanf:"listen_addr"`
	MetricsAddr      string        `koanf:"metrics_addr"`
	LogFormat        string        `koanf:"log_format"`
	HubQueueSize     int           `koanf:"hub.queue_size"`
	HubReorderWindow time.Duration `koanf:"hub.reorder_window"`
	AppendMaxRetries int           `koanf:"append.max_retries"`
	AppendRetryBase  time.Duration `koanf:"append.retry_base"`
}

// defaults mirrors the field tags above; koanf unmarshals into Config
// using these as the base layer before file/env/flags override them.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"database_url":       "",
		"listen_addr":        "127.0.0.1:8080",
		"metrics_addr":       "127.0.0.1:9100",
		"log_format":         "json",
		"hub.queue_size":     1024,
		"hub.reorder_window": 250 * time.Millisecond,
		"append.max_retries": 5,
		"append.retry_base":  10 * time.Millisecond,
	}
}

// Validate checks that cfg is complete enough to start the server.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database_url is required (set PUZZLEHUB_DATABASE_URL or --database_url)")
	}
	if c.ListenAddr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("listen_addr must not be empty")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code("CONFIG_INVALID").With("log_format", c.LogFormat).Errorf("log_format must be 'json' or 'text'")
	}
	if c.HubQueueSize <= 0 {
		return oops.Code("CONFIG_INVALID").With("hub.queue_size", c.HubQueueSize).Errorf("hub.queue_size must be > 0")
	}
	if c.AppendMaxRetries < 0 {
		return oops.Code("CONFIG_INVALID").With("append.max_retries", c.AppendMaxRetries).Errorf("append.max_retries must be >= 0")
	}
	if c.AppendRetryBase <= 0 {
		return oops.Code("CONFIG_INVALID").With("append.retry_base", c.AppendRetryBase).Errorf("append.retry_base must be > 0")
	}
	return nil
}

// Load builds a Config by layering, in increasing precedence: built-in
// defaults, an optional YAML file at configFile (skipped if empty), the
// PUZZLEHUB_-prefixed environment, and flags already parsed onto flagSet.
func Load(configFile string, flagSet *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "defaults").Wrap(err)
	}

	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "file").With("path", configFile).Wrap(err)
		}
	}

	if err := k.Load(newEnvProvider("PUZZLEHUB_"), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if flagSet != nil {
		if err := k.Load(posflag.Provider(flagSet, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_UNMARSHAL_FAILED").Wrap(err)
	}
	return &cfg, nil
}
