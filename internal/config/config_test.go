// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

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

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 1024, cfg.HubQueueSize)
	assert.Equal(t, 250*time.Millisecond, cfg.HubReorderWindow)
	assert.Equal(t, 5, cfg.AppendMaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.AppendRetryBase)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "puzzlehub.yaml")
	contents := "listen_addr: 0.0.0.0:9000\nhub:\n  queue_size: 64\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, 64, cfg.HubQueueSize)
	// Untouched keys keep their default.
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "puzzlehub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: 0.0.0.0:9000\n"), 0o600))

	t.Setenv("PUZZLEHUB_LISTEN_ADDR", "0.0.0.0:7000")
	t.Setenv("PUZZLEHUB_DATABASE_URL", "postgres://env/db")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7000", cfg.ListenAddr)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("PUZZLEHUB_LISTEN_ADDR", "0.0.0.0:7000")

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.String("listen_addr", "127.0.0.1:8080", "")
	require.NoError(t, flags.Set("listen_addr", "0.0.0.0:6000"))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:6000", cfg.ListenAddr)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/puzzlehub.yaml", nil)
	require.Error(t, err)
}

func TestValidate_RequiresDatabaseURL(t *testing.T) {
	cfg := &Config{ListenAddr: "x", LogFormat: "json", HubQueueSize: 1}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsUnknownLogFormat(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://x", ListenAddr: "x", LogFormat: "xml", HubQueueSize: 1}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveQueueSize(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://x", ListenAddr: "x", LogFormat: "json", HubQueueSize: 0}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	cfg := &Config{
		DatabaseURL:      "postgres://x",
		ListenAddr:       "x",
		LogFormat:        "text",
		HubQueueSize:     1,
		AppendMaxRetries: 5,
		AppendRetryBase:  10 * time.Millisecond,
	}
	require.NoError(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveRetryBase(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://x", ListenAddr: "x", LogFormat: "json", HubQueueSize: 1, AppendRetryBase: 0}
	err := cfg.Validate()
	require.Error(t, err)
}
