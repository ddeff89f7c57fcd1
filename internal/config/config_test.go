// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "ollama", cfg.Routing.LocalProvider)
	assert.Equal(t, 2, cfg.Routing.MaxEscalations)
	assert.Equal(t, 50.0, cfg.Scoring.BaseScore)
	assert.Equal(t, 0.4, cfg.Scoring.HealthWeight)
	assert.Equal(t, "gemma:2b", cfg.Judges.VerifierModel)
	assert.Equal(t, "phi3:3.8b", cfg.Judges.ScoringModel)
	assert.Equal(t, 5*time.Minute, cfg.ProbeInterval())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9999

[routing]
local_provider = "ollama-lab"
max_escalations = 1

[security]
master_key = "from-file"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "ollama-lab", cfg.Routing.LocalProvider)
	assert.Equal(t, 1, cfg.Routing.MaxEscalations)
	assert.Equal(t, "from-file", cfg.Security.MasterKey)
	// Untouched sections keep their defaults.
	assert.Equal(t, 300, cfg.Prober.IntervalSecs)
}

func TestEnvMasterKeyWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[security]
master_key = "from-file"
`), 0o600))

	t.Setenv(EnvMasterKey, "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Security.MasterKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Security.MasterKey = "k"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing master key", func(c *Config) { c.Security.MasterKey = "" }, "master_key"},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad port", func(c *Config) { c.Server.Port = -1 }, "port"},
		{"negative escalations", func(c *Config) { c.Routing.MaxEscalations = -1 }, "max_escalations"},
		{"zero probe interval", func(c *Config) { c.Prober.IntervalSecs = 0 }, "interval_secs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[security]
master_key = "k"
`), 0o600))

	changed := make(chan *Config, 1)
	stop, err := Watch(path, func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	}, func(err error) { t.Logf("watch error: %v", err) })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9001

[security]
master_key = "k"
`), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, 9001, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload never arrived")
	}
}
