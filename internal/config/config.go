// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the modelmux daemon configuration.
//
// Configuration comes from a TOML file with built-in defaults; the master
// key can be supplied (or overridden) through the MODELMUX_MASTER_KEY
// environment variable so it never has to live on disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// EnvMasterKey overrides security.master_key when set.
const EnvMasterKey = "MODELMUX_MASTER_KEY"

// Config is the complete daemon configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" json:"server"`
	Database DatabaseConfig `toml:"database" json:"database"`
	Security SecurityConfig `toml:"security" json:"security"`
	Routing  RoutingConfig  `toml:"routing" json:"routing"`
	Scoring  ScoringConfig  `toml:"scoring" json:"scoring"`
	Judges   JudgeConfig    `toml:"judges" json:"judges"`
	Prober   ProberConfig   `toml:"prober" json:"prober"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `toml:"host" json:"host"`
	Port int    `toml:"port" json:"port"`
	// RequestTimeoutSecs bounds one HTTP request end to end. Generation on
	// local models can take tens of seconds, so the default is generous.
	RequestTimeoutSecs int `toml:"request_timeout_secs" json:"request_timeout_secs"`
	// MaxRequestBytes limits request body size.
	MaxRequestBytes int64 `toml:"max_request_bytes" json:"max_request_bytes"`
}

// DatabaseConfig locates the registry database.
type DatabaseConfig struct {
	Path string `toml:"path" json:"path"`
}

// SecurityConfig holds the credential encryption settings.
type SecurityConfig struct {
	// MasterKey seals provider credentials. Required; no production default.
	MasterKey string `toml:"master_key" json:"-"`
	// SaltPath stores the key-derivation salt.
	SaltPath string `toml:"salt_path" json:"salt_path"`
}

// RoutingConfig configures the routing core.
type RoutingConfig struct {
	// LocalProvider handles selector-routed chat requests.
	LocalProvider string `toml:"local_provider" json:"local_provider"`
	// AdapterTimeoutSecs bounds one generation call.
	AdapterTimeoutSecs int `toml:"adapter_timeout_secs" json:"adapter_timeout_secs"`
	// MaxEscalations caps the escalation ladder per request.
	MaxEscalations int `toml:"max_escalations" json:"max_escalations"`
}

// ScoringConfig tunes the provider scoring formula.
type ScoringConfig struct {
	BaseScore      float64 `toml:"base_score" json:"base_score"`
	HealthWeight   float64 `toml:"health_weight" json:"health_weight"`
	PriorityWeight float64 `toml:"priority_weight" json:"priority_weight"`
	MaxCostPenalty float64 `toml:"max_cost_penalty" json:"max_cost_penalty"`
	MaxPerfBonus   float64 `toml:"max_perf_bonus" json:"max_perf_bonus"`
}

// JudgeConfig selects the verification and scoring judge models.
type JudgeConfig struct {
	VerifierModel string `toml:"verifier_model" json:"verifier_model"`
	ScoringModel  string `toml:"scoring_model" json:"scoring_model"`
}

// ProberConfig configures the background health prober.
type ProberConfig struct {
	IntervalSecs int `toml:"interval_secs" json:"interval_secs"`
	TimeoutSecs  int `toml:"timeout_secs" json:"timeout_secs"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8090,
			RequestTimeoutSecs: 300,
			MaxRequestBytes:    1 << 20, // 1MB
		},
		Database: DatabaseConfig{
			Path: defaultDataPath("registry.db"),
		},
		Security: SecurityConfig{
			SaltPath: defaultDataPath("master.salt"),
		},
		Routing: RoutingConfig{
			LocalProvider:      "ollama",
			AdapterTimeoutSecs: 60,
			MaxEscalations:     2,
		},
		Scoring: ScoringConfig{
			BaseScore:      50.0,
			HealthWeight:   0.4,
			PriorityWeight: 2.0,
			MaxCostPenalty: 20.0,
			MaxPerfBonus:   15.0,
		},
		Judges: JudgeConfig{
			VerifierModel: "gemma:2b",
			ScoringModel:  "phi3:3.8b",
		},
		Prober: ProberConfig{
			IntervalSecs: 300,
			TimeoutSecs:  10,
		},
	}
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".modelmux", name)
	}
	return filepath.Join(home, ".modelmux", name)
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads a TOML config file over the defaults. A missing file is not an
// error; the defaults plus environment overrides apply. The master key
// environment variable always wins over the file value.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if key := os.Getenv(EnvMasterKey); key != "" {
		cfg.Security.MasterKey = key
	}

	return cfg, nil
}

// Validate checks the configuration for fatal problems. A missing master
// key is a startup error, never a silent default.
func (c *Config) Validate() error {
	if c.Security.MasterKey == "" {
		return errors.New("security.master_key is required (or set " + EnvMasterKey + ")")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Routing.MaxEscalations < 0 {
		return errors.New("routing.max_escalations must not be negative")
	}
	if c.Prober.IntervalSecs <= 0 {
		return errors.New("prober.interval_secs must be positive")
	}
	return nil
}

// RequestTimeout returns the server request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSecs) * time.Second
}

// AdapterTimeout returns the per-generation-call timeout.
func (c *Config) AdapterTimeout() time.Duration {
	return time.Duration(c.Routing.AdapterTimeoutSecs) * time.Second
}

// ProbeInterval returns the prober round interval.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Prober.IntervalSecs) * time.Second
}

// ProbeTimeout returns the per-probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Prober.TimeoutSecs) * time.Second
}

// =============================================================================
// WATCHING
// =============================================================================

// Watch reloads the config file on change and invokes onChange with the new
// configuration. Returns a stop function. Reload errors are reported to
// onError and leave the previous configuration in effect.
func Watch(path string, onChange func(*Config), onError func(error)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					onError(err)
					continue
				}
				if err := cfg.Validate(); err != nil {
					onError(err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				onError(err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
