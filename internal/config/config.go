/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package config provides configuration management for TreeStore.

Configuration can be loaded from multiple sources with the following precedence
(highest to lowest):
 1. Command-line flags
 2. Environment variables
 3. Configuration file
 4. Default values

Configuration File Format:
==========================

TreeStore reads YAML. The stores list describes a chain, first entry first:

	log:
	  level: info
	  json: false
	metrics:
	  enabled: true
	  addr: ":9094"
	end_marker: "treestore:eos"
	stores:
	  - name: primary
	    type: bolt
	    transactional: true
	    fetch_persistent_state: true
	    properties:
	      path: /var/lib/treestore/tree.db
	    async:
	      queue_size: 1024
	      workers: 4
	    singleton:
	      push_state_when_coordinator: true
	      push_state_timeout: 20s

Durations use Go syntax (250ms, 20s).

Environment Variables:
======================

	TREESTORE_CONFIG_FILE      - Path to the configuration file
	TREESTORE_LOG_LEVEL        - Log level (debug, info, warn, error)
	TREESTORE_LOG_JSON         - Enable JSON logging (true/false)
	TREESTORE_METRICS_ENABLED  - Serve Prometheus metrics (true/false)
	TREESTORE_METRICS_ADDR     - Metrics listen address
	TREESTORE_HEALTH_ENABLED   - Serve health check endpoints (true/false)
	TREESTORE_HEALTH_ADDR      - Health check listen address
	TREESTORE_END_MARKER       - State stream end marker
	TREESTORE_OTEL_ENDPOINT    - OTLP/HTTP trace endpoint; empty disables export
	TREESTORE_OTEL_SERVICE     - Service name reported with spans

The stores list is only read from the file.
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	serrors "treestore/internal/errors"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TREESTORE_"

// EnvConfigFile names the variable holding the configuration file path.
const EnvConfigFile = EnvPrefix + "CONFIG_FILE"

// DefaultConfigPaths are searched in order when no file is given.
var DefaultConfigPaths = []string{
	"./treestore.yaml",
	"./treestore.yml",
	"$HOME/.config/treestore/treestore.yaml",
	"/etc/treestore/treestore.yaml",
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// HealthConfig controls the health check endpoints.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// TracingConfig controls span export. Stores opt in with tracing: true.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint,omitempty" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE"`
}

// AsyncConfig wraps a store in a write-behind decorator. Zero values
// take the decorator's defaults.
type AsyncConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	Workers           int           `yaml:"workers"`
	BatchSize         int           `yaml:"batch_size"`
	Coalesce          *bool         `yaml:"coalesce"`
	MaxEnqueueRetries int           `yaml:"max_enqueue_retries"`
}

// CoalesceEnabled reports whether queued modifications are coalesced.
// Unset means true.
func (a *AsyncConfig) CoalesceEnabled() bool {
	return a.Coalesce == nil || *a.Coalesce
}

// SingletonConfig wraps a store in a singleton coordinator.
type SingletonConfig struct {
	PushStateWhenCoordinator *bool         `yaml:"push_state_when_coordinator"`
	PushStateTimeout         time.Duration `yaml:"push_state_timeout"`
}

// PushEnabled reports whether a new coordinator pushes its in-memory
// state. Unset means true.
func (s *SingletonConfig) PushEnabled() bool {
	return s.PushStateWhenCoordinator == nil || *s.PushStateWhenCoordinator
}

// StoreConfig describes one entry of the chain.
type StoreConfig struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	Properties map[string]string `yaml:"properties,omitempty"`

	IgnoreModifications  bool `yaml:"ignore_modifications,omitempty"`
	FetchPersistentState bool `yaml:"fetch_persistent_state,omitempty"`
	PurgeOnStartup       bool `yaml:"purge_on_startup,omitempty"`
	Transactional        bool `yaml:"transactional,omitempty"`
	Tracing              bool `yaml:"tracing,omitempty"`

	Async     *AsyncConfig     `yaml:"async,omitempty"`
	Singleton *SingletonConfig `yaml:"singleton,omitempty"`
}

// Config holds all TreeStore configuration.
type Config struct {
	Log       LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Metrics   MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Health    HealthConfig  `yaml:"health" envPrefix:"HEALTH_"`
	Tracing   TracingConfig `yaml:"tracing" envPrefix:"OTEL_"`
	EndMarker string        `yaml:"end_marker,omitempty" env:"END_MARKER"`
	Stores    []StoreConfig `yaml:"stores"`

	// Path of the loaded file, empty when none was read.
	ConfigFile string `yaml:"-"`
}

// DefaultConfig returns a Config with a single in-memory store.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr: ":9094",
		},
		Health: HealthConfig{
			Addr: ":9095",
		},
		Tracing: TracingConfig{
			ServiceName: "treestore",
		},
		Stores: []StoreConfig{
			{Name: "memory", Type: "memory"},
		},
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Stores = make([]StoreConfig, len(c.Stores))
	for i, sc := range c.Stores {
		if sc.Properties != nil {
			props := make(map[string]string, len(sc.Properties))
			for k, v := range sc.Properties {
				props[k] = v
			}
			sc.Properties = props
		}
		if sc.Async != nil {
			a := *sc.Async
			sc.Async = &a
		}
		if sc.Singleton != nil {
			s := *sc.Singleton
			sc.Singleton = &s
		}
		cp.Stores[i] = sc
	}
	return &cp
}

// Manager handles configuration loading, validation, and access.
type Manager struct {
	config *Config
	mu     sync.RWMutex

	onReload []func(*Config)
}

// NewManager creates a new configuration manager with default values.
func NewManager() *Manager {
	return &Manager{
		config:   DefaultConfig(),
		onReload: make([]func(*Config), 0),
	}
}

var globalManager = NewManager()

// Global returns the global configuration manager.
func Global() *Manager {
	return globalManager
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Clone()
}

// Set updates the configuration.
func (m *Manager) Set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// OnReload registers a callback to be called when configuration is reloaded.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

func (m *Manager) notifyReload() {
	m.mu.RLock()
	callbacks := make([]func(*Config), len(m.onReload))
	copy(callbacks, m.onReload)
	cfg := m.config.Clone()
	m.mu.RUnlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.level: %q (must be debug, info, warn, or error)", c.Log.Level))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		errs = append(errs, "health.addr is required when health checks are enabled")
	}

	if len(c.Stores) == 0 {
		errs = append(errs, "at least one store is required")
	}

	seen := make(map[string]bool, len(c.Stores))
	fetchers := 0
	for i, sc := range c.Stores {
		where := fmt.Sprintf("stores[%d]", i)
		if sc.Name == "" {
			errs = append(errs, where+".name cannot be empty")
		} else {
			if seen[sc.Name] {
				errs = append(errs, fmt.Sprintf("%s.name: duplicate store name %q", where, sc.Name))
			}
			seen[sc.Name] = true
			where = fmt.Sprintf("stores[%s]", sc.Name)
		}
		if sc.Type == "" {
			errs = append(errs, where+".type cannot be empty")
		}
		if sc.FetchPersistentState {
			fetchers++
			if sc.IgnoreModifications {
				errs = append(errs, where+": fetch_persistent_state cannot be combined with ignore_modifications")
			}
		}
		if a := sc.Async; a != nil {
			if a.QueueSize < 0 || a.Workers < 0 || a.BatchSize < 0 || a.MaxEnqueueRetries < 0 {
				errs = append(errs, where+".async: sizes and counts cannot be negative")
			}
			if a.PollInterval < 0 {
				errs = append(errs, where+".async.poll_interval cannot be negative")
			}
		}
		if s := sc.Singleton; s != nil && s.PushStateTimeout < 0 {
			errs = append(errs, where+".singleton.push_state_timeout cannot be negative")
		}
	}
	if fetchers > 1 {
		errs = append(errs, "only one store may set fetch_persistent_state")
	}

	if len(errs) > 0 {
		return serrors.NewConfigError("configuration validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func (m *Manager) LoadFromFile(path string) error {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return serrors.NewConfigError("failed to read config file").WithDetail(path).WithCause(err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	cfg.ConfigFile = path
	m.Set(cfg)
	return nil
}

// Parse decodes YAML over DefaultConfig. A stores list in the document
// replaces the default one.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, serrors.NewConfigError("failed to parse config file").WithCause(err)
	}
	return cfg, nil
}

// LoadFromEnv applies TREESTORE_* environment variables over the current
// configuration.
func (m *Manager) LoadFromEnv() error {
	cfg := m.Get()
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return serrors.NewConfigError("parse env").WithCause(err)
	}
	m.Set(cfg)
	return nil
}

// FindConfigFile searches for a configuration file in default locations.
// Returns the path to the first file found, or empty string if none found.
func FindConfigFile() string {
	if envPath := os.Getenv(EnvConfigFile); envPath != "" {
		if _, err := os.Stat(os.ExpandEnv(envPath)); err == nil {
			return os.ExpandEnv(envPath)
		}
	}

	for _, path := range DefaultConfigPaths {
		expandedPath := os.ExpandEnv(path)
		if _, err := os.Stat(expandedPath); err == nil {
			return expandedPath
		}
	}

	return ""
}

// Load loads configuration from all sources with proper precedence.
// Order: defaults -> config file -> environment variables.
// Command-line flags should be applied after calling this function.
func (m *Manager) Load() error {
	if configPath := FindConfigFile(); configPath != "" {
		if err := m.LoadFromFile(configPath); err != nil {
			return err
		}
	}
	return m.LoadFromEnv()
}

// Reload reloads configuration from file and environment, validates it
// and notifies listeners. On error the previous configuration stays.
func (m *Manager) Reload() error {
	prev := m.Get()
	configPath := prev.ConfigFile
	if configPath == "" {
		configPath = FindConfigFile()
	}

	m.Set(DefaultConfig())
	err := func() error {
		if configPath != "" {
			if err := m.LoadFromFile(configPath); err != nil {
				return err
			}
		}
		if err := m.LoadFromEnv(); err != nil {
			return err
		}
		return m.Get().Validate()
	}()
	if err != nil {
		m.Set(prev)
		return err
	}

	m.notifyReload()
	return nil
}

// String returns a human-readable summary of the configuration.
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("TreeStore Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Log Level:   %s\n", c.Log.Level))
	sb.WriteString(fmt.Sprintf("  Log JSON:    %v\n", c.Log.JSON))
	if c.Metrics.Enabled {
		sb.WriteString(fmt.Sprintf("  Metrics:     %s\n", c.Metrics.Addr))
	} else {
		sb.WriteString("  Metrics:     disabled\n")
	}
	if c.Health.Enabled {
		sb.WriteString(fmt.Sprintf("  Health:      %s\n", c.Health.Addr))
	}
	if c.Tracing.Endpoint != "" {
		sb.WriteString(fmt.Sprintf("  Tracing:     %s (%s)\n", c.Tracing.Endpoint, c.Tracing.ServiceName))
	}
	if c.EndMarker != "" {
		sb.WriteString(fmt.Sprintf("  End Marker:  %s\n", c.EndMarker))
	}
	if c.ConfigFile != "" {
		sb.WriteString(fmt.Sprintf("  Config File: %s\n", c.ConfigFile))
	}
	sb.WriteString("  Stores:\n")
	for _, sc := range c.Stores {
		var flags []string
		if sc.Transactional {
			flags = append(flags, "transactional")
		}
		if sc.IgnoreModifications {
			flags = append(flags, "read-only")
		}
		if sc.FetchPersistentState {
			flags = append(flags, "state")
		}
		if sc.PurgeOnStartup {
			flags = append(flags, "purge")
		}
		if sc.Async != nil {
			flags = append(flags, "async")
		}
		if sc.Singleton != nil {
			flags = append(flags, "singleton")
		}
		if sc.Tracing {
			flags = append(flags, "traced")
		}
		sb.WriteString(fmt.Sprintf("    - %s (%s)", sc.Name, sc.Type))
		if len(flags) > 0 {
			sb.WriteString(" [" + strings.Join(flags, ", ") + "]")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ToYAML returns the configuration as a YAML document.
func (c *Config) ToYAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, serrors.NewConfigError("failed to encode configuration").WithCause(err)
	}
	return append([]byte("# TreeStore configuration\n"), out...), nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	path = os.ExpandEnv(path)

	data, err := c.ToYAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return serrors.NewConfigError("failed to create config directory").WithCause(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return serrors.NewConfigError("failed to write config file").WithCause(err)
	}
	return nil
}
