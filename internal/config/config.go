// Copyright 2025 The Cascade Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads engine configuration from a YAML file with
// environment variable overrides. Precedence: defaults, then file, then
// environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cascadehq/cascade/pkg/errors"
)

// Config is the complete Cascade configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Engine   EngineConfig   `yaml:"engine"`
	Approval ApprovalConfig `yaml:"approval"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Publish  PublishConfig  `yaml:"publish"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is trace, debug, info, warn, or error. Default: info.
	Level string `yaml:"level,omitempty"`

	// Format is json or text. Default: json.
	Format string `yaml:"format,omitempty"`
}

// StoreConfig configures the document store.
type StoreConfig struct {
	// Backend is "sqlite" or "memory". Default: sqlite.
	Backend string `yaml:"backend,omitempty"`

	// Path is the SQLite database file path.
	// Environment: CASCADE_STORE_PATH
	Path string `yaml:"path,omitempty"`
}

// EngineConfig configures the orchestrator.
type EngineConfig struct {
	// MaxSteps bounds step executions per run to catch definition cycles.
	// Default: 1000.
	MaxSteps int `yaml:"max_steps,omitempty"`

	// MaxExecutionSeconds is the default instance deadline, overridable
	// per definition. Default: 86400 (24h).
	MaxExecutionSeconds int `yaml:"max_execution_seconds,omitempty"`

	// InstanceTTLSeconds is the retention window for instance documents.
	// Default: 7776000 (90 days).
	InstanceTTLSeconds int `yaml:"instance_ttl_seconds,omitempty"`

	// ScriptTimeoutSeconds bounds one script step. Default: 5.
	ScriptTimeoutSeconds int `yaml:"script_timeout_seconds,omitempty"`

	// TransformTimeoutSeconds bounds one transform step. Default: 5.
	TransformTimeoutSeconds int `yaml:"transform_timeout_seconds,omitempty"`

	// ResumePollInterval is how often the daemon scans for waiting
	// instances whose resumeAt passed. Default: 15s.
	ResumePollInterval time.Duration `yaml:"resume_poll_interval,omitempty"`
}

// ApprovalConfig configures the approval subsystem.
type ApprovalConfig struct {
	// TTLSeconds is the retention window for approval documents.
	// Default: 604800 (7 days).
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`

	// SweepInterval is how often expired approvals are finalized.
	// Default: 60s.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// DispatchConfig configures the inbound event dispatcher.
type DispatchConfig struct {
	// RatePerSecond caps instance creations per second. Zero disables
	// limiting.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`

	// Burst is the limiter burst size. Default: 10 when rate limited.
	Burst int `yaml:"burst,omitempty"`
}

// PublishConfig configures the outbound event sink.
type PublishConfig struct {
	// Sink is "log" or "kafka". Default: log.
	Sink string `yaml:"sink,omitempty"`

	// Brokers lists Kafka bootstrap addresses.
	// Environment: CASCADE_KAFKA_BROKERS (comma separated)
	Brokers []string `yaml:"brokers,omitempty"`

	// Topic is the Kafka topic for outbound events.
	Topic string `yaml:"topic,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the /metrics listener on. Default: true.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Listen is the metrics listen address. Default: :9120.
	Listen string `yaml:"listen,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	enabled := true
	return &Config{
		Log:   LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{Backend: "sqlite", Path: "cascade.db"},
		Engine: EngineConfig{
			MaxSteps:                1000,
			MaxExecutionSeconds:     86400,
			InstanceTTLSeconds:      7776000,
			ScriptTimeoutSeconds:    5,
			TransformTimeoutSeconds: 5,
			ResumePollInterval:      15 * time.Second,
		},
		Approval: ApprovalConfig{
			TTLSeconds:    604800,
			SweepInterval: time.Minute,
		},
		Publish: PublishConfig{Sink: "log"},
		Metrics: MetricsConfig{Enabled: &enabled, Listen: ":9120"},
	}
}

// Load reads configuration from path (optional) and applies environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "config file", Reason: "cannot read " + path, Cause: err}
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "config file", Reason: "invalid YAML in " + path, Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return &errors.ConfigError{Key: "store.backend", Reason: "must be sqlite or memory"}
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return &errors.ConfigError{Key: "store.path", Reason: "path is required for the sqlite backend"}
	}
	if c.Engine.MaxSteps <= 0 {
		return &errors.ConfigError{Key: "engine.max_steps", Reason: "must be positive"}
	}
	switch c.Publish.Sink {
	case "log", "kafka":
	default:
		return &errors.ConfigError{Key: "publish.sink", Reason: "must be log or kafka"}
	}
	if c.Publish.Sink == "kafka" && len(c.Publish.Brokers) == 0 {
		return &errors.ConfigError{Key: "publish.brokers", Reason: "brokers are required for the kafka sink"}
	}
	return nil
}

// MetricsEnabled reports whether the metrics listener should run.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CASCADE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CASCADE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("CASCADE_KAFKA_BROKERS"); v != "" {
		cfg.Publish.Sink = "kafka"
		cfg.Publish.Brokers = splitList(v)
	}
	if v := os.Getenv("CASCADE_KAFKA_TOPIC"); v != "" {
		cfg.Publish.Topic = v
	}
	if v := os.Getenv("CASCADE_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("CASCADE_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxSteps = n
		}
	}
	if v := os.Getenv("CASCADE_INSTANCE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.InstanceTTLSeconds = n
		}
	}
	if v := os.Getenv("CASCADE_APPROVAL_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Approval.TTLSeconds = n
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
