// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package config defines the unified configuration model for capgate.
//
// The model is platform-agnostic: the CLI loads it from a YAML file plus
// CAPGATE_* environment variables and flags bound through viper, and hands
// the validated struct to the composition root.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capgate-io/capgate/pkg/capability"
)

// Duration is a time.Duration that serializes as a human-readable string
// ("30s", "1m30s") in both JSON and YAML.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full process configuration.
type Config struct {
	// Listen is the HTTP listen address, host:port.
	Listen string `json:"listen" yaml:"listen"`

	// DatabasePath is the SQLite file backing the registry and the vector
	// index. ":memory:" is accepted for tests.
	DatabasePath string `json:"database_path" yaml:"database_path"`

	// RedisAddr enables the external-tool schema cache when non-empty.
	RedisAddr string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`

	// Embedding configures the model backend used for vectors and
	// completions.
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`

	// Search configures default thresholds and budgets.
	Search SearchConfig `json:"search" yaml:"search"`

	// Sync configures the reconciliation pipeline.
	Sync SyncConfig `json:"sync" yaml:"sync"`

	// Aggregator configures probing and call deadlines for external
	// servers.
	Aggregator AggregatorConfig `json:"aggregator" yaml:"aggregator"`

	// Servers is the initial fleet registered and auto-connected at
	// startup. Each entry is equivalent to one register call.
	Servers []ServerConfig `json:"servers,omitempty" yaml:"servers,omitempty"`
}

// EmbeddingConfig selects the model service for embeddings and completions.
type EmbeddingConfig struct {
	// BaseURL is the OpenAI-compatible endpoint.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// APIKey authenticates requests. May be empty for local backends.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// Model is the embedding model name.
	Model string `json:"model" yaml:"model"`

	// Dimension is the expected vector dimension. A response with a
	// different dimension is a fatal error.
	Dimension int `json:"dimension" yaml:"dimension"`

	// CompletionModel is the chat model used by the classifier.
	CompletionModel string `json:"completion_model" yaml:"completion_model"`

	// RequestsPerSecond caps the request rate. Zero disables the limiter.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`

	// MaxConcurrent bounds in-flight embedding and completion calls.
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`

	// MaxRetries bounds backoff retries on transport errors and 5xx.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// CacheSize is the embedding LRU capacity (entries). Zero disables it.
	CacheSize int `json:"cache_size,omitempty" yaml:"cache_size,omitempty"`
}

// SearchConfig carries the hierarchical search defaults.
type SearchConfig struct {
	// SkillThreshold is the default minimum skill score.
	SkillThreshold float64 `json:"skill_threshold" yaml:"skill_threshold"`

	// ToolThreshold is the default minimum tool score.
	ToolThreshold float64 `json:"tool_threshold" yaml:"tool_threshold"`

	// SchemaTokenCap bounds total serialized schema size when
	// include_schemas is requested.
	SchemaTokenCap int `json:"schema_token_cap" yaml:"schema_token_cap"`

	// TotalBudget is the end-to-end hierarchical search budget.
	TotalBudget Duration `json:"total_budget" yaml:"total_budget"`
}

// SyncConfig carries the sync pipeline tunables.
type SyncConfig struct {
	// Concurrency caps parallel classification and embedding work.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// ClassificationTimeout bounds a single classifier call.
	ClassificationTimeout Duration `json:"classification_timeout" yaml:"classification_timeout"`

	// SweepInterval is how often failed capabilities are retried.
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// AggregatorConfig carries the external-server tunables.
type AggregatorConfig struct {
	// ProbeInterval is the health probe period.
	ProbeInterval Duration `json:"probe_interval" yaml:"probe_interval"`

	// CallTimeout is the default per-call deadline, overridable per server.
	CallTimeout Duration `json:"call_timeout" yaml:"call_timeout"`
}

// ServerConfig is one fleet entry, mirroring the register payload.
type ServerConfig struct {
	Name           string                   `json:"name" yaml:"name"`
	Description    string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Transport      capability.TransportType `json:"transport" yaml:"transport"`
	Command        string                   `json:"command,omitempty" yaml:"command,omitempty"`
	Args           []string                 `json:"args,omitempty" yaml:"args,omitempty"`
	Env            map[string]string        `json:"env,omitempty" yaml:"env,omitempty"`
	URL            string                   `json:"url,omitempty" yaml:"url,omitempty"`
	Headers        map[string]string        `json:"headers,omitempty" yaml:"headers,omitempty"`
	HealthCheckURL string                   `json:"health_check_url,omitempty" yaml:"health_check_url,omitempty"`
	CallTimeout    Duration                 `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
	OrgID          string                   `json:"org_id,omitempty" yaml:"org_id,omitempty"`
	AutoConnect    bool                     `json:"auto_connect,omitempty" yaml:"auto_connect,omitempty"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Listen:       "127.0.0.1:8880",
		DatabasePath: "capgate.db",
		Embedding: EmbeddingConfig{
			Model:           "text-embedding-3-small",
			Dimension:       1536,
			CompletionModel: "gpt-4o-mini",
			MaxConcurrent:   5,
			MaxRetries:      3,
			CacheSize:       2048,
		},
		Search: SearchConfig{
			SkillThreshold: 0.4,
			ToolThreshold:  0.3,
			SchemaTokenCap: 5000,
			TotalBudget:    Duration(10 * time.Second),
		},
		Sync: SyncConfig{
			Concurrency:           5,
			ClassificationTimeout: Duration(3 * time.Second),
			SweepInterval:         Duration(60 * time.Second),
		},
		Aggregator: AggregatorConfig{
			ProbeInterval: Duration(30 * time.Second),
			CallTimeout:   Duration(30 * time.Second),
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model is required")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Search.SkillThreshold < 0 || c.Search.SkillThreshold > 1 {
		return fmt.Errorf("search.skill_threshold must be in [0,1], got %g", c.Search.SkillThreshold)
	}
	if c.Search.ToolThreshold < 0 || c.Search.ToolThreshold > 1 {
		return fmt.Errorf("search.tool_threshold must be in [0,1], got %g", c.Search.ToolThreshold)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	for i := range c.Servers {
		if err := c.Servers[i].Validate(); err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks one fleet entry.
func (s *ServerConfig) Validate() error {
	if !capability.ValidServerName(s.Name) {
		return fmt.Errorf("invalid server name %q", s.Name)
	}
	switch s.Transport {
	case capability.TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case capability.TransportSSE, capability.TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("%s transport requires a url", s.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", s.Transport)
	}
	return nil
}
