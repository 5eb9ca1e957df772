package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationJSONRoundTrip(t *testing.T) {
	t.Parallel()

	d := Duration(90 * time.Second)
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var back Duration
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d, back)

	assert.Error(t, json.Unmarshal([]byte(`"ninety seconds"`), &back))
}

func TestDurationYAML(t *testing.T) {
	t.Parallel()

	var cfg struct {
		Timeout Duration `yaml:"timeout"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 45s\n"), &cfg))
	assert.Equal(t, 45*time.Second, cfg.Timeout.Std())
}

func TestDefaultsValidate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.4, cfg.Search.SkillThreshold)
	assert.Equal(t, 0.3, cfg.Search.ToolThreshold)
	assert.Equal(t, 5, cfg.Sync.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Aggregator.ProbeInterval.Std())
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "capgate.yaml")
	content := `
listen: "0.0.0.0:9000"
database_path: "/var/lib/capgate/capgate.db"
embedding:
  base_url: "http://localhost:11434/v1"
  model: "nomic-embed-text"
  dimension: 768
  completion_model: "llama3.1"
sync:
  concurrency: 3
  classification_timeout: 5s
servers:
  - name: gh
    transport: sse
    url: "https://gh.example.com/sse"
    auto_connect: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, 3, cfg.Sync.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Sync.ClassificationTimeout.Std())
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "gh", cfg.Servers[0].Name)
	assert.True(t, cfg.Servers[0].AutoConnect)

	// Unset fields keep their defaults.
	assert.Equal(t, 0.4, cfg.Search.SkillThreshold)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"threshold above one", func(c *Config) { c.Search.SkillThreshold = 1.5 }},
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }},
		{"stdio without command", func(c *Config) {
			c.Servers = []ServerConfig{{Name: "local", Transport: "stdio"}}
		}},
		{"sse without url", func(c *Config) {
			c.Servers = []ServerConfig{{Name: "gh", Transport: "sse"}}
		}},
		{"dotted server name", func(c *Config) {
			c.Servers = []ServerConfig{{Name: "bad.name", Transport: "http", URL: "http://x"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
