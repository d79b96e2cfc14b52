// Package config holds all airouter configuration: the provider chain, the
// model catalog location, the session store, and workflow engine settings.
// Configuration is a YAML file with strict keys plus a small set of
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvStorePath = "AI_ROUTER_STORE_PATH"
	EnvLogDir    = "AI_ROUTER_LOG_DIR"
)

// Config is the full process configuration.
type Config struct {
	// Providers lists the fallback chain, in order.
	Providers []ProviderConfig `yaml:"providers"`

	// CatalogPath locates the model registry file.
	CatalogPath string `yaml:"catalog_path"`

	Retry    RetryConfig    `yaml:"retry"`
	Store    StoreConfig    `yaml:"store"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ProviderConfig names one provider and carries its kind-specific settings.
// The settings mapping is validated by the provider registry, which rejects
// unknown keys per kind.
type ProviderConfig struct {
	Name     string         `yaml:"name"`
	Kind     string         `yaml:"kind"`
	Settings map[string]any `yaml:"settings"`
}

// RetryConfig is the chain-level default retry policy. Per-step workflow
// retries override it.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	Backoff        string  `yaml:"backoff"`
	InitialDelay   float64 `yaml:"initial_delay_seconds"`
	MaxDelay       float64 `yaml:"max_delay_seconds"`
	AttemptTimeout float64 `yaml:"attempt_timeout_seconds"`
}

// StoreConfig configures the session database.
type StoreConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// WorkflowConfig configures the workflow engine.
type WorkflowConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	TraceDir      string   `yaml:"trace_dir"`
	RedactKeys    []string `yaml:"redact_keys"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		CatalogPath: "models.yaml",
		Retry: RetryConfig{
			MaxAttempts:  1,
			Backoff:      "exponential",
			InitialDelay: 1,
			MaxDelay:     60,
		},
		Store: StoreConfig{
			Path:     "airouter.db",
			PoolSize: 5,
		},
		Workflow: WorkflowConfig{
			MaxConcurrent: 4,
			TraceDir:      filepath.Join("logs", "traces"),
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
	}
}

// Load reads configuration from path, layering file values over defaults and
// environment overrides over both. Unknown keys in the file are an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults plus environment only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStorePath); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		c.Logging.Dir = v
		c.Workflow.TraceDir = filepath.Join(v, "traces")
	}
}

func (c *Config) validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("config: store.path must not be empty")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.max_attempts must not be negative")
	}
	switch c.Retry.Backoff {
	case "", "exponential", "linear", "fixed":
	default:
		return fmt.Errorf("config: retry.backoff %q, expected one of: exponential, linear, fixed", c.Retry.Backoff)
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: providers[%d].name must not be empty", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: provider name %q is duplicated", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// InitialDelayDuration converts the configured seconds to a duration.
func (r RetryConfig) InitialDelayDuration() time.Duration {
	return time.Duration(r.InitialDelay * float64(time.Second))
}

// MaxDelayDuration converts the configured seconds to a duration.
func (r RetryConfig) MaxDelayDuration() time.Duration {
	return time.Duration(r.MaxDelay * float64(time.Second))
}

// AttemptTimeoutDuration converts the configured seconds to a duration.
func (r RetryConfig) AttemptTimeoutDuration() time.Duration {
	return time.Duration(r.AttemptTimeout * float64(time.Second))
}
