// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads server daemon configuration from a single file
// passed via --config. YAML is the primary format; files ending in
// .jsonc are accepted as commented JSON. There are no environment
// overrides of file values — the file is the single source of truth —
// and the only expansion performed is ${VAR} in path fields for
// portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// Listen configures the shared listen endpoints.
	Listen ListenConfig `yaml:"listen" json:"listen"`

	// TLS configures transport security. Empty cert/key means
	// plaintext listeners.
	TLS TLSConfig `yaml:"tls" json:"tls"`

	// MaxServiceMemoryPerCore is each shard's admission budget in
	// bytes.
	MaxServiceMemoryPerCore uint64 `yaml:"max_service_memory_per_core" json:"max_service_memory_per_core"`

	// Shards is the number of server instances to run. Zero means one
	// per CPU.
	Shards int `yaml:"shards" json:"shards"`

	// DisableMetrics skips metric registration on every shard.
	DisableMetrics bool `yaml:"disable_metrics" json:"disable_metrics"`

	// Audit configures the per-shard audit queue.
	Audit AuditConfig `yaml:"audit" json:"audit"`
}

// ListenConfig names the listen endpoints. Every shard binds every
// address; with more than one shard the binds share via reuse-port.
type ListenConfig struct {
	Addrs []string `yaml:"addrs" json:"addrs"`
}

// TLSConfig names the PEM material for TLS listeners.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file" json:"cert_file"`
	KeyFile      string `yaml:"key_file" json:"key_file"`
	ClientCAFile string `yaml:"client_ca_file" json:"client_ca_file"`
}

// Enabled reports whether TLS material is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

// AuditConfig configures one shard's audit queue.
type AuditConfig struct {
	// Enabled turns auditing on at startup.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxBufferBytesPerShard is the queue's reservation budget.
	// Default: 1 MiB.
	MaxBufferBytesPerShard uint64 `yaml:"max_buffer_bytes_per_shard" json:"max_buffer_bytes_per_shard"`

	// DrainInterval is how often the queue flushes, as a Go duration
	// string. Default: 500ms.
	DrainInterval string `yaml:"drain_interval" json:"drain_interval"`

	// EnabledTypes lists audited event types. Default: management.
	EnabledTypes []string `yaml:"enabled_types" json:"enabled_types"`

	// Path is the audit log file, one per shard with the shard id
	// appended. Supports ${VAR} expansion.
	Path string `yaml:"path" json:"path"`
}

// Default returns the base configuration merged under the loaded file.
// The file is still required — these exist so every field has a
// sensible zero, not as a fallback configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Addrs: []string{"127.0.0.1:7421"},
		},
		MaxServiceMemoryPerCore: 64 << 20,
		Audit: AuditConfig{
			MaxBufferBytesPerShard: 1 << 20,
			DrainInterval:          "500ms",
			EnabledTypes:           []string{"management"},
			Path:                   "${HOME}/.cache/coracle/audit.log",
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// .jsonc files are commented JSON; strip the comments and decode
	// through the same YAML path (JSON is a YAML subset).
	if strings.HasSuffix(path, ".jsonc") {
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file %s: %w", path, err)
	}
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
func (c *Config) expandVariables() {
	c.TLS.CertFile = expandVars(c.TLS.CertFile)
	c.TLS.KeyFile = expandVars(c.TLS.KeyFile)
	c.TLS.ClientCAFile = expandVars(c.TLS.ClientCAFile)
	c.Audit.Path = expandVars(c.Audit.Path)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors, reporting all of them
// at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Listen.Addrs) == 0 {
		errs = append(errs, fmt.Errorf("listen.addrs is required"))
	}
	if c.MaxServiceMemoryPerCore == 0 {
		errs = append(errs, fmt.Errorf("max_service_memory_per_core must be positive"))
	}
	if c.Shards < 0 {
		errs = append(errs, fmt.Errorf("shards must not be negative"))
	}
	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
		errs = append(errs, fmt.Errorf("tls.key_file is required when tls.cert_file is set"))
	}
	if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
		errs = append(errs, fmt.Errorf("tls.cert_file is required when tls.key_file is set"))
	}

	if c.Audit.Enabled {
		if c.Audit.MaxBufferBytesPerShard == 0 {
			errs = append(errs, fmt.Errorf("audit.max_buffer_bytes_per_shard must be positive"))
		}
		if c.Audit.Path == "" {
			errs = append(errs, fmt.Errorf("audit.path is required when auditing is enabled"))
		}
	}
	if _, err := c.AuditDrainInterval(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// AuditDrainInterval parses the drain interval.
func (c *Config) AuditDrainInterval() (time.Duration, error) {
	interval, err := time.ParseDuration(c.Audit.DrainInterval)
	if err != nil {
		return 0, fmt.Errorf("audit.drain_interval: %w", err)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("audit.drain_interval must be positive")
	}
	return interval, nil
}
