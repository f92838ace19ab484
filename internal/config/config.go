// Package config holds axiomhive configuration: where the sidecar and its
// trusted digest live, where the local databases live, and the supervisor's
// timing knobs. Everything resolves under a single home directory so the whole
// installation stays local and self-contained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all axiomhive configuration.
type Config struct {
	// Home is the root directory for every persisted artifact.
	Home string `yaml:"home"`

	Sidecar SidecarConfig `yaml:"sidecar"`
	Store   StoreConfig   `yaml:"store"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
}

// SidecarConfig configures the supervised reasoning process.
type SidecarConfig struct {
	ArtifactPath string `yaml:"artifact_path"`
	DigestPath   string `yaml:"digest_path"`

	SendTimeout   string `yaml:"send_timeout"`
	MaxRetries    int    `yaml:"max_retries"`
	RetryBackoff  string `yaml:"retry_backoff"`
	ShutdownGrace string `yaml:"shutdown_grace"`

	// WatchDigest enables the runtime watch on the trusted digest file.
	WatchDigest bool `yaml:"watch_digest"`
}

// StoreConfig configures the local knowledge store.
type StoreConfig struct {
	DatabasePath         string `yaml:"database_path"`
	MaxEvidencePerBranch int    `yaml:"max_evidence_per_branch"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

func baseConfig() *Config {
	return &Config{
		Sidecar: SidecarConfig{
			SendTimeout:   "5s",
			MaxRetries:    3,
			RetryBackoff:  "250ms",
			ShutdownGrace: "3s",
			WatchDigest:   true,
		},
		Store: StoreConfig{
			MaxEvidencePerBranch: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultConfig returns the default configuration, rooted under ~/.axiomhive.
func DefaultConfig() *Config {
	cfg := baseConfig()
	cfg.normalize()
	return cfg
}

// normalize fills derived paths from Home so a minimal config file still
// yields a complete layout.
func (c *Config) normalize() {
	if c.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Home = filepath.Join(home, ".axiomhive")
	}
	if c.Sidecar.ArtifactPath == "" {
		c.Sidecar.ArtifactPath = filepath.Join(c.Home, "bin", "axiomhive-sidecar")
	}
	if c.Sidecar.DigestPath == "" {
		c.Sidecar.DigestPath = filepath.Join(c.Home, "trusted_sidecar.sha256")
	}
	if c.Store.DatabasePath == "" {
		c.Store.DatabasePath = filepath.Join(c.Home, "axiom.db")
	}
	if c.Audit.DatabasePath == "" {
		c.Audit.DatabasePath = filepath.Join(c.Home, "audit.db")
	}
	if c.Store.MaxEvidencePerBranch <= 0 {
		c.Store.MaxEvidencePerBranch = 5
	}
}

// SetHome re-roots the configuration under home, re-deriving every path that
// was not explicitly configured away from the old home.
func (c *Config) SetHome(home string) {
	oldHome := c.Home
	c.Home = home
	if WithinRoot(oldHome, c.Sidecar.ArtifactPath) {
		c.Sidecar.ArtifactPath = ""
	}
	if WithinRoot(oldHome, c.Sidecar.DigestPath) {
		c.Sidecar.DigestPath = ""
	}
	if WithinRoot(oldHome, c.Store.DatabasePath) {
		c.Store.DatabasePath = ""
	}
	if WithinRoot(oldHome, c.Audit.DatabasePath) {
		c.Audit.DatabasePath = ""
	}
	c.normalize()
}

// Load loads configuration from a YAML file, falling back to defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	cfg := baseConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AXIOMHIVE_HOME"); v != "" {
		c.Home = v
	}
	if v := os.Getenv("AXIOMHIVE_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("AXIOMHIVE_SIDECAR"); v != "" {
		c.Sidecar.ArtifactPath = v
	}
	if v := os.Getenv("AXIOMHIVE_DIGEST"); v != "" {
		c.Sidecar.DigestPath = v
	}
}

// WithinRoot reports whether path resolves inside root. Used to enforce that
// every persisted artifact stays under Home.
func WithinRoot(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Validate checks that all persisted paths stay under Home.
func (c *Config) Validate() error {
	for name, p := range map[string]string{
		"store.database_path": c.Store.DatabasePath,
		"audit.database_path": c.Audit.DatabasePath,
		"sidecar.digest_path": c.Sidecar.DigestPath,
	} {
		if !WithinRoot(c.Home, p) {
			return fmt.Errorf("%s escapes home directory %s: %s", name, c.Home, p)
		}
	}
	return nil
}

// duration parses s, returning fallback on empty or malformed input.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// SendTimeoutDuration returns the parsed exchange timeout.
func (c *SidecarConfig) SendTimeoutDuration() time.Duration {
	return duration(c.SendTimeout, 5*time.Second)
}

// RetryBackoffDuration returns the parsed base backoff.
func (c *SidecarConfig) RetryBackoffDuration() time.Duration {
	return duration(c.RetryBackoff, 250*time.Millisecond)
}

// ShutdownGraceDuration returns the parsed shutdown grace period.
func (c *SidecarConfig) ShutdownGraceDuration() time.Duration {
	return duration(c.ShutdownGrace, 3*time.Second)
}
