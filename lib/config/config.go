// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the holdfast engine.
type Config struct {
	// Environment identifies the deployment type (development,
	// staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Hub configures the client connection hub.
	Hub HubConfig `yaml:"hub"`

	// Sweep configures the deadline sweeper.
	Sweep SweepConfig `yaml:"sweep"`

	// ObjectStore configures signed attachment URLs.
	ObjectStore ObjectStoreConfig `yaml:"object_store"`

	// Database configures the SQLite pool.
	Database DatabaseConfig `yaml:"database"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Paths       *PathsConfig       `yaml:"paths,omitempty"`
	Hub         *HubConfig         `yaml:"hub,omitempty"`
	Sweep       *SweepConfig       `yaml:"sweep,omitempty"`
	ObjectStore *ObjectStoreConfig `yaml:"object_store,omitempty"`
	Database    *DatabaseConfig    `yaml:"database,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for holdfast data.
	Root string `yaml:"root"`

	// State is where runtime state is stored: the vault key file,
	// the hub signing keypair, and the database by default.
	State string `yaml:"state"`

	// Templates is an optional JSONC notification template file.
	// Empty means built-in wording.
	Templates string `yaml:"templates"`
}

// HubConfig configures the client connection hub.
type HubConfig struct {
	// Listen is the TCP address the hub accepts connections on.
	// Default: 127.0.0.1:7420
	Listen string `yaml:"listen"`

	// AuthTimeout is how long a fresh connection has to present a
	// valid identity token before it is closed. Default: 10s
	AuthTimeout Duration `yaml:"auth_timeout"`

	// SendBuffer is the per-connection outbound frame buffer. A
	// full buffer drops frames rather than blocking the sender.
	// Default: 64
	SendBuffer int `yaml:"send_buffer"`

	// TokenTTL is the lifetime of minted identity tokens.
	// Default: 24h
	TokenTTL Duration `yaml:"token_ttl"`
}

// SweepConfig configures the deadline sweeper.
type SweepConfig struct {
	// Interval is how often the sweeper scans for expired tasks.
	// Default: 30s
	Interval Duration `yaml:"interval"`
}

// ObjectStoreConfig configures signed attachment URLs.
type ObjectStoreConfig struct {
	// BaseURL is the object store endpoint (scheme and host).
	BaseURL string `yaml:"base_url"`

	// SecretFile is the path to the URL-signing master secret.
	// Default: ${state}/objectstore.secret
	SecretFile string `yaml:"secret_file"`

	// UploadTTL and DownloadTTL bound signed URL lifetimes.
	// Defaults: 15m and 1h.
	UploadTTL   Duration `yaml:"upload_ttl"`
	DownloadTTL Duration `yaml:"download_ttl"`
}

// DatabaseConfig configures the SQLite pool.
type DatabaseConfig struct {
	// Path is the database file. Default: ${state}/holdfast.db
	Path string `yaml:"path"`

	// PoolSize is the number of pooled connections. Default: 4
	PoolSize int `yaml:"pool_size"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback -
// the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "holdfast")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			State: filepath.Join(defaultRoot, "state"),
		},
		Hub: HubConfig{
			Listen:      "127.0.0.1:7420",
			AuthTimeout: Duration(10 * time.Second),
			SendBuffer:  64,
			TokenTTL:    Duration(24 * time.Hour),
		},
		Sweep: SweepConfig{
			Interval: Duration(30 * time.Second),
		},
		ObjectStore: ObjectStoreConfig{
			BaseURL:     "http://127.0.0.1:7421",
			UploadTTL:   Duration(15 * time.Minute),
			DownloadTTL: Duration(time.Hour),
		},
		Database: DatabaseConfig{
			PoolSize: 4,
		},
	}
}

// Load loads configuration from the HOLDFAST_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults - if HOLDFAST_CONFIG is
// not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("HOLDFAST_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("HOLDFAST_CONFIG environment variable not set; " +
			"set it to the path of your holdfast.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	cfg.applyDerivedDefaults()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific
// overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
		if overrides.Paths.Templates != "" {
			c.Paths.Templates = overrides.Paths.Templates
		}
	}

	if overrides.Hub != nil {
		if overrides.Hub.Listen != "" {
			c.Hub.Listen = overrides.Hub.Listen
		}
		if overrides.Hub.AuthTimeout != 0 {
			c.Hub.AuthTimeout = overrides.Hub.AuthTimeout
		}
		if overrides.Hub.SendBuffer != 0 {
			c.Hub.SendBuffer = overrides.Hub.SendBuffer
		}
		if overrides.Hub.TokenTTL != 0 {
			c.Hub.TokenTTL = overrides.Hub.TokenTTL
		}
	}

	if overrides.Sweep != nil && overrides.Sweep.Interval != 0 {
		c.Sweep.Interval = overrides.Sweep.Interval
	}

	if overrides.ObjectStore != nil {
		if overrides.ObjectStore.BaseURL != "" {
			c.ObjectStore.BaseURL = overrides.ObjectStore.BaseURL
		}
		if overrides.ObjectStore.SecretFile != "" {
			c.ObjectStore.SecretFile = overrides.ObjectStore.SecretFile
		}
		if overrides.ObjectStore.UploadTTL != 0 {
			c.ObjectStore.UploadTTL = overrides.ObjectStore.UploadTTL
		}
		if overrides.ObjectStore.DownloadTTL != 0 {
			c.ObjectStore.DownloadTTL = overrides.ObjectStore.DownloadTTL
		}
	}

	if overrides.Database != nil {
		if overrides.Database.Path != "" {
			c.Database.Path = overrides.Database.Path
		}
		if overrides.Database.PoolSize != 0 {
			c.Database.PoolSize = overrides.Database.PoolSize
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOLDFAST_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["HOLDFAST_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Templates = expandVars(c.Paths.Templates, vars)
	c.ObjectStore.SecretFile = expandVars(c.ObjectStore.SecretFile, vars)
	c.Database.Path = expandVars(c.Database.Path, vars)
}

// applyDerivedDefaults fills path defaults that depend on other
// configured paths.
func (c *Config) applyDerivedDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Paths.State, "holdfast.db")
	}
	if c.ObjectStore.SecretFile == "" {
		c.ObjectStore.SecretFile = filepath.Join(c.Paths.State, "objectstore.secret")
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Hub.Listen == "" {
		errs = append(errs, fmt.Errorf("hub.listen is required"))
	}
	if c.Hub.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("hub.send_buffer must be positive"))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sweep.interval must be positive"))
	}
	if c.ObjectStore.BaseURL == "" {
		errs = append(errs, fmt.Errorf("object_store.base_url is required"))
	}
	if c.Database.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("database.pool_size must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't
// exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.State} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
