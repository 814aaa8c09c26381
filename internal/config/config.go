package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all taf configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Signing configuration
	Signing SigningConfig `yaml:"signing"`

	// Keystore configuration
	Keystore KeystoreConfig `yaml:"keystore"`

	// Updater configuration
	Updater UpdaterConfig `yaml:"updater"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SigningConfig configures metadata signing.
type SigningConfig struct {
	// Default signature scheme for generated keys
	DefaultScheme string `yaml:"default_scheme"`

	// Expiration intervals per role, in days
	RootExpiresDays      int `yaml:"root_expires_days"`
	TargetsExpiresDays   int `yaml:"targets_expires_days"`
	SnapshotExpiresDays  int `yaml:"snapshot_expires_days"`
	TimestampExpiresDays int `yaml:"timestamp_expires_days"`
}

// KeystoreConfig configures keystore file locations.
type KeystoreConfig struct {
	// Default keystore directory when not given on the command line
	Path string `yaml:"path"`
}

// UpdaterConfig configures the updater.
type UpdaterConfig struct {
	// Parallel target repository operations
	Concurrency int `yaml:"concurrency"`

	// Default branch of authentication repositories
	DefaultBranch string `yaml:"default_branch"`

	// Git command timeout, e.g. "5m"
	GitTimeout string `yaml:"git_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "taf",
		Version: "1.0.0",
		Signing: SigningConfig{
			DefaultScheme:        "rsa-pkcs1v15-sha256",
			RootExpiresDays:      365,
			TargetsExpiresDays:   90,
			SnapshotExpiresDays:  7,
			TimestampExpiresDays: 1,
		},
		Keystore: KeystoreConfig{},
		Updater: UpdaterConfig{
			Concurrency:   4,
			DefaultBranch: "main",
			GitTimeout:    "5m",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Home returns the taf home directory ($TAF_HOME or ~/.taf).
func Home() string {
	if h := os.Getenv("TAF_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taf"
	}
	return filepath.Join(home, ".taf")
}

// Load reads a config file, applies environment overrides and validates.
// A missing file yields the default config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads the config from the taf home directory.
func LoadDefault() (*Config, error) {
	return Load(filepath.Join(Home(), "config.yaml"))
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TAF_KEYSTORE"); v != "" {
		c.Keystore.Path = v
	}
	if v := os.Getenv("TAF_DEFAULT_BRANCH"); v != "" {
		c.Updater.DefaultBranch = v
	}
	if v := os.Getenv("TAF_SIGNING_SCHEME"); v != "" {
		c.Signing.DefaultScheme = v
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Signing.DefaultScheme {
	case "rsa-pkcs1v15-sha256", "rsassa-pss-sha256", "ed25519":
	default:
		return fmt.Errorf("unknown signature scheme: %s", c.Signing.DefaultScheme)
	}
	if c.Updater.Concurrency < 1 {
		return fmt.Errorf("updater concurrency must be >= 1, got %d", c.Updater.Concurrency)
	}
	for _, days := range []int{
		c.Signing.RootExpiresDays, c.Signing.TargetsExpiresDays,
		c.Signing.SnapshotExpiresDays, c.Signing.TimestampExpiresDays,
	} {
		if days < 1 {
			return fmt.Errorf("expiration intervals must be >= 1 day")
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Logging.Level)
	}
	return nil
}
