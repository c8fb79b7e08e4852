// Package config holds environment-based configuration for the
// authentication core, with an optional YAML file overlay for embedders
// that ship a config file instead of environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the authentication core.
type Config struct {
	// Bowpi backend settings.
	BaseURL         string   `env:"BOWPI_BASE_URL"`
	BasicCredential string   `env:"BOWPI_BASIC_CREDENTIAL"`
	HMACSecret      string   `env:"BOWPI_HMAC_SECRET"`
	TokenKey        string   `env:"BOWPI_TOKEN_KEY"`
	AllowedDomains  []string `env:"BOWPI_ALLOWED_DOMAINS" envSeparator:","`

	// Secure store settings. StorePath defaults to
	// ~/.bowpiauth/session.db; StoreSalt defaults to the hostname so a
	// copied database file does not open elsewhere by accident.
	StorePath       string `env:"AUTH_STORE_PATH"`
	StorePassphrase string `env:"AUTH_STORE_PASSPHRASE"`
	StoreSalt       string `env:"AUTH_STORE_SALT"`

	// Recovery and network tuning. Defaults are applied in finish, not
	// via envDefault, so YAML-provided values survive the env overlay.
	RecoveryInterval    time.Duration `env:"RECOVERY_INTERVAL"`
	NetworkWait         time.Duration `env:"NETWORK_WAIT"`
	NetworkPollInterval time.Duration `env:"NETWORK_POLL_INTERVAL"`

	// Retry policy budget.
	RetryMax    int           `env:"RETRY_MAX"`
	RetryWindow time.Duration `env:"RETRY_WINDOW"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// fileConfig is the YAML shape of Config. Durations are strings
// ("5m", "30s") because yaml.v3 has no native time.Duration support.
type fileConfig struct {
	BaseURL         string   `yaml:"base_url"`
	BasicCredential string   `yaml:"basic_credential"`
	HMACSecret      string   `yaml:"hmac_secret"`
	TokenKey        string   `yaml:"token_key"`
	AllowedDomains  []string `yaml:"allowed_domains"`

	StorePath       string `yaml:"store_path"`
	StorePassphrase string `yaml:"store_passphrase"`
	StoreSalt       string `yaml:"store_salt"`

	RecoveryInterval    string `yaml:"recovery_interval"`
	NetworkWait         string `yaml:"network_wait"`
	NetworkPollInterval string `yaml:"network_poll_interval"`

	RetryMax    int    `yaml:"retry_max"`
	RetryWindow string `yaml:"retry_window"`

	Environment string `yaml:"environment"`
}

func parseFileDuration(name, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}

	*dst = d

	return nil
}

func (f *fileConfig) apply(cfg *Config) error {
	cfg.BaseURL = f.BaseURL
	cfg.BasicCredential = f.BasicCredential
	cfg.HMACSecret = f.HMACSecret
	cfg.TokenKey = f.TokenKey
	cfg.AllowedDomains = f.AllowedDomains
	cfg.StorePath = f.StorePath
	cfg.StorePassphrase = f.StorePassphrase
	cfg.StoreSalt = f.StoreSalt
	cfg.RetryMax = f.RetryMax
	cfg.Environment = f.Environment

	if err := parseFileDuration("recovery_interval", f.RecoveryInterval, &cfg.RecoveryInterval); err != nil {
		return err
	}

	if err := parseFileDuration("network_wait", f.NetworkWait, &cfg.NetworkWait); err != nil {
		return err
	}

	if err := parseFileDuration("network_poll_interval", f.NetworkPollInterval, &cfg.NetworkPollInterval); err != nil {
		return err
	}

	return parseFileDuration("retry_window", f.RetryWindow, &cfg.RetryWindow)
}

// LoadFile reads a YAML config file and then applies environment
// variables on top, so env always wins over the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg := &Config{}
	if err := fc.apply(cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// finish applies derived defaults and validates.
func (c *Config) finish() error {
	if c.StorePath == "" {
		path, err := DefaultStorePath()
		if err != nil {
			return err
		}

		c.StorePath = path
	}

	absPath, err := filepath.Abs(c.StorePath)
	if err != nil {
		return fmt.Errorf("resolving store path: %w", err)
	}

	c.StorePath = absPath

	if c.StoreSalt == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "bowpiauth"
		}

		c.StoreSalt = hostname
	}

	if c.RecoveryInterval == 0 {
		c.RecoveryInterval = 5 * time.Minute
	}

	if c.NetworkWait == 0 {
		c.NetworkWait = 30 * time.Second
	}

	if c.NetworkPollInterval == 0 {
		c.NetworkPollInterval = 15 * time.Second
	}

	if c.RetryMax == 0 {
		c.RetryMax = 3
	}

	if c.RetryWindow == 0 {
		c.RetryWindow = 5 * time.Minute
	}

	if c.Environment == "" {
		c.Environment = "development"
	}

	return c.validate()
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("BOWPI_BASE_URL is required")
	}

	if c.BasicCredential == "" {
		return fmt.Errorf("BOWPI_BASIC_CREDENTIAL is required")
	}

	if c.HMACSecret == "" {
		return fmt.Errorf("BOWPI_HMAC_SECRET is required")
	}

	if _, err := c.HMACSecretBytes(); err != nil {
		return err
	}

	if c.TokenKey == "" {
		return fmt.Errorf("BOWPI_TOKEN_KEY is required")
	}

	if _, err := c.TokenKeyBytes(); err != nil {
		return err
	}

	if c.StorePassphrase == "" {
		return fmt.Errorf("AUTH_STORE_PASSPHRASE is required")
	}

	if c.RetryMax <= 0 {
		return fmt.Errorf("RETRY_MAX must be positive")
	}

	return nil
}

// HMACSecretBytes decodes the hex-encoded digest secret.
func (c *Config) HMACSecretBytes() ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(c.HMACSecret))
	if err != nil {
		return nil, fmt.Errorf("BOWPI_HMAC_SECRET must be hex: %w", err)
	}

	return b, nil
}

// TokenKeyBytes decodes the hex-encoded token master key.
func (c *Config) TokenKeyBytes() ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(c.TokenKey))
	if err != nil {
		return nil, fmt.Errorf("BOWPI_TOKEN_KEY must be hex: %w", err)
	}

	if len(b) == 0 {
		return nil, fmt.Errorf("BOWPI_TOKEN_KEY must not be empty")
	}

	return b, nil
}

// DefaultStorePath returns ~/.bowpiauth/session.db.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".bowpiauth", "session.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
