package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/didery/didery/internal/did"
	"github.com/didery/didery/internal/hash"
)

const (
	DefaultTimeout = 2 * time.Second
	DefaultDataDir = ".didery"
)

type Config struct {
	Servers   []string      `mapstructure:"servers"`
	DIDMethod string        `mapstructure:"did_method"`
	Timeout   time.Duration `mapstructure:"timeout"`
	DataDir   string        `mapstructure:"data_dir"`
	Hash      HashConfig    `mapstructure:"hash"`
	Alerts    AlertsConfig  `mapstructure:"alerts"`
}

type HashConfig struct {
	Algorithm string `mapstructure:"algorithm"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

// Load reads a YAML or JSON config file. Environment variables override
// file values (hash.algorithm -> HASH_ALGORITHM) and ${VAR} references are
// expanded.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	if strings.EqualFold(filepath.Ext(configPath), ".json") {
		v.SetConfigType("json")
	} else {
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i, s := range config.Servers {
		config.Servers[i] = os.ExpandEnv(s)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("servers is required")
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid server url: %q", s)
		}
		// servers are addressed without trailing slashes
		key := strings.TrimRight(s, "/")
		if seen[key] {
			return fmt.Errorf("duplicate server url: %q", s)
		}
		seen[key] = true
	}

	if c.DIDMethod == "" {
		c.DIDMethod = did.DefaultMethod
	}
	if strings.Contains(c.DIDMethod, ":") {
		return fmt.Errorf("invalid did_method: %s", c.DIDMethod)
	}

	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}

	if c.Hash.Algorithm == "" {
		c.Hash.Algorithm = hash.SHA256
	}
	if !hash.Supported(c.Hash.Algorithm) {
		return fmt.Errorf("invalid hash algorithm: %s (valid options: %s)", c.Hash.Algorithm, strings.Join(hash.Algorithms, ", "))
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	return nil
}

// DatabasePath is the bbolt cache file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "didery.db")
}
