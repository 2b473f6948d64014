// Package config loads the runtime configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file and environment are silent.
const (
	DefaultNamespace     = "krawall"
	DefaultRedisAddr     = "localhost:6379"
	DefaultSessionMaxAge = 5 * time.Minute
)

type (
	// Config is the runtime configuration.
	Config struct {
		// Namespace prefixes every external key and channel so multiple
		// runtimes can share one store.
		Namespace string `yaml:"namespace"`

		Redis   Redis   `yaml:"redis"`
		Browser Browser `yaml:"browser"`
		Refresh Refresh `yaml:"refresh"`
	}

	// Redis locates the external key-value store.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Browser configures the shared discovery browser.
	Browser struct {
		// ExecPath is the chromium-class executable. Empty uses the
		// system default lookup.
		ExecPath string `yaml:"execPath"`
		// Proxy routes browser traffic when set.
		Proxy string `yaml:"proxy"`
	}

	// Refresh tunes the token refresh scheduler.
	Refresh struct {
		// SessionMaxAgeMS is the default credential lifetime for targets
		// that do not override it.
		SessionMaxAgeMS int `yaml:"sessionMaxAgeMs"`
		// AheadPercent places refreshes at this fraction of the max-age.
		AheadPercent float64 `yaml:"aheadPercent"`
	}
)

// Load reads the YAML file at path (optional) and applies environment
// overrides, then defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KRAWALL_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("KRAWALL_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("KRAWALL_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("KRAWALL_BROWSER_PATH"); v != "" {
		c.Browser.ExecPath = v
	}
	if v := os.Getenv("KRAWALL_BROWSER_PROXY"); v != "" {
		c.Browser.Proxy = v
	}
	if v := os.Getenv("KRAWALL_SESSION_MAX_AGE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Refresh.SessionMaxAgeMS = ms
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Refresh.SessionMaxAgeMS <= 0 {
		c.Refresh.SessionMaxAgeMS = int(DefaultSessionMaxAge.Milliseconds())
	}
	if c.Refresh.AheadPercent <= 0 || c.Refresh.AheadPercent >= 1 {
		c.Refresh.AheadPercent = 0.75
	}
}

// SessionMaxAge returns the default credential lifetime as a duration.
func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.Refresh.SessionMaxAgeMS) * time.Millisecond
}
