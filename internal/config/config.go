// Package config provides startup configuration for the scheduler. Every
// setting is an environment variable under the SCHEDULER_ prefix, with flag
// overrides bound by the CLI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults.
const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 28256
)

// Config is the resolved startup configuration.
type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DBPath     string `mapstructure:"db_path"`
	UIRoot     string `mapstructure:"ui_root"`
	BasePath   string `mapstructure:"base_path"`
	EnableIPv6 bool   `mapstructure:"enable_ipv6"`

	EnableSSL   bool   `mapstructure:"enable_ssl"`
	CertPath    string `mapstructure:"cert_path"`
	KeyPath     string `mapstructure:"key_path"`
	OpenSSLBin  string `mapstructure:"openssl_bin"`
	CertDays    int    `mapstructure:"cert_days"`
	CertSubject string `mapstructure:"cert_subject"`

	AuthConfigPath string `mapstructure:"auth_config"`

	DefaultAccount string `mapstructure:"default_account"`

	// Timeouts are in seconds, matching the environment contract.
	TaskTimeout      int `mapstructure:"task_timeout"`
	ConditionTimeout int `mapstructure:"condition_timeout"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP when enabled.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// Load reads the environment and returns the validated configuration.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCHEDULER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("db_path", "scheduler.db")
	v.SetDefault("ui_root", "www")
	v.SetDefault("base_path", "")
	v.SetDefault("enable_ipv6", false)
	v.SetDefault("enable_ssl", false)
	v.SetDefault("cert_path", "")
	v.SetDefault("key_path", "")
	v.SetDefault("openssl_bin", "openssl")
	v.SetDefault("cert_days", 365)
	v.SetDefault("cert_subject", "/CN=fnsched")
	v.SetDefault("auth_config", "")
	v.SetDefault("default_account", "")
	v.SetDefault("task_timeout", 900)
	v.SetDefault("condition_timeout", 60)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 10)
	v.SetDefault("rate_limit.burst", 20)
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.BasePath != "" && !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("base path %q must start with /", c.BasePath)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be positive, got %d", c.TaskTimeout)
	}
	if c.ConditionTimeout <= 0 {
		return fmt.Errorf("condition timeout must be positive, got %d", c.ConditionTimeout)
	}
	if c.EnableSSL && (c.CertPath == "") != (c.KeyPath == "") {
		return fmt.Errorf("cert and key paths must be provided together")
	}
	return nil
}

// TaskTimeoutDuration returns the task timeout as a duration.
func (c *Config) TaskTimeoutDuration() time.Duration {
	return time.Duration(c.TaskTimeout) * time.Second
}

// ConditionTimeoutDuration returns the condition timeout as a duration.
func (c *Config) ConditionTimeoutDuration() time.Duration {
	return time.Duration(c.ConditionTimeout) * time.Second
}

// NormalizedBasePath returns the base path without a trailing slash; "" for
// the root.
func (c *Config) NormalizedBasePath() string {
	base := strings.TrimSuffix(c.BasePath, "/")
	if base == "/" || base == "" {
		return ""
	}
	return base
}
