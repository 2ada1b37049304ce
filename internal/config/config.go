// Package config loads engine configuration from file, environment and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the sync engine and its daemon.
type Config struct {
	DataDir        string `mapstructure:"data_dir"`
	RemoteEndpoint string `mapstructure:"remote_endpoint"`
	StatusAddr     string `mapstructure:"status_addr"`

	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// Load reads configuration from the optional file path, the VOCALIS_*
// environment and built-in defaults, in that order of increasing precedence
// for environment over file.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("remote_endpoint", "http://localhost:8790")
	v.SetDefault("status_addr", "localhost:8791")
	v.SetDefault("max_retries", 3)
	v.SetDefault("base_delay", "2s")
	v.SetDefault("max_delay", "1m")
	v.SetDefault("request_timeout", "15s")
	v.SetDefault("probe_interval", "30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("VOCALIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %s", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay %s must not be below base_delay %s", c.MaxDelay, c.BaseDelay)
	}
	return nil
}
