// Package config loads the client configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	// APIBase is the root URL of the mail API.
	APIBase string `mapstructure:"api_base" yaml:"api_base"`

	// PushURL is the authenticated mailbox event-stream endpoint.
	PushURL string `mapstructure:"push_url" yaml:"push_url"`

	// ReleasePushURL is the unauthenticated release event-stream endpoint.
	ReleasePushURL string `mapstructure:"release_push_url" yaml:"release_push_url"`

	// PollIntervalSec is the fallback poll cadence while push is down.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// Demo disables the background worker entirely; calls return inert
	// results instead of touching real mail.
	Demo bool `mapstructure:"demo" yaml:"demo"`

	// DBPath is the sqlite mail store location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// KeyringService namespaces entries in the OS credential store.
	KeyringService string `mapstructure:"keyring_service" yaml:"keyring_service"`

	// StatusAddr, when set, serves the /statusz diagnostics endpoint.
	StatusAddr string `mapstructure:"status_addr" yaml:"status_addr"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// OtelEnabled turns on trace export.
	OtelEnabled bool `mapstructure:"otel_enabled" yaml:"otel_enabled"`

	// OtelEndpoint is the OTLP/HTTP collector; empty means stdout export.
	OtelEndpoint string `mapstructure:"otel_endpoint" yaml:"otel_endpoint"`
}

// PollInterval returns the poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// DefaultPath returns the default configuration file location,
// ~/.config/driftmail/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "driftmail", "config.yaml")
}

func defaultConfig() *Config {
	dataDir, err := os.UserHomeDir()
	if err != nil {
		dataDir = "."
	}
	return &Config{
		APIBase:         "https://api.driftmail.example",
		PushURL:         "https://api.driftmail.example/events",
		ReleasePushURL:  "https://releases.driftmail.example/events",
		PollIntervalSec: 300,
		DBPath:          filepath.Join(dataDir, ".local", "share", "driftmail", "mail.db"),
		KeyringService:  "driftmail",
		LogLevel:        "info",
	}
}

// Load reads configuration from the given YAML file using Viper. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := defaultConfig()
	v.SetDefault("api_base", def.APIBase)
	v.SetDefault("push_url", def.PushURL)
	v.SetDefault("release_push_url", def.ReleasePushURL)
	v.SetDefault("poll_interval_sec", def.PollIntervalSec)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("keyring_service", def.KeyringService)
	v.SetDefault("log_level", def.LogLevel)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
