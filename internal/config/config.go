package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Policy values shared by the bridge and network sections.
const (
	PolicyDrop    = "drop"
	PolicyError   = "error"
	PolicyPartial = "partial"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LogConfig     `yaml:"logging"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Network NetworkConfig `yaml:"network"`
	Content ContentConfig `yaml:"content"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000" yaml:"port"`
	Host string `envconfig:"HOST" default:"127.0.0.1" yaml:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// BridgeConfig holds message dispatch configuration.
type BridgeConfig struct {
	Channel         string `envconfig:"BRIDGE_CHANNEL" default:"jsbridge" yaml:"channel"`
	MaxInflight     int    `envconfig:"BRIDGE_MAX_INFLIGHT" default:"1024" yaml:"max_inflight"`
	MaxCapabilities int    `envconfig:"BRIDGE_MAX_CAPABILITIES" default:"64" yaml:"max_capabilities"`
	// UnknownPolicy is "drop" or "error".
	UnknownPolicy string `envconfig:"BRIDGE_UNKNOWN_POLICY" default:"drop" yaml:"unknown_policy"`
}

// NetworkConfig holds network adapter configuration.
type NetworkConfig struct {
	Timeout      time.Duration `envconfig:"NET_TIMEOUT" default:"30s" yaml:"timeout"`
	RetryCount   int           `envconfig:"NET_RETRY_COUNT" default:"0" yaml:"retry_count"`
	RetryWait    time.Duration `envconfig:"NET_RETRY_WAIT" default:"1s" yaml:"retry_wait"`
	RetryMaxWait time.Duration `envconfig:"NET_RETRY_MAX_WAIT" default:"30s" yaml:"retry_max_wait"`
	// RateLimitRPS of zero means unlimited.
	RateLimitRPS float64 `envconfig:"NET_RATE_LIMIT_RPS" default:"0" yaml:"rate_limit_rps"`
	MaxTasks     int     `envconfig:"NET_MAX_TASKS" default:"256" yaml:"max_tasks"`
	// ErrorPolicy is "partial" or "error".
	ErrorPolicy string `envconfig:"NET_ERROR_POLICY" default:"partial" yaml:"error_policy"`
	UserAgent   string `envconfig:"NET_USER_AGENT" default:"UserscriptBridge/1.0" yaml:"user_agent"`
}

// ContentConfig holds content view configuration.
type ContentConfig struct {
	ScriptTimeout time.Duration `envconfig:"CONTENT_SCRIPT_TIMEOUT" default:"5s" yaml:"script_timeout"`
	Console       bool          `envconfig:"CONTENT_CONSOLE" default:"true" yaml:"console"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile loads the environment configuration and overlays the YAML file at
// path on top of it. Values present in the file win.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown policy names and non-positive bounds.
func (c *Config) Validate() error {
	switch c.Bridge.UnknownPolicy {
	case PolicyDrop, PolicyError:
	default:
		return fmt.Errorf("invalid bridge unknown_policy %q (must be drop or error)", c.Bridge.UnknownPolicy)
	}
	switch c.Network.ErrorPolicy {
	case PolicyPartial, PolicyError:
	default:
		return fmt.Errorf("invalid network error_policy %q (must be partial or error)", c.Network.ErrorPolicy)
	}
	if c.Bridge.MaxInflight <= 0 {
		return fmt.Errorf("bridge max_inflight must be positive")
	}
	if c.Bridge.MaxCapabilities <= 0 {
		return fmt.Errorf("bridge max_capabilities must be positive")
	}
	if c.Network.MaxTasks <= 0 {
		return fmt.Errorf("network max_tasks must be positive")
	}
	if c.Bridge.Channel == "" {
		return fmt.Errorf("bridge channel cannot be empty")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "127.0.0.1",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Bridge: BridgeConfig{
			Channel:         "jsbridge",
			MaxInflight:     1024,
			MaxCapabilities: 64,
			UnknownPolicy:   PolicyDrop,
		},
		Network: NetworkConfig{
			Timeout:      30 * time.Second,
			RetryCount:   0,
			RetryWait:    time.Second,
			RetryMaxWait: 30 * time.Second,
			RateLimitRPS: 0,
			MaxTasks:     256,
			ErrorPolicy:  PolicyPartial,
			UserAgent:    "UserscriptBridge/1.0",
		},
		Content: ContentConfig{
			ScriptTimeout: 5 * time.Second,
			Console:       true,
		},
	}
}
