// Package config holds application configuration: device identity,
// polling and staleness policy, reconnect pacing, and logging.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/oxim/internal/protocol"
)

var macAddressRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// Config holds application configuration.
type Config struct {
	// Address is the peripheral MAC address (platform UUID on macOS).
	Address string `yaml:"address"`

	// Model selects the device protocol profile.
	Model string `yaml:"model" default:"jks50f"`

	LogLevel string `yaml:"log_level" default:"info"`

	PollInterval    time.Duration `yaml:"poll_interval" default:"1s"`
	StalenessWindow time.Duration `yaml:"staleness_window" default:"15s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s"`

	BackoffInitial    time.Duration `yaml:"backoff_initial" default:"1s"`
	BackoffMax        time.Duration `yaml:"backoff_max" default:"60s"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" default:"2.0"`

	// FailureThreshold is how many rejected/undecodable frames within
	// the staleness window mark the reading unavailable.
	FailureThreshold int `yaml:"failure_threshold" default:"5"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// UnmarshalYAML accepts human-friendly duration strings ("1s", "500ms")
// for the interval fields. Absent fields keep their current (default)
// values.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Address           string   `yaml:"address"`
		Model             string   `yaml:"model"`
		LogLevel          string   `yaml:"log_level"`
		PollInterval      string   `yaml:"poll_interval"`
		StalenessWindow   string   `yaml:"staleness_window"`
		ConnectTimeout    string   `yaml:"connect_timeout"`
		BackoffInitial    string   `yaml:"backoff_initial"`
		BackoffMax        string   `yaml:"backoff_max"`
		BackoffMultiplier *float64 `yaml:"backoff_multiplier"`
		FailureThreshold  *int     `yaml:"failure_threshold"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.Address != "" {
		c.Address = raw.Address
	}
	if raw.Model != "" {
		c.Model = raw.Model
	}
	if raw.LogLevel != "" {
		c.LogLevel = raw.LogLevel
	}
	if raw.BackoffMultiplier != nil {
		c.BackoffMultiplier = *raw.BackoffMultiplier
	}
	if raw.FailureThreshold != nil {
		c.FailureThreshold = *raw.FailureThreshold
	}

	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"poll_interval", raw.PollInterval, &c.PollInterval},
		{"staleness_window", raw.StalenessWindow, &c.StalenessWindow},
		{"connect_timeout", raw.ConnectTimeout, &c.ConnectTimeout},
		{"backoff_initial", raw.BackoffInitial, &c.BackoffInitial},
		{"backoff_max", raw.BackoffMax, &c.BackoffMax},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Load reads a YAML config file on top of the defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("device address is required")
	}
	if !macAddressRegex.MatchString(c.Address) && len(c.Address) < 12 {
		return fmt.Errorf("invalid device address %q (expected XX:XX:XX:XX:XX:XX or a platform device UUID)", c.Address)
	}
	if _, err := protocol.Lookup(c.Model); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.StalenessWindow < c.PollInterval {
		return fmt.Errorf("staleness window (%s) must not be shorter than the poll interval (%s)", c.StalenessWindow, c.PollInterval)
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff range %s..%s is invalid", c.BackoffInitial, c.BackoffMax)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", c.BackoffMultiplier)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	return nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
