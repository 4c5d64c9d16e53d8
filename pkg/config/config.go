// Package config holds the CLI configuration: defaults, optional YAML
// overrides and logger construction.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string        `yaml:"log_level" default:"info"`
	OutputFormat string        `yaml:"output_format" default:"table"` // table, json
	ScanTimeout  time.Duration `yaml:"scan_timeout" default:"10s"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"10s"`
	TimeoutRetries    int           `yaml:"timeout_retries" default:"2"`
	DisconnectRetries int           `yaml:"disconnect_retries" default:"2"`

	RSSIPollInterval time.Duration `yaml:"rssi_poll_interval" default:"2s"`
}

// UnmarshalYAML decodes the config by hand because yaml.v3 has no native
// representation for time.Duration strings like "30s". Absent keys leave
// the receiver's current (default) values in place.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		LogLevel          string `yaml:"log_level"`
		OutputFormat      string `yaml:"output_format"`
		ScanTimeout       string `yaml:"scan_timeout"`
		ConnectTimeout    string `yaml:"connect_timeout"`
		TimeoutRetries    *int   `yaml:"timeout_retries"`
		DisconnectRetries *int   `yaml:"disconnect_retries"`
		RSSIPollInterval  string `yaml:"rssi_poll_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.LogLevel != "" {
		c.LogLevel = raw.LogLevel
	}
	if raw.OutputFormat != "" {
		c.OutputFormat = raw.OutputFormat
	}
	if raw.TimeoutRetries != nil {
		c.TimeoutRetries = *raw.TimeoutRetries
	}
	if raw.DisconnectRetries != nil {
		c.DisconnectRetries = *raw.DisconnectRetries
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"scan_timeout", raw.ScanTimeout, &c.ScanTimeout},
		{"connect_timeout", raw.ConnectTimeout, &c.ConnectTimeout},
		{"rssi_poll_interval", raw.RSSIPollInterval, &c.RSSIPollInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Default returns the configuration with all default values applied.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("invalid output format %q: must be table or json", c.OutputFormat)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}

// NewLogger creates a logger configured per the config.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
