package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/pkg/config"
)

// parseLevel maps the user-facing level names onto logrus levels. Only the
// four levels that make sense for a CLI are accepted.
func parseLevel(s string) (logrus.Level, error) {
	switch s {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

// configureLogger creates a logger for a command run. Precedence is
// --log-level, then --verbose, then the config file; with none of those the
// logger is essentially silent so command output stays clean.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logLevel := logrus.PanicLevel

	if levelStr, _ := cmd.Flags().GetString("log-level"); levelStr != "" {
		level, err := parseLevel(levelStr)
		if err != nil {
			return nil, err
		}
		logLevel = level
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logLevel = logrus.DebugLevel
	} else if cfg != nil && cfg.LogLevel != "" {
		level, err := parseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logLevel = level
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}

// loadConfig reads the config file named by --config, falling back to
// defaults when the flag is unset.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
