package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	NodeID          string
	BrokerURL       string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("TOPICBRIDGE_CONFIG", ""),
		"Path to JSON configuration file, optional (env: TOPICBRIDGE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("TOPICBRIDGE_CONFIG", ""),
		"Path to JSON configuration file (shorthand)")

	fs.StringVar(&cfg.NodeID, "node-id", "",
		"Node identity, overrides config and TOPICBRIDGE_NODE_ID")
	fs.StringVar(&cfg.BrokerURL, "broker-url", "",
		"Broker URL, overrides config and TOPICBRIDGE_BROKER_URL")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("TOPICBRIDGE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: TOPICBRIDGE_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("TOPICBRIDGE_LOG_FORMAT", "json"),
		"Log format: json, text (env: TOPICBRIDGE_LOG_FORMAT)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("TOPICBRIDGE_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: TOPICBRIDGE_SHUTDOWN_TIMEOUT)")

	debug := fs.Bool("debug", getEnvBool("TOPICBRIDGE_DEBUG", false),
		"Shorthand for -log-level=debug (env: TOPICBRIDGE_DEBUG)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - relay local ROS topics to a NATS or MQTT broker

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Relay node rig7 to a remote NATS server
  %s -node-id=rig7 -broker-url=nats://broker:4222

  # Run with a config file and text logs
  %s -config=/etc/topicbridge/config.json -log-format=text

  # Validate configuration only
  %s -config=config.json -validate

Version: %s
Build: %s
`, appName, appName, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
