// Package main implements the topicbridge binary, which relays local ROS
// topics to a NATS or MQTT broker on request from a remote orchestrator.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/topicbridge/bridge"
	"github.com/c360/topicbridge/config"
	"github.com/c360/topicbridge/health"
	"github.com/c360/topicbridge/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "topicbridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(stdout, cli.LogLevel, cli.LogFormat).With("node_id", cfg.Node.ID)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	logger.Info("Starting topicbridge",
		"build_time", BuildTime,
		"config_path", cli.ConfigPath,
		"broker_kind", cfg.Broker.Kind,
		"broker_url", cfg.Broker.URL,
		"local_kind", cfg.Local.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runBridge(ctx, cfg, cli.ShutdownTimeout, logger)
}

// loadConfig layers the config file, environment and flag overrides, then
// validates the result.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.NodeID != "" {
		cfg.Node.ID = cli.NodeID
	}
	if cli.BrokerURL != "" {
		cfg.Broker.URL = cli.BrokerURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runBridge(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration, logger *slog.Logger) error {
	monitor := health.NewMonitor()
	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	types, err := buildTypes(cfg, logger)
	if err != nil {
		return fmt.Errorf("load message definitions: %w", err)
	}
	link, err := buildLink(cfg, bridge.LinkEvents(metrics, monitor, logger), registry, logger)
	if err != nil {
		return fmt.Errorf("create broker link: %w", err)
	}
	local, err := buildLocal(cfg, logger)
	if err != nil {
		return fmt.Errorf("create local transport: %w", err)
	}

	b, err := bridge.New(cfg, bridge.Deps{
		Link:    link.link,
		Local:   local.transport,
		Types:   types,
		Metrics: metrics,
		Health:  monitor,
		Logger:  logger,
		Prepare: link.prepare,
	})
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if local.run != nil {
		g.Go(func() error { return local.run(gctx) })
	}
	if cfg.Metrics.Enabled {
		srv := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry, func() health.Status {
			return monitor.AggregateHealth(appName)
		})
		g.Go(func() error { return srv.Start(gctx) })
		logger.Info("Metrics server enabled", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	}
	g.Go(func() error { return b.Run(gctx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		logger.Info("topicbridge shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
	}
}
