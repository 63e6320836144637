package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/topicbridge/broker"
	"github.com/c360/topicbridge/config"
	"github.com/c360/topicbridge/localbus"
	"github.com/c360/topicbridge/localbus/rosbridge"
	"github.com/c360/topicbridge/metric"
	"github.com/c360/topicbridge/mqttclient"
	"github.com/c360/topicbridge/natsclient"
	"github.com/c360/topicbridge/pkg/tlsutil"
	"github.com/c360/topicbridge/schema"
)

// linkSetup is the broker backend selected by config.
type linkSetup struct {
	link    broker.Link
	prepare func(ctx context.Context) error
}

// localSetup is the local transport selected by config. run is nil for
// transports without a background loop.
type localSetup struct {
	transport localbus.Transport
	run       func(ctx context.Context) error
}

func clientName(cfg *config.Config) string {
	if cfg.Broker.Name != "" {
		return cfg.Broker.Name
	}
	return appName + "-" + cfg.Node.ID
}

func buildLink(
	cfg *config.Config, events broker.Events, registry *metric.MetricsRegistry, logger *slog.Logger,
) (linkSetup, error) {
	switch cfg.Broker.Kind {
	case config.BrokerNATS:
		return buildNATSLink(cfg, events, registry, logger)
	case config.BrokerMQTT:
		mc := mqttclient.DefaultConfig()
		mc.BrokerURL = cfg.Broker.URL
		mc.ClientID = cfg.Broker.Name
		mc.Username = cfg.Broker.Username
		mc.Password = cfg.Broker.Password
		if cfg.Broker.TLS.Enabled {
			tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.Broker.TLS.Client())
			if err != nil {
				return linkSetup{}, err
			}
			mc.TLS = tlsConfig
		}
		return linkSetup{link: mqttclient.New(mc, events, logger)}, nil
	default:
		return linkSetup{}, fmt.Errorf("unsupported broker kind %q", cfg.Broker.Kind)
	}
}

func buildNATSLink(
	cfg *config.Config, events broker.Events, registry *metric.MetricsRegistry, logger *slog.Logger,
) (linkSetup, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithEvents(events),
		natsclient.WithName(clientName(cfg)),
	}
	if cfg.Broker.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.Broker.ReconnectWait.Std()))
	}
	if cfg.Broker.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Broker.Username, cfg.Broker.Password))
	}
	if cfg.Broker.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Broker.Token))
	}
	if cfg.Broker.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.Broker.TLS.Client()))
	}

	client, err := natsclient.NewClient(cfg.Broker.URL, opts...)
	if err != nil {
		return linkSetup{}, err
	}

	rtt := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "topicbridge",
		Subsystem: "broker",
		Name:      "rtt_seconds",
		Help:      "Round-trip time to the NATS server, 0 while disconnected",
	}, func() float64 {
		d, err := client.RTT()
		if err != nil {
			return 0
		}
		return d.Seconds()
	})
	if err := registry.Register("natsclient", "rtt", rtt); err != nil {
		logger.Warn("NATS RTT metric not registered", "error", err)
	}

	setup := linkSetup{link: client}
	if cfg.Relay.JetStream {
		stream, subjects := cfg.StreamName(), cfg.Node.ID+".>"
		setup.prepare = func(ctx context.Context) error {
			_, err := client.EnsureStream(ctx, stream, subjects)
			return err
		}
	}
	return setup, nil
}

func buildLocal(cfg *config.Config, logger *slog.Logger) (localSetup, error) {
	switch cfg.Local.Kind {
	case config.LocalRosbridge:
		rc := rosbridge.DefaultConfig()
		rc.URL = cfg.Local.URL
		if cfg.Local.CallTimeout > 0 {
			rc.CallTimeout = cfg.Local.CallTimeout.Std()
		}
		if cfg.Local.TLS.Enabled {
			tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.Local.TLS.Client())
			if err != nil {
				return localSetup{}, err
			}
			rc.TLS = tlsConfig
		}
		client := rosbridge.New(rc, logger)
		return localSetup{transport: client, run: client.Run}, nil
	case config.LocalMemory:
		return localSetup{transport: localbus.NewMemory()}, nil
	default:
		return localSetup{}, fmt.Errorf("unsupported local transport %q", cfg.Local.Kind)
	}
}

func buildTypes(cfg *config.Config, logger *slog.Logger) (*schema.Registry, error) {
	types := schema.NewRegistry()
	for _, dir := range cfg.Schema.Dirs {
		n, err := types.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded message definitions", "dir", dir, "types", n)
	}
	if cfg.Schema.AllowUnknown {
		types.SetFallback(schema.Passthrough())
	}
	return types, nil
}
