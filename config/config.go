// Package config loads the bridge configuration: built-in defaults, then
// JSON file layers, then TOPICBRIDGE_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c360/topicbridge/errors"
	"github.com/c360/topicbridge/pkg/tlsutil"
)

// Broker kinds
const (
	BrokerNATS = "nats"
	BrokerMQTT = "mqtt"
)

// Local transport kinds
const (
	LocalRosbridge = "rosbridge"
	LocalMemory    = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOPICBRIDGE"

// Config represents the complete bridge configuration
type Config struct {
	Node          NodeConfig          `json:"node"`
	Broker        BrokerConfig        `json:"broker"`
	Registration  RegistrationConfig  `json:"registration"`
	Subscriptions SubscriptionsConfig `json:"subscriptions"`
	Relay         RelayConfig         `json:"relay"`
	Local         LocalConfig         `json:"local"`
	Schema        SchemaConfig        `json:"schema"`
	Metrics       MetricsConfig       `json:"metrics"`
}

// NodeConfig identifies this node to the orchestrator.
type NodeConfig struct {
	ID string `json:"id"`
}

// BrokerConfig defines the remote broker connection
type BrokerConfig struct {
	Kind     string    `json:"kind"`
	URL      string    `json:"url"`
	Name     string    `json:"name,omitempty"`
	Username string    `json:"username,omitempty"`
	Password string    `json:"password,omitempty"`
	Token    string    `json:"token,omitempty"`
	TLS      TLSConfig `json:"tls,omitempty"`

	// ReconnectWait is the pause between reconnects once connected.
	ReconnectWait Duration `json:"reconnect_wait"`
	// DialInitialDelay and DialMaxDelay bound the backoff of the initial
	// connection, which is retried forever.
	DialInitialDelay Duration `json:"dial_initial_delay"`
	DialMaxDelay     Duration `json:"dial_max_delay"`
}

// TLSConfig for secure broker and rosbridge connections
type TLSConfig struct {
	Enabled            bool   `json:"enabled"`
	CertFile           string `json:"cert_file,omitempty"`
	KeyFile            string `json:"key_file,omitempty"`
	CAFile             string `json:"ca_file,omitempty"`
	MinVersion         string `json:"min_version,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// Client converts the settings for tlsutil.
func (t TLSConfig) Client() tlsutil.ClientConfig {
	cfg := tlsutil.ClientConfig{
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		MinVersion:         t.MinVersion,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CAFile != "" {
		cfg.CAFiles = []string{t.CAFile}
	}
	return cfg
}

// RegistrationConfig controls the periodic inventory announcement.
type RegistrationConfig struct {
	Subject  string   `json:"subject"`
	Interval Duration `json:"interval"`
	KVBucket string   `json:"kv_bucket,omitempty"`
}

// SubscriptionsConfig controls how subscription requests are received.
type SubscriptionsConfig struct {
	Queue             string   `json:"queue"`
	AutoRelay         bool     `json:"auto_relay"`
	AutoRelayInterval Duration `json:"auto_relay_interval"`
}

// RelayConfig controls publishing of relayed messages.
type RelayConfig struct {
	JetStream bool   `json:"jetstream"`
	Stream    string `json:"stream,omitempty"`
	// ErrorLogsPerSecond caps relay error log lines.
	ErrorLogsPerSecond float64 `json:"error_logs_per_second"`
	StatusResponder    bool    `json:"status_responder"`
}

// LocalConfig selects the local topic transport.
type LocalConfig struct {
	Kind        string    `json:"kind"`
	URL         string    `json:"url"`
	CallTimeout Duration  `json:"call_timeout"`
	TLS         TLSConfig `json:"tls,omitempty"`
}

// SchemaConfig lists message definition sources.
type SchemaConfig struct {
	Dirs         []string `json:"dirs,omitempty"`
	AllowUnknown bool     `json:"allow_unknown"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Node: NodeConfig{ID: "1"},
		Broker: BrokerConfig{
			Kind:             BrokerNATS,
			URL:              "nats://localhost:4222",
			ReconnectWait:    Duration(2 * time.Second),
			DialInitialDelay: Duration(250 * time.Millisecond),
			DialMaxDelay:     Duration(10 * time.Second),
		},
		Registration: RegistrationConfig{
			Subject:  "register_node",
			Interval: Duration(100 * time.Millisecond),
		},
		Subscriptions: SubscriptionsConfig{
			Queue:             "workers",
			AutoRelayInterval: Duration(100 * time.Millisecond),
		},
		Relay: RelayConfig{
			ErrorLogsPerSecond: 1,
			StatusResponder:    true,
		},
		Local: LocalConfig{
			Kind:        LocalRosbridge,
			URL:         "ws://localhost:9090",
			CallTimeout: Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9102",
			Path:    "/metrics",
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Node.ID == "" {
		return invalid("node.id is required")
	}
	if !isValidSubjectToken(c.Node.ID) {
		return invalid("node.id %q is not a valid subject token", c.Node.ID)
	}

	switch c.Broker.Kind {
	case BrokerNATS, BrokerMQTT:
	default:
		return invalid("broker.kind %q must be %q or %q", c.Broker.Kind, BrokerNATS, BrokerMQTT)
	}
	if c.Broker.URL == "" {
		return invalid("broker.url is required")
	}
	if c.Broker.DialMaxDelay < c.Broker.DialInitialDelay {
		return invalid("broker.dial_max_delay must be >= broker.dial_initial_delay")
	}

	if c.Registration.Subject == "" {
		return invalid("registration.subject is required")
	}
	if c.Registration.Interval <= 0 {
		return invalid("registration.interval must be positive")
	}
	if c.Subscriptions.AutoRelay && c.Subscriptions.AutoRelayInterval <= 0 {
		return invalid("subscriptions.auto_relay_interval must be positive")
	}

	if c.Broker.Kind == BrokerMQTT {
		if c.Relay.JetStream {
			return invalid("relay.jetstream requires broker.kind %q", BrokerNATS)
		}
		if c.Registration.KVBucket != "" {
			return invalid("registration.kv_bucket requires broker.kind %q", BrokerNATS)
		}
	}
	if c.Relay.ErrorLogsPerSecond < 0 {
		return invalid("relay.error_logs_per_second cannot be negative")
	}

	switch c.Local.Kind {
	case LocalRosbridge:
		if c.Local.URL == "" {
			return invalid("local.url is required for %s", LocalRosbridge)
		}
	case LocalMemory:
	default:
		return invalid("local.kind %q must be %q or %q", c.Local.Kind, LocalRosbridge, LocalMemory)
	}

	for name, t := range map[string]TLSConfig{"broker.tls": c.Broker.TLS, "local.tls": c.Local.TLS} {
		if t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
			return invalid("%s.cert_file and %s.key_file must be set together", name, name)
		}
		if t.MinVersion != "" && t.MinVersion != "1.2" && t.MinVersion != "1.3" {
			return invalid("%s.min_version must be \"1.2\" or \"1.3\"", name)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// StreamName returns the JetStream stream used for relayed messages.
func (c *Config) StreamName() string {
	if c.Relay.Stream != "" {
		return c.Relay.Stream
	}
	return "TOPICBRIDGE_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(c.Node.ID))
}

// isValidSubjectToken reports whether s can be a single subject token.
func isValidSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		getenv:     os.Getenv,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load merges defaults, file layers and environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "load "+path)
		}
		cfg, err = mergeFromMap(cfg, rawConfig)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "validate")
		}
	}
	return cfg, nil
}

// Load is a shortcut for a loader with one optional file layer.
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	return l.Load()
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := checkJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}
	return rawConfig, nil
}

// mergeFromMap overrides only the fields present in override.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key string
		dst *string
	}{
		{"NODE_ID", &cfg.Node.ID},
		{"BROKER_KIND", &cfg.Broker.Kind},
		{"BROKER_URL", &cfg.Broker.URL},
		{"BROKER_USERNAME", &cfg.Broker.Username},
		{"BROKER_PASSWORD", &cfg.Broker.Password},
		{"BROKER_TOKEN", &cfg.Broker.Token},
		{"LOCAL_KIND", &cfg.Local.Kind},
		{"LOCAL_URL", &cfg.Local.URL},
		{"METRICS_ADDR", &cfg.Metrics.Addr},
	}

	for _, o := range overrides {
		key := l.envPrefix + "_" + o.key
		val := l.getenv(key)
		if val == "" {
			continue
		}
		if err := checkEnvValue(key, val); err != nil {
			return err
		}
		*o.dst = val
	}

	if val := l.getenv(l.envPrefix + "_SCHEMA_DIRS"); val != "" {
		if err := checkEnvValue(l.envPrefix+"_SCHEMA_DIRS", val); err != nil {
			return err
		}
		cfg.Schema.Dirs = strings.Split(val, ",")
	}
	return nil
}

// String returns a JSON representation with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Broker.Password != "" {
		masked.Broker.Password = "***"
	}
	if masked.Broker.Token != "" {
		masked.Broker.Token = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
