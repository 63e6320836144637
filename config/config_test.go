package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicbridge/errors"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func envFrom(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "1", cfg.Node.ID)
	assert.Equal(t, "nats://localhost:4222", cfg.Broker.URL)
	assert.Equal(t, "register_node", cfg.Registration.Subject)
	assert.Equal(t, 100*time.Millisecond, cfg.Registration.Interval.Std())
	assert.Equal(t, "workers", cfg.Subscriptions.Queue)
	assert.Equal(t, LocalRosbridge, cfg.Local.Kind)
}

func TestLoader_FileLayersMerge(t *testing.T) {
	base := writeConfig(t, "base.json", `{
		"node": {"id": "rig7"},
		"broker": {"url": "nats://broker:4222"},
		"registration": {"interval": "250ms"}
	}`)
	override := writeConfig(t, "site.json", `{
		"broker": {"username": "bridge"},
		"subscriptions": {"auto_relay": true}
	}`)

	l := NewLoader()
	l.getenv = envFrom(nil)
	l.AddLayer(base)
	l.AddLayer(override)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "rig7", cfg.Node.ID)
	assert.Equal(t, "nats://broker:4222", cfg.Broker.URL)
	assert.Equal(t, "bridge", cfg.Broker.Username)
	assert.Equal(t, BrokerNATS, cfg.Broker.Kind, "untouched fields keep defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Registration.Interval.Std())
	assert.True(t, cfg.Subscriptions.AutoRelay)
	assert.Equal(t, "workers", cfg.Subscriptions.Queue)
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "cfg.json", `{"node": {"id": "file"}}`)

	l := NewLoader()
	l.AddLayer(path)
	l.getenv = envFrom(map[string]string{
		"TOPICBRIDGE_NODE_ID":     "env-node",
		"TOPICBRIDGE_BROKER_URL":  "nats://env:4222",
		"TOPICBRIDGE_SCHEMA_DIRS": "/a,/b",
	})

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "env-node", cfg.Node.ID)
	assert.Equal(t, "nats://env:4222", cfg.Broker.URL)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Schema.Dirs)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"not json extension", "cfg.yaml", `{}`},
		{"malformed", "cfg.json", `{"node": `},
		{"wrong type", "cfg.json", `{"node": {"id": 7}}`},
		{"bad duration", "cfg.json", `{"registration": {"interval": "soon"}}`},
		{"invalid node id", "cfg.json", `{"node": {"id": "a.b"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader()
			l.getenv = envFrom(nil)
			l.AddLayer(writeConfig(t, tt.file, tt.body))

			_, err := l.Load()
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestLoader_EnvNullByteRejected(t *testing.T) {
	l := NewLoader()
	l.getenv = envFrom(map[string]string{"TOPICBRIDGE_NODE_ID": "a\x00b"})
	_, err := l.Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty node id", func(c *Config) { c.Node.ID = "" }, "node.id is required"},
		{"wildcard node id", func(c *Config) { c.Node.ID = "rig*" }, "not a valid subject token"},
		{"unknown broker", func(c *Config) { c.Broker.Kind = "kafka" }, "broker.kind"},
		{"empty broker url", func(c *Config) { c.Broker.URL = "" }, "broker.url"},
		{"zero interval", func(c *Config) { c.Registration.Interval = 0 }, "registration.interval"},
		{"dial delays inverted", func(c *Config) {
			c.Broker.DialInitialDelay = Duration(time.Second)
			c.Broker.DialMaxDelay = Duration(time.Millisecond)
		}, "dial_max_delay"},
		{"jetstream on mqtt", func(c *Config) {
			c.Broker.Kind = BrokerMQTT
			c.Relay.JetStream = true
		}, "relay.jetstream"},
		{"kv on mqtt", func(c *Config) {
			c.Broker.Kind = BrokerMQTT
			c.Registration.KVBucket = "nodes"
		}, "kv_bucket"},
		{"unknown local", func(c *Config) { c.Local.Kind = "dds" }, "local.kind"},
		{"rosbridge without url", func(c *Config) { c.Local.URL = "" }, "local.url"},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }, "metrics.addr"},
		{"tls cert without key", func(c *Config) {
			c.Broker.TLS = TLSConfig{Enabled: true, CertFile: "cert.pem"}
		}, "broker.tls.cert_file"},
		{"tls bad version", func(c *Config) {
			c.Local.TLS = TLSConfig{Enabled: true, MinVersion: "1.1"}
		}, "local.tls.min_version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1.5s"`)))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`"2d"`)))
	assert.Equal(t, 48*time.Hour, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`1000000`)))
	assert.Equal(t, time.Millisecond, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	out, err := Duration(100 * time.Millisecond).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"100ms"`, string(out))
}

func TestStreamName(t *testing.T) {
	cfg := Defaults()
	cfg.Node.ID = "rig-7"
	assert.Equal(t, "TOPICBRIDGE_RIG_7", cfg.StreamName())

	cfg.Relay.Stream = "CUSTOM"
	assert.Equal(t, "CUSTOM", cfg.StreamName())
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.Password = "hunter2"
	cfg.Broker.Token = "tok"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, `"tok"`)
	assert.True(t, strings.Contains(s, "***"))
}

func TestCheckJSONDepth(t *testing.T) {
	assert.NoError(t, checkJSONDepth([]byte(`{"a": "[[[["}`)))
	assert.NoError(t, checkJSONDepth([]byte(strings.Repeat("[", maxJSONDepth)+strings.Repeat("]", maxJSONDepth))))
	assert.Error(t, checkJSONDepth([]byte(strings.Repeat("[", maxJSONDepth+1)+strings.Repeat("]", maxJSONDepth+1))))
	assert.Error(t, checkJSONDepth([]byte(`{"a": 1`)))
	assert.Error(t, checkJSONDepth([]byte(`{"a": 1}}`)))
}

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()

	big := filepath.Join(dir, "big.json")
	require.NoError(t, os.WriteFile(big, []byte(`{"pad": "`+strings.Repeat("x", maxConfigSize)+`"}`), 0o600))
	_, err := readConfigFile(big)
	assert.ErrorContains(t, err, "exceeds")

	sub := filepath.Join(dir, "layer.json")
	require.NoError(t, os.Mkdir(sub, 0o700))
	_, err = readConfigFile(sub)
	assert.ErrorContains(t, err, "not a regular file")

	ok := filepath.Join(dir, "ok.JSON")
	require.NoError(t, os.WriteFile(ok, []byte(`{}`), 0o600))
	data, err := readConfigFile(ok)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestCheckEnvValue(t *testing.T) {
	assert.NoError(t, checkEnvValue("K", "nats://broker:4222"))
	assert.Error(t, checkEnvValue("K", "a\nb"))
	assert.Error(t, checkEnvValue("K", strings.Repeat("a", maxEnvVarLen+1)))
}

func TestTLSConfig_Client(t *testing.T) {
	tc := TLSConfig{Enabled: true, CAFile: "ca.pem", CertFile: "c.pem", KeyFile: "k.pem", MinVersion: "1.3"}
	got := tc.Client()
	assert.Equal(t, []string{"ca.pem"}, got.CAFiles)
	assert.Equal(t, "c.pem", got.CertFile)
	assert.Equal(t, "k.pem", got.KeyFile)
	assert.Equal(t, "1.3", got.MinVersion)

	assert.Empty(t, TLSConfig{}.Client().CAFiles)
}
