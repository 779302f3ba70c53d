package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/meshrpc/errors"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
client_id: cli-1
transport:
  kind: nats
  address: nats://localhost:4222
rpc:
  request_timeout: 2s
statestore:
  service_group: fleet-a
  notify_buffer: 32
`))
	require.NoError(t, err)

	assert.Equal(t, "cli-1", cfg.ClientID)
	assert.Equal(t, TransportNATS, cfg.Transport.Kind)
	assert.Equal(t, "nats://localhost:4222", cfg.Transport.Address)
	assert.Equal(t, 2*time.Second, cfg.RPC.RequestTimeout)
	assert.Equal(t, "fleet-a", cfg.StateStore.ServiceGroup)
	assert.Equal(t, 32, cfg.StateStore.NotifyBuffer)

	// Untouched fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.RPC.ExecutionTimeout)
	assert.Equal(t, 10, cfg.RPC.Concurrency)
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("MESHRPC_BROKER", "nats://broker:4222")

	cfg, err := Parse([]byte(`
client_id: cli-1
transport:
  kind: nats
  address: ${MESHRPC_BROKER}
`))
	require.NoError(t, err)
	assert.Equal(t, "nats://broker:4222", cfg.Transport.Address)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client_id: svc-1
transport:
  kind: mqtt
  address: broker:1883
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "svc-1", cfg.ClientID)
	assert.Equal(t, TransportMQTT, cfg.Transport.Kind)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(*Config){
		"missing client id":    func(c *Config) { c.ClientID = "" },
		"topic-unsafe id":      func(c *Config) { c.ClientID = "bad/id" },
		"unknown kind":         func(c *Config) { c.Transport.Kind = "carrier-pigeon" },
		"nats without address": func(c *Config) { c.Transport.Kind = TransportNATS; c.Transport.Address = "" },
		"ws on nats":           func(c *Config) { c.Transport.Kind = TransportNATS; c.Transport.WebSocketURL = "ws://x" },
		"bad ws scheme":        func(c *Config) { c.Transport.WebSocketURL = "http://x" },
		"negative timeout":     func(c *Config) { c.RPC.RequestTimeout = -time.Second },
		"negative concurrency": func(c *Config) { c.RPC.Concurrency = -1 },
		"bad service group":    func(c *Config) { c.StateStore.ServiceGroup = "a b" },
		"negative buffer":      func(c *Config) { c.StateStore.NotifyBuffer = -1 },
		"tls key without cert": func(c *Config) {
			c.Transport.TLS.Enabled = true
			c.Transport.TLS.KeyFile = "/nonexistent/key.pem"
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.ClientID = "cli-1"
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestValidateMemoryTransportNeedsNoAddress(t *testing.T) {
	cfg := Default()
	cfg.ClientID = "cli-1"
	cfg.Transport.Kind = TransportMemory
	cfg.Transport.Address = ""
	assert.NoError(t, cfg.Validate())
}

func TestRetryConversion(t *testing.T) {
	r := RetryConfig{MaxAttempts: 7, InitialDelay: 50 * time.Millisecond, AddJitter: true}
	cfg := r.ToRetry()
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay, "zero fields fall back to defaults")
	assert.True(t, cfg.AddJitter)
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("client_id: [unclosed"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
