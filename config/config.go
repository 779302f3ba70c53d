// Package config loads process wiring for meshrpc clients and
// services from YAML. The packages themselves take plain structs and
// functional options; this package exists for binaries that want a
// file-driven setup with validation in one place.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/c360/meshrpc/errors"
	"github.com/c360/meshrpc/pkg/retry"
)

// Transport kind constants.
const (
	TransportMemory = "memory" // in-process broker, tests and demos
	TransportNATS   = "nats"   // NATS core bridge
	TransportMQTT   = "mqtt"   // MQTT v5 bridge
)

// Config is the complete wiring for one meshrpc process.
type Config struct {
	ClientID   string           `yaml:"client_id"`
	Transport  TransportConfig  `yaml:"transport"`
	RPC        RPCConfig        `yaml:"rpc,omitempty"`
	StateStore StateStoreConfig `yaml:"statestore,omitempty"`
	Retry      RetryConfig      `yaml:"retry,omitempty"`
}

// TransportConfig selects and parameterizes the broker bridge.
type TransportConfig struct {
	Kind    string `yaml:"kind"`    // memory, nats, or mqtt
	Address string `yaml:"address"` // broker URL or host:port

	// MQTT-only knobs.
	WebSocketURL string    `yaml:"websocket_url,omitempty"` // ws:// or wss://; overrides Address
	KeepAlive    uint16    `yaml:"keep_alive,omitempty"`    // seconds
	TLS          TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig configures the client side of a TLS session.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file,omitempty"`
}

// RPCConfig tunes invoker and executor behavior.
type RPCConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout,omitempty"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout,omitempty"`
	Concurrency      int           `yaml:"concurrency,omitempty"`
	CacheTTL         time.Duration `yaml:"cache_ttl,omitempty"`
}

// StateStoreConfig tunes the coordination client.
type StateStoreConfig struct {
	ServiceGroup   string        `yaml:"service_group,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	NotifyBuffer   int           `yaml:"notify_buffer,omitempty"`
}

// RetryConfig mirrors retry.Config in YAML form.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `yaml:"max_delay,omitempty"`
	Multiplier   float64       `yaml:"multiplier,omitempty"`
	AddJitter    bool          `yaml:"add_jitter,omitempty"`
}

// ToRetry converts to a retry.Config, filling zero fields from the
// package defaults.
func (r RetryConfig) ToRetry() retry.Config {
	cfg := retry.DefaultConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialDelay > 0 {
		cfg.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		cfg.MaxDelay = r.MaxDelay
	}
	if r.Multiplier > 0 {
		cfg.Multiplier = r.Multiplier
	}
	cfg.AddJitter = r.AddJitter
	return cfg
}

// Default returns a config with working defaults for a local broker.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:    TransportMQTT,
			Address: "localhost:1883",
		},
		RPC: RPCConfig{
			RequestTimeout:   10 * time.Second,
			ExecutionTimeout: 10 * time.Second,
			Concurrency:      10,
			CacheTTL:         10 * time.Second,
		},
		StateStore: StateStoreConfig{
			ServiceGroup: "default",
			NotifyBuffer: 16,
		},
		Retry: RetryConfig{AddJitter: true},
	}
}

// Load reads path, expands ${VAR} environment references, and parses
// the YAML over Default. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Validation(err, "Config", "Load", "read config file")
	}
	return Parse(data)
}

// Parse parses YAML bytes over Default and validates the result.
// ${VAR} references are expanded from the environment before parsing.
func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errors.Validation(err, "Config", "Parse", "parse yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for a runnable wiring.
func (c *Config) Validate() error {
	fail := func(err error) error {
		return errors.Validation(err, "Config", "Validate", "check config")
	}

	if c.ClientID == "" {
		return fail(errors.New("client_id is required"))
	}
	if !isValidTopicPart(c.ClientID) {
		return fail(fmt.Errorf(
			"client_id %q is not topic-safe (alphanumeric, dot, dash, underscore)", c.ClientID))
	}

	switch c.Transport.Kind {
	case TransportMemory:
	case TransportNATS, TransportMQTT:
		if c.Transport.Address == "" && c.Transport.WebSocketURL == "" {
			return fail(fmt.Errorf("transport.address is required for kind %q", c.Transport.Kind))
		}
	default:
		return fail(fmt.Errorf("transport.kind %q is not one of memory, nats, mqtt", c.Transport.Kind))
	}

	if c.Transport.WebSocketURL != "" {
		if c.Transport.Kind != TransportMQTT {
			return fail(errors.New("transport.websocket_url only applies to the mqtt transport"))
		}
		if !strings.HasPrefix(c.Transport.WebSocketURL, "ws://") &&
			!strings.HasPrefix(c.Transport.WebSocketURL, "wss://") {
			return fail(fmt.Errorf("transport.websocket_url %q must start with ws:// or wss://",
				c.Transport.WebSocketURL))
		}
	}

	if err := c.Transport.TLS.validate(); err != nil {
		return fail(err)
	}

	if c.RPC.RequestTimeout < 0 || c.RPC.ExecutionTimeout < 0 || c.RPC.CacheTTL < 0 {
		return fail(errors.New("rpc timeouts must not be negative"))
	}
	if c.RPC.Concurrency < 0 {
		return fail(errors.New("rpc.concurrency must not be negative"))
	}

	if c.StateStore.ServiceGroup != "" && !isValidTopicPart(c.StateStore.ServiceGroup) {
		return fail(fmt.Errorf(
			"statestore.service_group %q is not topic-safe", c.StateStore.ServiceGroup))
	}
	if c.StateStore.NotifyBuffer < 0 {
		return fail(errors.New("statestore.notify_buffer must not be negative"))
	}

	return nil
}

func (t TLSConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	// Cert and key come as a pair; either both or neither.
	if (t.CertFile == "") != (t.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	for _, f := range []string{t.CertFile, t.KeyFile, t.CAFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("tls file: %w", err)
		}
	}
	return nil
}

// isValidTopicPart reports whether s can stand as a single topic level
// in the canonical dialect.
func isValidTopicPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}
