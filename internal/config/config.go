// Package config holds the relay and peer configuration, loaded from defaults,
// an optional YAML file and CLI flags (in that order of precedence).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role represents what this process does: run the relay, or join as a peer
// that either calls (initiates) or listens (responds).
type Role string

const (
	RoleRelay  Role = "relay"
	RoleCall   Role = "call"
	RoleListen Role = "listen"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleRelay, RoleCall, RoleListen:
		return true
	}
	return false
}

const (
	DefaultListenAddr    = ":3000"
	DefaultRelayURL      = "ws://localhost:3000"
	DefaultQueueSize     = 64
	DefaultWriteTimeout  = 5 * time.Second
	DefaultPingInterval  = 30 * time.Second
	DefaultStatsInterval = 10 * time.Second
	DefaultWelcome       = "Welcome to the Walkie Talkie app!"
	DefaultFrequency     = 1
)

// DefaultSTUNServers are used for ICE candidate gathering when none are
// configured. No TURN: peers are expected to reach each other directly.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// Relay configures the signaling relay.
type Relay struct {
	ListenAddr    string        `yaml:"listenAddr"`
	Welcome       string        `yaml:"welcome"`
	QueueSize     int           `yaml:"queueSize"`    // outbound frames buffered per connection
	WriteTimeout  time.Duration `yaml:"writeTimeout"` // per-frame write deadline
	PingInterval  time.Duration `yaml:"pingInterval"` // 0 disables keepalive
	StatsInterval time.Duration `yaml:"statsInterval"`
	MetricsPath   string        `yaml:"metricsPath"` // empty disables /metrics
}

// Peer configures a walkie-talkie participant.
type Peer struct {
	RelayURL   string   `yaml:"relayUrl"`
	Frequency  int      `yaml:"frequency"`
	ICEServers []string `yaml:"iceServers"`
	Input      string   `yaml:"input"`  // Ogg/Opus file played as the microphone
	Output     string   `yaml:"output"` // Ogg/Opus file the remote audio is recorded to; empty discards
}

// Config is the complete process configuration.
type Config struct {
	Role  Role  `yaml:"role"`
	Debug bool  `yaml:"debug"`
	Relay Relay `yaml:"relay"`
	Peer  Peer  `yaml:"peer"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		Relay: Relay{
			ListenAddr:    DefaultListenAddr,
			Welcome:       DefaultWelcome,
			QueueSize:     DefaultQueueSize,
			WriteTimeout:  DefaultWriteTimeout,
			PingInterval:  DefaultPingInterval,
			StatsInterval: DefaultStatsInterval,
			MetricsPath:   "/metrics",
		},
		Peer: Peer{
			RelayURL:   DefaultRelayURL,
			Frequency:  DefaultFrequency,
			ICEServers: append([]string(nil), DefaultSTUNServers...),
		},
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the fields that would otherwise fail late at runtime.
func (c Config) Validate() error {
	if c.Role != "" && !c.Role.Valid() {
		return fmt.Errorf("invalid role %q: must be relay, call or listen", c.Role)
	}
	if c.Relay.QueueSize < 1 {
		return fmt.Errorf("relay.queueSize must be positive, got %d", c.Relay.QueueSize)
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.writeTimeout must be positive, got %s", c.Relay.WriteTimeout)
	}
	if c.Relay.PingInterval < 0 {
		return fmt.Errorf("relay.pingInterval must not be negative, got %s", c.Relay.PingInterval)
	}
	return nil
}
