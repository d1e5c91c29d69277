// Package config loads and validates the traversal engine's
// configuration from YAML or JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "2s" or "750ms"
// in both YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds everything the natpunch binary needs for one session.
type Config struct {
	// Role is "initiator" or "responder".
	Role string `yaml:"role" json:"role"`

	// Room names the rendezvous on the signaling relay. Both peers
	// must use the same room.
	Room string `yaml:"room" json:"room"`

	// SignalingURL is the websocket relay base, e.g. ws://host:8080/ws.
	SignalingURL string `yaml:"signalingUrl" json:"signalingUrl"`

	// Endpoints are probe server addresses. Classification needs at
	// least three.
	Endpoints []string `yaml:"endpoints" json:"endpoints"`

	// PeerHint optionally seeds the peer's address when signaling
	// carries no mapping, as host:port.
	PeerHint string `yaml:"peerHint,omitempty" json:"peerHint,omitempty"`

	FanOut       int `yaml:"fanOut,omitempty" json:"fanOut,omitempty"`
	MaxSockets   int `yaml:"maxSockets,omitempty" json:"maxSockets,omitempty"`
	HistoryFlows int `yaml:"historyFlows,omitempty" json:"historyFlows,omitempty"`

	ProbeTimeout  Duration `yaml:"probeTimeout,omitempty" json:"probeTimeout,omitempty"`
	PunchWindow   Duration `yaml:"punchWindow,omitempty" json:"punchWindow,omitempty"`
	SignalTimeout Duration `yaml:"signalTimeout,omitempty" json:"signalTimeout,omitempty"`

	LogLevel string `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
}

// Default returns a config with sensible local-testing defaults.
func Default() *Config {
	return &Config{
		Role:          "initiator",
		Room:          "default",
		SignalingURL:  "ws://127.0.0.1:8080/ws",
		FanOut:        64,
		MaxSockets:    512,
		HistoryFlows:  4,
		ProbeTimeout:  Duration(2 * time.Second),
		PunchWindow:   Duration(4 * time.Second),
		SignalTimeout: Duration(10 * time.Second),
		LogLevel:      "info",
	}
}

// Load reads a config file, picking the codec by extension. Unknown
// extensions try YAML first, then JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	default:
		if yerr := yaml.Unmarshal(data, cfg); yerr != nil {
			if jerr := json.Unmarshal(data, cfg); jerr != nil {
				return nil, fmt.Errorf("parse config: yaml: %v, json: %v", yerr, jerr)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields a session cannot run without.
func (c *Config) Validate() error {
	switch c.Role {
	case "initiator", "responder":
	default:
		return fmt.Errorf("role must be initiator or responder, got %q", c.Role)
	}
	if c.Room == "" {
		return fmt.Errorf("room must not be empty")
	}
	if c.SignalingURL == "" {
		return fmt.Errorf("signalingUrl must not be empty")
	}
	if len(c.Endpoints) < 3 {
		return fmt.Errorf("need at least 3 probe endpoints, got %d", len(c.Endpoints))
	}
	for _, e := range c.Endpoints {
		if _, err := netip.ParseAddrPort(e); err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", e, err)
		}
	}
	if c.PeerHint != "" {
		if _, err := netip.ParseAddrPort(c.PeerHint); err != nil {
			return fmt.Errorf("invalid peerHint %q: %w", c.PeerHint, err)
		}
	}
	if c.FanOut < 0 {
		return fmt.Errorf("fanOut must not be negative")
	}
	if c.MaxSockets <= 0 {
		return fmt.Errorf("maxSockets must be positive")
	}
	return nil
}

// EndpointAddrs returns the probe endpoints parsed. Validate must have
// passed first.
func (c *Config) EndpointAddrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		out = append(out, netip.MustParseAddrPort(e))
	}
	return out
}

// PeerHintAddr returns the parsed peer hint, zero when unset.
func (c *Config) PeerHintAddr() netip.AddrPort {
	if c.PeerHint == "" {
		return netip.AddrPort{}
	}
	return netip.MustParseAddrPort(c.PeerHint)
}
