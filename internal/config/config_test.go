package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const yamlConfig = `
role: responder
room: demo
signalingUrl: ws://relay.example.com:8080/ws
endpoints:
  - 198.51.100.1:3478
  - 198.51.100.2:3478
  - 198.51.100.3:3478
fanOut: 32
probeTimeout: 500ms
punchWindow: 2s
logLevel: debug
`

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "responder", cfg.Role)
	assert.Equal(t, "demo", cfg.Room)
	assert.Equal(t, 32, cfg.FanOut)
	assert.Equal(t, 500*time.Millisecond, cfg.ProbeTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.PunchWindow.Std())
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unset fields keep their defaults.
	assert.Equal(t, 512, cfg.MaxSockets)
	assert.Equal(t, 10*time.Second, cfg.SignalTimeout.Std())

	addrs := cfg.EndpointAddrs()
	require.Len(t, addrs, 3)
	assert.Equal(t, "198.51.100.1:3478", addrs[0].String())
}

func TestLoadJSON(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.json", `{
		"role": "initiator",
		"room": "demo",
		"signalingUrl": "ws://relay:8080/ws",
		"endpoints": ["198.51.100.1:3478", "198.51.100.2:3478", "198.51.100.3:3478"],
		"signalTimeout": "3s",
		"peerHint": "203.0.113.9:40000"
	}`))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.SignalTimeout.Std())
	assert.Equal(t, "203.0.113.9:40000", cfg.PeerHintAddr().String())
}

func TestLoadRejectsInvalid(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Room = "demo"
		cfg.Endpoints = []string{"1.1.1.1:3478", "2.2.2.2:3478", "3.3.3.3:3478"}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad role", func(c *Config) { c.Role = "spectator" }, "role"},
		{"missing room", func(c *Config) { c.Room = "" }, "room"},
		{"bad endpoint", func(c *Config) { c.Endpoints[0] = "not-an-addr" }, "endpoint"},
		{"bad peer hint", func(c *Config) { c.PeerHint = "nowhere" }, "peerHint"},
		{"negative fan-out", func(c *Config) { c.FanOut = -1 }, "fanOut"},
		{"zero socket budget", func(c *Config) { c.MaxSockets = 0 }, "maxSockets"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeFile(t, "config.yml", yamlConfig+"\nsignalTimeout: fast"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration")
}

func TestValidateEndpointCount(t *testing.T) {
	cfg := Default()
	cfg.Endpoints = []string{"1.1.1.1:3478", "2.2.2.2:3478"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 3")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
