package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callcore.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsAndFile(t *testing.T) {
	path := writeFile(t, `
userId: "7"
displayName: Bob
relayUrl: wss://relay.example.com/ws
ringTimeoutMs: 15000
iceServers:
  - urls: ["turn:turn.example.com:3478"]
    username: bob
    credential: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UserID != "7" || cfg.DisplayName != "Bob" || cfg.RelayURL != "wss://relay.example.com/ws" {
		t.Fatalf("unexpected identity fields: %+v", cfg)
	}
	if cfg.RingTimeout() != 15*time.Second {
		t.Fatalf("RingTimeout() = %v", cfg.RingTimeout())
	}
	// Untouched options keep their defaults.
	if cfg.ICEFailureGrace() != 5*time.Second || cfg.NegotiationTimeout() != 30*time.Second {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "bob" {
		t.Fatalf("ICEServers = %+v", cfg.ICEServers)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CALLCORE_USER_ID", "1")
	t.Setenv("CALLCORE_RING_TIMEOUT_MS", "500")
	t.Setenv("CALLCORE_DEBUG", "true")
	t.Setenv("CALLCORE_ICE_SERVERS", "stun:a.example.com:3478, stun:b.example.com:3478")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UserID != "1" || cfg.RingTimeoutMs != 500 || !cfg.Debug {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1].URLs[0] != "stun:b.example.com:3478" {
		t.Fatalf("ICEServers = %+v", cfg.ICEServers)
	}

	t.Setenv("CALLCORE_RING_TIMEOUT_MS", "soon")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "RING_TIMEOUT_MS") {
		t.Fatalf("bad integer override error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing user", func(c *Config) { c.UserID = "" }, "UserID"},
		{"bad relay url", func(c *Config) { c.RelayURL = "not a url" }, "RelayURL"},
		{"zero ring timeout", func(c *Config) { c.RingTimeoutMs = 0 }, "RingTimeoutMs"},
		{"empty ice server", func(c *Config) { c.ICEServers = []ICEServer{{}} }, "URLs"},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "metrics" }, "MetricsAddr"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.UserID = "1"
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() succeeded")
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("error %q does not mention %s", err, tc.field)
			}
		})
	}

	ok := Default()
	ok.UserID = "1"
	ok.MetricsAddr = "127.0.0.1:9090"
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() on a good config = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() of a missing file succeeded")
	}
}
