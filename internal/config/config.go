// Package config loads the call core configuration from defaults, an
// optional YAML file, an optional .env file and CALLCORE_* environment
// variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CALLCORE_"

// ICEServer is one STUN or TURN endpoint.
type ICEServer struct {
	URLs       []string `yaml:"urls" validate:"min=1,dive,required"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Config stores everything needed to run one call client.
type Config struct {
	UserID      string `yaml:"userId" validate:"required"`
	DisplayName string `yaml:"displayName"`
	Avatar      string `yaml:"avatar"`
	RelayURL    string `yaml:"relayUrl" validate:"required,url"`

	RingTimeoutMs        int `yaml:"ringTimeoutMs" validate:"gt=0"`
	ICEFailureGraceMs    int `yaml:"iceFailureGraceMs" validate:"gt=0"`
	NegotiationTimeoutMs int `yaml:"negotiationTimeoutMs" validate:"gt=0"`

	ICEServers []ICEServer `yaml:"iceServers" validate:"dive"`

	// StorePath is the SQLite file holding the in-call flag. Empty keeps
	// the flag in memory.
	StorePath   string `yaml:"storePath"`
	MetricsAddr string `yaml:"metricsAddr" validate:"omitempty,hostname_port"`
	Debug       bool   `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RelayURL:             "ws://localhost:8080/ws",
		RingTimeoutMs:        30000,
		ICEFailureGraceMs:    5000,
		NegotiationTimeoutMs: 30000,
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
		},
	}
}

// Load reads and validates the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that fill in missing
// fields (e.g. from prompts) before calling Validate.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutMs) * time.Millisecond
}

func (c *Config) ICEFailureGrace() time.Duration {
	return time.Duration(c.ICEFailureGraceMs) * time.Millisecond
}

func (c *Config) NegotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutMs) * time.Millisecond
}

func applyEnvironmentOverrides(c *Config) error {
	strs := map[string]*string{
		"USER_ID":      &c.UserID,
		"DISPLAY_NAME": &c.DisplayName,
		"AVATAR":       &c.Avatar,
		"RELAY_URL":    &c.RelayURL,
		"STORE_PATH":   &c.StorePath,
		"METRICS_ADDR": &c.MetricsAddr,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"RING_TIMEOUT_MS":        &c.RingTimeoutMs,
		"ICE_FAILURE_GRACE_MS":   &c.ICEFailureGraceMs,
		"NEGOTIATION_TIMEOUT_MS": &c.NegotiationTimeoutMs,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv(envPrefix + "DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDEBUG: %w", envPrefix, err)
		}
		c.Debug = b
	}

	// CALLCORE_ICE_SERVERS replaces the list with one credential-less
	// server per comma-separated URL.
	if v, ok := os.LookupEnv(envPrefix + "ICE_SERVERS"); ok {
		c.ICEServers = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.ICEServers = append(c.ICEServers, ICEServer{URLs: []string{u}})
			}
		}
	}
	return nil
}
