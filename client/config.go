package client

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Auth      AuthConfig      `yaml:"auth"`
	Registry  RegistryConfig  `yaml:"registry"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	// URL is the websocket origin, e.g. wss://api.example.com. The session
	// path /ws/documents/{id} is appended to it.
	URL                     string `yaml:"url"`
	HandshakeTimeoutSeconds int    `yaml:"handshakeTimeoutSeconds"`
	WriteTimeoutSeconds     int    `yaml:"writeTimeoutSeconds"`
	ReadLimitBytes          int64  `yaml:"readLimitBytes"`
	// StatusProbeDelayMs delays the get_status sent after each open.
	// Negative disables the probe.
	StatusProbeDelayMs int `yaml:"statusProbeDelayMs"`
	MaxQueuedMessages  int `yaml:"maxQueuedMessages"`
}

type ReconnectConfig struct {
	// MaxAttempts caps reconnects after an abnormal close. Unset means 5;
	// an explicit 0 never reconnects.
	MaxAttempts *int    `yaml:"maxAttempts"`
	BaseDelayMs int     `yaml:"baseDelayMs"`
	Jitter      float64 `yaml:"jitter"`
}

// Attempts returns a MaxAttempts value.
func Attempts(n int) *int { return &n }

type HeartbeatConfig struct {
	IntervalMs int `yaml:"intervalMs"`
	// MaxMissedAcks > 0 force-closes a channel after that many consecutive
	// unacknowledged probes. 0 keeps acknowledgements diagnostic only.
	MaxMissedAcks int `yaml:"maxMissedAcks"`
}

type AuthConfig struct {
	// APIBaseURL hosts /api/auth/refresh. Defaults to the server URL with an
	// http(s) scheme.
	APIBaseURL              string `yaml:"apiBaseURL"`
	AccessToken             string `yaml:"accessToken"`
	RefreshToken            string `yaml:"refreshToken"`
	RefreshThresholdSeconds int    `yaml:"refreshThresholdSeconds"`
	CheckIntervalSeconds    int    `yaml:"checkIntervalSeconds"`
	// Helper, when set, refreshes credentials through an external command
	// instead of the refresh endpoint.
	Helper *HelperConfig `yaml:"helper"`
}

type HelperConfig struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	TimeoutSeconds int               `yaml:"timeoutSeconds"`
}

type RegistryConfig struct {
	// HiddenTimeoutSeconds > 0 tears every session down once the registry
	// has been in the background that long.
	HiddenTimeoutSeconds int     `yaml:"hiddenTimeoutSeconds"`
	DialRatePerSecond    float64 `yaml:"dialRatePerSecond"`
	DialBurst            int     `yaml:"dialBurst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// DefaultConfig returns a Config for url with every default applied.
func DefaultConfig(serverURL string) Config {
	cfg := Config{Server: ServerConfig{URL: serverURL}}
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks the fields that have no sensible default.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.URL) == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server.url must include a host")
	}
	if c.Reconnect.MaxAttempts != nil && *c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.maxAttempts must not be negative")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1")
	}
	if c.Heartbeat.MaxMissedAcks < 0 {
		return fmt.Errorf("heartbeat.maxMissedAcks must not be negative")
	}
	if c.Auth.Helper != nil && strings.TrimSpace(c.Auth.Helper.Command) == "" {
		return fmt.Errorf("auth.helper.command is required when auth.helper is set")
	}
	if c.Auth.APIBaseURL != "" {
		au, err := url.Parse(c.Auth.APIBaseURL)
		if err != nil || (au.Scheme != "http" && au.Scheme != "https") {
			return fmt.Errorf("auth.apiBaseURL must be an http or https url")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.HandshakeTimeoutSeconds <= 0 {
		c.Server.HandshakeTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 10
	}
	if c.Server.ReadLimitBytes <= 0 {
		c.Server.ReadLimitBytes = defaultReadLimit
	}
	if c.Server.StatusProbeDelayMs == 0 {
		c.Server.StatusProbeDelayMs = 250
	}
	if c.Server.MaxQueuedMessages <= 0 {
		c.Server.MaxQueuedMessages = 256
	}
	if c.Reconnect.MaxAttempts == nil {
		c.Reconnect.MaxAttempts = Attempts(5)
	}
	if c.Reconnect.BaseDelayMs <= 0 {
		c.Reconnect.BaseDelayMs = 1000
	}
	if c.Heartbeat.IntervalMs <= 0 {
		c.Heartbeat.IntervalMs = int(DefaultHeartbeatInterval / time.Millisecond)
	}
	if c.Auth.APIBaseURL == "" {
		c.Auth.APIBaseURL = httpOrigin(c.Server.URL)
	}
	if c.Auth.RefreshThresholdSeconds <= 0 {
		c.Auth.RefreshThresholdSeconds = 600
	}
	if c.Auth.CheckIntervalSeconds <= 0 {
		c.Auth.CheckIntervalSeconds = 60
	}
	if c.Auth.Helper != nil && c.Auth.Helper.TimeoutSeconds <= 0 {
		c.Auth.Helper.TimeoutSeconds = 15
	}
	if c.Registry.DialRatePerSecond <= 0 {
		c.Registry.DialRatePerSecond = 10
	}
	if c.Registry.DialBurst <= 0 {
		c.Registry.DialBurst = 5
	}
}

// httpOrigin rewrites a ws(s) URL to the matching http(s) origin.
func httpOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	return scheme + "://" + u.Host
}

func (c *Config) policy() policy {
	return policy{
		maxAttempts: *c.Reconnect.MaxAttempts,
		baseDelay:   time.Duration(c.Reconnect.BaseDelayMs) * time.Millisecond,
		jitter:      c.Reconnect.Jitter,
	}
}

// TransportConfig derives the dialer settings.
func (c *Config) TransportConfig() TransportConfig {
	return TransportConfig{
		HandshakeTimeout: time.Duration(c.Server.HandshakeTimeoutSeconds) * time.Second,
		WriteTimeout:     time.Duration(c.Server.WriteTimeoutSeconds) * time.Second,
		ReadLimit:        c.Server.ReadLimitBytes,
	}
}

func (c *Config) heartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalMs) * time.Millisecond
}

func (c *Config) statusProbeDelay() time.Duration {
	return time.Duration(c.Server.StatusProbeDelayMs) * time.Millisecond
}

func (c *Config) hiddenTimeout() time.Duration {
	return time.Duration(c.Registry.HiddenTimeoutSeconds) * time.Second
}
