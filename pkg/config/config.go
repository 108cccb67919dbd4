// Package config loads devlink settings from defaults, an optional YAML file
// and DEVLINK_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values, matching what the device firmware's bundled web client uses.
const (
	DefaultBaseURL            = "http://192.168.4.1"
	DefaultAPIPrefix          = "/api"
	DefaultWSPrefix           = "/ws"
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultBatchInterval      = 100 * time.Millisecond
	DefaultMaxQueueSize       = 10
	DefaultBaseReconnectDelay = 1 * time.Second
	DefaultMaxReconnectDelay  = 30 * time.Second
	DefaultReconnectGrowth    = 1.5
	DefaultTokenKey           = "xiaozhi_auth_token"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// Config holds the client configuration
type Config struct {
	// Device endpoint
	BaseURL   string `yaml:"base_url"`
	APIPrefix string `yaml:"api_prefix"`
	WSPrefix  string `yaml:"ws_prefix"`

	// Timeouts (RequestTimeout 0 = no timeout)
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`

	// Batching
	BatchInterval time.Duration `yaml:"batch_interval"`
	MaxQueueSize  int           `yaml:"max_queue_size"`

	// Reconnection
	BaseReconnectDelay time.Duration `yaml:"base_reconnect_delay"`
	MaxReconnectDelay  time.Duration `yaml:"max_reconnect_delay"`
	ReconnectGrowth    float64       `yaml:"reconnect_growth"`

	// Token persistence (empty TokenDBPath = memory only)
	TokenDBPath   string `yaml:"token_db_path"`
	SecretKeyBase string `yaml:"secret_key_base"`
	TokenKey      string `yaml:"token_key"`

	// Status server (0 = disabled)
	StatusPort int `yaml:"status_port"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns a configuration populated with default values.
func Default() *Config {
	return &Config{
		BaseURL:            DefaultBaseURL,
		APIPrefix:          DefaultAPIPrefix,
		WSPrefix:           DefaultWSPrefix,
		HandshakeTimeout:   DefaultHandshakeTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		BatchInterval:      DefaultBatchInterval,
		MaxQueueSize:       DefaultMaxQueueSize,
		BaseReconnectDelay: DefaultBaseReconnectDelay,
		MaxReconnectDelay:  DefaultMaxReconnectDelay,
		ReconnectGrowth:    DefaultReconnectGrowth,
		TokenKey:           DefaultTokenKey,
		LogLevel:           DefaultLogLevel,
		LogFormat:          DefaultLogFormat,
	}
}

// LoadFile reads a YAML config file on top of the defaults.
// ${VAR} references in the file are expanded from the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return cfg, nil
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment overrides. The result
// is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}

		cfg = fileCfg
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from DEVLINK_* environment variables.
func (c *Config) ApplyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setDuration := func(key string, dst *time.Duration) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}

		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}

		*dst = d

		return nil
	}

	setInt := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}

		*dst = n

		return nil
	}

	setString("DEVLINK_BASE_URL", &c.BaseURL)
	setString("DEVLINK_API_PREFIX", &c.APIPrefix)
	setString("DEVLINK_WS_PREFIX", &c.WSPrefix)
	setString("DEVLINK_TOKEN_DB_PATH", &c.TokenDBPath)
	setString("DEVLINK_SECRET_KEY_BASE", &c.SecretKeyBase)
	setString("DEVLINK_TOKEN_KEY", &c.TokenKey)
	setString("DEVLINK_LOG_LEVEL", &c.LogLevel)
	setString("DEVLINK_LOG_FORMAT", &c.LogFormat)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DEVLINK_REQUEST_TIMEOUT", &c.RequestTimeout},
		{"DEVLINK_HANDSHAKE_TIMEOUT", &c.HandshakeTimeout},
		{"DEVLINK_WRITE_TIMEOUT", &c.WriteTimeout},
		{"DEVLINK_BATCH_INTERVAL", &c.BatchInterval},
		{"DEVLINK_BASE_RECONNECT_DELAY", &c.BaseReconnectDelay},
		{"DEVLINK_MAX_RECONNECT_DELAY", &c.MaxReconnectDelay},
	}
	for _, d := range durations {
		if err := setDuration(d.key, d.dst); err != nil {
			return err
		}
	}

	if err := setInt("DEVLINK_MAX_QUEUE_SIZE", &c.MaxQueueSize); err != nil {
		return err
	}

	if err := setInt("DEVLINK_STATUS_PORT", &c.StatusPort); err != nil {
		return err
	}

	if v := os.Getenv("DEVLINK_RECONNECT_GROWTH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid DEVLINK_RECONNECT_GROWTH: %w", err)
		}

		c.ReconnectGrowth = f
	}

	return nil
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must use http or https, got: %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("base_url must include a host")
	}

	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval must be positive")
	}

	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive")
	}

	if c.BaseReconnectDelay <= 0 {
		return fmt.Errorf("base_reconnect_delay must be positive")
	}

	if c.MaxReconnectDelay < c.BaseReconnectDelay {
		return fmt.Errorf("max_reconnect_delay (%s) must not be below base_reconnect_delay (%s)",
			c.MaxReconnectDelay, c.BaseReconnectDelay)
	}

	if c.ReconnectGrowth < 1 {
		return fmt.Errorf("reconnect_growth must be >= 1, got %v", c.ReconnectGrowth)
	}

	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}

	if c.TokenDBPath != "" && c.SecretKeyBase == "" {
		return fmt.Errorf("secret_key_base is required when token_db_path is set")
	}

	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("status_port must be between 0 and 65535")
	}

	return nil
}

// HTTPBase returns the base URL for REST calls, e.g. http://host/api.
func (c *Config) HTTPBase() string {
	return strings.TrimRight(c.BaseURL, "/") + c.APIPrefix
}

// WSBase returns the base URL for channels, e.g. ws://host/ws.
func (c *Config) WSBase() string {
	base := strings.TrimRight(c.BaseURL, "/")

	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	return base + c.WSPrefix
}
