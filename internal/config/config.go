package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// defaultHTTPPort is the loopback listener's default port, chosen at install
// time and recorded in config.
const defaultHTTPPort = 4001

// Config is the on-disk configuration for op15-agent, read once at startup
// from config.json adjacent to the binary. It is the single source of
// identity: the daemon never accepts upstream identity overrides on a live
// connection.
//
// NOTE: this file contains a shared secret. Always keep it chmod 0600.
type Config struct {
	ServerURL    string `json:"serverUrl"`
	UserID       string `json:"userId"`
	SharedSecret string `json:"sharedSecret"`
	HTTPPort     int    `json:"httpPort,omitempty"`

	// PermissionPolicy is the local permission cap applied on the endpoint,
	// intersected with whatever the bridge ultimately grants in
	// SessionPermissions; the capability check runs against the smaller of
	// the two.
	PermissionPolicy *PermissionPolicy `json:"permissionPolicy,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"logFormat,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"logLevel,omitempty"`

	// OtelEndpoint is an optional OTLP/HTTP collector host:port. Empty
	// leaves the ambient metrics on the SDK's no-op-shaped default
	// MeterProvider (internal/telemetry.Init).
	OtelEndpoint string `json:"otelEndpoint,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("missing serverUrl")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("missing userId")
	}
	if strings.TrimSpace(c.SharedSecret) == "" {
		return errors.New("missing sharedSecret")
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid httpPort: %d", c.HTTPPort)
	}
	if c.PermissionPolicy != nil {
		if err := c.PermissionPolicy.Validate(); err != nil {
			return fmt.Errorf("invalid permissionPolicy: %w", err)
		}
	}
	return nil
}

// HTTPPortOrDefault returns the configured loopback port, falling back to
// 4001 when unset.
func (c *Config) HTTPPortOrDefault() int {
	if c.HTTPPort == 0 {
		return defaultHTTPPort
	}
	return c.HTTPPort
}

// DefaultConfigPath returns the default config path:
//
//	~/.op15-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "op15-agent.config.json"
	}
	return filepath.Join(home, ".op15-agent", "config.json")
}

// Load reads config.json. Missing values fall back to environment or argv,
// but that fallback is the caller's responsibility (cmd/op15-agent's main),
// not Load's: Load only reports what is actually on disk.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnvOverrides fills empty fields from the environment. The caller
// applies argv first (positional args override config.json), then calls
// this, so the environment only fills what both left empty.
func (c *Config) ApplyEnvOverrides() {
	if c.ServerURL == "" {
		c.ServerURL = os.Getenv("OP15_SERVER_URL")
	}
	if c.UserID == "" {
		c.UserID = os.Getenv("OP15_USER_ID")
	}
	if c.SharedSecret == "" {
		c.SharedSecret = os.Getenv("OP15_SHARED_SECRET")
	}
	if c.HTTPPort == 0 {
		if v := os.Getenv("OP15_HTTP_PORT"); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				c.HTTPPort = port
			}
		}
	}
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
