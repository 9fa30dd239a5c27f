// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/tunnel-gateway/config.toml",
	"configs/config.toml",
}

// Fixed routes that the gateway prefix and metrics path must not shadow.
const (
	HealthPath = "/healthz"
	StatusPath = "/_gateway/status"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Key         string `kong:"help='Token key, 32 bytes as hex or base64 (overrides config).',env='GATEWAY_KEY'"`
	Prefix      string `kong:"help='Gateway path prefix (overrides config).',env='GATEWAY_PREFIX'"`
	AnalyticsID string `kong:"name='analytics-id',help='Analytics account id injected into HTML pages (overrides config).',env='GA_ID'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Gateway GatewayConfig `toml:"gateway"`
	Codec   CodecConfig   `toml:"codec"`
	Inject  InjectConfig  `toml:"inject"`
	Relay   RelayConfig   `toml:"relay"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// GatewayConfig holds the routing layout of the gateway origin.
type GatewayConfig struct {
	Prefix       string `toml:"prefix"`
	NoScriptPath string `toml:"no_script_path"`
	StaticDir    string `toml:"static_dir"`
}

// CodecConfig holds token key material and the accepted legacy schemes.
// The scheme switches are pointers so that an omitted key means "enabled".
type CodecConfig struct {
	Key             string `toml:"key"`
	AcceptLegacy    *bool  `toml:"accept_legacy"`
	AcceptPlaintext *bool  `toml:"accept_plaintext"`
}

// AcceptLegacyEnabled reports whether Caesar-shifted tokens are still decoded.
func (c CodecConfig) AcceptLegacyEnabled() bool {
	return c.AcceptLegacy == nil || *c.AcceptLegacy
}

// AcceptPlaintextEnabled reports whether plain http(s) URLs are accepted as tokens.
func (c CodecConfig) AcceptPlaintextEnabled() bool {
	return c.AcceptPlaintext == nil || *c.AcceptPlaintext
}

// InjectConfig selects the fragment inserted before </body> in HTML responses.
// Fragment and FragmentFile are mutually exclusive; AnalyticsID is used only
// when neither is set.
type InjectConfig struct {
	Fragment     string `toml:"fragment"`
	FragmentFile string `toml:"fragment_file"`
	AnalyticsID  string `toml:"analytics_id"`
}

// RelayConfig holds outbound connection settings.
type RelayConfig struct {
	TimeoutSeconds       int      `toml:"timeout_seconds"`
	IdleConnections      int      `toml:"idle_connections"`
	AllowPrivateNetworks bool     `toml:"allow_private_networks"`
	UserAgent            string   `toml:"user_agent"`
	StripResponseHeaders []string `toml:"strip_response_headers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// defaultStripResponseHeaders are upstream headers that break pages served
// from the gateway origin.
var defaultStripResponseHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"Strict-Transport-Security",
	"X-Frame-Options",
	"Public-Key-Pins",
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/tunnel-gateway/config.toml then configs/config.toml. Running without a
// file is allowed; everything can come from flags and environment.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Key != "" {
		c.Codec.Key = cli.Key
	}
	if cli.Prefix != "" {
		c.Gateway.Prefix = cli.Prefix
	}
	if cli.AnalyticsID != "" {
		c.Inject.AnalyticsID = cli.AnalyticsID
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Key material is parsed by the codec; here we only refuse obvious mistakes
	// early so the error points at the config file.
	if strings.TrimSpace(c.Codec.Key) == "" {
		return fmt.Errorf("codec.key is required (32 bytes, hex or base64)")
	}
	if c.Codec.Key == "YOUR_KEY_HERE" {
		return fmt.Errorf("codec.key contains placeholder value; generate one with `openssl rand -hex 32`")
	}

	// Routing layout.
	p := c.Gateway.Prefix
	if len(p) < 3 || p[0] != '/' || p[len(p)-1] != '/' {
		return fmt.Errorf("gateway.prefix must start and end with '/' and name a path segment; got %q", p)
	}
	if strings.ContainsAny(p, "?#%") {
		return fmt.Errorf("gateway.prefix must not contain '?', '#' or '%%'; got %q", p)
	}
	if c.Gateway.NoScriptPath == "" || c.Gateway.NoScriptPath[0] != '/' {
		return fmt.Errorf("gateway.no_script_path must start with '/'; got %q", c.Gateway.NoScriptPath)
	}
	reserved := []string{HealthPath, StatusPath, c.Gateway.NoScriptPath}
	if c.Metrics.Enabled {
		reserved = append(reserved, c.Metrics.Path)
	}
	for _, r := range reserved {
		if strings.HasPrefix(r+"/", p) {
			return fmt.Errorf("gateway.prefix %q conflicts with reserved route %q", p, r)
		}
	}

	if c.Inject.Fragment != "" && c.Inject.FragmentFile != "" {
		return fmt.Errorf("inject.fragment and inject.fragment_file are mutually exclusive")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Relay.TimeoutSeconds < 0 {
		return fmt.Errorf("relay.timeout_seconds must be non-negative; got %d", c.Relay.TimeoutSeconds)
	}
	if c.Relay.IdleConnections < 0 {
		return fmt.Errorf("relay.idle_connections must be non-negative; got %d", c.Relay.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		mp := c.Metrics.Path
		if mp[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", mp)
		}
		for _, r := range []string{HealthPath, StatusPath, c.Gateway.NoScriptPath} {
			if mp == r || strings.HasPrefix(mp, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", mp, r)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Gateway.Prefix == "" {
		c.Gateway.Prefix = "/proxy/"
	}
	if c.Gateway.NoScriptPath == "" {
		c.Gateway.NoScriptPath = "/no-js"
	}
	if c.Relay.TimeoutSeconds == 0 {
		c.Relay.TimeoutSeconds = 120
	}
	if c.Relay.IdleConnections == 0 {
		c.Relay.IdleConnections = 100
	}
	if c.Relay.StripResponseHeaders == nil {
		c.Relay.StripResponseHeaders = defaultStripResponseHeaders
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file carries the token key, so loose permissions leak every link.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
