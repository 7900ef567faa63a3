// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// ErrConfiguration is wrapped by every error returned from Load. A missing or
// invalid upstream URL surfaces here at startup, never per request.
var ErrConfiguration = errors.New("config")

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/authgate/config.toml",
	"configs/config.toml",
}

// Token failure policies.
const (
	OnErrorAnonymous = "anonymous"
	OnErrorReject    = "reject"
)

// Token cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// DefaultUpstreamURL is used when neither the config file nor the environment
// names an upstream.
const DefaultUpstreamURL = "http://localhost:8080"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL string `kong:"name='upstream-url',help='Upstream base URL (overrides config).',env='UPSTREAM_URL,GO_API_URL'"`
	TokenURL    string `kong:"name='token-url',help='Auth service token endpoint (overrides config).',env='AUTH_TOKEN_URL'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Auth     AuthConfig     `toml:"auth"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`   // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	Prefix       string          `toml:"prefix"` // mount point of the proxy, preserved when forwarding
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL               string `toml:"base_url"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`
	IdleConnections       int    `toml:"idle_connections"`
}

// AuthConfig configures the token provider. An empty TokenURL disables token
// lookup and every request is forwarded anonymously.
type AuthConfig struct {
	TokenURL       string           `toml:"token_url"`
	ForwardHeaders []string         `toml:"forward_headers"`
	TimeoutSeconds int              `toml:"timeout_seconds"`
	OnError        string           `toml:"on_error"`
	Cache          TokenCacheConfig `toml:"cache"`
}

// TokenCacheConfig configures caching of issued tokens.
type TokenCacheConfig struct {
	Enabled    bool   `toml:"enabled"`
	Backend    string `toml:"backend"`
	TTLSeconds int    `toml:"ttl_seconds"`
	MaxEntries int    `toml:"max_entries"`
	RedisURL   string `toml:"redis_url"`
	KeyPrefix  string `toml:"key_prefix"`
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

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/authgate/config.toml then configs/config.toml. Finding none is not an
// error: defaults plus CLI/environment values are a complete configuration.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrConfiguration, path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", ErrConfiguration, path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: validate: %w", ErrConfiguration, err)
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
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.TokenURL != "" {
		c.Auth.TokenURL = cli.TokenURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := validateHTTPURL("upstream.base_url", c.Upstream.BaseURL); err != nil {
		return err
	}
	if c.Auth.TokenURL != "" {
		if err := validateHTTPURL("auth.token_url", c.Auth.TokenURL); err != nil {
			return err
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Auth.TimeoutSeconds < 0 {
		return fmt.Errorf("auth.timeout_seconds must be non-negative; got %d", c.Auth.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Mount prefix.
	p := c.Server.Prefix
	if p == "" || p[0] != '/' {
		return fmt.Errorf("server.prefix must start with '/'; got %q", p)
	}
	if p == "/" {
		return fmt.Errorf("server.prefix must not be the root path")
	}
	for _, reserved := range []string{"/healthz", "/proxy/status"} {
		if pathsOverlap(p, reserved) {
			return fmt.Errorf("server.prefix %q conflicts with reserved route %q", p, reserved)
		}
	}

	if c.Auth.TokenURL != "" && c.tokenURLLoopsBack() {
		return fmt.Errorf("auth.token_url %q is served by this proxy under %q; token lookups would recurse", c.Auth.TokenURL, p)
	}

	// Auth policy and cache.
	switch strings.ToLower(c.Auth.OnError) {
	case OnErrorAnonymous, OnErrorReject:
		// valid
	default:
		return fmt.Errorf("auth.on_error must be one of: anonymous, reject; got %q", c.Auth.OnError)
	}
	if c.Auth.Cache.Enabled {
		switch strings.ToLower(c.Auth.Cache.Backend) {
		case CacheBackendMemory:
		case CacheBackendRedis:
			if c.Auth.Cache.RedisURL == "" {
				return fmt.Errorf("auth.cache.redis_url is required when auth.cache.backend is redis")
			}
		default:
			return fmt.Errorf("auth.cache.backend must be one of: memory, redis; got %q", c.Auth.Cache.Backend)
		}
		if c.Auth.Cache.TTLSeconds < 0 {
			return fmt.Errorf("auth.cache.ttl_seconds must be non-negative; got %d", c.Auth.Cache.TTLSeconds)
		}
		if c.Auth.Cache.MaxEntries < 0 {
			return fmt.Errorf("auth.cache.max_entries must be non-negative; got %d", c.Auth.Cache.MaxEntries)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		mp := c.Metrics.Path
		if mp[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", mp)
		}
		for _, reserved := range []string{p, "/healthz", "/proxy/status"} {
			if pathsOverlap(mp, reserved) {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", mp, reserved)
			}
		}
	}
	return nil
}

// validateHTTPURL requires an absolute http(s) URL without query or fragment.
func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host; got %q", field, raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%s must not carry a query or fragment; got %q", field, raw)
	}
	return nil
}

// tokenURLLoopsBack reports whether the token URL addresses this proxy's own
// listener and falls under the mount prefix. Only loopback and the configured
// listen host are recognized; other names for this machine are not.
func (c *Config) tokenURLLoopsBack() bool {
	u, err := url.Parse(c.Auth.TokenURL)
	if err != nil {
		return false
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	if port != strconv.Itoa(c.Server.Port) {
		return false
	}

	host := u.Hostname()
	local := host == "localhost" || strings.EqualFold(host, c.Server.Host)
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		local = true
	}
	if !local {
		return false
	}

	prefix := c.Server.Prefix
	return u.Path == prefix || strings.HasPrefix(u.Path, prefix+"/")
}

// pathsOverlap reports whether one route is equal to or nested under the other.
func pathsOverlap(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.Prefix == "" {
		c.Server.Prefix = "/api"
	}
	if len(c.Server.Prefix) > 1 {
		c.Server.Prefix = strings.TrimRight(c.Server.Prefix, "/")
		if c.Server.Prefix == "" {
			c.Server.Prefix = "/"
		}
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamURL
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 5
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if len(c.Auth.ForwardHeaders) == 0 {
		c.Auth.ForwardHeaders = []string{"Cookie", "Authorization"}
	}
	if c.Auth.TimeoutSeconds == 0 {
		c.Auth.TimeoutSeconds = 10
	}
	if c.Auth.OnError == "" {
		c.Auth.OnError = OnErrorAnonymous
	}
	c.Auth.OnError = strings.ToLower(c.Auth.OnError)
	if c.Auth.Cache.Backend == "" {
		c.Auth.Cache.Backend = CacheBackendMemory
	}
	c.Auth.Cache.Backend = strings.ToLower(c.Auth.Cache.Backend)
	if c.Auth.Cache.TTLSeconds == 0 {
		c.Auth.Cache.TTLSeconds = 300
	}
	if c.Auth.Cache.MaxEntries == 0 {
		c.Auth.Cache.MaxEntries = 10000
	}
	if c.Auth.Cache.KeyPrefix == "" {
		c.Auth.Cache.KeyPrefix = "authgate:token:"
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

// Enabled reports whether a token endpoint is configured.
func (a *AuthConfig) Enabled() bool {
	return a.TokenURL != ""
}

// WarnPermissions logs a warning if the config file is readable by group or others.
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
