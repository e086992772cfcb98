// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"devtools-proxy.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='First listen port to try (overrides config).',env='PORT'"`
	MaxAttempts  int    `kong:"help='Number of consecutive ports to try (overrides config).',env='MAX_ATTEMPTS'"`
	UpstreamPort int    `kong:"short='u',help='Port of the local app server to wrap (overrides config).',env='UPSTREAM_PORT'"`
	InjectPort   int    `kong:"short='i',help='Port of the instrumentation server the injected script loads from (overrides config).',env='INJECT_PORT'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Inject   InjectConfig   `toml:"inject"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`         // first candidate; 0 means "use default" (8000)
	MaxAttempts  int             `toml:"max_attempts"` // consecutive ports tried on conflict
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig describes the wrapped app server.
type UpstreamConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// InjectConfig describes the instrumentation service the injected script points at.
type InjectConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	MaxBufferBytes int64  `toml:"max_buffer_bytes"` // 0 buffers HTML documents of any size
}

// AdminConfig controls the proxy's own health endpoints.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Prefix  string `toml:"prefix"`
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

// Default returns a configuration with every default applied and no upstream
// port set. Callers must set Upstream.Port before use.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads the optional TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// ./devtools-proxy.toml then configs/config.toml; finding none is not an error.
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
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
	if cli.MaxAttempts != 0 {
		c.Server.MaxAttempts = cli.MaxAttempts
	}
	if cli.UpstreamPort != 0 {
		c.Upstream.Port = cli.UpstreamPort
	}
	if cli.InjectPort != 0 {
		c.Inject.Port = cli.InjectPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// Validate checks field bounds. Zero values are accepted where a default exists.
func (c *Config) Validate() error {
	if c.Upstream.Port == 0 {
		return errors.New("upstream.port is required (set it in the config file or pass --upstream-port)")
	}

	// Numeric bounds.
	if err := checkPort("upstream.port", c.Upstream.Port); err != nil {
		return err
	}
	if err := checkPort("server.port", c.Server.Port); err != nil {
		return err
	}
	if err := checkPort("inject.port", c.Inject.Port); err != nil {
		return err
	}
	if c.Server.MaxAttempts < 0 {
		return fmt.Errorf("server.max_attempts must be non-negative; got %d", c.Server.MaxAttempts)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Inject.MaxBufferBytes < 0 {
		return fmt.Errorf("inject.max_buffer_bytes must be non-negative; got %d", c.Inject.MaxBufferBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Reserved paths shadow the wrapped app, so they must be rooted and not "/".
	if c.Admin.Enabled && c.Admin.Prefix != "" {
		if err := checkReservedPath("admin.prefix", c.Admin.Prefix); err != nil {
			return err
		}
	}
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		if err := checkReservedPath("metrics.path", c.Metrics.Path); err != nil {
			return err
		}
	}

	return nil
}

func checkPort(field string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s must be 0–65535; got %d", field, port)
	}
	return nil
}

func checkReservedPath(field, p string) error {
	if p[0] != '/' {
		return fmt.Errorf("%s must start with '/'; got %q", field, p)
	}
	if p == "/" || strings.HasSuffix(p, "/") {
		return fmt.Errorf("%s must not be the site root or end with '/'; got %q", field, p)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.MaxAttempts == 0 {
		c.Server.MaxAttempts = 10
	}
	if c.Upstream.Host == "" {
		c.Upstream.Host = "localhost"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Inject.Host == "" {
		c.Inject.Host = "localhost"
	}
	if c.Inject.Port == 0 {
		c.Inject.Port = 8097
	}
	if c.Admin.Prefix == "" {
		c.Admin.Prefix = "/__devtools-proxy"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = c.Admin.Prefix + "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Addr returns the listen address for the given port.
func (c *ServerConfig) Addr(port int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// BaseURL returns the origin requests are forwarded to.
func (c *UpstreamConfig) BaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ScriptURL returns the src of the injected script tag.
func (c *InjectConfig) ScriptURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
