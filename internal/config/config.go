// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/upload-gate/config.toml",
	"configs/config.toml",
}

// Scanner backends.
const (
	BackendClamd  = "clamd"
	BackendICAP   = "icap"
	BackendEICAR  = "eicar"
	BackendStatic = "static"
)

// reservedPaths are routes owned by the gate itself.
var reservedPaths = []string{"/dw", "/o", "/api", "/healthz", "/gate/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	DocumentWorker string `kong:"name='document-worker-url',help='Document worker base URL (overrides config).',env='DOCUMENT_WORKER_URL'"`
	HomeWorker     string `kong:"name='home-worker-url',help='Home worker base URL (overrides config).',env='HOME_WORKER_URL'"`
	ScannerAddress string `kong:"help='Scanner address (overrides config).',env='SCANNER_ADDRESS'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Scanner  ScannerConfig  `toml:"scanner"`
	Workers  WorkersConfig  `toml:"workers"`
	Upstream UpstreamConfig `toml:"upstream"`
	Cache    CacheConfig    `toml:"cache"`
	Audit    AuditConfig    `toml:"audit"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string          `toml:"host"`
	Port          int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes  int64           `toml:"body_max_bytes"`
	FormMaxMemory int64           `toml:"form_max_memory_bytes"`
	RateLimit     RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ScannerConfig selects and configures the anti-malware backend.
type ScannerConfig struct {
	Backend        string `toml:"backend"`
	Address        string `toml:"address"`
	ICAPService    string `toml:"icap_service"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	StaticVerdict  string `toml:"static_verdict"`
}

// WorkersConfig holds the upstream targets for each worker role.
type WorkersConfig struct {
	Document WorkerConfig `toml:"document"`
	Home     WorkerConfig `toml:"home"`
}

// WorkerConfig is a single forwarding target.
type WorkerConfig struct {
	BaseURL string `toml:"base_url"`
}

// UpstreamConfig holds connection settings shared by all worker targets.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// CacheConfig controls the Redis-backed verdict cache.
type CacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	TTLSeconds    int    `toml:"ttl_seconds"`
	KeyPrefix     string `toml:"key_prefix"`
}

// AuditConfig controls where scan audit events are published. An empty
// NATSURL sends events to the log instead.
type AuditConfig struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/upload-gate/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.DocumentWorker != "" {
		c.Workers.Document.BaseURL = cli.DocumentWorker
	}
	if cli.HomeWorker != "" {
		c.Workers.Home.BaseURL = cli.HomeWorker
	}
	if cli.ScannerAddress != "" {
		c.Scanner.Address = cli.ScannerAddress
	}
}

func (c *Config) validate() error {
	// Worker targets: required, absolute http(s) URLs.
	if err := validateWorkerURL("workers.document.base_url", c.Workers.Document.BaseURL); err != nil {
		return err
	}
	if err := validateWorkerURL("workers.home.base_url", c.Workers.Home.BaseURL); err != nil {
		return err
	}

	// Scanner backend.
	switch strings.ToLower(c.Scanner.Backend) {
	case BackendClamd, BackendICAP:
		if c.Scanner.Address == "" {
			return fmt.Errorf("scanner.address is required for backend %q", c.Scanner.Backend)
		}
	case BackendStatic:
		switch c.Scanner.StaticVerdict {
		case "safe", "malware", "error":
		default:
			return fmt.Errorf("scanner.static_verdict must be one of: safe, malware, error; got %q", c.Scanner.StaticVerdict)
		}
	case BackendEICAR:
	case "":
		return fmt.Errorf("scanner.backend is required")
	default:
		return fmt.Errorf("scanner.backend must be one of: clamd, icap, eicar, static; got %q", c.Scanner.Backend)
	}
	c.Scanner.Backend = strings.ToLower(c.Scanner.Backend)

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.FormMaxMemory < 0 {
		return fmt.Errorf("server.form_max_memory_bytes must be non-negative; got %d", c.Server.FormMaxMemory)
	}
	if c.Scanner.TimeoutSeconds < 0 {
		return fmt.Errorf("scanner.timeout_seconds must be non-negative; got %d", c.Scanner.TimeoutSeconds)
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

	// Cache.
	if c.Cache.Enabled && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required when the verdict cache is enabled")
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must be non-negative; got %d", c.Cache.TTLSeconds)
	}

	// Audit.
	if c.Audit.NATSURL != "" {
		u, err := url.Parse(c.Audit.NATSURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("audit.nats_url is not a valid URL: %q", c.Audit.NATSURL)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateWorkerURL(field, raw string) error {
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
		return fmt.Errorf("%s has no host; got %q", field, raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%s must not carry a query or fragment; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 100 * 1024 * 1024 // 100 MB
	}
	if c.Server.FormMaxMemory == 0 {
		c.Server.FormMaxMemory = 32 * 1024 * 1024 // 32 MB, as net/http
	}
	if c.Scanner.TimeoutSeconds == 0 {
		c.Scanner.TimeoutSeconds = 60
	}
	if c.Scanner.ICAPService == "" {
		c.Scanner.ICAPService = "avscan"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 24 * 60 * 60
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "upload-gate:verdict"
	}
	if c.Audit.Subject == "" {
		c.Audit.Subject = "upload-gate.scans"
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

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may hold Redis credentials.
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
