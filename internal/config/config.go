// Package config handles loading and validating Omni configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Omni.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.omni/data. Override: OMNI_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data_dir)
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Automation    AutomationConfig     `json:"automation" yaml:"automation"`
	Routing       RoutingConfig        `json:"routing" yaml:"routing"`
	Channels      map[string]Channel   `json:"channels,omitempty" yaml:"channels,omitempty"` // instance ID -> sender
	Agents        AgentsConfig         `json:"agents" yaml:"agents"`
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = keep logs forever
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Log           LogConfig            `json:"log" yaml:"log"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/omni.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// HTTPConfig configures the REST API.
type HTTPConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"`                   // Default: ":8080"
	APIKeys    map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`     // key -> user. Empty = no auth.
	RateLimit  *RateLimitConfig  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // nil = unlimited
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs"`
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-key request limits.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"` // Default: requests_per_minute
}

// AutomationConfig configures the automation engine.
type AutomationConfig struct {
	Enabled                      *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"` // Default: true
	DefaultConcurrency           int            `json:"default_concurrency" yaml:"default_concurrency"`
	InstanceConcurrencyOverrides map[string]int `json:"instance_concurrency_overrides,omitempty" yaml:"instance_concurrency_overrides,omitempty"`
	ActionTimeoutMs              int            `json:"action_timeout_ms" yaml:"action_timeout_ms"`
	StopTimeoutS                 int            `json:"stop_timeout_s" yaml:"stop_timeout_s"`
	AllowPrivateNetworks         bool           `json:"allow_private_networks" yaml:"allow_private_networks"` // Let webhooks reach loopback and private ranges.
}

// IsEnabled reports whether the engine runs. Default: true.
func (a AutomationConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Concurrency returns the default per-instance concurrency. Default: 5.
func (a AutomationConfig) Concurrency() int {
	if a.DefaultConcurrency > 0 {
		return a.DefaultConcurrency
	}
	return 5
}

// ActionTimeout returns the default action timeout. Default: 30s.
func (a AutomationConfig) ActionTimeout() time.Duration {
	if a.ActionTimeoutMs > 0 {
		return time.Duration(a.ActionTimeoutMs) * time.Millisecond
	}
	return 30 * time.Second
}

// StopTimeout returns how long Stop waits for in-flight work. Default: 10s.
func (a AutomationConfig) StopTimeout() time.Duration {
	if a.StopTimeoutS > 0 {
		return time.Duration(a.StopTimeoutS) * time.Second
	}
	return 10 * time.Second
}

// RoutingConfig sizes the route resolution cache.
type RoutingConfig struct {
	CacheMaxEntries int `json:"cache_max_entries" yaml:"cache_max_entries"` // Default: 1000
	CacheTTLS       int `json:"cache_ttl_s" yaml:"cache_ttl_s"`             // Default: 30
}

// MaxEntries returns the cache capacity.
func (r RoutingConfig) MaxEntries() int {
	if r.CacheMaxEntries > 0 {
		return r.CacheMaxEntries
	}
	return 1000
}

// TTL returns the cache entry lifetime.
func (r RoutingConfig) TTL() time.Duration {
	if r.CacheTTLS > 0 {
		return time.Duration(r.CacheTTLS) * time.Second
	}
	return 30 * time.Second
}

// Channel configures the outbound sender of one channel instance.
type Channel struct {
	Type     string `json:"type" yaml:"type"` // "telegram", "slack" or "webhook"
	BotToken string `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`
	APIURL   string `json:"api_url,omitempty" yaml:"api_url,omitempty"` // Override the platform API base.
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`         // Webhook target.
	Secret   string `json:"secret,omitempty" yaml:"secret,omitempty"`   // Webhook bearer secret.
}

// AgentsConfig configures agent backends for call_agent.
type AgentsConfig struct {
	Default   string                   `json:"default,omitempty" yaml:"default,omitempty"` // Default: first provider by name.
	Providers map[string]AgentProvider `json:"providers,omitempty" yaml:"providers,omitempty"`
}

// AgentProvider configures one agent backend.
type AgentProvider struct {
	Type      string            `json:"type" yaml:"type"`                               // "websocket" or "mcp"
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`             // ws(s):// for websocket, http(s):// for remote mcp
	Token     string            `json:"token,omitempty" yaml:"token,omitempty"`         // websocket auth token
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"` // mcp: "stdio" (default), "sse", "streamable_http"
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`     // mcp stdio command
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Tool      string            `json:"tool,omitempty" yaml:"tool,omitempty"` // mcp tool name. Default: "run_agent"
}

// RetentionConfig configures the automation log retention sweep.
type RetentionConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Schedule   string `json:"schedule" yaml:"schedule"`         // Cron expression. Default: "0 3 * * *"
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"` // Default: 30
}

// CronSchedule returns the sweep schedule.
func (r *RetentionConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "0 3 * * *"
}

// MaxAge returns how long logs are kept.
func (r *RetentionConfig) MaxAge() time.Duration {
	days := 30
	if r != nil && r.MaxAgeDays > 0 {
		days = r.MaxAgeDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "omni"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// AnomalyConfig configures failure-rate detection for automations and outbound calls.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 5
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// LogConfig configures process logging.
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`   // debug, info (default), warn, error
	Format     string `json:"format" yaml:"format"` // json (default) or text
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"` // Default: 100
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // Default: 5
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// DefaultConfigPath returns the default config file path (~/.omni/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".omni", "config.yaml")
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}
	return Parse(data, filepath.Ext(resolved))
}

// Parse decodes config data. ext selects YAML (".yml", ".yaml") or JSON.
// Environment overrides and defaults are applied before validation.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	}

	cfg.applyEnv()

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".omni", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("OMNI_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("OMNI_LISTEN_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
	if v := os.Getenv("OMNI_DATABASE_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	// OMNI_API_KEYS is "key:user,key2:user2". A bare key maps to "api".
	if v := os.Getenv("OMNI_API_KEYS"); v != "" {
		if c.HTTP.APIKeys == nil {
			c.HTTP.APIKeys = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			key, user, ok := strings.Cut(pair, ":")
			if !ok || user == "" {
				user = "api"
			}
			c.HTTP.APIKeys[key] = user
		}
	}
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// StorageDriverName returns the configured storage driver.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "omni.db")
}

// MetricsEnabled reports whether Prometheus metrics are exposed.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

// MetricsPath returns the metrics endpoint path.
func (c *Config) MetricsPath() string {
	if c.MetricsEnabled() && c.Observability.Metrics.Path != "" {
		return c.Observability.Metrics.Path
	}
	return "/metrics"
}

func (c *Config) validate() error {
	// Storage driver validation.
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	if c.HTTP.RateLimit != nil {
		if c.HTTP.RateLimit.RequestsPerMinute < 0 || c.HTTP.RateLimit.BurstSize < 0 {
			return fmt.Errorf("http.rate_limit values must not be negative")
		}
	}
	for key := range c.HTTP.APIKeys {
		if key == "" {
			return fmt.Errorf("http.api_keys contains an empty key")
		}
	}

	if c.Automation.DefaultConcurrency < 0 {
		return fmt.Errorf("automation.default_concurrency must not be negative")
	}
	for id, n := range c.Automation.InstanceConcurrencyOverrides {
		if n <= 0 {
			return fmt.Errorf("automation.instance_concurrency_overrides.%s must be positive", id)
		}
	}
	if c.Automation.ActionTimeoutMs < 0 {
		return fmt.Errorf("automation.action_timeout_ms must not be negative")
	}
	if c.Routing.CacheMaxEntries < 0 || c.Routing.CacheTTLS < 0 {
		return fmt.Errorf("routing cache settings must not be negative")
	}

	for id, ch := range c.Channels {
		switch ch.Type {
		case "telegram", "slack":
			if ch.BotToken == "" {
				return fmt.Errorf("channels.%s.bot_token is required for %s", id, ch.Type)
			}
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("channels.%s.url is required for webhook", id)
			}
		default:
			return fmt.Errorf("channels.%s.type %q is not supported (use telegram, slack or webhook)", id, ch.Type)
		}
	}

	for id, p := range c.Agents.Providers {
		switch p.Type {
		case "websocket":
			if !strings.HasPrefix(p.URL, "ws://") && !strings.HasPrefix(p.URL, "wss://") {
				return fmt.Errorf("agents.providers.%s.url must be a ws:// or wss:// URL", id)
			}
		case "mcp":
			switch p.Transport {
			case "", "stdio":
				if p.Command == "" {
					return fmt.Errorf("agents.providers.%s.command is required for stdio transport", id)
				}
			case "sse", "streamable_http":
				if p.URL == "" {
					return fmt.Errorf("agents.providers.%s.url is required for %s transport", id, p.Transport)
				}
			default:
				return fmt.Errorf("agents.providers.%s.transport %q is not supported", id, p.Transport)
			}
		default:
			return fmt.Errorf("agents.providers.%s.type %q is not supported (use websocket or mcp)", id, p.Type)
		}
	}
	if c.Agents.Default != "" {
		if _, ok := c.Agents.Providers[c.Agents.Default]; !ok {
			return fmt.Errorf("agents.default %q not found in providers", c.Agents.Default)
		}
	}

	if c.Retention != nil && c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention.max_age_days must not be negative")
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}

	if c.Observability != nil && c.Observability.Anomaly != nil {
		if th := c.Observability.Anomaly.ErrorRateThreshold; th < 0 || th > 1 {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q is not supported (use json or text)", c.Log.Format)
	}
	return nil
}
