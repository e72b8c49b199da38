// Package config loads and validates the directory sync configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the DIRSYNC_ prefix (e.g., DIRSYNC_DATABASE_HOST
// overrides database.host in the YAML). The resulting *Config is a plain value that
// main passes into each constructor; no package reads configuration globally.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Redis     RedisConfig     `mapstructure:"redis"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// DirectoryConfig describes the remote identity provider that is the system of record.
type DirectoryConfig struct {
	// Provider selects the client implementation: "authentik" or "ldap"
	Provider string `mapstructure:"provider"`
	// PageSize is the fixed number of records requested per page
	PageSize int `mapstructure:"page_size"`
	// MaxRetries is the number of attempts made for each page before the fetch fails
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the fixed pause between attempts
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// RequestTimeout bounds every single remote call
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RequestsPerMinute caps remote calls across all instances (0 = unlimited, requires redis)
	RequestsPerMinute int `mapstructure:"requests_per_minute"`

	Authentik AuthentikConfig `mapstructure:"authentik"`
	LDAP      LDAPConfig      `mapstructure:"ldap"`
}

// AuthentikConfig holds REST API settings for an Authentik-compatible directory
type AuthentikConfig struct {
	BaseURL string `mapstructure:"base_url"`

	// AuthMethod is "token" (static API token) or "client_credentials"
	AuthMethod string `mapstructure:"auth_method"`
	Token      string `mapstructure:"token"`

	// Client credentials; the token endpoint is discovered from IssuerURL
	IssuerURL    string   `mapstructure:"issuer_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// LDAPConfig holds settings for an LDAP directory
type LDAPConfig struct {
	URL          string `mapstructure:"url"`
	BindDN       string `mapstructure:"bind_dn"`
	BindPassword string `mapstructure:"bind_password"`
	BaseDN       string `mapstructure:"base_dn"`
	Filter       string `mapstructure:"filter"`

	IDAttribute        string   `mapstructure:"id_attribute"`
	UsernameAttribute  string   `mapstructure:"username_attribute"`
	NameAttribute      string   `mapstructure:"name_attribute"`
	EmailAttribute     string   `mapstructure:"email_attribute"`
	LastLoginAttribute string   `mapstructure:"last_login_attribute"`
	LockedAttribute    string   `mapstructure:"locked_attribute"`
	ExtraAttributes    []string `mapstructure:"extra_attributes"`
}

// SyncConfig holds the trigger thresholds and reconciliation limits
type SyncConfig struct {
	// Interval is how often the scheduler asks whether a sync is due
	Interval time.Duration `mapstructure:"interval"`
	// StaleAfter forces a sync once the watermark is older than this
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// ProbeInterval is the minimum gap between two remote "most recently modified" probes
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// FullSyncInterval selects a full (deleting) sync once the last full sync is older than this
	FullSyncInterval time.Duration `mapstructure:"full_sync_interval"`
	// BatchSize is the number of records applied per transaction
	BatchSize int `mapstructure:"batch_size"`
	// CommitTimeout bounds each batch commit and delete
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
	// EventType is the tag written on every sync event
	EventType string `mapstructure:"event_type"`
	// MaxDeleteFraction skips the deletion pass when orphans exceed this share of
	// correlated local records (0 disables the check)
	MaxDeleteFraction float64 `mapstructure:"max_delete_fraction"`

	Lock LockConfig `mapstructure:"lock"`
}

// LockConfig selects the single-flight guard implementation
type LockConfig struct {
	// Backend is "memory", "postgres" or "redis"
	Backend string `mapstructure:"backend"`
	// Key identifies the lock; a non-negative 32-bit integer for postgres advisory locks, a key name for redis
	Key string `mapstructure:"key"`
	// TTL is the redis lock expiry; it must exceed the longest expected sync run
	TTL time.Duration `mapstructure:"ttl"`
}

// RedisConfig holds Redis connection settings used by the lock and the rate limiter
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig holds settings for the status/trigger HTTP API
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Token, when set, is required as a bearer token on /v1 routes
	Token string `mapstructure:"token"`
	// TriggerRequestsPerMinute limits manual sync triggers per client
	TriggerRequestsPerMinute int `mapstructure:"trigger_requests_per_minute"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds sync event shipping configuration
type AuditConfig struct {
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"` // webhook, file
	// Webhook configuration
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	// File configuration
	File *AuditFileConfig `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Directory
		"directory.provider",
		"directory.page_size",
		"directory.max_retries",
		"directory.retry_delay",
		"directory.request_timeout",
		"directory.requests_per_minute",
		"directory.authentik.base_url",
		"directory.authentik.auth_method",
		"directory.authentik.token",
		"directory.authentik.issuer_url",
		"directory.authentik.client_id",
		"directory.authentik.client_secret",
		"directory.authentik.scopes",
		"directory.ldap.url",
		"directory.ldap.bind_dn",
		"directory.ldap.bind_password",
		"directory.ldap.base_dn",
		"directory.ldap.filter",
		"directory.ldap.id_attribute",
		"directory.ldap.username_attribute",
		"directory.ldap.name_attribute",
		"directory.ldap.email_attribute",
		"directory.ldap.last_login_attribute",
		"directory.ldap.locked_attribute",
		"directory.ldap.extra_attributes",

		// Sync
		"sync.interval",
		"sync.stale_after",
		"sync.probe_interval",
		"sync.full_sync_interval",
		"sync.batch_size",
		"sync.commit_timeout",
		"sync.event_type",
		"sync.max_delete_fraction",
		"sync.lock.backend",
		"sync.lock.key",
		"sync.lock.ttl",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// API
		"api.enabled",
		"api.token",
		"api.trigger_requests_per_minute",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/dirsync")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("DIRSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Directory.Authentik.Token = expandEnv(cfg.Directory.Authentik.Token)
	cfg.Directory.Authentik.ClientSecret = expandEnv(cfg.Directory.Authentik.ClientSecret)
	cfg.Directory.LDAP.BindPassword = expandEnv(cfg.Directory.LDAP.BindPassword)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.API.Token = expandEnv(cfg.API.Token)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "community_dashboard")
	v.SetDefault("database.user", "dashboard")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_idle_connections", 2)

	// Directory defaults
	v.SetDefault("directory.provider", "authentik")
	v.SetDefault("directory.page_size", 200)
	v.SetDefault("directory.max_retries", 3)
	v.SetDefault("directory.retry_delay", "2s")
	v.SetDefault("directory.request_timeout", "30s")
	v.SetDefault("directory.requests_per_minute", 0)
	v.SetDefault("directory.authentik.auth_method", "token")
	v.SetDefault("directory.authentik.scopes", []string{"goauthentik.io/api"})
	v.SetDefault("directory.ldap.filter", "(objectClass=inetOrgPerson)")
	v.SetDefault("directory.ldap.id_attribute", "entryUUID")
	v.SetDefault("directory.ldap.username_attribute", "uid")
	v.SetDefault("directory.ldap.name_attribute", "cn")
	v.SetDefault("directory.ldap.email_attribute", "mail")
	v.SetDefault("directory.ldap.last_login_attribute", "authTimestamp")
	v.SetDefault("directory.ldap.locked_attribute", "pwdAccountLockedTime")

	// Sync defaults
	v.SetDefault("sync.interval", "5m")
	v.SetDefault("sync.stale_after", "6h")
	v.SetDefault("sync.probe_interval", "1h")
	v.SetDefault("sync.full_sync_interval", "24h")
	v.SetDefault("sync.batch_size", 200)
	v.SetDefault("sync.commit_timeout", "30s")
	v.SetDefault("sync.event_type", "directory_sync")
	v.SetDefault("sync.max_delete_fraction", 0)
	v.SetDefault("sync.lock.backend", "memory")
	v.SetDefault("sync.lock.key", "7342001")
	v.SetDefault("sync.lock.ttl", "30m")

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.trigger_requests_per_minute", 6)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if err := c.Directory.validate(); err != nil {
		return err
	}

	if err := c.Sync.validate(); err != nil {
		return err
	}

	if c.Sync.Lock.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when sync.lock.backend is redis")
	}
	if c.Directory.RequestsPerMinute > 0 && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when directory.requests_per_minute is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validOutputs := map[string]bool{"": true, "stdout": true, "stderr": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout or stderr)", c.Logging.Output)
	}

	return nil
}

func (d *DirectoryConfig) validate() error {
	if d.PageSize < 1 || d.PageSize > 500 {
		return fmt.Errorf("directory.page_size must be between 1 and 500, got %d", d.PageSize)
	}
	if d.MaxRetries < 1 {
		return fmt.Errorf("directory.max_retries must be at least 1, got %d", d.MaxRetries)
	}
	if d.RetryDelay < 0 {
		return fmt.Errorf("directory.retry_delay must not be negative")
	}
	if d.RequestTimeout <= 0 {
		return fmt.Errorf("directory.request_timeout must be positive")
	}

	switch d.Provider {
	case "authentik":
		if d.Authentik.BaseURL == "" {
			return fmt.Errorf("directory.authentik.base_url is required when provider is authentik")
		}
		switch d.Authentik.AuthMethod {
		case "token":
			if d.Authentik.Token == "" {
				return fmt.Errorf("directory.authentik.token is required when auth_method is token")
			}
		case "client_credentials":
			if d.Authentik.IssuerURL == "" {
				return fmt.Errorf("directory.authentik.issuer_url is required when auth_method is client_credentials")
			}
			if d.Authentik.ClientID == "" {
				return fmt.Errorf("directory.authentik.client_id is required when auth_method is client_credentials")
			}
			if d.Authentik.ClientSecret == "" {
				return fmt.Errorf("directory.authentik.client_secret is required when auth_method is client_credentials")
			}
		default:
			return fmt.Errorf("invalid directory.authentik.auth_method: %s (must be token or client_credentials)", d.Authentik.AuthMethod)
		}
	case "ldap":
		if d.LDAP.URL == "" {
			return fmt.Errorf("directory.ldap.url is required when provider is ldap")
		}
		if d.LDAP.BaseDN == "" {
			return fmt.Errorf("directory.ldap.base_dn is required when provider is ldap")
		}
		if d.LDAP.IDAttribute == "" || d.LDAP.UsernameAttribute == "" {
			return fmt.Errorf("directory.ldap.id_attribute and username_attribute are required")
		}
	default:
		return fmt.Errorf("invalid directory provider: %s (must be authentik or ldap)", d.Provider)
	}

	return nil
}

func (s *SyncConfig) validate() error {
	if s.StaleAfter <= 0 {
		return fmt.Errorf("sync.stale_after must be positive")
	}
	if s.ProbeInterval < 0 {
		return fmt.Errorf("sync.probe_interval must not be negative")
	}
	if s.FullSyncInterval <= 0 {
		return fmt.Errorf("sync.full_sync_interval must be positive")
	}
	if s.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1, got %d", s.BatchSize)
	}
	if s.CommitTimeout <= 0 {
		return fmt.Errorf("sync.commit_timeout must be positive")
	}
	if s.EventType == "" {
		return fmt.Errorf("sync.event_type is required")
	}
	if s.MaxDeleteFraction < 0 || s.MaxDeleteFraction > 1 {
		return fmt.Errorf("sync.max_delete_fraction must be between 0 and 1")
	}

	switch s.Lock.Backend {
	case "memory", "redis":
	case "postgres":
		if _, err := s.Lock.AdvisoryKey(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid sync.lock.backend: %s (must be memory, postgres, or redis)", s.Lock.Backend)
	}

	return nil
}

// AdvisoryKey parses the lock key as a Postgres advisory lock identifier
func (l *LockConfig) AdvisoryKey() (int32, error) {
	key, err := strconv.ParseInt(l.Key, 10, 32)
	if err != nil || key < 0 {
		return 0, fmt.Errorf("sync.lock.key must be a non-negative 32-bit integer for the postgres backend: %q", l.Key)
	}
	return int32(key), nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
