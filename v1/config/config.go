// Package config loads go-tether settings through viper.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete tether configuration
type Config struct {
	Sync     SyncConfig     `mapstructure:"sync"`
	Lock     LockConfig     `mapstructure:"lock"`
	DocStore DocStoreConfig `mapstructure:"docstore"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Mesh     MeshConfig     `mapstructure:"mesh"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// SyncConfig controls the push channel client
type SyncConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ChannelURL is the websocket endpoint of the push server
	ChannelURL          string `mapstructure:"channel_url"`
	ReconnectIntervalMs int    `mapstructure:"reconnect_interval_ms"`
	// MaxReconnectAttempts bounds consecutive failed reconnects (0 = never reconnect)
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
	HeartbeatIntervalMs  int `mapstructure:"heartbeat_interval_ms"`
	// GracePeriodMs is how long the connection may stay silent before it is considered dead
	GracePeriodMs  int    `mapstructure:"grace_period_ms"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	PollTag        string `mapstructure:"poll_tag"`
}

// LockConfig controls lease acquisition
type LockConfig struct {
	TTLMs       int    `mapstructure:"ttl_ms"`
	ProjectPath string `mapstructure:"project_path"`
}

// DocStoreConfig points at the remote document store
type DocStoreConfig struct {
	URL string `mapstructure:"url"`
}

// BackendConfig selects the implementation of each shared component
type BackendConfig struct {
	// Bus is one of "memory", "redis", "nats", "kafka", "mesh", "none"
	Bus string `mapstructure:"bus"`
	// Leases is one of "memory", "redis"
	Leases string `mapstructure:"leases"`
	// Cache is one of "memory", "redis", "sqlite"
	Cache string `mapstructure:"cache"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// MeshConfig controls the broker-less UDP gossip bus
type MeshConfig struct {
	Port      int    `mapstructure:"port"`
	Group     string `mapstructure:"group"`
	Interface string `mapstructure:"interface"`
	// Peers are unicast seeds for networks that drop multicast
	Peers         []string `mapstructure:"peers"`
	AdvertiseAddr string   `mapstructure:"advertise_addr"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the push server started by "tether serve"
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// DocsFile is the documents file watched and served to clients
	DocsFile string `mapstructure:"docs_file"`
}

type MetricsConfig struct {
	// Addr serves /metrics; empty disables the endpoint
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// AuditConfig controls the cache drift auditor
type AuditConfig struct {
	// Mode is one of "noop", "alert", "autoheal"
	Mode       string `mapstructure:"mode"`
	IntervalMs int    `mapstructure:"interval_ms"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Enabled:              true,
			ChannelURL:           "ws://localhost:8766",
			ReconnectIntervalMs:  5000,
			MaxReconnectAttempts: 5,
			HeartbeatIntervalMs:  30000,
			GracePeriodMs:        60000,
			PollIntervalMs:       30000,
			PollTag:              "a2a",
		},
		Lock: LockConfig{
			TTLMs:       30000,
			ProjectPath: "app_todos_bd_tasks",
		},
		DocStore: DocStoreConfig{URL: "http://localhost:8000"},
		Backend: BackendConfig{
			Bus:    "memory",
			Leases: "memory",
			Cache:  "memory",
		},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		NATS:    NATSConfig{URL: "nats://127.0.0.1:4222"},
		Mesh:    MeshConfig{Port: 7946, Group: "239.0.0.1"},
		Kafka:   KafkaConfig{Brokers: []string{"localhost:9092"}},
		SQLite:  SQLiteConfig{Path: "tether.db"},
		Server:  ServerConfig{Addr: ":8766", DocsFile: "documents.json"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Logging: LoggingConfig{Level: "info"},
		Audit:   AuditConfig{Mode: "noop", IntervalMs: 60000},
	}
}

// ReconnectInterval returns the reconnect interval as a time.Duration
func (c *SyncConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat interval as a time.Duration
func (c *SyncConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// GracePeriod returns the silence tolerated before reconnecting
func (c *SyncConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

// PollInterval returns the fallback polling interval
func (c *SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// TTL returns the lease time-to-live
func (c *LockConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// Interval returns the audit interval
func (c *AuditConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Sync defaults
	viper.SetDefault("sync.enabled", defaults.Sync.Enabled)
	viper.SetDefault("sync.channel_url", defaults.Sync.ChannelURL)
	viper.SetDefault("sync.reconnect_interval_ms", defaults.Sync.ReconnectIntervalMs)
	viper.SetDefault("sync.max_reconnect_attempts", defaults.Sync.MaxReconnectAttempts)
	viper.SetDefault("sync.heartbeat_interval_ms", defaults.Sync.HeartbeatIntervalMs)
	viper.SetDefault("sync.grace_period_ms", defaults.Sync.GracePeriodMs)
	viper.SetDefault("sync.poll_interval_ms", defaults.Sync.PollIntervalMs)
	viper.SetDefault("sync.poll_tag", defaults.Sync.PollTag)

	// Lock defaults
	viper.SetDefault("lock.ttl_ms", defaults.Lock.TTLMs)
	viper.SetDefault("lock.project_path", defaults.Lock.ProjectPath)

	viper.SetDefault("docstore.url", defaults.DocStore.URL)

	// Backend defaults
	viper.SetDefault("backend.bus", defaults.Backend.Bus)
	viper.SetDefault("backend.leases", defaults.Backend.Leases)
	viper.SetDefault("backend.cache", defaults.Backend.Cache)
	viper.SetDefault("redis.addr", defaults.Redis.Addr)
	viper.SetDefault("nats.url", defaults.NATS.URL)
	viper.SetDefault("mesh.port", defaults.Mesh.Port)
	viper.SetDefault("mesh.group", defaults.Mesh.Group)
	viper.SetDefault("mesh.interface", defaults.Mesh.Interface)
	viper.SetDefault("mesh.peers", defaults.Mesh.Peers)
	viper.SetDefault("mesh.advertise_addr", defaults.Mesh.AdvertiseAddr)
	viper.SetDefault("kafka.brokers", defaults.Kafka.Brokers)
	viper.SetDefault("sqlite.path", defaults.SQLite.Path)

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.docs_file", defaults.Server.DocsFile)
	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)

	viper.SetDefault("logging.level", defaults.Logging.Level)

	viper.SetDefault("audit.mode", defaults.Audit.Mode)
	viper.SetDefault("audit.interval_ms", defaults.Audit.IntervalMs)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tether")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tether"
	}
	return filepath.Join(home, ".config", "tether")
}
