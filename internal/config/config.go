// Package config manages gorpmad daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gorpmad configuration.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Memory  MemoryConfig  `koanf:"memory"`
	Conn    ConnConfig    `koanf:"conn"`
}

// ListenConfig holds the RDMA listening endpoint configuration.
type ListenConfig struct {
	// Addr is the address the endpoint binds (e.g., "192.168.0.1").
	Addr string `koanf:"addr"`
	// Port is the service the endpoint listens on (e.g., "7204").
	Port string `koanf:"port"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9205").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MemoryConfig holds the served memory pool configuration.
type MemoryConfig struct {
	// PoolSize is the size in bytes of the buffer registered for remote
	// access.
	PoolSize int `koanf:"pool_size"`

	// DirectWriteToPmem declares that remote writes into the pool reach
	// persistent media directly. Shipped to clients in the peer
	// configuration blob.
	DirectWriteToPmem bool `koanf:"direct_write_to_pmem"`
}

// ConnConfig holds the per-connection queue defaults applied to every
// accepted connection.
type ConnConfig struct {
	// Timeout bounds connection establishment.
	Timeout time.Duration `koanf:"timeout"`
	// SQSize and RQSize bound the queue pair's queues.
	SQSize int `koanf:"sq_size"`
	RQSize int `koanf:"rq_size"`
	// CQSize is the main completion queue depth.
	CQSize int `koanf:"cq_size"`
	// RCQSize is the separate receive completion queue depth; zero
	// disables it.
	RCQSize int `koanf:"rcq_size"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultPoolSize is the default served pool size (8 MiB).
const DefaultPoolSize = 8 << 20

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: "127.0.0.1",
			Port: "7204",
		},
		Metrics: MetricsConfig{
			Addr: ":9205",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Memory: MemoryConfig{
			PoolSize: DefaultPoolSize,
		},
		Conn: ConnConfig{
			Timeout: time.Second,
			SQSize:  10,
			RQSize:  10,
			CQSize:  10,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gorpmad configuration.
// Variables are named GORPMA_<section>_<key>, e.g., GORPMA_LISTEN_ADDR.
const envPrefix = "GORPMA_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GORPMA_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GORPMA_LISTEN_ADDR   -> listen.addr
//	GORPMA_LISTEN_PORT   -> listen.port
//	GORPMA_METRICS_ADDR  -> metrics.addr
//	GORPMA_LOG_LEVEL     -> log.level
//	GORPMA_LOG_FORMAT    -> log.format
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// GORPMA_LISTEN_ADDR -> listen.addr (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GORPMA_LISTEN_ADDR -> listen.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.addr":                 defaults.Listen.Addr,
		"listen.port":                 defaults.Listen.Port,
		"metrics.addr":                defaults.Metrics.Addr,
		"metrics.path":                defaults.Metrics.Path,
		"log.level":                   defaults.Log.Level,
		"log.format":                  defaults.Log.Format,
		"memory.pool_size":            defaults.Memory.PoolSize,
		"memory.direct_write_to_pmem": defaults.Memory.DirectWriteToPmem,
		"conn.timeout":                defaults.Conn.Timeout.String(),
		"conn.sq_size":                defaults.Conn.SQSize,
		"conn.rq_size":                defaults.Conn.RQSize,
		"conn.cq_size":                defaults.Conn.CQSize,
		"conn.rcq_size":               defaults.Conn.RCQSize,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyListenAddr indicates the RDMA listen address is empty.
	ErrEmptyListenAddr = errors.New("listen.addr must not be empty")

	// ErrEmptyListenPort indicates the RDMA listen port is empty.
	ErrEmptyListenPort = errors.New("listen.port must not be empty")

	// ErrInvalidPoolSize indicates the memory pool size is not positive.
	ErrInvalidPoolSize = errors.New("memory.pool_size must be > 0")

	// ErrInvalidQueueSize indicates a queue depth is not positive.
	ErrInvalidQueueSize = errors.New("conn queue sizes must be > 0")

	// ErrNegativeTimeout indicates the connection timeout is negative.
	ErrNegativeTimeout = errors.New("conn.timeout must not be negative")
)

// Validate checks cfg for impossible values.
func Validate(cfg *Config) error {
	if cfg.Listen.Addr == "" {
		return ErrEmptyListenAddr
	}
	if cfg.Listen.Port == "" {
		return ErrEmptyListenPort
	}
	if cfg.Memory.PoolSize <= 0 {
		return ErrInvalidPoolSize
	}
	if cfg.Conn.SQSize <= 0 || cfg.Conn.RQSize <= 0 || cfg.Conn.CQSize <= 0 || cfg.Conn.RCQSize < 0 {
		return ErrInvalidQueueSize
	}
	if cfg.Conn.Timeout < 0 {
		return ErrNegativeTimeout
	}
	return nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
