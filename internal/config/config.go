package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cast"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Audit    AuditConfig    `toml:"audit"`
	Session  SessionConfig  `toml:"session"`
	Redis    RedisConfig    `toml:"redis"`
	Geo      GeoConfig      `toml:"geo"`
	Instance InstanceConfig `toml:"instance"`
}

type ServerConfig struct {
	Addr            string `toml:"addr"`
	CertFile        string `toml:"cert_file"`
	KeyFile         string `toml:"key_file"`
	ShutdownTimeout int    `toml:"shutdown_timeout_ms"`
	// TrustedProxies are CIDRs or addresses whose X-Forwarded-For is believed.
	TrustedProxies []string `toml:"trusted_proxies"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type AuditConfig struct {
	Sink            string `toml:"sink"` // "sqlite" or "redis"
	MaxBatchSize    int    `toml:"max_batch_size"`
	FlushIntervalMs int    `toml:"flush_interval_ms"`
	FlushTimeoutMs  int    `toml:"flush_timeout_ms"`
	MaxPending      int    `toml:"max_pending"`
	RedisKey        string `toml:"redis_key"`
	RedisMaxLen     int64  `toml:"redis_max_len"`
}

type SessionConfig struct {
	TTLMs             int `toml:"ttl_ms"`
	CleanupIntervalMs int `toml:"cleanup_interval_ms"`
	CloseTimeoutMs    int `toml:"close_timeout_ms"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type GeoConfig struct {
	Enabled    bool   `toml:"enabled"`
	Endpoint   string `toml:"endpoint"`
	TimeoutMs  int    `toml:"timeout_ms"`
	CacheTTLMs int    `toml:"cache_ttl_ms"`
}

type InstanceConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10000,
		},
		Database: DatabaseConfig{
			Path: "data/audit.db",
		},
		Audit: AuditConfig{
			Sink:            "sqlite",
			MaxBatchSize:    50,
			FlushIntervalMs: 5000,
			FlushTimeoutMs:  30000,
			MaxPending:      10000,
			RedisKey:        "audit:log",
		},
		Session: SessionConfig{
			TTLMs:             3600000, // 1h
			CleanupIntervalMs: 60000,
			CloseTimeoutMs:    5000,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Geo: GeoConfig{
			Enabled:    false,
			TimeoutMs:  500,
			CacheTTLMs: 86400000, // 24h
		},
		Instance: InstanceConfig{
			ID:   "local",
			Name: "horoswatch-local",
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"AUDIT_MAX_BATCH_SIZE":        &c.Audit.MaxBatchSize,
		"AUDIT_FLUSH_INTERVAL_MS":     &c.Audit.FlushIntervalMs,
		"AUDIT_FLUSH_TIMEOUT_MS":      &c.Audit.FlushTimeoutMs,
		"AUDIT_MAX_PENDING":           &c.Audit.MaxPending,
		"SESSION_TTL_MS":              &c.Session.TTLMs,
		"SESSION_CLEANUP_INTERVAL_MS": &c.Session.CleanupIntervalMs,
		"REDIS_DB":                    &c.Redis.DB,
	}
	for key, dst := range ints {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			continue
		}
		v, err := cast.ToIntE(raw)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = v
	}

	strs := map[string]*string{
		"HOROSWATCH_ADDR": &c.Server.Addr,
		"HOROSWATCH_DB":   &c.Database.Path,
		"AUDIT_SINK":      &c.Audit.Sink,
		"REDIS_ADDR":      &c.Redis.Addr,
		"REDIS_PASSWORD":  &c.Redis.Password,
		"GEO_ENDPOINT":    &c.Geo.Endpoint,
	}
	for key, dst := range strs {
		if raw, ok := lookup(key); ok && raw != "" {
			*dst = raw
		}
	}

	if raw, ok := lookup("TRUSTED_PROXIES"); ok && raw != "" {
		c.Server.TrustedProxies = strings.Split(raw, ",")
	}

	if raw, ok := lookup("GEO_ENABLED"); ok && raw != "" {
		v, err := cast.ToBoolE(raw)
		if err != nil {
			return fmt.Errorf("env GEO_ENABLED: %w", err)
		}
		c.Geo.Enabled = v
	}
	return nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.Audit.Sink {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("audit.sink: unknown sink %q", c.Audit.Sink)
	}
	if c.Audit.MaxBatchSize <= 0 {
		return fmt.Errorf("audit.max_batch_size must be positive, got %d", c.Audit.MaxBatchSize)
	}
	if c.Audit.FlushIntervalMs <= 0 {
		return fmt.Errorf("audit.flush_interval_ms must be positive, got %d", c.Audit.FlushIntervalMs)
	}
	if c.Session.TTLMs < 0 {
		return fmt.Errorf("session.ttl_ms must not be negative, got %d", c.Session.TTLMs)
	}
	if c.Session.CleanupIntervalMs <= 0 {
		return fmt.Errorf("session.cleanup_interval_ms must be positive, got %d", c.Session.CleanupIntervalMs)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (a AuditConfig) FlushInterval() time.Duration { return ms(a.FlushIntervalMs) }
func (a AuditConfig) FlushTimeout() time.Duration  { return ms(a.FlushTimeoutMs) }

func (s SessionConfig) TTL() time.Duration             { return ms(s.TTLMs) }
func (s SessionConfig) CleanupInterval() time.Duration { return ms(s.CleanupIntervalMs) }
func (s SessionConfig) CloseTimeout() time.Duration    { return ms(s.CloseTimeoutMs) }

func (g GeoConfig) Timeout() time.Duration  { return ms(g.TimeoutMs) }
func (g GeoConfig) CacheTTL() time.Duration { return ms(g.CacheTTLMs) }

func (s ServerConfig) ShutdownTimeoutDuration() time.Duration { return ms(s.ShutdownTimeout) }
