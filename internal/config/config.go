package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	// Server identity
	Server struct {
		Hostname string `toml:"hostname"`
	} `toml:"server"`

	// Logging configuration
	Logging struct {
		Level  string `toml:"level"`  // "debug", "info", "warn", "error"
		Format string `toml:"format"` // "text" or "json"
		Output string `toml:"output"` // file path, empty for stdout
	} `toml:"logging"`

	// Queue configuration
	Queue struct {
		Storage     string `toml:"storage"`      // "memory" or "sqlite"
		JournalPath string `toml:"journal_path"` // sqlite journal location
		MaxAttempts int    `toml:"max_attempts"`
	} `toml:"queue"`

	// Dispatcher configuration
	Dispatcher struct {
		Enabled             bool     `toml:"enabled"`
		BatchSize           int      `toml:"batch_size"`
		DelayBetweenBatches Duration `toml:"delay_between_batches"`
		IdleInterval        Duration `toml:"idle_interval"`
		MaxConcurrent       int      `toml:"max_concurrent"`
		DeliveryTimeout     Duration `toml:"delivery_timeout"`
	} `toml:"dispatcher"`

	// Rate limiter configuration
	RateLimit struct {
		Store   string                 `toml:"store"` // "memory" or "redis"
		Redis   RedisConfig            `toml:"redis"`
		Actions map[string]ActionLimit `toml:"actions"`
	} `toml:"ratelimit"`

	// Event store configuration
	Events struct {
		Store string `toml:"store"` // "memory", "sqlite", "postgres", "mysql"
		DSN   string `toml:"dsn"`
	} `toml:"events"`

	// Analytics configuration
	Analytics struct {
		CacheBackend     string   `toml:"cache_backend"` // "memory", "redis", "memcached"
		CacheTTL         Duration `toml:"cache_ttl"`
		MemcachedServers []string `toml:"memcached_servers"`
	} `toml:"analytics"`

	// Delivery transport configuration
	Transport struct {
		Type string `toml:"type"` // "smtp" or "mock"
		SMTP struct {
			Host     string `toml:"host"`
			Port     int    `toml:"port"`
			Username string `toml:"username"`
			Password string `toml:"password"`
			From     string `toml:"from"`
			UseTLS   bool   `toml:"use_tls"`
		} `toml:"smtp"`
	} `toml:"transport"`

	// API server configuration
	API struct {
		Enabled    bool   `toml:"enabled"`
		ListenAddr string `toml:"listen_addr"`
		UsersFile  string `toml:"users_file"`
		RateLimit  struct {
			Enabled           bool    `toml:"enabled"`
			RequestsPerSecond float64 `toml:"requests_per_second"`
			Burst             int     `toml:"burst"`
		} `toml:"rate_limit"`
	} `toml:"api"`

	// Metrics configuration
	Metrics struct {
		Enabled    bool   `toml:"enabled"`
		ListenAddr string `toml:"listen_addr"`
	} `toml:"metrics"`
}

// RedisConfig holds connection settings for redis-backed components
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// ActionLimit is one row of the rate-limit policy table
type ActionLimit struct {
	Limit  int      `toml:"limit"`
	Window Duration `toml:"window"`
}

// Duration wraps time.Duration so TOML values like "15m" decode directly
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns a configuration with sensible defaults applied
func DefaultConfig() *Config {
	cfg := &Config{}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	cfg.Server.Hostname = hostname

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Queue.Storage = "memory"
	cfg.Queue.MaxAttempts = 3

	cfg.Dispatcher.Enabled = true
	cfg.Dispatcher.BatchSize = 100
	cfg.Dispatcher.DelayBetweenBatches = Duration(60 * time.Second)
	cfg.Dispatcher.IdleInterval = Duration(5 * time.Second)
	cfg.Dispatcher.MaxConcurrent = 5
	cfg.Dispatcher.DeliveryTimeout = Duration(30 * time.Second)

	cfg.RateLimit.Store = "memory"
	cfg.RateLimit.Redis = RedisConfig{Addr: "localhost:6379"}
	cfg.RateLimit.Actions = DefaultActionLimits()

	cfg.Events.Store = "memory"

	cfg.Analytics.CacheBackend = "memory"
	cfg.Analytics.CacheTTL = Duration(30 * time.Second)

	cfg.Transport.Type = "mock"
	cfg.Transport.SMTP.Port = 25

	cfg.API.Enabled = true
	cfg.API.ListenAddr = "127.0.0.1:8480"
	cfg.API.RateLimit.Enabled = true
	cfg.API.RateLimit.RequestsPerSecond = 10.0
	cfg.API.RateLimit.Burst = 20

	cfg.Metrics.Enabled = false
	cfg.Metrics.ListenAddr = "127.0.0.1:9090"

	return cfg
}

// DefaultActionLimits returns the built-in rate-limit policy table
func DefaultActionLimits() map[string]ActionLimit {
	return map[string]ActionLimit{
		"auth":     {Limit: 5, Window: Duration(15 * time.Minute)},
		"register": {Limit: 3, Window: Duration(time.Hour)},
		"chat":     {Limit: 50, Window: Duration(5 * time.Minute)},
		"api":      {Limit: 100, Window: Duration(15 * time.Minute)},
		"email":    {Limit: 10, Window: Duration(time.Hour)},
	}
}

// LoadConfig loads configuration from the given path. An empty path falls
// back to well-known locations, and a missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, candidate := range []string{
			"courierd.toml",
			filepath.Join("config", "courierd.toml"),
			"/etc/courierd/courierd.toml",
		} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	switch c.Queue.Storage {
	case "memory":
	case "sqlite":
		if c.Queue.JournalPath == "" {
			return fmt.Errorf("queue.journal_path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("unsupported queue storage: %s", c.Queue.Storage)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}

	if c.Dispatcher.BatchSize < 1 {
		return fmt.Errorf("dispatcher.batch_size must be at least 1")
	}
	if c.Dispatcher.MaxConcurrent < 1 {
		return fmt.Errorf("dispatcher.max_concurrent must be at least 1")
	}
	if c.Dispatcher.DelayBetweenBatches < 0 {
		return fmt.Errorf("dispatcher.delay_between_batches must not be negative")
	}

	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.RateLimit.Redis.Addr == "" {
			return fmt.Errorf("ratelimit.redis.addr is required for redis store")
		}
	default:
		return fmt.Errorf("unsupported ratelimit store: %s", c.RateLimit.Store)
	}

	for action, limit := range c.RateLimit.Actions {
		if limit.Limit < 1 {
			return fmt.Errorf("ratelimit.actions.%s.limit must be at least 1", action)
		}
		if limit.Window <= 0 {
			return fmt.Errorf("ratelimit.actions.%s.window must be positive", action)
		}
	}

	switch c.Events.Store {
	case "memory":
	case "sqlite", "postgres", "mysql":
		if c.Events.DSN == "" {
			return fmt.Errorf("events.dsn is required for %s store", c.Events.Store)
		}
	default:
		return fmt.Errorf("unsupported events store: %s", c.Events.Store)
	}

	switch c.Analytics.CacheBackend {
	case "memory", "redis":
	case "memcached":
		if len(c.Analytics.MemcachedServers) == 0 {
			return fmt.Errorf("analytics.memcached_servers is required for memcached cache")
		}
	default:
		return fmt.Errorf("unsupported analytics cache backend: %s", c.Analytics.CacheBackend)
	}

	switch c.Transport.Type {
	case "mock":
	case "smtp":
		if c.Transport.SMTP.Host == "" {
			return fmt.Errorf("transport.smtp.host is required for smtp transport")
		}
		if c.Transport.SMTP.From == "" {
			return fmt.Errorf("transport.smtp.from is required for smtp transport")
		}
	default:
		return fmt.Errorf("unsupported transport type: %s", c.Transport.Type)
	}

	if c.API.Enabled {
		if c.API.ListenAddr == "" {
			return fmt.Errorf("api.listen_addr is required when the API is enabled")
		}
		if !strings.Contains(c.API.ListenAddr, ":") {
			return fmt.Errorf("api.listen_addr must be host:port, got %s", c.API.ListenAddr)
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	return nil
}
