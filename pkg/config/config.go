// Package config loads the offline worker configuration from a YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/offline-worker/pkg/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFLINE_WORKER_"

// Store backends.
const (
	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendLevelDB = "leveldb"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Router  RouterConfig  `yaml:"router" envPrefix:"ROUTER_"`
	Fetch   FetchConfig   `yaml:"fetch" envPrefix:"FETCH_"`
	Clients ClientsConfig `yaml:"clients" envPrefix:"CLIENTS_"`
	Notify  NotifyConfig  `yaml:"notify" envPrefix:"NOTIFY_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOGGING_"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	Origin          string        `yaml:"origin" env:"ORIGIN"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type CacheConfig struct {
	// Name is the current generation name. Bump it on every deploy.
	Name        string        `yaml:"name" env:"NAME"`
	Manifest    []string      `yaml:"manifest" env:"MANIFEST" envSeparator:","`
	OfflinePage string        `yaml:"offline_page" env:"OFFLINE_PAGE"`
	APISegment  string        `yaml:"api_segment" env:"API_SEGMENT"`
	EntryTTL    time.Duration `yaml:"entry_ttl" env:"ENTRY_TTL"`
}

type StoreConfig struct {
	Backend string        `yaml:"backend" env:"BACKEND"`
	Redis   RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
	LevelDB LevelDBConfig `yaml:"leveldb" envPrefix:"LEVELDB_"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr" env:"ADDR"`
	DB     int    `yaml:"db" env:"DB"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

type LevelDBConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type RouterConfig struct {
	CacheFirstNetworkFallback bool          `yaml:"cache_first_network_fallback" env:"CACHE_FIRST_NETWORK_FALLBACK"`
	MaxBackgroundWrites       int           `yaml:"max_background_writes" env:"MAX_BACKGROUND_WRITES"`
	WriteTimeout              time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

type FetchConfig struct {
	// Timeout of 0 leaves timing out to the transport.
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

type ClientsConfig struct {
	MaxClients  int           `yaml:"max_clients" env:"MAX_CLIENTS"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

type NotifyConfig struct {
	Title   string `yaml:"title" env:"TITLE"`
	Icon    string `yaml:"icon" env:"ICON"`
	Badge   string `yaml:"badge" env:"BADGE"`
	Vibrate []int  `yaml:"vibrate" env:"VIBRATE" envSeparator:","`
	// MaxVisible caps notifications kept for /_worker/state.
	MaxVisible int `yaml:"max_visible" env:"MAX_VISIBLE"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

// Default returns a configuration with every optional field set.
// Server.Origin has no default.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Name: "app-cache-v1",
			Manifest: []string{
				"/",
				"/index.html",
				"/offline.html",
				"/manifest.json",
				"/favicon.png",
				"/favicon.jpg",
			},
			OfflinePage: "/offline.html",
			APISegment:  "/api/",
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "offline",
			},
			LevelDB: LevelDBConfig{Path: "./data/offline-cache"},
		},
		Router: RouterConfig{
			MaxBackgroundWrites: 64,
			WriteTimeout:        10 * time.Second,
		},
		Fetch: FetchConfig{
			MaxAttempts:    1,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Clients: ClientsConfig{
			MaxClients:  1000,
			IdleTimeout: 24 * time.Hour,
		},
		Notify: NotifyConfig{
			Title:      "Quiz Generator",
			Icon:       "/favicon.png",
			Badge:      "/favicon.png",
			Vibrate:    []int{100, 50, 100},
			MaxVisible: 100,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with OFFLINE_WORKER_* environment variables.
// Unset variables keep their current value.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535 (got %d)", c.Server.Port))
	}
	if c.Server.Origin == "" {
		errs = append(errs, fmt.Errorf("server.origin is required"))
	} else if _, err := c.OriginURL(); err != nil {
		errs = append(errs, err)
	}

	if c.Cache.Name == "" {
		errs = append(errs, fmt.Errorf("cache.name is required"))
	}
	for i, p := range c.Cache.Manifest {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("cache.manifest[%d]: path %q must start with /", i, p))
		}
	}
	if !strings.HasPrefix(c.Cache.OfflinePage, "/") {
		errs = append(errs, fmt.Errorf("cache.offline_page must start with / (got %q)", c.Cache.OfflinePage))
	}
	if c.Cache.APISegment == "" {
		errs = append(errs, fmt.Errorf("cache.api_segment is required"))
	}
	if c.Cache.EntryTTL < 0 {
		errs = append(errs, fmt.Errorf("cache.entry_ttl must be >= 0"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("store.redis.addr is required for the redis backend"))
		}
	case BackendLevelDB:
		if c.Store.LevelDB.Path == "" {
			errs = append(errs, fmt.Errorf("store.leveldb.path is required for the leveldb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be one of memory, redis, leveldb (got %q)", c.Store.Backend))
	}

	if c.Router.MaxBackgroundWrites < 1 {
		errs = append(errs, fmt.Errorf("router.max_background_writes must be >= 1"))
	}
	if c.Router.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("router.write_timeout must be > 0"))
	}

	if c.Fetch.Timeout < 0 {
		errs = append(errs, fmt.Errorf("fetch.timeout must be >= 0"))
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_attempts must be >= 1"))
	}
	if c.Fetch.MaxAttempts > 1 && (c.Fetch.InitialBackoff <= 0 || c.Fetch.MaxBackoff < c.Fetch.InitialBackoff) {
		errs = append(errs, fmt.Errorf("fetch backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}

	if c.Clients.MaxClients < 1 {
		errs = append(errs, fmt.Errorf("clients.max_clients must be >= 1"))
	}
	if c.Clients.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("clients.idle_timeout must be >= 0"))
	}
	if c.Notify.MaxVisible < 1 {
		errs = append(errs, fmt.Errorf("notify.max_visible must be >= 1"))
	}

	if !logging.LogLevel(c.Logging.Level).Valid() {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// OriginURL parses Server.Origin. It must be an absolute http(s) URL.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("server.origin must be an absolute http(s) URL (got %q)", c.Server.Origin)
	}
	return u, nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
