package domain

import (
	"strconv"
	"strings"
	"time"
)

// Config holds the complete cost engine configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Catalog    CatalogConfig    `json:"catalog"`

	// AsyncWorker enables the bus-driven apply worker.
	AsyncWorker bool `json:"asyncWorker"`

	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// CatalogConfig selects the rule catalog source.
// An empty Path means the built-in cost sheet.
type CatalogConfig struct {
	Path string `json:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:         "sqlite",
			SQLitePath:     "./costengine.db",
			GatewayTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			PreviewTTL:   10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:         "postgres",
		PostgresHost:   "localhost",
		PostgresPort:   5432,
		PostgresDB:     "costengine",
		GatewayTimeout: 10 * time.Second,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		PreviewTTL:     10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.AsyncWorker = true
	return cfg
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadConfig picks the tier from COSTENGINE_TIER and applies
// COSTENGINE_* overrides on top of it.
func LoadConfig(lookup LookupFunc) *Config {
	cfg := DefaultConfig()
	if v, ok := lookup("COSTENGINE_TIER"); ok && Tier(strings.ToLower(v)) == TierPro {
		cfg = ProConfig()
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("COSTENGINE_HOST", &cfg.Server.Host)
	num("COSTENGINE_PORT", &cfg.Server.Port)

	str("COSTENGINE_DB_DRIVER", &cfg.Repository.Driver)
	str("COSTENGINE_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("COSTENGINE_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("COSTENGINE_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("COSTENGINE_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("COSTENGINE_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("COSTENGINE_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("COSTENGINE_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	str("COSTENGINE_MYSQL_DSN", &cfg.Repository.MySQLDSN)
	str("COSTENGINE_GATEWAY_URL", &cfg.Repository.GatewayURL)
	dur("COSTENGINE_GATEWAY_TIMEOUT", &cfg.Repository.GatewayTimeout)

	str("COSTENGINE_CACHE", &cfg.Cache.Type)
	str("COSTENGINE_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("COSTENGINE_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	dur("COSTENGINE_PREVIEW_TTL", &cfg.Cache.PreviewTTL)

	str("COSTENGINE_BUS", &cfg.EventBus.Type)
	str("COSTENGINE_NATS_URL", &cfg.EventBus.NATSUrl)
	str("COSTENGINE_NATS_TOKEN", &cfg.EventBus.NATSToken)

	str("COSTENGINE_CATALOG", &cfg.Catalog.Path)
	flag("COSTENGINE_ASYNC_WORKER", &cfg.AsyncWorker)

	str("COSTENGINE_LOG_FORMAT", &cfg.Logging.Format)
	str("COSTENGINE_LOG_LEVEL", &cfg.Logging.Level)
	if v, ok := lookup("COSTENGINE_DEBUG"); ok && strings.EqualFold(v, "true") {
		cfg.Logging.Level = "debug"
	}

	return cfg
}
