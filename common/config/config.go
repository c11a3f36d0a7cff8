package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Agent     AgentConfig
	Runs      RunConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled    bool
	Backend    string // "memory" or "redis"
	DefaultTTL time.Duration
}

// QueueConfig holds background task queue settings
type QueueConfig struct {
	Type  string // "memory" or "redis"
	Group string // consumer group name for the redis backend
}

// AgentConfig holds LLM gateway settings
type AgentConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// RunConfig holds defaults and limits for autonomous runs
type RunConfig struct {
	DefaultMaxTurns int
	MaxTurnsCap     int
	NoChangeLimit   int
	PingInterval    time.Duration
	StartsPerMinute int64
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
	MetricsPort int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "cardsmith"),
			User:        getEnv("POSTGRES_USER", "cardsmith"),
			Password:    getEnv("POSTGRES_PASSWORD", "cardsmith"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			Backend:    getEnv("CACHE_BACKEND", "memory"),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
		},
		Queue: QueueConfig{
			Type:  getEnv("QUEUE_TYPE", "memory"),
			Group: getEnv("QUEUE_GROUP", "cardsmith"),
		},
		Agent: AgentConfig{
			BaseURL: getEnv("AGENT_BASE_URL", "http://localhost:9000"),
			APIKey:  getEnv("AGENT_API_KEY", ""),
			Model:   getEnv("AGENT_MODEL", "default"),
			Timeout: getEnvDuration("AGENT_TIMEOUT", 2*time.Minute),
		},
		Runs: RunConfig{
			DefaultMaxTurns: getEnvInt("RUN_DEFAULT_MAX_TURNS", 8),
			MaxTurnsCap:     getEnvInt("RUN_MAX_TURNS_CAP", 32),
			NoChangeLimit:   getEnvInt("RUN_NO_CHANGE_LIMIT", 2),
			PingInterval:    getEnvDuration("RUN_PING_INTERVAL", 15*time.Second),
			StartsPerMinute: int64(getEnvInt("RUN_STARTS_PER_MINUTE", 10)),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", true),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
			MetricsPort: getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Queue.Type != "memory" && c.Queue.Type != "redis" {
		return fmt.Errorf("unknown queue type: %s", c.Queue.Type)
	}

	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}

	if c.Runs.DefaultMaxTurns < 1 || c.Runs.DefaultMaxTurns > c.Runs.MaxTurnsCap {
		return fmt.Errorf("run default max turns %d outside 1..%d", c.Runs.DefaultMaxTurns, c.Runs.MaxTurnsCap)
	}

	if c.Runs.NoChangeLimit < 1 {
		return fmt.Errorf("run no-change limit must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
