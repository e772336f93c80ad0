package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Redis   RedisConfig   `json:"redis"`
	Breaker BreakerConfig `json:"breaker"`
	Retry   RetryConfig   `json:"retry"`
	Health  HealthConfig  `json:"health"`
	Region  RegionConfig  `json:"region"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`

	// AllowedOrigins restricts CORS; empty allows all origins.
	AllowedOrigins []string `json:"allowed_origins"`

	// RateLimitRPS is the per-client request rate; zero disables limiting.
	RateLimitRPS   int `json:"rate_limit_rps"`
	RateLimitBurst int `json:"rate_limit_burst"`
}

// StorageConfig contains persistence configuration.
// Backend selects the store implementation: memory, redis, or postgres.
type StorageConfig struct {
	Backend         string        `json:"backend"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// BreakerConfig contains circuit breaker defaults
type BreakerConfig struct {
	FailureThreshold         int           `json:"failure_threshold"`
	SuccessThreshold         int           `json:"success_threshold"`
	Timeout                  time.Duration `json:"timeout"`
	HalfOpenMaxCalls         int           `json:"half_open_max_calls"`
	VolumeThreshold          int           `json:"volume_threshold"`
	ErrorPercentageThreshold float64       `json:"error_percentage_threshold"`
	RollingWindow            time.Duration `json:"rolling_window"`
}

// RetryConfig contains retry defaults
type RetryConfig struct {
	MaxRetries         int           `json:"max_retries"`
	Strategy           string        `json:"strategy"`
	BaseDelay          time.Duration `json:"base_delay"`
	MaxDelay           time.Duration `json:"max_delay"`
	JitterFactor       float64       `json:"jitter_factor"`
	BudgetPerMinute    int           `json:"budget_per_minute"`
	NonRetryableErrors []string      `json:"non_retryable_errors"`
	RetryableErrors    []string      `json:"retryable_errors"`
}

// HealthConfig contains health checking defaults
type HealthConfig struct {
	Interval           time.Duration `json:"interval"`
	ProbeTimeout       time.Duration `json:"probe_timeout"`
	Path               string        `json:"path"`
	ExpectedStatus     int           `json:"expected_status"`
	UnhealthyThreshold int           `json:"unhealthy_threshold"`
	HealthyThreshold   int           `json:"healthy_threshold"`
	StaleThreshold     time.Duration `json:"stale_threshold"`
}

// RegionConfig contains multi-region coordination defaults
type RegionConfig struct {
	RoutingStrategy   string        `json:"routing_strategy"`
	SyncInterval      time.Duration `json:"sync_interval"`
	BatchSize         int           `json:"batch_size"`
	LagCritical       time.Duration `json:"lag_critical"`
	FailoverThreshold int           `json:"failover_threshold"`
	AutoFailover      bool          `json:"auto_failover"`
	RollbackOnFailure bool          `json:"rollback_on_failure"`
	MaxFailoverEvents int           `json:"max_failover_events"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:           getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			AllowedOrigins: getEnvStringSlice("SERVER_ALLOWED_ORIGINS", nil),
			RateLimitRPS:   getEnvInt("SERVER_RATE_LIMIT_RPS", 50),
			RateLimitBurst: getEnvInt("SERVER_RATE_LIMIT_BURST", 100),
		},
		Storage: StorageConfig{
			Backend:         getEnvString("STORAGE_BACKEND", "memory"),
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "polaris"),
			User:            getEnvString("DB_USER", "polaris"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Breaker: BreakerConfig{
			FailureThreshold:         getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold:         getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			Timeout:                  getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),
			HalfOpenMaxCalls:         getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 3),
			VolumeThreshold:          getEnvInt("BREAKER_VOLUME_THRESHOLD", 10),
			ErrorPercentageThreshold: getEnvFloat("BREAKER_ERROR_PERCENTAGE", 50.0),
			RollingWindow:            getEnvDuration("BREAKER_ROLLING_WINDOW", time.Minute),
		},
		Retry: RetryConfig{
			MaxRetries:         getEnvInt("RETRY_MAX_RETRIES", 3),
			Strategy:           getEnvString("RETRY_STRATEGY", "exponential_jitter"),
			BaseDelay:          getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:           getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			JitterFactor:       getEnvFloat("RETRY_JITTER_FACTOR", 0.1),
			BudgetPerMinute:    getEnvInt("RETRY_BUDGET_PER_MINUTE", 10),
			NonRetryableErrors: getEnvStringSlice("RETRY_NON_RETRYABLE_ERRORS", nil),
			RetryableErrors:    getEnvStringSlice("RETRY_RETRYABLE_ERRORS", nil),
		},
		Health: HealthConfig{
			Interval:           getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
			ProbeTimeout:       getEnvDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
			Path:               getEnvString("HEALTH_PATH", "/health"),
			ExpectedStatus:     getEnvInt("HEALTH_EXPECTED_STATUS", 200),
			UnhealthyThreshold: getEnvInt("HEALTH_UNHEALTHY_THRESHOLD", 3),
			HealthyThreshold:   getEnvInt("HEALTH_HEALTHY_THRESHOLD", 2),
			StaleThreshold:     getEnvDuration("HEALTH_STALE_THRESHOLD", time.Minute),
		},
		Region: RegionConfig{
			RoutingStrategy:   getEnvString("REGION_ROUTING_STRATEGY", "latency"),
			SyncInterval:      getEnvDuration("REGION_SYNC_INTERVAL", 5*time.Second),
			BatchSize:         getEnvInt("REGION_SYNC_BATCH_SIZE", 100),
			LagCritical:       getEnvDuration("REGION_LAG_CRITICAL", 30*time.Second),
			FailoverThreshold: getEnvInt("REGION_FAILOVER_THRESHOLD", 3),
			AutoFailover:      getEnvBool("REGION_AUTO_FAILOVER", true),
			RollbackOnFailure: getEnvBool("REGION_ROLLBACK_ON_FAILURE", true),
			MaxFailoverEvents: getEnvInt("REGION_MAX_FAILOVER_EVENTS", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}

	if c.Storage.Backend == "postgres" && c.Storage.Password == "" {
		return fmt.Errorf("database password is required for the postgres backend")
	}

	switch c.Region.RoutingStrategy {
	case "latency", "geo", "failover", "round_robin", "weighted":
	default:
		return fmt.Errorf("unsupported routing strategy: %s", c.Region.RoutingStrategy)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	return nil
}

// DatabaseURL returns the database connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Storage.User,
		c.Storage.Password,
		c.Storage.Host,
		c.Storage.Port,
		c.Storage.Name,
		c.Storage.SSLMode,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
