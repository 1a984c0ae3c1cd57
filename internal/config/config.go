package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the metering plane
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Billing    BillingConfig
	Metering   MeteringConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// BillingConfig holds billing-provider configuration. The two secret fields
// are names resolved through the secret source at startup, never raw values.
type BillingConfig struct {
	StripeAPIKeySecret   string
	WebhookSigningSecret string
	AggregationSchedule  string // cron spec for the daily aggregation pass
	IntradaySchedule     string // cron spec for re-rolling the open day
	SyncRetrySchedule    string // cron spec for re-syncing error-status aggregates
	SyncTimeout          time.Duration
	LeaseTTL             time.Duration
}

// MeteringConfig holds usage-event pipeline configuration
type MeteringConfig struct {
	RetentionDays  int
	EmitTimeout    time.Duration
	SweepSchedule  string // cron spec for the retention sweep
	SweepBatchSize int
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables. A local .env
// file is honored when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "nexus"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "nexus_metering"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Billing: BillingConfig{
			StripeAPIKeySecret:   getEnv("STRIPE_API_KEY_SECRET", "stripe-api-key"),
			WebhookSigningSecret: getEnv("STRIPE_WEBHOOK_SECRET_NAME", "stripe-webhook-secret"),
			AggregationSchedule:  getEnv("BILLING_AGGREGATION_SCHEDULE", "15 0 * * *"),
			IntradaySchedule:     getEnv("BILLING_INTRADAY_SCHEDULE", "*/15 * * * *"),
			SyncRetrySchedule:    getEnv("BILLING_SYNC_RETRY_SCHEDULE", "45 * * * *"),
			SyncTimeout:          getEnvAsDuration("BILLING_SYNC_TIMEOUT", "30s"),
			LeaseTTL:             getEnvAsDuration("BILLING_LEASE_TTL", "5m"),
		},
		Metering: MeteringConfig{
			RetentionDays:  getEnvAsInt("USAGE_RETENTION_DAYS", 90),
			EmitTimeout:    getEnvAsDuration("USAGE_EMIT_TIMEOUT", "2s"),
			SweepSchedule:  getEnv("USAGE_SWEEP_SCHEDULE", "30 1 * * *"),
			SweepBatchSize: getEnvAsInt("USAGE_SWEEP_BATCH_SIZE", 10000),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	// Validate required fields
	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.Metering.RetentionDays <= 0 {
		return nil, fmt.Errorf("USAGE_RETENTION_DAYS must be positive")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
