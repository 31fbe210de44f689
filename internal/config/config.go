package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tesseract-Nexus/go-shared/secrets"
)

// Config holds all configuration for the store sync service
type Config struct {
	// Server
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string

	// Redis
	RedisURL      string
	RedisPassword string

	// GCP
	GCPProjectID string

	// Credential encryption. EncryptionKeySecret (a Secret Manager secret id)
	// wins over EncryptionKey when GCPProjectID is set.
	EncryptionKey       string
	EncryptionKeySecret string

	// Remote API
	TiendanubeAPIURL    string
	TiendanubeUserAgent string
	APITimeout          time.Duration
	APIRateLimit        float64 // requests per second
	APIRateBurst        int
	APIMaxRetries       int
	APIRetryBaseDelay   time.Duration

	// Sync Settings
	SyncPageSize    int
	SyncOrderWindow time.Duration
	SyncCron        string
	SyncJobTimeout  time.Duration

	// Queue
	QueuePrefix        string
	QueueMaxAttempts   int
	QueueBackoff       time.Duration
	QueueKeepCompleted int
	QueueKeepFailed    int

	// Worker & Scheduler
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerLeaseTTL     time.Duration
	SchedulerInterval  time.Duration

	// HTTP
	CORSAllowedOrigins []string
}

// Load loads configuration from environment variables
func Load() *Config {
	// Build DATABASE_URL from components using GCP Secret Manager for password
	databaseURL := getEnv("DATABASE_URL", "")
	if databaseURL == "" {
		dbHost := getEnv("DB_HOST", "localhost")
		dbPort := getEnv("DB_PORT", "5432")
		dbUser := getEnv("DB_USER", "postgres")
		dbPassword := secrets.GetDBPassword()
		dbName := getEnv("DB_NAME", "store_sync")
		dbSSLMode := getEnv("DB_SSLMODE", "disable")

		databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			dbUser, dbPassword, dbHost, dbPort, dbName, dbSSLMode)
	}

	config := &Config{
		Port:        getEnv("PORT", "8099"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: databaseURL,

		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: secrets.GetRedisPassword(),

		GCPProjectID: getEnv("GCP_PROJECT_ID", ""),

		EncryptionKey:       getEnv("ENCRYPTION_KEY", ""),
		EncryptionKeySecret: getEnv("ENCRYPTION_KEY_SECRET", ""),

		TiendanubeAPIURL:    getEnv("TIENDANUBE_API_URL", "https://api.tiendanube.com/v1"),
		TiendanubeUserAgent: getEnv("TIENDANUBE_USER_AGENT", "store-sync-service/1.0"),
		APITimeout:          getEnvAsDuration("API_TIMEOUT", 30*time.Second),
		APIRateLimit:        getEnvAsFloat("API_RATE_LIMIT", 2),
		APIRateBurst:        getEnvAsInt("API_RATE_BURST", 40),
		APIMaxRetries:       getEnvAsInt("API_MAX_RETRIES", 3),
		APIRetryBaseDelay:   getEnvAsDuration("API_RETRY_BASE_DELAY", 1*time.Second),

		SyncPageSize:    getEnvAsInt("SYNC_PAGE_SIZE", 50),
		SyncOrderWindow: getEnvAsDuration("SYNC_ORDER_WINDOW", 30*24*time.Hour),
		SyncCron:        getEnv("SYNC_CRON", "0 */4 * * *"),
		SyncJobTimeout:  getEnvAsDuration("SYNC_JOB_TIMEOUT", 30*time.Minute),

		QueuePrefix:        getEnv("QUEUE_PREFIX", "storesync"),
		QueueMaxAttempts:   getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
		QueueBackoff:       getEnvAsDuration("QUEUE_BACKOFF", 1*time.Second),
		QueueKeepCompleted: getEnvAsInt("QUEUE_KEEP_COMPLETED", 100),
		QueueKeepFailed:    getEnvAsInt("QUEUE_KEEP_FAILED", 200),

		WorkerConcurrency:  getEnvAsInt("WORKER_CONCURRENCY", 1),
		WorkerPollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", 1*time.Second),
		WorkerLeaseTTL:     getEnvAsDuration("WORKER_LEASE_TTL", 30*time.Second),
		SchedulerInterval:  getEnvAsDuration("SCHEDULER_INTERVAL", 30*time.Second),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:3001",
		}),
	}

	if config.EncryptionKey == "" && config.EncryptionKeySecret == "" {
		log.Println("Warning: neither ENCRYPTION_KEY nor ENCRYPTION_KEY_SECRET is set, store credentials cannot be decrypted")
	}

	if config.GCPProjectID == "" {
		log.Println("Warning: GCP_PROJECT_ID not set, secrets management will be disabled")
	}

	return config
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

// getEnvAsList splits a comma separated variable
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
