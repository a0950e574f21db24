package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the verification pipeline service
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Server configuration
	Port string

	// Classification service configuration
	ClassifierURL     string
	ClassifierAPIKey  string
	ClassifierTimeout time.Duration
	MaxRetries        int
	BackoffBaseDelay  time.Duration
	BackoffMaxDelay   time.Duration

	// Circuit breaker configuration
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Duplicate detection configuration
	DuplicateRadiusMeters float64
	HashThreshold         int

	// Blob store configuration
	BlobStoreURL     string
	BlobFetchTimeout time.Duration

	// RabbitMQ configuration
	AMQPURL             string
	RabbitMQExchange    string
	RabbitMQQueue       string
	SubmittedRoutingKey string
	OutcomeRoutingKey   string
	PrefetchCount       int

	// Pipeline configuration
	Workers int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "darshi"),

		// Server defaults
		Port: getEnv("PORT", "8080"),

		// Classification service defaults
		ClassifierURL:     getEnv("CLASSIFIER_URL", ""),
		ClassifierAPIKey:  getEnv("CLASSIFIER_API_KEY", ""),
		ClassifierTimeout: getDurationEnv("CLASSIFIER_TIMEOUT", 10*time.Second),
		MaxRetries:        getIntEnv("MAX_RETRIES", 2),
		BackoffBaseDelay:  getDurationEnv("BACKOFF_BASE_DELAY", 500*time.Millisecond),
		BackoffMaxDelay:   getDurationEnv("BACKOFF_MAX_DELAY", 5*time.Second),

		// Circuit breaker defaults
		BreakerFailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),

		// Duplicate detection defaults
		DuplicateRadiusMeters: getFloatEnv("DUPLICATE_RADIUS_METERS", 500.0),
		HashThreshold:         getIntEnv("HASH_THRESHOLD", 10),

		// Blob store defaults
		BlobStoreURL:     getEnv("BLOB_STORE_URL", ""),
		BlobFetchTimeout: getDurationEnv("BLOB_FETCH_TIMEOUT", 15*time.Second),

		// RabbitMQ defaults
		AMQPURL:             getEnv("AMQP_URL", ""),
		RabbitMQExchange:    getEnv("RABBITMQ_EXCHANGE", "darshi-reports"),
		RabbitMQQueue:       getEnv("RABBITMQ_QUEUE", "report-verification"),
		SubmittedRoutingKey: getEnv("RABBITMQ_SUBMITTED_ROUTING_KEY", "report.submitted"),
		OutcomeRoutingKey:   getEnv("RABBITMQ_OUTCOME_ROUTING_KEY", "report.outcome"),
		PrefetchCount:       getIntEnv("RABBITMQ_PREFETCH", 20),

		// Pipeline defaults
		Workers: getIntEnv("PIPELINE_WORKERS", 8),

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return config
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getFloatEnv gets a float environment variable or returns a default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
