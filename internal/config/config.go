package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Store (PostgREST)
	StoreURL        string
	StoreAPIKey     string
	StoreServiceKey string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration

	// Batch processing
	BatchConcurrency int

	// Cache
	StatsCacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Verification policy
	MinAmountThreshold   float64
	GracePeriodDays      int
	DefaultRequiredSlots int

	// Outbound events; empty disables the webhook publisher.
	WebhookURL string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreURL:        getEnv("STORE_URL", ""),
		StoreAPIKey:     getEnv("STORE_API_KEY", ""),
		StoreServiceKey: getEnv("STORE_SERVICE_ROLE_KEY", ""),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),

		BatchConcurrency: getEnvInt("BATCH_CONCURRENCY", 4),

		StatsCacheTTL: getEnvDuration("STATS_CACHE_TTL", time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		MinAmountThreshold:   getEnvFloat("MIN_AMOUNT_THRESHOLD", 1000),
		GracePeriodDays:      getEnvInt("GRACE_PERIOD_DAYS", 15),
		DefaultRequiredSlots: getEnvInt("DEFAULT_REQUIRED_SLOTS", 2),

		WebhookURL: getEnv("WEBHOOK_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
