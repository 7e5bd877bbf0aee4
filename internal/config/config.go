package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the API service
type Config struct {
	// Server
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string
	NATSURL     string

	// Telemetry
	OTLPEndpoint string

	// Image generation provider
	ProviderBaseURL      string
	ProviderToken        string
	ProviderPollInterval time.Duration
	ProviderTimeout      time.Duration
	ProviderRPS          float64

	// Invocation policy
	MaxAttempts int
	RetryDelay  time.Duration

	// Storage
	StorageBackend      string // "supabase" or "memory"
	SupabaseURL         string
	SupabaseServiceKey  string
	StorageBucket       string
	StorageCacheControl string
	SignedURLExpiry     time.Duration
	CopyBufferSize      int

	// Pipeline
	PipelineTimeout  time.Duration
	StyleCatalogPath string
	RunStatusTTL     time.Duration

	// Protection
	RateLimitPerMinute      float64
	SubjectRunsPerMinute    float64
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("GO_ENV", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		NATSURL:     getEnv("NATS_URL", ""),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		ProviderBaseURL:      getEnv("PROVIDER_BASE_URL", "https://api.replicate.com"),
		ProviderToken:        getEnv("REPLICATE_API_TOKEN", ""),
		ProviderPollInterval: getEnvDuration("PROVIDER_POLL_INTERVAL", time.Second),
		ProviderTimeout:      getEnvDuration("PROVIDER_TIMEOUT", 2*time.Minute),
		ProviderRPS:          getEnvFloat("PROVIDER_RPS", 0),

		MaxAttempts: getEnvInt("PROVIDER_MAX_ATTEMPTS", 3),
		RetryDelay:  getEnvDuration("PROVIDER_RETRY_DELAY", 5*time.Second),

		StorageBackend:      getEnv("STORAGE_BACKEND", "supabase"),
		SupabaseURL:         getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:  getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		StorageBucket:       getEnv("STORAGE_BUCKET", "avatars"),
		StorageCacheControl: getEnv("STORAGE_CACHE_CONTROL", "max-age=300"),
		SignedURLExpiry:     getEnvDuration("SIGNED_URL_EXPIRY", 24*time.Hour),
		CopyBufferSize:      getEnvInt("COPY_BUFFER_SIZE", 32*1024),

		PipelineTimeout:  getEnvDuration("PIPELINE_TIMEOUT", 5*time.Minute),
		StyleCatalogPath: getEnv("STYLE_CATALOG_PATH", ""),
		RunStatusTTL:     getEnvDuration("RUN_STATUS_TTL", 24*time.Hour),

		RateLimitPerMinute:      getEnvFloat("RATE_LIMIT_PER_MINUTE", 20),
		SubjectRunsPerMinute:    getEnvFloat("SUBJECT_RUNS_PER_MINUTE", 2),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}
