// Package config loads scanner configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the scanner binaries.
type Config struct {
	// Queue backend (Redis)
	RedisURL string

	// Scan defaults (overridable per request)
	ScanRate           float64       // outbound requests per second per client
	RequestBudget      int           // max outbound requests per chunk client
	ChunkSize          int           // endpoints per chunk
	HTTPTimeout        time.Duration // per-request timeout
	InsecureSkipVerify bool          // accept self-signed target certificates

	// Orchestrator
	ScanPollInterval time.Duration // job status poll interval (capped at 2s)
	JobTimeout       time.Duration // wall-clock clamp per chunk job
	JobTTL           time.Duration // retention for job records and result blobs
	WebhookURL       string        // optional scan-completion webhook

	// Worker
	WorkerReserveTimeout time.Duration // blocking reserve timeout
	WorkerHeartbeat      time.Duration // registry last_update refresh
	WorkerIdleTimeout    time.Duration // exit after this long without a job; 0 disables

	// Object Storage (S3-compatible); ChunkDir is used when unset
	StorageEnabled   bool
	StorageEndpoint  string // AWS_ENDPOINT_URL_S3
	StorageAccessKey string // AWS_ACCESS_KEY_ID
	StorageSecretKey string // AWS_SECRET_ACCESS_KEY
	StorageBucket    string
	StorageRegion    string

	// Local chunk/result directory used when object storage is not configured
	ChunkDir string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		ScanRate:           getEnvFloat("SCAN_RATE", 1.0),
		RequestBudget:      getEnvInt("SCAN_REQUEST_BUDGET", 400),
		ChunkSize:          getEnvInt("SCAN_CHUNK_SIZE", 4),
		HTTPTimeout:        getEnvDuration("SCAN_HTTP_TIMEOUT", 12*time.Second),
		InsecureSkipVerify: getEnvBool("SCAN_INSECURE_SKIP_VERIFY", false),

		ScanPollInterval: getEnvDuration("SCAN_POLL_INTERVAL", 2*time.Second),
		JobTimeout:       getEnvDuration("SCAN_JOB_TIMEOUT", 5*time.Minute),
		JobTTL:           getEnvDuration("SCAN_JOB_TTL", 24*time.Hour),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		WorkerReserveTimeout: getEnvDuration("WORKER_RESERVE_TIMEOUT", 30*time.Second),
		WorkerHeartbeat:      getEnvDuration("WORKER_HEARTBEAT", 30*time.Second),
		WorkerIdleTimeout:    getEnvDuration("WORKER_IDLE_TIMEOUT", 0),

		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnvWithFallback("BUCKET_NAME", "STORAGE_BUCKET", ""),
		StorageRegion:    getEnv("AWS_REGION", "auto"),

		ChunkDir: getEnv("SCAN_CHUNK_DIR", ""),
	}

	// Enable object storage if a bucket is configured
	cfg.StorageEnabled = cfg.StorageBucket != ""

	if cfg.ChunkDir == "" {
		cfg.ChunkDir = defaultChunkDir()
	}

	// Status polling must stay at or below the 2s contract
	if cfg.ScanPollInterval > 2*time.Second {
		cfg.ScanPollInterval = 2 * time.Second
	}

	if cfg.ScanRate < 0.1 || cfg.ScanRate > 10 {
		return nil, fmt.Errorf("SCAN_RATE must be between 0.1 and 10, got %v", cfg.ScanRate)
	}
	if cfg.RequestBudget < 1 || cfg.RequestBudget > 500 {
		return nil, fmt.Errorf("SCAN_REQUEST_BUDGET must be between 1 and 500, got %d", cfg.RequestBudget)
	}
	if cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("SCAN_CHUNK_SIZE must be at least 1, got %d", cfg.ChunkSize)
	}
	if cfg.JobTTL < time.Minute {
		return nil, fmt.Errorf("SCAN_JOB_TTL must be at least 1m, got %v", cfg.JobTTL)
	}

	return cfg, nil
}

func defaultChunkDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "specprobe")
}

func getEnv(key, defaultValue string) string {
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
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
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

func getEnvWithFallback(primary, fallback, defaultValue string) string {
	if value := os.Getenv(primary); value != "" {
		return value
	}
	if value := os.Getenv(fallback); value != "" {
		return value
	}
	return defaultValue
}
