// Package config loads service settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the pipeline services recognize.
type Config struct {
	// Upstream feed service
	FeedURL     string
	FeedTimeout time.Duration

	// Queue substrate (Redis) and state store (sqlite DSN)
	QueueURL string
	StateURL string

	// Discovery
	DiscoveryInterval time.Duration
	BatchSize         int
	MaxRetries        int

	// Download
	DownloadTimeout    time.Duration
	MaxDownloadRetries int

	// Extraction
	MaxExtractionRetries int

	// Storage
	StorageBasePath string

	// Logging
	LogLevel string
	LogFile  string

	// Status HTTP surface
	HTTPHost       string
	DiscoveryPort  int
	DownloadPort   int
	ExtractionPort int
}

// FromEnv reads the configuration, falling back to defaults for anything
// unset or unparsable.
func FromEnv() *Config {
	return &Config{
		FeedURL:     envString("FEED_URL", "http://localhost:4000"),
		FeedTimeout: envSeconds("FEED_TIMEOUT", 30*time.Second),

		QueueURL: envString("QUEUE_URL", "redis://localhost:6379/0"),
		StateURL: envString("STATE_URL", "/tmp/genesis-content/genesis.db"),

		DiscoveryInterval: envSeconds("DISCOVERY_INTERVAL", 300*time.Second),
		BatchSize:         envInt("BATCH_SIZE", 100),
		MaxRetries:        envInt("MAX_RETRIES", 3),

		DownloadTimeout:    envSeconds("DOWNLOAD_TIMEOUT", 30*time.Second),
		MaxDownloadRetries: envInt("MAX_DOWNLOAD_RETRIES", 3),

		MaxExtractionRetries: envInt("MAX_EXTRACTION_RETRIES", 3),

		StorageBasePath: envString("STORAGE_BASE_PATH", "/tmp/genesis-content"),

		LogLevel: envString("LOG_LEVEL", "INFO"),
		LogFile:  envString("LOG_FILE", ""),

		HTTPHost:       envString("HTTP_HOST", "0.0.0.0"),
		DiscoveryPort:  envInt("DISCOVERY_PORT", 8081),
		DownloadPort:   envInt("DOWNLOAD_PORT", 8082),
		ExtractionPort: envInt("EXTRACTION_PORT", 8083),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
