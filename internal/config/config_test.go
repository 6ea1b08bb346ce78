package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, "http://localhost:4000", cfg.FeedURL)
	assert.Equal(t, 30*time.Second, cfg.FeedTimeout)
	assert.Equal(t, 300*time.Second, cfg.DiscoveryInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxDownloadRetries)
	assert.Equal(t, "/tmp/genesis-content", cfg.StorageBasePath)
	assert.Equal(t, 8081, cfg.DiscoveryPort)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("FEED_URL", "http://feed.internal:4000")
	t.Setenv("DISCOVERY_INTERVAL", "60")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("DOWNLOAD_TIMEOUT", "10")
	t.Setenv("DOWNLOAD_PORT", "9999")

	cfg := FromEnv()

	assert.Equal(t, "http://feed.internal:4000", cfg.FeedURL)
	assert.Equal(t, time.Minute, cfg.DiscoveryInterval)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, 9999, cfg.DownloadPort)
}

func TestFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("BATCH_SIZE", "not-a-number")
	t.Setenv("FEED_TIMEOUT", "-5")

	cfg := FromEnv()

	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.FeedTimeout)
}
