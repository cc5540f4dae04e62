package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("MAX_CHUNK_SIZE", "")
	t.Setenv("WORKER_CONCURRENCY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int64(10<<20), cfg.MaxChunkSize)
	assert.Equal(t, int64(10<<20), cfg.SingleUploadThreshold)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 24*time.Hour, cfg.UploadSessionTTL)
	assert.Equal(t, StorageLocal, cfg.StorageBackend)
	assert.Equal(t, 10*time.Minute, cfg.JobTTL())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "9")
	t.Setenv("UPLOAD_SESSION_TTL", "90m")
	t.Setenv("ALLOWED_MIME_TYPES", "application/pdf, image/png ,")
	t.Setenv("MAX_FILE_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.WorkerConcurrency)
	assert.Equal(t, 90*time.Minute, cfg.UploadSessionTTL)
	assert.Equal(t, []string{"application/pdf", "image/png"}, cfg.AllowedMIMETypes)
	assert.Equal(t, int64(2<<30), cfg.MaxFileSize, "invalid values fall back to the default")
}

func TestValidateS3RequiresBucket(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", StorageS3)
	t.Setenv("S3_BUCKET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_BUCKET")
}

func TestValidateUnknownBackend(t *testing.T) {
	cfg := &Config{MaxChunkSize: 1, MaxFileSize: 1, WorkerConcurrency: 1, StorageBackend: "gcs"}
	assert.Error(t, cfg.Validate())
}
