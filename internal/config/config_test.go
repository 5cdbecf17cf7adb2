package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(10<<20), cfg.MaxFileSize())
	assert.Equal(t, 100, cfg.MinTextLength)
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 2*time.Minute, cfg.PipelineTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QUIZDOC_CONFIG", "")
	t.Setenv("PROJECT_ID", "quizdoc-prod")
	t.Setenv("RECORD_BACKEND", "firestore")
	t.Setenv("STORAGE_BACKEND", "gcs")
	t.Setenv("UPLOADS_BUCKET", "uploads")
	t.Setenv("DISPATCH_MODE", "workflow")
	t.Setenv("MAX_CONCURRENT_PROCESSING", "5")
	t.Setenv("PIPELINE_TIMEOUT", "90s")
	t.Setenv("WARN_QUALITY", "42.5")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "quizdoc-prod", cfg.ProjectID)
	assert.Equal(t, BackendFirestore, cfg.RecordBackend)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, 90*time.Second, cfg.PipelineTimeout)
	assert.Equal(t, 42.5, cfg.WarnQuality)
	assert.True(t, cfg.MinIO.UseSSL)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quizdoc.yaml")
	yamlDoc := `
projectId: from-file
storageBackend: minio
uploadsBucket: docs
minio:
  endpoint: localhost:9000
  accessKey: minioadmin
maxConcurrent: 7
questionCacheTTL: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	t.Setenv("QUIZDOC_CONFIG", path)
	t.Setenv("MAX_CONCURRENT_PROCESSING", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.ProjectID)
	assert.Equal(t, BackendMinIO, cfg.StorageBackend)
	assert.Equal(t, "localhost:9000", cfg.MinIO.Endpoint)
	assert.Equal(t, 5*time.Minute, cfg.QuestionCacheTTL)
	assert.Equal(t, 2, cfg.MaxConcurrent, "env overrides the file")
	assert.Equal(t, 100, cfg.MinTextLength, "defaults survive")
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"MAX_CONCURRENT_PROCESSING", "lots"},
		{"PIPELINE_TIMEOUT", "soon"},
		{"MINIO_USE_SSL", "maybe"},
		{"MAX_FILE_SIZE_MB", "0"},
		{"RECORD_BACKEND", "postgres"},
		{"DISPATCH_MODE", "carrier-pigeon"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv("QUIZDOC_CONFIG", "")
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateBackendRequirements(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"firestore without project", func(c *Config) { c.RecordBackend = BackendFirestore }},
		{"gcs without bucket", func(c *Config) { c.StorageBackend = BackendGCS }},
		{"minio without endpoint", func(c *Config) { c.StorageBackend = BackendMinIO; c.UploadsBucket = "b" }},
		{"workflow without project", func(c *Config) { c.DispatchMode = DispatchWorkflow }},
		{"event without gcs", func(c *Config) { c.DispatchMode = DispatchEvent }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv("QUIZDOC_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("nonsense"))
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("Document uploaded.", "documentId", "doc-1")

	assert.Contains(t, stderr.String(), "Document uploaded.")
	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, file.String(), `"documentId":"doc-1"`)
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quizdoc.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("hello")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
