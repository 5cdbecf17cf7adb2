// Package config loads runtime settings for the functions and the CLI.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Lllllllleong/quizdocflow/internal/gcp"
)

// Backends and dispatch modes.
const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendGCS       = "gcs"
	BackendMinIO     = "minio"

	DispatchGoroutine = "goroutine"
	DispatchInline    = "inline"
	DispatchWorkflow  = "workflow"
	DispatchEvent     = "event"
)

// MinIOConfig holds S3-compatible object store settings.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Region    string `yaml:"region"`
}

// Config holds all configuration values.
type Config struct {
	// Google Cloud
	ProjectID           string `yaml:"projectId"`
	VertexRegion        string `yaml:"vertexRegion"`
	VertexModel         string `yaml:"vertexModel"`
	FirestoreCollection string `yaml:"firestoreCollection"`
	UploadsBucket       string `yaml:"uploadsBucket"`
	WorkflowID          string `yaml:"workflowId"`
	WorkflowLocation    string `yaml:"workflowLocation"`

	// Backends
	RecordBackend  string      `yaml:"recordBackend"`
	StorageBackend string      `yaml:"storageBackend"`
	DispatchMode   string      `yaml:"dispatchMode"`
	MinIO          MinIOConfig `yaml:"minio"`

	// Pipeline
	MaxFileSizeMB     int           `yaml:"maxFileSizeMB"`
	MinTextLength     int           `yaml:"minTextLength"`
	ExtractionTimeout time.Duration `yaml:"extractionTimeout"`
	PipelineTimeout   time.Duration `yaml:"pipelineTimeout"`
	ChunkThresholdMB  int           `yaml:"chunkThresholdMB"`
	ChunkSize         int           `yaml:"chunkSize"`

	// Performance guard
	MaxConcurrent int           `yaml:"maxConcurrent"`
	MaxMemoryMB   int           `yaml:"maxMemoryMB"`
	MetricsWindow int           `yaml:"metricsWindow"`
	MetricsMaxAge time.Duration `yaml:"metricsMaxAge"`
	WarnDuration  time.Duration `yaml:"warnDuration"`
	WarnMemoryMB  int           `yaml:"warnMemoryMB"`
	WarnQuality   float64       `yaml:"warnQuality"`

	// Question generation
	RetryMaxAttempts int           `yaml:"retryMaxAttempts"`
	RetryBaseDelay   time.Duration `yaml:"retryBaseDelay"`
	QuestionCacheTTL time.Duration `yaml:"questionCacheTTL"`

	// Logging
	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		VertexRegion:        "us-central1",
		FirestoreCollection: "documents",
		WorkflowID:          "quizdoc-processing",
		WorkflowLocation:    "us-central1",

		RecordBackend:  BackendMemory,
		StorageBackend: BackendMemory,
		DispatchMode:   DispatchGoroutine,

		MaxFileSizeMB:     10,
		MinTextLength:     100,
		ExtractionTimeout: 30 * time.Second,
		PipelineTimeout:   2 * time.Minute,
		ChunkThresholdMB:  10,
		ChunkSize:         10000,

		MaxConcurrent: 3,
		MaxMemoryMB:   100,
		MetricsWindow: 100,
		MetricsMaxAge: time.Hour,
		WarnDuration:  30 * time.Second,
		WarnMemoryMB:  80,
		WarnQuality:   30,

		RetryMaxAttempts: 3,
		RetryBaseDelay:   time.Second,
		QuestionCacheTTL: 30 * time.Minute,

		LogLevel: "INFO",
		LogFile:  "/tmp/quizdoc.log",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// QUIZDOC_CONFIG if any, then environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := gcp.GetEnv("QUIZDOC_CONFIG", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// envReader accumulates the first parse error so applyEnv reads linearly.
type envReader struct {
	err error
}

func (r *envReader) str(key string, dst *string) {
	*dst = gcp.GetEnv(key, *dst)
}

func (r *envReader) int(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || r.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok || r.err != nil {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = f
}

func (r *envReader) bool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || r.err != nil {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = b
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || r.err != nil {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}

func (c *Config) applyEnv() error {
	var r envReader
	r.str("PROJECT_ID", &c.ProjectID)
	r.str("VERTEX_AI_REGION", &c.VertexRegion)
	r.str("VERTEX_MODEL", &c.VertexModel)
	r.str("FIRESTORE_COLLECTION", &c.FirestoreCollection)
	r.str("UPLOADS_BUCKET", &c.UploadsBucket)
	r.str("WORKFLOW_ID", &c.WorkflowID)
	r.str("WORKFLOW_LOCATION", &c.WorkflowLocation)

	r.str("RECORD_BACKEND", &c.RecordBackend)
	r.str("STORAGE_BACKEND", &c.StorageBackend)
	r.str("DISPATCH_MODE", &c.DispatchMode)
	r.str("MINIO_ENDPOINT", &c.MinIO.Endpoint)
	r.str("MINIO_ACCESS_KEY", &c.MinIO.AccessKey)
	r.str("MINIO_SECRET_KEY", &c.MinIO.SecretKey)
	r.str("MINIO_REGION", &c.MinIO.Region)
	r.bool("MINIO_USE_SSL", &c.MinIO.UseSSL)

	r.int("MAX_FILE_SIZE_MB", &c.MaxFileSizeMB)
	r.int("MIN_TEXT_LENGTH", &c.MinTextLength)
	r.duration("EXTRACTION_TIMEOUT", &c.ExtractionTimeout)
	r.duration("PIPELINE_TIMEOUT", &c.PipelineTimeout)
	r.int("CHUNK_THRESHOLD_MB", &c.ChunkThresholdMB)
	r.int("CHUNK_SIZE", &c.ChunkSize)

	r.int("MAX_CONCURRENT_PROCESSING", &c.MaxConcurrent)
	r.int("MAX_MEMORY_MB", &c.MaxMemoryMB)
	r.int("METRICS_WINDOW", &c.MetricsWindow)
	r.duration("METRICS_MAX_AGE", &c.MetricsMaxAge)
	r.duration("WARN_DURATION", &c.WarnDuration)
	r.int("WARN_MEMORY_MB", &c.WarnMemoryMB)
	r.float("WARN_QUALITY", &c.WarnQuality)

	r.int("RETRY_MAX_ATTEMPTS", &c.RetryMaxAttempts)
	r.duration("RETRY_BASE_DELAY", &c.RetryBaseDelay)
	r.duration("QUESTION_CACHE_TTL", &c.QuestionCacheTTL)

	r.str("QUIZDOC_LOG_LEVEL", &c.LogLevel)
	r.str("QUIZDOC_LOG_FILE", &c.LogFile)
	return r.err
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int64
	}{
		{"MAX_FILE_SIZE_MB", int64(c.MaxFileSizeMB)},
		{"MIN_TEXT_LENGTH", int64(c.MinTextLength)},
		{"EXTRACTION_TIMEOUT", int64(c.ExtractionTimeout)},
		{"PIPELINE_TIMEOUT", int64(c.PipelineTimeout)},
		{"CHUNK_THRESHOLD_MB", int64(c.ChunkThresholdMB)},
		{"CHUNK_SIZE", int64(c.ChunkSize)},
		{"MAX_CONCURRENT_PROCESSING", int64(c.MaxConcurrent)},
		{"MAX_MEMORY_MB", int64(c.MaxMemoryMB)},
		{"METRICS_WINDOW", int64(c.MetricsWindow)},
		{"METRICS_MAX_AGE", int64(c.MetricsMaxAge)},
		{"RETRY_MAX_ATTEMPTS", int64(c.RetryMaxAttempts)},
		{"RETRY_BASE_DELAY", int64(c.RetryBaseDelay)},
		{"QUESTION_CACHE_TTL", int64(c.QuestionCacheTTL)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	switch c.RecordBackend {
	case BackendMemory:
	case BackendFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("PROJECT_ID must be set for the firestore record backend")
		}
	default:
		return fmt.Errorf("unknown RECORD_BACKEND %q", c.RecordBackend)
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendGCS:
		if c.UploadsBucket == "" {
			return fmt.Errorf("UPLOADS_BUCKET must be set for the gcs storage backend")
		}
	case BackendMinIO:
		if c.UploadsBucket == "" || c.MinIO.Endpoint == "" {
			return fmt.Errorf("UPLOADS_BUCKET and MINIO_ENDPOINT must be set for the minio storage backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.DispatchMode {
	case DispatchGoroutine, DispatchInline:
	case DispatchWorkflow:
		if c.ProjectID == "" || c.WorkflowID == "" {
			return fmt.Errorf("PROJECT_ID and WORKFLOW_ID must be set for workflow dispatch")
		}
	case DispatchEvent:
		if c.StorageBackend != BackendGCS {
			return fmt.Errorf("event dispatch needs the gcs storage backend")
		}
	default:
		return fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode)
	}
	return nil
}

// MaxFileSize returns the upload limit in bytes.
func (c Config) MaxFileSize() int64 { return int64(c.MaxFileSizeMB) << 20 }

// Level returns the parsed log level.
func (c Config) Level() slog.Level { return ParseLogLevel(c.LogLevel) }

// ParseLogLevel maps a level name onto slog, defaulting to INFO.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
