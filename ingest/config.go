package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full examforge configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DBPath     string           `yaml:"db_path"`
	ObsDBPath  string           `yaml:"obs_db_path"`
	LogLevel   string           `yaml:"log_level"`
	Storage    StorageConfig    `yaml:"storage"`
	Render     RenderConfig     `yaml:"render"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// StorageConfig selects the artifact object store.
type StorageConfig struct {
	Backend          string   `yaml:"backend"` // fs | s3 | memory
	Dir              string   `yaml:"dir"`
	BaseURL          string   `yaml:"base_url"`
	UploadTimeoutSec int      `yaml:"upload_timeout_sec"`
	S3               S3Config `yaml:"s3"`
}

// S3Config configures the s3 backend. Endpoint targets S3-compatible services.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// RenderConfig tunes rendering and artifact upload.
type RenderConfig struct {
	ChunkSize       int `yaml:"chunk_size"`
	UploadAttempts  int `yaml:"upload_attempts"`
	UploadBackoffMs int `yaml:"upload_backoff_ms"`
	MaxSourceMB     int `yaml:"max_source_mb"`

	// SourceDir confines local source paths. Empty leaves CLI paths
	// unrestricted and refuses paths from HTTP and MCP callers.
	SourceDir string `yaml:"source_dir"`
}

// ExtractionConfig selects and tunes the extraction service.
type ExtractionConfig struct {
	Backend           string `yaml:"backend"` // http | gemini
	Endpoint          string `yaml:"endpoint"`
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	TimeoutSec        int    `yaml:"timeout_sec"`
	MaxAttempts       int    `yaml:"max_attempts"`
	BackoffMs         int    `yaml:"backoff_ms"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	MaxSessionRetries int `yaml:"max_session_retries"`
	EventBuffer       int `yaml:"event_buffer"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:    ":8090",
		DBPath:    "examforge.db",
		ObsDBPath: "examforge_obs.db",
		LogLevel:  "info",
		Storage: StorageConfig{
			Backend:          "fs",
			Dir:              "artifacts",
			UploadTimeoutSec: 30,
		},
		Render: RenderConfig{
			ChunkSize:       4,
			UploadAttempts:  3,
			UploadBackoffMs: 200,
			MaxSourceMB:     64,
		},
		Extraction: ExtractionConfig{
			Backend:     "http",
			TimeoutSec:  120,
			MaxAttempts: 3,
			BackoffMs:   1000,
		},
		Pipeline: PipelineConfig{
			MaxSessionRetries: 5,
			EventBuffer:       64,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. ${VAR} references are
// expanded from the environment before parsing.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the fs backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" || c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.bucket and storage.s3.region are required for the s3 backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage.backend %q (use fs, s3 or memory)", c.Storage.Backend)
	}
	if c.Render.ChunkSize < 1 || c.Render.ChunkSize > 8 {
		return fmt.Errorf("render.chunk_size must be between 1 and 8")
	}
	if c.Render.UploadAttempts < 1 {
		return fmt.Errorf("render.upload_attempts must be > 0")
	}
	if c.Render.MaxSourceMB <= 0 {
		return fmt.Errorf("render.max_source_mb must be > 0")
	}
	switch c.Extraction.Backend {
	case "http":
		if c.Extraction.Endpoint == "" {
			return fmt.Errorf("extraction.endpoint is required for the http backend")
		}
	case "gemini":
		if c.Extraction.APIKey == "" {
			return fmt.Errorf("extraction.api_key is required for the gemini backend")
		}
	default:
		return fmt.Errorf("unsupported extraction.backend %q (use http or gemini)", c.Extraction.Backend)
	}
	if c.Extraction.TimeoutSec <= 0 {
		return fmt.Errorf("extraction.timeout_sec must be > 0")
	}
	if c.Extraction.MaxAttempts < 1 {
		return fmt.Errorf("extraction.max_attempts must be > 0")
	}
	if c.Pipeline.MaxSessionRetries < 0 {
		return fmt.Errorf("pipeline.max_session_retries must be >= 0")
	}
	return nil
}

// SlogLevel maps log_level to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// MaxSourceBytes returns the source size cap in bytes.
func (c *Config) MaxSourceBytes() int64 { return int64(c.Render.MaxSourceMB) << 20 }

// UploadTimeout is the per-attempt artifact upload timeout.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Storage.UploadTimeoutSec) * time.Second
}

// UploadBackoff is the delay before the second upload attempt.
func (c *Config) UploadBackoff() time.Duration {
	return time.Duration(c.Render.UploadBackoffMs) * time.Millisecond
}

// ExtractionTimeout bounds each extraction call.
func (c *Config) ExtractionTimeout() time.Duration {
	return time.Duration(c.Extraction.TimeoutSec) * time.Second
}

// ExtractionBackoff is the delay before the second extraction attempt.
func (c *Config) ExtractionBackoff() time.Duration {
	return time.Duration(c.Extraction.BackoffMs) * time.Millisecond
}
