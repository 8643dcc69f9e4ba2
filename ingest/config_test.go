package ingest

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "examforge.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfig_OverDefaults(t *testing.T) {
	// WHAT: a partial file keeps the defaults for everything it omits.
	t.Setenv("EXAMFORGE_TEST_KEY", "secret-123")
	p := writeConfig(t, `
listen: ":9000"
storage:
  backend: memory
render:
  chunk_size: 2
extraction:
  endpoint: http://localhost:7000/extract
  api_key: ${EXAMFORGE_TEST_KEY}
  timeout_sec: 30
`)
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.Storage.Backend != "memory" || cfg.Render.ChunkSize != 2 {
		t.Errorf("overrides lost: %+v", cfg)
	}
	if cfg.Extraction.APIKey != "secret-123" {
		t.Errorf("api_key = %q, want env expansion", cfg.Extraction.APIKey)
	}
	if cfg.Extraction.MaxAttempts != 3 || cfg.Render.UploadAttempts != 3 || cfg.Pipeline.EventBuffer != 64 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.ExtractionTimeout() != 30*time.Second {
		t.Errorf("timeout = %s", cfg.ExtractionTimeout())
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadConfig(writeConfig(t, "listen: [unclosed")); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults need endpoint", func(c *Config) {}, "extraction.endpoint"},
		{"chunk too large", func(c *Config) { c.Render.ChunkSize = 9 }, "chunk_size"},
		{"chunk zero", func(c *Config) { c.Render.ChunkSize = 0 }, "chunk_size"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3" }, "storage.s3"},
		{"fs without dir", func(c *Config) { c.Storage.Dir = "" }, "storage.dir"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "ftp" }, "storage.backend"},
		{"gemini without key", func(c *Config) { c.Extraction.Backend = "gemini" }, "api_key"},
		{"unknown extraction", func(c *Config) { c.Extraction.Backend = "grpc" }, "extraction.backend"},
		{"no attempts", func(c *Config) {
			c.Extraction.Endpoint = "http://x"
			c.Extraction.MaxAttempts = 0
		}, "max_attempts"},
		{"negative retries", func(c *Config) {
			c.Extraction.Endpoint = "http://x"
			c.Pipeline.MaxSessionRetries = -1
		}, "max_session_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}

	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("test config invalid: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	} {
		cfg := &Config{LogLevel: in}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMaxSourceBytes(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.MaxSourceBytes(); got != 64<<20 {
		t.Errorf("MaxSourceBytes = %d", got)
	}
}
