package ingest

import (
	"context"
	"fmt"

	"github.com/hazyhaar/examforge/ingest/internal/extraction"
	"github.com/hazyhaar/examforge/ingest/internal/objstore"
	"github.com/hazyhaar/examforge/ingest/internal/store"
)

// OpenStore opens (or creates) the pipeline database at path.
func OpenStore(path string) (*store.Store, error) {
	return store.Open(path)
}

// OpenObjects builds the artifact store selected by storage.backend.
func OpenObjects(ctx context.Context, cfg StorageConfig) (objstore.Store, error) {
	switch cfg.Backend {
	case "fs":
		fs, err := objstore.NewFS(cfg.Dir, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "s3":
		s3, err := objstore.NewS3(ctx, objstore.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	case "memory":
		return objstore.NewMemory(), nil
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
}

// OpenAdapter builds the extraction adapter selected by extraction.backend.
// The gemini adapter reads image artifacts back from objects and must be
// closed by the caller (it implements io.Closer).
func OpenAdapter(ctx context.Context, cfg ExtractionConfig, objects objstore.Store) (extraction.Adapter, error) {
	switch cfg.Backend {
	case "http":
		return extraction.NewHTTPAdapter(cfg.Endpoint, cfg.APIKey), nil
	case "gemini":
		g, err := extraction.NewGeminiAdapter(ctx, cfg.APIKey, cfg.Model, objects.Get)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, fmt.Errorf("unsupported extraction backend %q", cfg.Backend)
}
