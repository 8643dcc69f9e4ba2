package render

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/examforge/ingest/internal/objstore"
)

// Stored is an artifact that is durable in object storage.
type Stored struct {
	Unit        int
	Key         string
	URL         string
	ContentType string
	Text        string
	Size        int64
}

// Uploader pushes artifacts to object storage chunk by chunk.
type Uploader struct {
	Store objstore.Store
	// ChunkSize is both the number of units per chunk and the upload
	// concurrency inside a chunk.
	ChunkSize int
	// Attempts per artifact before the unit fails.
	Attempts int
	// Backoff before the second attempt, doubled after each failure.
	Backoff time.Duration
	// Timeout per upload attempt. Zero disables it.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (u *Uploader) chunkSize() int {
	if u.ChunkSize < 1 {
		return 4
	}
	return u.ChunkSize
}

func (u *Uploader) logger() *slog.Logger {
	if u.Logger == nil {
		return slog.Default()
	}
	return u.Logger
}

// Run renders doc from unit from onwards and uploads it in chunks. After every
// chunk is durable, commit receives it in ascending unit order; a commit error
// stops the run and is returned unchanged, which is how callers pause or
// cancel between chunks.
func (u *Uploader) Run(ctx context.Context, sessionID string, doc Document, from int,
	commit func(context.Context, []Stored) error) error {
	size := u.chunkSize()
	chunk := make([]Artifact, 0, size)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		stored, err := u.UploadChunk(ctx, sessionID, chunk)
		if err != nil {
			return err
		}
		chunk = chunk[:0]
		return commit(ctx, stored)
	}
	for a, err := range Pages(ctx, doc, from) {
		if err != nil {
			return err
		}
		chunk = append(chunk, a)
		if len(chunk) == size {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// UploadChunk uploads arts concurrently and returns them in input order once
// all are durable. The first unit that exhausts its attempts fails the chunk.
func (u *Uploader) UploadChunk(ctx context.Context, sessionID string, arts []Artifact) ([]Stored, error) {
	out := make([]Stored, len(arts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.chunkSize())
	for i, a := range arts {
		g.Go(func() error {
			st, err := u.put(gctx, sessionID, a)
			if err != nil {
				return err
			}
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (u *Uploader) put(ctx context.Context, sessionID string, a Artifact) (Stored, error) {
	key := objstore.UnitKey(sessionID, a.Unit, a.Ext)
	attempts := max(u.Attempts, 1)
	var lastErr error
	for attempt := range attempts {
		url, err := u.putOnce(ctx, key, a)
		if err == nil {
			return Stored{
				Unit:        a.Unit,
				Key:         key,
				URL:         url,
				ContentType: a.ContentType,
				Text:        a.Text,
				Size:        int64(len(a.Data)),
			}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts-1 {
			wait := u.Backoff * (1 << uint(attempt))
			u.logger().WarnContext(ctx, "retrying artifact upload",
				"session_id", sessionID,
				"unit", a.Unit,
				"attempt", attempt+1,
				"max_attempts", attempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return Stored{}, fmt.Errorf("%w: unit %d: %w", ErrStorage, a.Unit, lastErr)
			case <-time.After(wait):
			}
		}
	}
	return Stored{}, fmt.Errorf("%w: unit %d: %w", ErrStorage, a.Unit, lastErr)
}

func (u *Uploader) putOnce(ctx context.Context, key string, a Artifact) (string, error) {
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}
	return u.Store.Put(ctx, key, a.Data, a.ContentType)
}
