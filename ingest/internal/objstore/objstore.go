// Package objstore stores rendered artifacts durably. Keys are
// slash-separated paths such as "sessions/<id>/units/0001.png"; writing the
// same key twice overwrites it.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("objstore: object not found")

// Store is an object storage backend.
type Store interface {
	// Put writes data under key and returns a URL the extraction service can
	// fetch it from.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// UnitKey returns the object key of one rendered unit.
func UnitKey(sessionID string, unit int, ext string) string {
	return fmt.Sprintf("sessions/%s/units/%04d%s", sessionID, unit, ext)
}

// SourceKey returns the object key of a session's original document.
func SourceKey(sessionID, sourceName string) string {
	return fmt.Sprintf("sessions/%s/source%s", sessionID, strings.ToLower(path.Ext(sourceName)))
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("objstore: invalid key %q", key)
	}
	return nil
}
