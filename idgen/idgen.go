// Package idgen provides pluggable ID generation.
//
// Components accept a Generator so the ID strategy is a startup-time decision:
// production uses prefixed UUIDv7, tests can inject predictable sequences.
package idgen

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so rows inserted in sequence also sort in sequence.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID
// (e.g. "bat_", "ses_", "q_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator producing prefix1, prefix2, ... Safe for
// concurrent use.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is UUIDv7. Prefixed variants compose on top.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates the UUID part of a possibly prefixed ID ("ses_<uuid>") and
// returns the ID unchanged.
func Parse(id string) (string, error) {
	raw := id
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		raw = id[i+1:]
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("invalid id %q: %w", id, err)
	}
	return id, nil
}
