// Package dedup fingerprints question text and keeps the set of fingerprints
// already present in the corpus.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint returns the content hash of a question text. The text is
// NFKC-normalized, case-folded, whitespace runs collapse to one space and the
// result is trimmed before hashing, so the same question extracted twice with
// different spacing or casing hashes identically.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Normalize applies the Fingerprint normalization without hashing.
func Normalize(text string) string {
	s := cases.Fold().String(norm.NFKC.String(text))
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Index is the in-memory set of known fingerprints. It is not safe for
// concurrent use: one orchestrator owns it and drives one session at a time.
type Index struct {
	seen map[string]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{seen: make(map[string]struct{})}
}

// Seed adds fingerprints loaded from the persisted corpus.
func (x *Index) Seed(fingerprints []string) {
	for _, fp := range fingerprints {
		x.seen[fp] = struct{}{}
	}
}

// Contains reports whether fp is known.
func (x *Index) Contains(fp string) bool {
	_, ok := x.seen[fp]
	return ok
}

// Record marks fp as known. Call it only after the question carrying fp has
// been committed.
func (x *Index) Record(fp string) {
	x.seen[fp] = struct{}{}
}

// Len returns the number of known fingerprints.
func (x *Index) Len() int { return len(x.seen) }
