// Package persist commits validated candidates to the question store, one
// transaction per candidate.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/examforge/idgen"
	"github.com/hazyhaar/examforge/ingest/internal/dedup"
	"github.com/hazyhaar/examforge/ingest/internal/extraction"
	"github.com/hazyhaar/examforge/ingest/internal/session"
	"github.com/hazyhaar/examforge/ingest/internal/store"
)

// Outcome is what happened to one candidate.
type Outcome string

const (
	Inserted  Outcome = "inserted"
	Duplicate Outcome = "duplicate_skipped"
	Invalid   Outcome = "invalid_dropped"
)

// Writer persists candidates and keeps the duplicate index in step with the
// store. It shares the orchestrator's single-writer discipline.
type Writer struct {
	store  *store.Store
	index  *dedup.Index
	newID  idgen.Generator
	logger *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithIDGenerator sets the question ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(w *Writer) { w.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// New returns a Writer over st that checks and records fingerprints in index.
func New(st *store.Store, index *dedup.Index, opts ...Option) *Writer {
	w := &Writer{
		store:  st,
		index:  index,
		newID:  idgen.Prefixed("q_", idgen.Default),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run commits candidates[ss.CandidateCursor:] in order. After each candidate
// is committed, after is called with its outcome; an error from after stops
// the run and is returned unchanged. The session must be in persisting.
func (w *Writer) Run(ctx context.Context, ss *session.Session, candidates []extraction.Candidate,
	after func(Outcome) error) error {
	if ss.Stage != session.Persisting {
		return &session.TransitionError{From: ss.Stage, To: session.Persisting}
	}
	for ss.CandidateCursor < len(candidates) {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := w.Commit(ctx, ss, candidates[ss.CandidateCursor])
		if err != nil {
			return err
		}
		if after != nil {
			if err := after(out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit persists the candidate at the session cursor and advances the
// cursor and counters in the same transaction. ss is only updated when the
// write succeeds.
func (w *Writer) Commit(ctx context.Context, ss *session.Session, raw extraction.Candidate) (Outcome, error) {
	c := extraction.Sanitize(raw)
	verdict := extraction.Validate(c)
	if verdict == extraction.VerdictInvalid {
		w.logger.InfoContext(ctx, "candidate dropped",
			"session_id", ss.ID,
			"candidate", ss.CandidateCursor,
			"error_kind", session.ValidationFailed,
			"reason", extraction.Reason(c))
		return Invalid, w.count(ctx, ss, Invalid)
	}

	fp := dedup.Fingerprint(c.Text)
	if w.index.Contains(fp) {
		return Duplicate, w.count(ctx, ss, Duplicate)
	}

	next := *ss
	next.CandidateCursor++
	next.Inserted++
	if verdict == extraction.VerdictManualReview {
		next.ManualReview++
	}
	q := w.question(ss, c, fp, verdict)
	err := w.store.CommitQuestion(ctx, q, &next, store.Update{
		Prev:  ss.Stage,
		Delta: store.BatchDelta{Inserted: 1},
	})
	if errors.Is(err, store.ErrDuplicateHash) {
		// Committed by another process since the index was seeded.
		w.index.Record(fp)
		if existing, lerr := w.store.GetQuestionByHash(ctx, fp); lerr == nil && existing != nil {
			w.logger.InfoContext(ctx, "candidate already committed elsewhere",
				"session_id", ss.ID,
				"candidate", ss.CandidateCursor,
				"question_id", existing.ID,
				"owner_session_id", existing.SourceSessionID)
		}
		return Duplicate, w.count(ctx, ss, Duplicate)
	}
	if err != nil {
		return "", fmt.Errorf("persist candidate %d: %w", ss.CandidateCursor, err)
	}
	*ss = next
	w.index.Record(fp)
	if verdict == extraction.VerdictManualReview {
		w.logger.InfoContext(ctx, "question flagged for manual review",
			"session_id", ss.ID, "question_id", q.ID)
	}
	return Inserted, nil
}

// count records a candidate that produces no question.
func (w *Writer) count(ctx context.Context, ss *session.Session, out Outcome) error {
	next := *ss
	next.CandidateCursor++
	var delta store.BatchDelta
	switch out {
	case Duplicate:
		next.DuplicatesSkipped++
		delta.Duplicates = 1
	case Invalid:
		next.InvalidDropped++
		delta.Invalid = 1
	}
	if err := w.store.SaveSession(ctx, &next, store.Update{Prev: ss.Stage, Delta: delta}); err != nil {
		return fmt.Errorf("persist candidate %d: %w", ss.CandidateCursor, err)
	}
	*ss = next
	return nil
}

func (w *Writer) question(ss *session.Session, c extraction.Candidate, fp string, v extraction.Verdict) *store.Question {
	q := &store.Question{
		ID:                w.newID(),
		ContentHash:       fp,
		SourceSessionID:   ss.ID,
		Text:              c.Text,
		Explanation:       c.Explanation,
		Subject:           firstNonEmpty(c.Subject, ss.Subject),
		Category:          firstNonEmpty(c.Category, ss.Category),
		HasImage:          c.HasImage,
		ImageRefs:         c.ImageRefs,
		NeedsManualReview: v == extraction.VerdictManualReview,
	}
	for _, o := range c.Options {
		q.Options = append(q.Options, store.Option{Letter: o.Letter, Text: o.Text, IsCorrect: o.IsCorrect})
	}
	return q
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
