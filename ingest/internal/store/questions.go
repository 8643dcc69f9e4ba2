package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/examforge/dbopen"
	"github.com/hazyhaar/examforge/ingest/internal/session"
)

// Option is one answer choice of a stored question.
type Option struct {
	Letter    string `json:"letter"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// Question is a persisted, deduplicated question record.
type Question struct {
	ID                string    `json:"id"`
	ContentHash       string    `json:"content_hash"`
	SourceSessionID   string    `json:"source_session_id"`
	Text              string    `json:"text"`
	Explanation       string    `json:"explanation,omitempty"`
	Subject           string    `json:"subject,omitempty"`
	Category          string    `json:"category,omitempty"`
	HasImage          bool      `json:"has_image"`
	ImageRefs         []string  `json:"image_refs,omitempty"`
	NeedsManualReview bool      `json:"needs_manual_review"`
	Options           []Option  `json:"options"`
	CreatedAt         time.Time `json:"created_at"`
}

// CommitQuestion inserts q with its options and saves the session progress in
// the same transaction. A content hash already in the corpus rolls everything
// back and returns ErrDuplicateHash.
func (s *Store) CommitQuestion(ctx context.Context, q *Question, ss *session.Session, u Update) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	refs, err := json.Marshal(nonNil(q.ImageRefs))
	if err != nil {
		return fmt.Errorf("marshal image refs: %w", err)
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO questions (id, content_hash, source_session_id, text, explanation,
				subject, category, has_image, image_refs, needs_manual_review, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			q.ID, q.ContentHash, q.SourceSessionID, q.Text, q.Explanation, q.Subject,
			q.Category, q.HasImage, string(refs), q.NeedsManualReview, ms(q.CreatedAt))
		if dbopen.IsUniqueViolation(err) && strings.Contains(err.Error(), "content_hash") {
			return ErrDuplicateHash
		}
		if err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		for _, o := range q.Options {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO question_options (question_id, letter, text, is_correct) VALUES (?,?,?,?)`,
				q.ID, o.Letter, o.Text, o.IsCorrect)
			if err != nil {
				return fmt.Errorf("insert option %s: %w", o.Letter, err)
			}
		}
		return saveSessionTx(ctx, tx, ss, u)
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ContentHashes returns every content hash in the corpus, used to seed the
// duplicate index.
func (s *Store) ContentHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content_hash FROM questions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountQuestions returns the corpus size.
func (s *Store) CountQuestions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n)
	return n, err
}

const questionColumns = `id, content_hash, source_session_id, text, explanation, subject, category,
	has_image, image_refs, needs_manual_review, created_at`

func (s *Store) scanQuestions(ctx context.Context, query string, args ...any) ([]*Question, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Question
	for rows.Next() {
		var q Question
		var refs string
		var created int64
		if err := rows.Scan(&q.ID, &q.ContentHash, &q.SourceSessionID, &q.Text, &q.Explanation,
			&q.Subject, &q.Category, &q.HasImage, &refs, &q.NeedsManualReview, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(refs), &q.ImageRefs); err != nil {
			return nil, fmt.Errorf("question %s image refs: %w", q.ID, err)
		}
		q.CreatedAt = fromMs(created)
		out = append(out, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, q := range out {
		if q.Options, err = s.listOptions(ctx, q.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) listOptions(ctx context.Context, questionID string) ([]Option, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT letter, text, is_correct FROM question_options WHERE question_id = ? ORDER BY letter`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Option
	for rows.Next() {
		var o Option
		if err := rows.Scan(&o.Letter, &o.Text, &o.IsCorrect); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetQuestion returns a question with its options, or nil if it does not exist.
func (s *Store) GetQuestion(ctx context.Context, id string) (*Question, error) {
	qs, err := s.scanQuestions(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(qs) == 0 {
		return nil, nil
	}
	return qs[0], nil
}

// GetQuestionByHash returns the question holding a content hash, or nil.
func (s *Store) GetQuestionByHash(ctx context.Context, hash string) (*Question, error) {
	qs, err := s.scanQuestions(ctx, `SELECT `+questionColumns+` FROM questions WHERE content_hash = ?`, hash)
	if err != nil {
		return nil, err
	}
	if len(qs) == 0 {
		return nil, nil
	}
	return qs[0], nil
}

// ListQuestions returns the questions inserted by a session, oldest first.
func (s *Store) ListQuestions(ctx context.Context, sessionID string) ([]*Question, error) {
	return s.scanQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE source_session_id = ? ORDER BY created_at, id`, sessionID)
}

// ListManualReview returns questions flagged for manual review.
func (s *Store) ListManualReview(ctx context.Context, limit int) ([]*Question, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.scanQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE needs_manual_review = 1 ORDER BY created_at, id LIMIT ?`, limit)
}
