// Package store persists batches, sessions, artifacts and the question corpus
// in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/examforge/dbopen"
	"github.com/hazyhaar/examforge/ingest/internal/session"
)

var (
	// ErrStaleSession is returned by SaveSession when the stored stage no
	// longer matches the stage the caller read.
	ErrStaleSession = errors.New("store: session changed concurrently")
	// ErrDuplicateSource is returned when a batch already holds a session for
	// the same source name.
	ErrDuplicateSource = errors.New("store: source already enqueued in this batch")
	// ErrDuplicateHash is returned by CommitQuestion when the content hash is
	// already in the corpus.
	ErrDuplicateHash = errors.New("store: content hash already exists")
)

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCancelled BatchStatus = "cancelled"
	BatchDone      BatchStatus = "done"
)

// Batch is an ordered group of sessions with aggregate counters.
type Batch struct {
	ID                string      `json:"id"`
	Status            BatchStatus `json:"status"`
	TotalItems        int         `json:"total_items"`
	CompletedItems    int         `json:"completed_items"`
	FailedItems       int         `json:"failed_items"`
	CancelledItems    int         `json:"cancelled_items"`
	Inserted          int         `json:"inserted"`
	DuplicatesSkipped int         `json:"duplicates_skipped"`
	InvalidDropped    int         `json:"invalid_candidates_dropped"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// BatchDelta is a change to a batch's aggregate counters. Counters only move
// through deltas applied in the same transaction as the session change that
// produced them.
type BatchDelta struct {
	Completed  int
	Failed     int
	Cancelled  int
	Inserted   int
	Duplicates int
	Invalid    int
}

// IsZero reports whether the delta changes nothing.
func (d BatchDelta) IsZero() bool { return d == BatchDelta{} }

// Artifact is a stored per-unit rendering.
type Artifact struct {
	SessionID   string    `json:"session_id"`
	UnitIndex   int       `json:"unit_index"`
	ObjectKey   string    `json:"object_key"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	Text        string    `json:"-"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Update carries what SaveSession writes besides the session row.
type Update struct {
	// Prev is the stage the caller read; the write fails with
	// ErrStaleSession when the row moved on.
	Prev  session.Stage
	Delta BatchDelta
	// Artifacts are upserted with the session row.
	Artifacts []Artifact
	// Candidates, when non-nil, replace the session's extraction checkpoint.
	Candidates [][]byte
}

// Store wraps the examforge database.
type Store struct {
	db *sql.DB
}

// New wraps an already opened database. The schema must be applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

// CreateBatch inserts a batch and its queued sessions atomically.
func (s *Store) CreateBatch(ctx context.Context, b *Batch, sessions []*session.Session) error {
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	if b.Status == "" {
		b.Status = BatchPending
	}
	b.TotalItems = len(sessions)
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, status, total_items, created_at, updated_at)
			VALUES (?,?,?,?,?)`,
			b.ID, b.Status, b.TotalItems, ms(now), ms(now))
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for _, sess := range sessions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sessions (id, batch_id, source_name, source_uri, subject, category, order_index,
					stage, retryable, created_at, updated_at)
				VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
				sess.ID, b.ID, sess.SourceName, sess.SourceURI, sess.Subject, sess.Category, sess.OrderIndex,
				sess.Stage, sess.Retryable, ms(sess.CreatedAt), ms(sess.UpdatedAt))
			if dbopen.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateSource, sess.SourceName)
			}
			if err != nil {
				return fmt.Errorf("insert session %s: %w", sess.ID, err)
			}
		}
		return nil
	})
}

const batchColumns = `id, status, total_items, completed_items, failed_items, cancelled_items,
	inserted, duplicates_skipped, invalid_candidates_dropped, created_at, updated_at`

func scanBatch(row interface{ Scan(...any) error }) (*Batch, error) {
	var b Batch
	var created, updated int64
	err := row.Scan(&b.ID, &b.Status, &b.TotalItems, &b.CompletedItems, &b.FailedItems,
		&b.CancelledItems, &b.Inserted, &b.DuplicatesSkipped, &b.InvalidDropped, &created, &updated)
	if err != nil {
		return nil, err
	}
	b.CreatedAt, b.UpdatedAt = fromMs(created), fromMs(updated)
	return &b, nil
}

// GetBatch returns a batch, or nil if it does not exist.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

// ListBatches returns the most recent batches first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetBatchStatus updates a batch's status.
func (s *Store) SetBatchStatus(ctx context.Context, id string, status BatchStatus) error {
	_, err := dbopen.Exec(ctx, s.db,
		`UPDATE batches SET status = ?, updated_at = ? WHERE id = ?`,
		status, ms(time.Now()), id)
	return err
}

// ResetRunningBatches moves batches left running by a crashed process back
// to pending and returns how many were reset.
func (s *Store) ResetRunningBatches(ctx context.Context) (int, error) {
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE batches SET status = ?, updated_at = ? WHERE status = ?`,
		BatchPending, ms(time.Now()), BatchRunning)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const sessionColumns = `id, batch_id, source_name, source_uri, source_hash, subject, category, order_index,
	stage, resume_stage, total_units, processed_units, candidate_cursor,
	inserted, duplicates_skipped, invalid_dropped, manual_review,
	error_kind, error_message, retryable, retry_count, manual_retries, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var ss session.Session
	var created, updated int64
	err := row.Scan(&ss.ID, &ss.BatchID, &ss.SourceName, &ss.SourceURI, &ss.SourceHash, &ss.Subject, &ss.Category,
		&ss.OrderIndex, &ss.Stage, &ss.ResumeStage, &ss.TotalUnits, &ss.ProcessedUnits,
		&ss.CandidateCursor, &ss.Inserted, &ss.DuplicatesSkipped, &ss.InvalidDropped,
		&ss.ManualReview, &ss.ErrorKind, &ss.ErrorMessage, &ss.Retryable, &ss.RetryCount,
		&ss.ManualRetries, &created, &updated)
	if err != nil {
		return nil, err
	}
	ss.CreatedAt, ss.UpdatedAt = fromMs(created), fromMs(updated)
	return &ss, nil
}

// GetSession returns a session, or nil if it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	ss, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return ss, nil
}

// ListSessions returns a batch's sessions in order_index order.
func (s *Store) ListSessions(ctx context.Context, batchID string) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE batch_id = ? ORDER BY order_index, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*session.Session
	for rows.Next() {
		ss, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// SaveSession writes the session row, the batch delta and any artifacts or
// candidates in one transaction.
func (s *Store) SaveSession(ctx context.Context, ss *session.Session, u Update) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return saveSessionTx(ctx, tx, ss, u)
	})
}

func saveSessionTx(ctx context.Context, tx *sql.Tx, ss *session.Session, u Update) error {
	now := time.Now().UTC()
	ss.UpdatedAt = now
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			source_hash = ?, stage = ?, resume_stage = ?, total_units = ?, processed_units = ?,
			candidate_cursor = ?, inserted = ?, duplicates_skipped = ?, invalid_dropped = ?,
			manual_review = ?, error_kind = ?, error_message = ?, retryable = ?, retry_count = ?,
			manual_retries = ?, updated_at = ?
		WHERE id = ? AND stage = ?`,
		ss.SourceHash, ss.Stage, ss.ResumeStage, ss.TotalUnits, ss.ProcessedUnits,
		ss.CandidateCursor, ss.Inserted, ss.DuplicatesSkipped, ss.InvalidDropped,
		ss.ManualReview, ss.ErrorKind, ss.ErrorMessage, ss.Retryable, ss.RetryCount,
		ss.ManualRetries, ms(now), ss.ID, u.Prev)
	if err != nil {
		return fmt.Errorf("update session %s: %w", ss.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s (expected stage %s)", ErrStaleSession, ss.ID, u.Prev)
	}

	if !u.Delta.IsZero() {
		_, err := tx.ExecContext(ctx, `
			UPDATE batches SET
				completed_items = completed_items + ?,
				failed_items = failed_items + ?,
				cancelled_items = cancelled_items + ?,
				inserted = inserted + ?,
				duplicates_skipped = duplicates_skipped + ?,
				invalid_candidates_dropped = invalid_candidates_dropped + ?,
				updated_at = ?
			WHERE id = ?`,
			u.Delta.Completed, u.Delta.Failed, u.Delta.Cancelled, u.Delta.Inserted,
			u.Delta.Duplicates, u.Delta.Invalid, ms(now), ss.BatchID)
		if err != nil {
			return fmt.Errorf("update batch counters: %w", err)
		}
	}

	for _, a := range u.Artifacts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (session_id, unit_index, object_key, url, content_type, text, size_bytes, created_at)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(session_id, unit_index) DO UPDATE SET
				object_key = excluded.object_key, url = excluded.url,
				content_type = excluded.content_type, text = excluded.text,
				size_bytes = excluded.size_bytes`,
			ss.ID, a.UnitIndex, a.ObjectKey, a.URL, a.ContentType, a.Text, a.SizeBytes, ms(now))
		if err != nil {
			return fmt.Errorf("upsert artifact %s/%d: %w", ss.ID, a.UnitIndex, err)
		}
	}

	if u.Candidates != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_candidates WHERE session_id = ?`, ss.ID); err != nil {
			return fmt.Errorf("clear candidates: %w", err)
		}
		for i, payload := range u.Candidates {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO session_candidates (session_id, ordinal, payload) VALUES (?,?,?)`,
				ss.ID, i, string(payload))
			if err != nil {
				return fmt.Errorf("insert candidate %d: %w", i, err)
			}
		}
	}
	return nil
}

// ListArtifacts returns a session's artifacts in ascending unit order.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, unit_index, object_key, url, content_type, text, size_bytes, created_at
		FROM artifacts WHERE session_id = ? ORDER BY unit_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		var created int64
		if err := rows.Scan(&a.SessionID, &a.UnitIndex, &a.ObjectKey, &a.URL, &a.ContentType,
			&a.Text, &a.SizeBytes, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMs(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AdoptArtifacts copies the artifact rows of the most advanced other session
// rendered from the same source bytes into sessionID, limited to the
// contiguous prefix starting at unit 1. The objects themselves are shared, not
// re-uploaded. It returns the number of adopted units.
func (s *Store) AdoptArtifacts(ctx context.Context, sessionID, sourceHash string) (int, error) {
	if sourceHash == "" {
		return 0, nil
	}
	var donor string
	err := s.db.QueryRowContext(ctx, `
		SELECT a.session_id FROM artifacts a
		JOIN sessions s ON s.id = a.session_id
		WHERE s.source_hash = ? AND s.id != ?
		GROUP BY a.session_id
		ORDER BY COUNT(*) DESC, MAX(a.created_at) DESC
		LIMIT 1`, sourceHash, sessionID).Scan(&donor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find donor artifacts: %w", err)
	}

	arts, err := s.ListArtifacts(ctx, donor)
	if err != nil {
		return 0, err
	}
	var prefix []Artifact
	for i, a := range arts {
		if a.UnitIndex != i+1 {
			break
		}
		prefix = append(prefix, a)
	}
	if len(prefix) == 0 {
		return 0, nil
	}

	now := ms(time.Now())
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, a := range prefix {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO artifacts (session_id, unit_index, object_key, url, content_type, text, size_bytes, created_at)
				VALUES (?,?,?,?,?,?,?,?)`,
				sessionID, a.UnitIndex, a.ObjectKey, a.URL, a.ContentType, a.Text, a.SizeBytes, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("adopt artifacts from %s: %w", donor, err)
	}
	return len(prefix), nil
}

// ListCandidates returns the extraction checkpoint of a session in order.
func (s *Store) ListCandidates(ctx context.Context, sessionID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM session_candidates WHERE session_id = ? ORDER BY ordinal`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, []byte(p))
	}
	return out, rows.Err()
}
