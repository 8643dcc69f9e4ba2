package store

import "database/sql"

// Schema is the complete examforge schema. Timestamps are unix milliseconds.
const Schema = `
-- Batches: one per enqueue call
CREATE TABLE IF NOT EXISTS batches (
    id                         TEXT PRIMARY KEY,
    status                     TEXT NOT NULL DEFAULT 'pending',
    total_items                INTEGER NOT NULL DEFAULT 0,
    completed_items            INTEGER NOT NULL DEFAULT 0,
    failed_items               INTEGER NOT NULL DEFAULT 0,
    cancelled_items            INTEGER NOT NULL DEFAULT 0,
    inserted                   INTEGER NOT NULL DEFAULT 0,
    duplicates_skipped         INTEGER NOT NULL DEFAULT 0,
    invalid_candidates_dropped INTEGER NOT NULL DEFAULT 0,
    created_at                 INTEGER NOT NULL,
    updated_at                 INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);

-- Sessions: one per source document
CREATE TABLE IF NOT EXISTS sessions (
    id                 TEXT PRIMARY KEY,
    batch_id           TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    source_name        TEXT NOT NULL,
    source_uri         TEXT NOT NULL DEFAULT '',
    source_hash        TEXT NOT NULL DEFAULT '',
    subject            TEXT NOT NULL DEFAULT '',
    category           TEXT NOT NULL DEFAULT '',
    order_index        INTEGER NOT NULL,
    stage              TEXT NOT NULL DEFAULT 'queued',
    resume_stage       TEXT NOT NULL DEFAULT '',
    total_units        INTEGER NOT NULL DEFAULT 0,
    processed_units    INTEGER NOT NULL DEFAULT 0,
    candidate_cursor   INTEGER NOT NULL DEFAULT 0,
    inserted           INTEGER NOT NULL DEFAULT 0,
    duplicates_skipped INTEGER NOT NULL DEFAULT 0,
    invalid_dropped    INTEGER NOT NULL DEFAULT 0,
    manual_review      INTEGER NOT NULL DEFAULT 0,
    error_kind         TEXT NOT NULL DEFAULT '',
    error_message      TEXT NOT NULL DEFAULT '',
    retryable          INTEGER NOT NULL DEFAULT 1,
    retry_count        INTEGER NOT NULL DEFAULT 0,
    manual_retries     INTEGER NOT NULL DEFAULT 0,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL,
    UNIQUE(batch_id, source_name),
    CHECK (total_units = 0 OR processed_units <= total_units)
);
CREATE INDEX IF NOT EXISTS idx_sessions_batch ON sessions(batch_id, order_index);
CREATE INDEX IF NOT EXISTS idx_sessions_source_hash ON sessions(source_hash);

-- Artifacts: durable per-unit renderings, keyed by session and unit
CREATE TABLE IF NOT EXISTS artifacts (
    session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    unit_index   INTEGER NOT NULL,
    object_key   TEXT NOT NULL,
    url          TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    text         TEXT NOT NULL DEFAULT '',
    size_bytes   INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    PRIMARY KEY (session_id, unit_index)
);

-- Extraction checkpoint: raw candidates awaiting persistence
CREATE TABLE IF NOT EXISTS session_candidates (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    ordinal    INTEGER NOT NULL,
    payload    TEXT NOT NULL,
    PRIMARY KEY (session_id, ordinal)
);

-- Questions: the deduplicated corpus
CREATE TABLE IF NOT EXISTS questions (
    id                  TEXT PRIMARY KEY,
    content_hash        TEXT NOT NULL UNIQUE,
    source_session_id   TEXT NOT NULL,
    text                TEXT NOT NULL,
    explanation         TEXT NOT NULL DEFAULT '',
    subject             TEXT NOT NULL DEFAULT '',
    category            TEXT NOT NULL DEFAULT '',
    has_image           INTEGER NOT NULL DEFAULT 0,
    image_refs          TEXT NOT NULL DEFAULT '[]',
    needs_manual_review INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_questions_session ON questions(source_session_id);
CREATE INDEX IF NOT EXISTS idx_questions_review ON questions(needs_manual_review) WHERE needs_manual_review = 1;

CREATE TABLE IF NOT EXISTS question_options (
    question_id TEXT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
    letter      TEXT NOT NULL,
    text        TEXT NOT NULL,
    is_correct  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (question_id, letter)
);
`

// ApplySchema creates every table and index if missing.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
