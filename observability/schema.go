// Package observability records pipeline events, metrics and worker
// heartbeats in a SQLite database kept apart from the question store.
//
// Writes are asynchronous. A full buffer drops data instead of slowing the
// pipeline down.
package observability

import "database/sql"

// Schema is the observability DDL. Timestamps are unix seconds.
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    event_id    TEXT PRIMARY KEY,
    event_type  TEXT NOT NULL,
    batch_id    TEXT NOT NULL DEFAULT '',
    session_id  TEXT NOT NULL DEFAULT '',
    stage       TEXT NOT NULL DEFAULT '',
    error_kind  TEXT NOT NULL DEFAULT '',
    detail      TEXT,
    success     INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_batch ON pipeline_events(batch_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_session ON pipeline_events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_time ON pipeline_events(created_at DESC);

CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id     INTEGER PRIMARY KEY AUTOINCREMENT,
    worker_name      TEXT NOT NULL,
    hostname         TEXT NOT NULL,
    worker_pid       INTEGER NOT NULL,
    timestamp        INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb  REAL,
    gc_count         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time ON worker_heartbeats(worker_name, timestamp DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
