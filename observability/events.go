package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/examforge/idgen"
)

// PipelineEvent is one row of the pipeline audit trail.
type PipelineEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	BatchID   string    `json:"batch_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Detail    string    `json:"detail,omitempty"` // optional JSON
	Success   bool      `json:"success"`
	At        time.Time `json:"at"`
}

// EventLog persists pipeline events from a buffered channel.
type EventLog struct {
	db      *sql.DB
	newID   idgen.Generator
	ch      chan PipelineEvent
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithEventIDGenerator sets the event ID generator.
func WithEventIDGenerator(gen idgen.Generator) EventLogOption {
	return func(l *EventLog) { l.newID = gen }
}

// NewEventLog starts the writer goroutine. buffer <= 0 selects 256.
func NewEventLog(db *sql.DB, buffer int, opts ...EventLogOption) *EventLog {
	if buffer <= 0 {
		buffer = 256
	}
	l := &EventLog{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
		ch:    make(chan PipelineEvent, buffer),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.loop()
	return l
}

// Log queues e. It never blocks; when the buffer is full the event is
// dropped and counted.
func (l *EventLog) Log(e PipelineEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case l.ch <- e:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many events were lost to a full buffer.
func (l *EventLog) Dropped() int64 { return l.dropped.Load() }

// Close writes the queued events and stops the writer.
func (l *EventLog) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *EventLog) loop() {
	defer close(l.done)
	for e := range l.ch {
		if err := l.insert(e); err != nil {
			slog.Error("observability event log failed", "error", err, "event_type", e.Type)
		}
	}
}

func (l *EventLog) insert(e PipelineEvent) error {
	if e.ID == "" {
		e.ID = l.newID()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var detail sql.NullString
	if e.Detail != "" {
		detail = sql.NullString{String: e.Detail, Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pipeline_events (event_id, event_type, batch_id, session_id, stage,
			error_kind, detail, success, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Type, e.BatchID, e.SessionID, e.Stage, e.ErrorKind, detail, e.Success, e.At.Unix())
	return err
}

// EventFilter narrows Query. Empty fields match everything.
type EventFilter struct {
	BatchID   string
	SessionID string
	Type      string
	Limit     int
}

// Query returns matching events, oldest first.
func (l *EventLog) Query(ctx context.Context, f EventFilter) ([]PipelineEvent, error) {
	var where []string
	var args []any
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.Type)
	}
	q := `SELECT event_id, event_type, batch_id, session_id, stage, error_kind, detail, success, created_at
		FROM pipeline_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, rowid"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var detail sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.Type, &e.BatchID, &e.SessionID, &e.Stage, &e.ErrorKind,
			&detail, &e.Success, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Detail = detail.String
		e.At = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetentionConfig is the per-table retention in days. Zero keeps everything.
type RetentionConfig struct {
	EventDays      int
	MetricDays     int
	HeartbeatDays  int
	RunVacuumAfter bool
}

// Cleanup deletes rows older than the configured retention.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	targets := []struct {
		query string
		days  int
	}{
		{"DELETE FROM pipeline_events WHERE created_at < ?", cfg.EventDays},
		{"DELETE FROM metrics_timeseries WHERE timestamp < ?", cfg.MetricDays},
		{"DELETE FROM worker_heartbeats WHERE timestamp < ?", cfg.HeartbeatDays},
	}
	now := time.Now()
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -t.days).Unix()
		if _, err := db.ExecContext(ctx, t.query, cutoff); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
