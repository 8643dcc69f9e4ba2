package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// HeartbeatWriter records that a worker process is alive, with a few runtime
// figures.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
}

// NewHeartbeatWriter returns a writer for workerName.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration) *HeartbeatWriter {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatWriter{db: db, workerName: workerName, hostname: host, pid: os.Getpid(), interval: interval}
}

// Run writes a heartbeat now and then every interval until ctx is done.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()
	for {
		if err := hw.Write(ctx); err != nil && ctx.Err() == nil {
			slog.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Write records a single heartbeat.
func (hw *HeartbeatWriter) Write(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, gc_count)
		VALUES (?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.pid, time.Now().Unix(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, mem.NumGC)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Heartbeat is the last liveness record of a worker.
type Heartbeat struct {
	WorkerName string    `json:"worker_name"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	At         time.Time `json:"at"`
	Goroutines int       `json:"goroutines"`
	AllocMB    float64   `json:"alloc_mb"`
	Alive      bool      `json:"alive"`
}

// LatestHeartbeat returns the newest heartbeat of workerName, or nil. It is
// alive when younger than staleAfter.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleAfter time.Duration) (*Heartbeat, error) {
	var hb Heartbeat
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, goroutines_count, memory_alloc_mb
		FROM worker_heartbeats WHERE worker_name = ?
		ORDER BY timestamp DESC, heartbeat_id DESC LIMIT 1`, workerName).
		Scan(&hb.WorkerName, &hb.Hostname, &hb.PID, &ts, &hb.Goroutines, &hb.AllocMB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest heartbeat: %w", err)
	}
	hb.At = time.Unix(ts, 0)
	hb.Alive = time.Since(hb.At) <= staleAfter
	return &hb, nil
}
