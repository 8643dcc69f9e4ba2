package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/examforge/dbopen"
	"github.com/hazyhaar/examforge/idgen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"pipeline_events", "metrics_timeseries", "worker_heartbeats"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	if err := Init(db); err != nil {
		t.Fatalf("Init is not idempotent: %v", err)
	}
}

func TestEventLog_LogAndQuery(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLog(db, 16, WithEventIDGenerator(idgen.Sequence("evt_")))
	el.Log(PipelineEvent{Type: "stage", BatchID: "b1", SessionID: "s1", Stage: "rendering", Success: true})
	el.Log(PipelineEvent{Type: "stage", BatchID: "b1", SessionID: "s2", Stage: "failed", ErrorKind: "fetch_failed"})
	el.Log(PipelineEvent{Type: "batch", BatchID: "b2", Detail: `{"status":"done"}`, Success: true})
	if err := el.Close(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	events, err := el.Query(ctx, EventFilter{BatchID: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].ID != "evt_1" || events[1].ErrorKind != "fetch_failed" || events[1].Success {
		t.Errorf("events = %+v", events)
	}
	batch, _ := el.Query(ctx, EventFilter{Type: "batch"})
	if len(batch) != 1 || batch[0].Detail != `{"status":"done"}` {
		t.Errorf("batch events = %+v", batch)
	}

	// Logging after Close is ignored.
	el.Log(PipelineEvent{Type: "late"})
}

func TestEventLog_DropsWhenFull(t *testing.T) {
	// WHAT: A full buffer drops events instead of blocking.
	// WHY: The pipeline must never wait on its observability store.
	db := setupObsDB(t)
	el := &EventLog{db: db, newID: idgen.Sequence("e"), ch: make(chan PipelineEvent, 1), done: make(chan struct{})}
	el.Log(PipelineEvent{Type: "a"})
	el.Log(PipelineEvent{Type: "b"})
	if el.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", el.Dropped())
	}
	go el.loop()
	el.Close()
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	mm.Count(MetricQuestionsInserted, 7, "batch_id", "b1")
	mm.Count(MetricQuestionsInserted, 3, "batch_id", "b2")
	mm.Duration(MetricExtractionDurationMs, 1500*time.Millisecond)
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	since := time.Now().Add(-time.Minute)
	got, err := mm.Query(ctx, MetricQuestionsInserted, since, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Unit != "count" {
		t.Fatalf("metrics = %+v", got)
	}
	if got[0].Labels["batch_id"] == "" {
		t.Errorf("labels lost: %+v", got[0])
	}
	sum, err := mm.Sum(ctx, MetricQuestionsInserted, since)
	if err != nil || sum != 10 {
		t.Fatalf("sum = %v, %v", sum, err)
	}
	durations, _ := mm.Query(ctx, MetricExtractionDurationMs, since, 1)
	if len(durations) != 1 || durations[0].Value != 1500 {
		t.Fatalf("durations = %+v", durations)
	}
}

func TestMetricsManager_FlushOnBufferFull(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour)
	defer mm.Close()
	mm.Count(MetricArtifactsStored, 1)
	mm.Count(MetricArtifactsStored, 1)

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Fatalf("rows = %d, want 2 after buffer filled", n)
	}
}

func TestHeartbeat(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	hb, err := LatestHeartbeat(ctx, db, "examforge", time.Minute)
	if err != nil || hb != nil {
		t.Fatalf("before write: %v %v", hb, err)
	}
	w := NewHeartbeatWriter(db, "examforge", time.Second)
	if err := w.Write(ctx); err != nil {
		t.Fatal(err)
	}
	hb, err = LatestHeartbeat(ctx, db, "examforge", time.Minute)
	if err != nil || hb == nil {
		t.Fatalf("after write: %v %v", hb, err)
	}
	if !hb.Alive || hb.PID == 0 || hb.Goroutines == 0 {
		t.Fatalf("heartbeat = %+v", hb)
	}
}

func TestHeartbeat_RunStopsWithContext(t *testing.T) {
	db := setupObsDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewHeartbeatWriter(db, "w", 10*time.Millisecond).Run(ctx)
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	var n int
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&n)
	if n < 2 {
		t.Fatalf("heartbeats = %d, want >= 2", n)
	}
}

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-40 * 24 * time.Hour).Unix()
	db.Exec(`INSERT INTO pipeline_events (event_id, event_type, created_at) VALUES ('e1', 'stage', ?)`, old)
	db.Exec(`INSERT INTO pipeline_events (event_id, event_type, created_at) VALUES ('e2', 'stage', ?)`, time.Now().Unix())
	db.Exec(`INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('m', ?, 1)`, old)

	if err := Cleanup(context.Background(), db, RetentionConfig{EventDays: 30}); err != nil {
		t.Fatal(err)
	}
	var events, metrics int
	db.QueryRow("SELECT COUNT(*) FROM pipeline_events").Scan(&events)
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&metrics)
	if events != 1 {
		t.Fatalf("events = %d, want 1", events)
	}
	if metrics != 1 {
		t.Fatalf("metrics cleaned with MetricDays=0: %d", metrics)
	}
}
