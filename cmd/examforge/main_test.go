package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// extractionServer answers every call with one question per artifact.
func extractionServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Artifacts []struct {
				UnitIndex     int    `json:"unit_index"`
				InlineContent string `json:"inline_content"`
			} `json:"artifacts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var cands []map[string]any
		for _, a := range req.Artifacts {
			cands = append(cands, map[string]any{
				"text": fmt.Sprintf("Question from unit %d: %s", a.UnitIndex, a.InlineContent),
				"options": []map[string]any{
					{"letter": "A", "text": "yes", "is_correct": true},
					{"letter": "B", "text": "no", "is_correct": false},
				},
				"has_image": false,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"candidates": cands})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTestConfig(t *testing.T, dir, endpoint string) string {
	t.Helper()
	cfg := fmt.Sprintf(`
db_path: %s
obs_db_path: %s
log_level: error
storage:
  backend: fs
  dir: %s
extraction:
  backend: http
  endpoint: %s
  backoff_ms: 1
`, filepath.Join(dir, "examforge.db"), filepath.Join(dir, "obs.db"), filepath.Join(dir, "artifacts"), endpoint)
	p := filepath.Join(dir, "examforge.yaml")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIngestCommand(t *testing.T) {
	// WHAT: the ingest command runs a batch end to end over the HTTP
	// extraction adapter and the fs object store.
	var calls atomic.Int64
	srv := extractionServer(t, &calls)
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir, srv.URL)
	src := filepath.Join(dir, "exam.txt")
	if err := os.WriteFile(src, []byte("Is water wet?\fIs fire hot?"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "-c", cfg, "ingest", "--subject", "science", src)
	if err != nil {
		t.Fatalf("ingest: %v\n%s", err, out)
	}
	var rep struct {
		Batch struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			Inserted int    `json:"inserted"`
		} `json:"batch"`
		Sessions []struct {
			Stage string `json:"stage"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if rep.Batch.Status != "done" || rep.Batch.Inserted != 2 {
		t.Errorf("batch = %+v", rep.Batch)
	}
	if len(rep.Sessions) != 1 || rep.Sessions[0].Stage != "completed" {
		t.Errorf("sessions = %+v", rep.Sessions)
	}
	if calls.Load() != 1 {
		t.Errorf("extraction calls = %d, want 1", calls.Load())
	}
	units, err := filepath.Glob(filepath.Join(dir, "artifacts", "sessions", "*", "units", "*.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Errorf("stored units = %v", units)
	}

	// A second ingest of the same file only finds duplicates.
	out, err = execute(t, "-c", cfg, "ingest", src)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !strings.Contains(out, `"duplicates_skipped": 2`) {
		t.Errorf("second report = %s", out)
	}

	out, err = execute(t, "-c", cfg, "status", rep.Batch.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, rep.Batch.ID) {
		t.Errorf("status output = %s", out)
	}

	out, err = execute(t, "-c", cfg, "events", "--batch", rep.Batch.ID, "--type", "stage")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var events []map[string]any
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decode events: %v\n%s", err, out)
	}
	if len(events) == 0 {
		t.Error("no stage events recorded")
	}
}

func TestHealthCommand(t *testing.T) {
	var calls atomic.Int64
	srv := extractionServer(t, &calls)
	dir := t.TempDir()
	out, err := execute(t, "-c", writeTestConfig(t, dir, srv.URL), "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var got struct {
		Heartbeat *struct{} `json:"heartbeat"`
		Questions int       `json:"questions"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if got.Heartbeat != nil || got.Questions != 0 {
		t.Errorf("fresh install health = %s", out)
	}
}

func TestRetryCommand_InvalidID(t *testing.T) {
	// WHAT: malformed IDs are rejected before anything is opened.
	if _, err := execute(t, "retry", "not-an-id"); err == nil || !strings.Contains(err.Error(), "invalid id") {
		t.Errorf("retry = %v, want invalid id", err)
	}
}

func TestConfigErrors(t *testing.T) {
	// WHAT: the default configuration lacks an extraction endpoint.
	if _, err := execute(t, "status"); err == nil || !strings.Contains(err.Error(), "extraction.endpoint") {
		t.Errorf("status without config = %v", err)
	}
	if _, err := execute(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "status"); err == nil {
		t.Error("expected error for a missing config file")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "examforge ") {
		t.Errorf("version = %q", out)
	}
}
