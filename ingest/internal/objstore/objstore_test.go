package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUnitKey(t *testing.T) {
	if got := UnitKey("ses_1", 7, ".png"); got != "sessions/ses_1/units/0007.png" {
		t.Fatalf("UnitKey = %q", got)
	}
	if got := SourceKey("ses_1", "Exam 2024.PDF"); got != "sessions/ses_1/source.pdf" {
		t.Fatalf("SourceKey = %q", got)
	}
}

func TestFS_PutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFS(root, "")
	if err != nil {
		t.Fatal(err)
	}
	key := UnitKey("s1", 1, ".txt")
	u, err := s.Put(ctx, key, []byte("first"), "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u, "file://") {
		t.Errorf("url = %q", u)
	}
	if _, err := s.Put(ctx, key, []byte("second"), "text/plain"); err != nil {
		t.Fatal(err)
	}
	data, err := s.Get(ctx, key)
	if err != nil || string(data) != "second" {
		t.Fatalf("Get = %q, %v", data, err)
	}
	// One file per key, no temp files left behind.
	entries, _ := os.ReadDir(filepath.Join(root, "sessions", "s1", "units"))
	if len(entries) != 1 {
		t.Fatalf("files = %d, want 1", len(entries))
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestFS_BaseURL(t *testing.T) {
	s, err := NewFS(t.TempDir(), "http://files.internal/artifacts")
	if err != nil {
		t.Fatal(err)
	}
	u, err := s.Put(context.Background(), "sessions/s1/units/0001.png", []byte{1}, "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if u != "http://files.internal/artifacts/sessions/s1/units/0001.png" {
		t.Fatalf("url = %q", u)
	}
}

func TestFS_RejectsTraversal(t *testing.T) {
	s, err := NewFS(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../escape", "/abs/key", "", "sessions/../../x"} {
		if _, err := s.Put(context.Background(), key, []byte("x"), "text/plain"); err == nil {
			t.Errorf("Put(%q) accepted", key)
		}
	}
}

func TestMemory_CountsPuts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put(ctx, "a", []byte("1"), "")
	m.Put(ctx, "a", []byte("2"), "")
	m.Put(ctx, "b", []byte("3"), "")
	if m.Puts("a") != 2 || m.TotalPuts() != 3 {
		t.Fatalf("puts a=%d total=%d", m.Puts("a"), m.TotalPuts())
	}
	if keys := m.Keys(); len(keys) != 2 || keys[0] != "a" {
		t.Fatalf("keys = %v", keys)
	}
	data, _ := m.Get(ctx, "a")
	if string(data) != "2" {
		t.Fatalf("a = %q", data)
	}
}

func TestS3_Config(t *testing.T) {
	ctx := context.Background()
	if _, err := NewS3(ctx, S3Config{Region: "eu-west-3"}); err == nil {
		t.Error("missing bucket accepted")
	}
	if _, err := NewS3(ctx, S3Config{Bucket: "b"}); err == nil {
		t.Error("missing region accepted")
	}
	s, err := NewS3(ctx, S3Config{Bucket: "exams", Region: "eu-west-3", AccessKey: "k", SecretKey: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.objectURL("sessions/s1/units/0001.png"); got != "https://exams.s3.eu-west-3.amazonaws.com/sessions/s1/units/0001.png" {
		t.Errorf("url = %q", got)
	}
	minio, err := NewS3(ctx, S3Config{Bucket: "exams", Region: "us-east-1", Endpoint: "http://minio:9000", AccessKey: "k", SecretKey: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if got := minio.objectURL("k1"); got != "http://minio:9000/exams/k1" {
		t.Errorf("endpoint url = %q", got)
	}
}
