package session

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{Queued, Uploading, true},
		{Uploading, Uploaded, true},
		{Uploaded, Rendering, true},
		{Rendering, StoringArtifacts, true},
		{StoringArtifacts, Extracting, true},
		{Extracting, Persisting, true},
		{Persisting, Completed, true},
		{Queued, Rendering, false},
		{Extracting, StoringArtifacts, false},
		{Completed, Queued, false},
		{Queued, Failed, false},
		{Uploading, Failed, true},
		{Persisting, Failed, true},
		{Persisting, Paused, true},
		{Queued, Paused, false},
		{Queued, Cancelled, true},
		{Uploaded, Cancelled, true},
		{StoringArtifacts, Cancelled, true},
		{Persisting, Cancelled, false},
		{Completed, Cancelled, false},
		{Failed, StoringArtifacts, true},
		{Paused, Extracting, true},
		{Failed, Completed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAdvance_ForwardOnly(t *testing.T) {
	s := New("s1", "b1", "exam.pdf", 0)
	for _, to := range []Stage{Uploading, Uploaded, Rendering, StoringArtifacts, Extracting, Persisting, Completed} {
		if err := s.Advance(to); err != nil {
			t.Fatalf("Advance(%s): %v", to, err)
		}
	}
	err := s.Advance(Persisting)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("backwards advance: err = %v, want TransitionError", err)
	}
	if te.From != Completed || te.To != Persisting {
		t.Errorf("TransitionError = %+v", te)
	}
}

func TestFailAndRetry_ResumesFailedStage(t *testing.T) {
	s := New("s1", "b1", "exam.pdf", 0)
	s.Stage = StoringArtifacts
	s.ProcessedUnits = 4

	if err := s.Fail(StorageError, "bucket unreachable", true); err != nil {
		t.Fatal(err)
	}
	if s.Stage != Failed || s.ResumeStage != StoringArtifacts || s.ErrorKind != StorageError {
		t.Fatalf("after Fail: %+v", s)
	}

	changed, err := s.Retry(3)
	if err != nil || !changed {
		t.Fatalf("Retry: changed=%v err=%v", changed, err)
	}
	if s.Stage != StoringArtifacts {
		t.Errorf("stage = %s, want storing_artifacts (never back to queued)", s.Stage)
	}
	if s.RetryCount != 1 || s.ErrorKind != "" || s.ProcessedUnits != 4 {
		t.Errorf("after Retry: %+v", s)
	}
}

func TestRetry_Limits(t *testing.T) {
	s := New("s1", "b1", "exam.pdf", 0)
	s.Stage = Rendering
	if err := s.Fail(RenderFailed, "corrupt xref", false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Retry(3); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("non-retryable: err = %v", err)
	}

	s = New("s2", "b1", "exam.pdf", 1)
	s.Stage = Extracting
	s.ManualRetries = 3
	s.Fail(ExtractionTimeout, "deadline", true)
	if _, err := s.Retry(3); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("exhausted: err = %v", err)
	}
}

func TestRetry_TransientRetriesDoNotSpendBudget(t *testing.T) {
	// WHAT: extraction retries raise retry_count but leave the manual retry
	// budget intact.
	s := New("s3", "b1", "exam.pdf", 2)
	s.Stage = Extracting
	for i := 0; i < 6; i++ {
		s.NoteTransient(ExtractionTimeout, "deadline")
	}
	if err := s.Fail(ExtractionTimeout, "deadline", true); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		changed, err := s.Retry(2)
		if err != nil || !changed {
			t.Fatalf("retry %d: changed=%v err=%v", i, changed, err)
		}
		if s.ManualRetries != i || s.RetryCount != 6+i {
			t.Fatalf("retry %d: manual=%d total=%d", i, s.ManualRetries, s.RetryCount)
		}
		if err := s.Fail(ExtractionTimeout, "deadline", true); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Retry(2); !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("third retry = %v, want ErrRetriesExhausted", err)
	}
}

func TestRetry_NoopOnNonFailed(t *testing.T) {
	for _, st := range []Stage{Queued, Extracting, Completed, Paused} {
		s := New("s1", "b1", "exam.pdf", 0)
		s.Stage = st
		changed, err := s.Retry(3)
		if err != nil || changed {
			t.Errorf("Retry on %s: changed=%v err=%v", st, changed, err)
		}
		if s.Stage != st {
			t.Errorf("Retry on %s moved to %s", st, s.Stage)
		}
	}
}

func TestPauseResume(t *testing.T) {
	s := New("s1", "b1", "exam.pdf", 0)
	s.Stage = StoringArtifacts
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	if s.Stage != Paused || s.ResumeStage != StoringArtifacts {
		t.Fatalf("after Pause: %+v", s)
	}
	if err := s.Pause(); err == nil {
		t.Fatal("pausing a paused session should be rejected by the state machine")
	}
	changed, err := s.Resume()
	if err != nil || !changed || s.Stage != StoringArtifacts {
		t.Fatalf("Resume: changed=%v err=%v stage=%s", changed, err, s.Stage)
	}
	if changed, _ := s.Resume(); changed {
		t.Fatal("second Resume should be a no-op")
	}
}

func TestCancel(t *testing.T) {
	s := New("s1", "b1", "exam.pdf", 0)
	changed, err := s.Cancel()
	if err != nil || !changed || s.Stage != Cancelled {
		t.Fatalf("Cancel queued: changed=%v err=%v", changed, err)
	}
	if changed, err := s.Cancel(); err != nil || changed {
		t.Fatalf("second Cancel: changed=%v err=%v", changed, err)
	}

	s = New("s2", "b1", "exam.pdf", 1)
	s.Stage = Persisting
	if _, err := s.Cancel(); err == nil {
		t.Fatal("cancel during persisting must be rejected")
	}

	// Paused before anything was committed: cancellable, resumes where it paused.
	s = New("s4", "b1", "exam.pdf", 3)
	s.Stage = StoringArtifacts
	s.Pause()
	if changed, err := s.Cancel(); err != nil || !changed || s.ResumeStage != StoringArtifacts {
		t.Fatalf("Cancel paused: changed=%v err=%v resume=%s", changed, err, s.ResumeStage)
	}

	// Terminal sessions ignore cancel.
	s = New("s5", "b1", "exam.pdf", 4)
	s.Stage = Completed
	if changed, err := s.Cancel(); err != nil || changed || s.Stage != Completed {
		t.Fatalf("Cancel completed: changed=%v err=%v", changed, err)
	}

	// A cancelled session can be retried back to where it stopped.
	s = New("s3", "b1", "exam.pdf", 2)
	s.Stage = StoringArtifacts
	s.Cancel()
	if changed, err := s.Retry(3); err != nil || !changed || s.Stage != StoringArtifacts {
		t.Fatalf("Retry cancelled: changed=%v err=%v stage=%s", changed, err, s.Stage)
	}
}

func TestUnits(t *testing.T) {
	s := New("s1", "b1", "exam.pdf", 0)
	if err := s.SetTotal(10); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessed(4); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessed(2); err != nil || s.ProcessedUnits != 4 {
		t.Fatalf("progress went backwards: %d, %v", s.ProcessedUnits, err)
	}
	if err := s.MarkProcessed(11); !errors.Is(err, ErrUnitsOverflow) {
		t.Fatalf("overflow: err = %v", err)
	}
	if err := s.SetTotal(3); !errors.Is(err, ErrUnitsOverflow) {
		t.Fatalf("shrinking total: err = %v", err)
	}
}

func TestNoteTransient_KeepsStage(t *testing.T) {
	s := New("s1", "b1", "exam.pdf", 0)
	s.Stage = Extracting
	s.NoteTransient(ExtractionTimeout, "deadline exceeded")
	s.NoteTransient(ExtractionTimeout, "deadline exceeded")
	if s.Stage != Extracting || s.RetryCount != 2 || s.ErrorKind != ExtractionTimeout {
		t.Fatalf("after transient errors: %+v", s)
	}
	s.ClearTransient()
	if s.ErrorKind != "" || s.ErrorMessage != "" || s.RetryCount != 2 {
		t.Fatalf("after ClearTransient: %+v", s)
	}
	s.NoteTransient(ExtractionTimeout, "deadline exceeded")
	s.Advance(Persisting)
	s.Advance(Completed)
	if s.ErrorKind != "" || s.RetryCount != 3 {
		t.Fatalf("completed session: kind=%q retry=%d", s.ErrorKind, s.RetryCount)
	}
}
