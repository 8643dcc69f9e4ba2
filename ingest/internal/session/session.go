// Package session is the per-document state machine of the ingestion
// pipeline: stages, legal transitions, counters and failure classification.
//
// The type carries no I/O. Callers mutate a Session through its methods and
// persist it before starting the next unit of work.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Stage is a named step in a session's processing.
type Stage string

const (
	Queued           Stage = "queued"
	Uploading        Stage = "uploading"
	Uploaded         Stage = "uploaded"
	Rendering        Stage = "rendering"
	StoringArtifacts Stage = "storing_artifacts"
	Extracting       Stage = "extracting"
	Persisting       Stage = "persisting"
	Completed        Stage = "completed"
	Failed           Stage = "failed"
	Paused           Stage = "paused"
	Cancelled        Stage = "cancelled"
)

// pipeline is the forward order of the non-exceptional stages.
var pipeline = []Stage{
	Queued, Uploading, Uploaded, Rendering, StoringArtifacts, Extracting, Persisting, Completed,
}

func position(s Stage) int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case Failed, Paused, Cancelled:
		return true
	}
	return position(s) >= 0
}

// Processing reports whether s is one of the working stages between queued
// and completed.
func (s Stage) Processing() bool {
	p := position(s)
	return p > 0 && p < len(pipeline)-1
}

// Cancellable reports whether a session in s can still be cancelled: nothing
// has been committed to the question store yet.
func (s Stage) Cancellable() bool {
	p := position(s)
	return p >= 0 && p < position(Persisting)
}

// Terminal reports whether s only changes on an explicit retry.
func (s Stage) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Next returns the stage after s in the forward pipeline, or "" when s has no
// forward successor.
func (s Stage) Next() Stage {
	p := position(s)
	if p < 0 || p == len(pipeline)-1 {
		return ""
	}
	return pipeline[p+1]
}

// ErrorKind classifies why a session failed or why its last attempt was
// retried.
type ErrorKind string

const (
	FetchFailed       ErrorKind = "fetch_failed"
	RenderFailed      ErrorKind = "render_failed"
	StorageError      ErrorKind = "storage_error"
	ExtractionTimeout ErrorKind = "extraction_timeout"
	ExtractionError   ErrorKind = "extraction_error"
	ValidationFailed  ErrorKind = "validation_failed"
)

var (
	// ErrNotRetryable is returned by Retry for failures that need a new upload.
	ErrNotRetryable = errors.New("session: failure is not retryable")
	// ErrRetriesExhausted is returned by Retry once the retry budget is spent.
	ErrRetriesExhausted = errors.New("session: retries exhausted")
	// ErrUnitsOverflow is returned when processed units would exceed the total.
	ErrUnitsOverflow = errors.New("session: processed units exceed total")
)

// TransitionError reports an illegal stage change.
type TransitionError struct {
	From, To Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: illegal transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Stage) bool {
	switch to {
	case Failed, Paused:
		return from.Processing()
	case Cancelled:
		return from.Cancellable()
	}
	switch from {
	case Failed, Paused, Cancelled:
		// Resume and retry return to a recorded stage; Resume/Retry check
		// that it is the recorded one.
		return to == Queued || to.Processing()
	}
	return from.Next() == to
}

// Session is one source document's pipeline state.
type Session struct {
	ID         string `json:"id"`
	BatchID    string `json:"batch_id"`
	SourceName string `json:"source_name"`
	// SourceURI is the local path or http(s) URL the document is read from.
	SourceURI  string `json:"source_uri,omitempty"`
	SourceHash string `json:"source_hash,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Category   string `json:"category,omitempty"`
	OrderIndex int    `json:"order_index"`

	Stage       Stage `json:"stage"`
	ResumeStage Stage `json:"resume_stage,omitempty"`

	TotalUnits      int `json:"total_units"`
	ProcessedUnits  int `json:"processed_units"`
	CandidateCursor int `json:"candidate_cursor"`

	Inserted          int `json:"inserted"`
	DuplicatesSkipped int `json:"duplicates_skipped"`
	InvalidDropped    int `json:"invalid_candidates_dropped"`
	ManualReview      int `json:"manual_review"`

	ErrorKind     ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Retryable     bool      `json:"retryable"`
	RetryCount    int       `json:"retry_count"`
	// ManualRetries counts Retry commands only; it is what max retries
	// bounds. RetryCount also includes transient extraction retries.
	ManualRetries int       `json:"manual_retries"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a queued session.
func New(id, batchID, sourceName string, orderIndex int) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		BatchID:    batchID,
		SourceName: sourceName,
		OrderIndex: orderIndex,
		Stage:      Queued,
		Retryable:  true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *Session) set(to Stage) error {
	if !CanTransition(s.Stage, to) {
		return &TransitionError{From: s.Stage, To: to}
	}
	s.Stage = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Advance moves the session one stage forward.
func (s *Session) Advance(to Stage) error {
	if s.Stage.Next() != to {
		return &TransitionError{From: s.Stage, To: to}
	}
	if err := s.set(to); err != nil {
		return err
	}
	if to == Completed {
		s.clearError()
	}
	return nil
}

// Fail moves a processing session to failed and remembers the stage it
// failed in so a retry resumes there.
func (s *Session) Fail(kind ErrorKind, msg string, retryable bool) error {
	from := s.Stage
	if err := s.set(Failed); err != nil {
		return err
	}
	s.ResumeStage = from
	s.ErrorKind = kind
	s.ErrorMessage = msg
	s.Retryable = retryable
	return nil
}

// Pause suspends a processing session at its current stage.
func (s *Session) Pause() error {
	from := s.Stage
	if err := s.set(Paused); err != nil {
		return err
	}
	s.ResumeStage = from
	return nil
}

// Cancel stops a session that has not committed anything yet. A paused
// session can be cancelled when the stage it paused in could be. Cancelling a
// terminal session is a no-op reporting changed=false.
func (s *Session) Cancel() (changed bool, err error) {
	if s.Stage.Terminal() {
		return false, nil
	}
	from := s.Stage
	if from == Paused {
		from = s.ResumeStage
	}
	if !from.Cancellable() {
		return false, &TransitionError{From: s.Stage, To: Cancelled}
	}
	s.Stage = Cancelled
	s.ResumeStage = from
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Resume returns a paused session to the stage it was paused at. Resuming a
// session that is not paused is a no-op.
func (s *Session) Resume() (changed bool, err error) {
	if s.Stage != Paused {
		return false, nil
	}
	if err := s.set(s.ResumeStage); err != nil {
		return false, err
	}
	s.ResumeStage = ""
	return true, nil
}

// Retry resets a failed or cancelled session to the stage it stopped in and
// counts the attempt. Any other stage is a no-op. maxRetries bounds the
// number of Retry calls, not transient retries; <= 0 means no limit.
func (s *Session) Retry(maxRetries int) (changed bool, err error) {
	switch s.Stage {
	case Failed:
		if !s.Retryable {
			return false, ErrNotRetryable
		}
	case Cancelled:
	default:
		return false, nil
	}
	if maxRetries > 0 && s.ManualRetries >= maxRetries {
		return false, ErrRetriesExhausted
	}
	to := s.ResumeStage
	if to == "" {
		to = Queued
	}
	if err := s.set(to); err != nil {
		return false, err
	}
	s.RetryCount++
	s.ManualRetries++
	s.ResumeStage = ""
	s.clearError()
	return true, nil
}

// NoteTransient records a retried failure without leaving the current stage.
// The extraction stage uses it for timeouts: the session stays at extracting
// so the next attempt re-issues the same call.
func (s *Session) NoteTransient(kind ErrorKind, msg string) {
	s.ErrorKind = kind
	s.ErrorMessage = msg
	s.RetryCount++
	s.UpdatedAt = time.Now().UTC()
}

// ClearTransient forgets the error of a retried call that later succeeded.
// RetryCount is kept.
func (s *Session) ClearTransient() {
	s.ErrorKind = ""
	s.ErrorMessage = ""
}

// SetTotal records the number of units once the document has been opened.
func (s *Session) SetTotal(n int) error {
	if n < s.ProcessedUnits {
		return fmt.Errorf("%w: total %d < processed %d", ErrUnitsOverflow, n, s.ProcessedUnits)
	}
	s.TotalUnits = n
	return nil
}

// MarkProcessed raises processed_units to upTo. Progress never goes
// backwards.
func (s *Session) MarkProcessed(upTo int) error {
	if upTo <= s.ProcessedUnits {
		return nil
	}
	if s.TotalUnits > 0 && upTo > s.TotalUnits {
		return fmt.Errorf("%w: %d > %d", ErrUnitsOverflow, upTo, s.TotalUnits)
	}
	s.ProcessedUnits = upTo
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Session) clearError() {
	s.ErrorKind = ""
	s.ErrorMessage = ""
	s.Retryable = true
}
