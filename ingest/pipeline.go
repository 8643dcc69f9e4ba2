package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/hazyhaar/examforge/horosafe"
	"github.com/hazyhaar/examforge/ingest/internal/extraction"
	"github.com/hazyhaar/examforge/ingest/internal/objstore"
	"github.com/hazyhaar/examforge/ingest/internal/persist"
	"github.com/hazyhaar/examforge/ingest/internal/render"
	"github.com/hazyhaar/examforge/ingest/internal/session"
	"github.com/hazyhaar/examforge/ingest/internal/store"
	"github.com/hazyhaar/examforge/observability"
)

// ErrExtraction wraps an extraction call that failed every attempt.
var ErrExtraction = errors.New("ingest: extraction failed")

// classify maps a stage error to its error kind. ok is false for errors that
// are not the document's fault, such as database failures.
func classify(err error) (kind session.ErrorKind, retryable, ok bool) {
	switch {
	case errors.Is(err, render.ErrUnsupported):
		return session.RenderFailed, false, true
	case errors.Is(err, render.ErrFetch) &&
		(errors.Is(err, horosafe.ErrPathTraversal) || errors.Is(err, horosafe.ErrSSRF) || errors.Is(err, horosafe.ErrUnsafeScheme)):
		return session.FetchFailed, false, true
	case errors.Is(err, render.ErrFetch):
		return session.FetchFailed, true, true
	case errors.Is(err, render.ErrRender):
		return session.RenderFailed, true, true
	case errors.Is(err, render.ErrStorage), errors.Is(err, objstore.ErrNotFound):
		return session.StorageError, true, true
	case errors.Is(err, ErrExtraction):
		return extractionKind(err), true, true
	}
	return "", false, false
}

func extractionKind(err error) session.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return session.ExtractionTimeout
	}
	return session.ExtractionError
}

// sessionRun drives one session. ctx bounds the work itself, ctl carries
// pause and cancel requests and db outlives both so state changes are
// always written.
type sessionRun struct {
	o   *Orchestrator
	ctx context.Context
	ctl context.Context
	db  context.Context
	ss  *session.Session
	log *slog.Logger

	source []byte
	doc    render.Document
}

// driveSession advances one session until it is terminal or interrupted.
// A document failure is recorded on the session and reported as nil so the
// batch continues; pause, cancel, shutdown and infrastructure errors are
// returned.
func (o *Orchestrator) driveSession(ctx, ctl context.Context, sessionID string) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	ss, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if ss == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	r := &sessionRun{
		o:   o,
		ctx: ctx,
		ctl: ctl,
		db:  context.WithoutCancel(ctx),
		ss:  ss,
		log: o.logger.With("batch_id", ss.BatchID, "session_id", ss.ID),
	}
	started := time.Now()

	if ss.Stage == session.Paused {
		if err := r.interrupted(); err != nil {
			return err
		}
		if err := r.save(func(s *session.Session) error {
			_, err := s.Resume()
			return err
		}, store.Update{}); err != nil {
			return err
		}
		r.log.InfoContext(ctx, "session resumed", "stage", r.ss.Stage)
	}

	for !r.ss.Stage.Terminal() {
		if err := r.interrupted(); err != nil {
			return r.handle(err)
		}
		if err := r.step(); err != nil {
			return r.handle(err)
		}
	}
	if r.ss.Stage == session.Completed {
		o.duration(observability.MetricSessionDurationMs, time.Since(started), "batch_id", ss.BatchID)
		r.log.InfoContext(ctx, "session completed",
			"inserted", r.ss.Inserted,
			"duplicates_skipped", r.ss.DuplicatesSkipped,
			"invalid_dropped", r.ss.InvalidDropped,
			"manual_review", r.ss.ManualReview,
			"retry_count", r.ss.RetryCount)
	}
	return nil
}

// interrupted returns the cause of a pause or cancel request, if any. A
// cancel cannot stop a session that is already persisting; it is honoured
// once the session completes.
func (r *sessionRun) interrupted() error {
	if r.ctl.Err() == nil {
		return nil
	}
	cause := context.Cause(r.ctl)
	if errors.Is(cause, ErrCancelled) && !r.ss.Stage.Cancellable() {
		return nil
	}
	return cause
}

func (r *sessionRun) step() error {
	switch r.ss.Stage {
	case session.Queued:
		return r.advance(session.Uploading, store.Update{})
	case session.Uploading:
		return r.upload()
	case session.Uploaded:
		return r.advance(session.Rendering, store.Update{})
	case session.Rendering:
		return r.render()
	case session.StoringArtifacts:
		return r.storeArtifacts()
	case session.Extracting:
		return r.extract()
	case session.Persisting:
		return r.persist()
	}
	return &session.TransitionError{From: r.ss.Stage, To: r.ss.Stage.Next()}
}

// save applies mutate to a copy of the session, writes it against the stage
// read before and adopts it once stored.
func (r *sessionRun) save(mutate func(*session.Session) error, u store.Update) error {
	next := *r.ss
	if err := mutate(&next); err != nil {
		return err
	}
	u.Prev = r.ss.Stage
	if err := r.o.store.SaveSession(r.db, &next, u); err != nil {
		return err
	}
	moved := next.Stage != r.ss.Stage
	*r.ss = next
	if moved {
		r.o.publishStage(r.ss)
	}
	return nil
}

func (r *sessionRun) advance(to session.Stage, u store.Update) error {
	return r.save(func(s *session.Session) error { return s.Advance(to) }, u)
}

// handle turns a stage error into the session's next state.
func (r *sessionRun) handle(err error) error {
	switch {
	case errors.Is(err, ErrPaused):
		return r.pause()
	case errors.Is(err, ErrCancelled):
		return r.cancel()
	case r.ctx.Err() != nil:
		// Shutdown. The stage is left as is and resumes on the next run.
		return r.ctx.Err()
	}
	kind, retryable, ok := classify(err)
	if !ok {
		return err
	}
	stage := r.ss.Stage
	if saveErr := r.save(func(s *session.Session) error {
		return s.Fail(kind, err.Error(), retryable)
	}, store.Update{Delta: store.BatchDelta{Failed: 1}}); saveErr != nil {
		return errors.Join(err, saveErr)
	}
	r.o.count(observability.MetricSessionsFailed, 1, "error_kind", string(kind))
	r.log.WarnContext(r.ctx, "session failed",
		"stage", stage,
		"error_kind", kind,
		"retryable", retryable,
		"error", err)
	return nil
}

func (r *sessionRun) pause() error {
	if r.ss.Stage.Processing() {
		if err := r.save(func(s *session.Session) error { return s.Pause() }, store.Update{}); err != nil {
			return err
		}
	}
	r.log.InfoContext(r.ctx, "session paused",
		"resume_stage", r.ss.ResumeStage,
		"processed_units", r.ss.ProcessedUnits)
	return ErrPaused
}

func (r *sessionRun) cancel() error {
	err := r.save(func(s *session.Session) error {
		_, err := s.Cancel()
		return err
	}, store.Update{Delta: store.BatchDelta{Cancelled: 1}})
	if err != nil {
		return err
	}
	r.log.InfoContext(r.ctx, "session cancelled", "processed_units", r.ss.ProcessedUnits)
	return ErrCancelled
}

// upload fetches the source, keeps a copy in object storage and records its
// hash.
func (r *sessionRun) upload() error {
	data, err := r.o.fetcher.Fetch(r.ctx, r.ss.SourceURI)
	if err != nil {
		return err
	}
	key := objstore.SourceKey(r.ss.ID, r.ss.SourceName)
	if _, err := r.o.objects.Put(r.ctx, key, data, http.DetectContentType(data)); err != nil {
		return fmt.Errorf("%w: source: %w", render.ErrStorage, err)
	}
	r.source = data
	hash := render.Hash(data)
	r.log.InfoContext(r.ctx, "source stored", "key", key, "size_bytes", len(data), "source_hash", hash)
	return r.save(func(s *session.Session) error {
		s.SourceHash = hash
		return s.Advance(session.Uploaded)
	}, store.Update{})
}

// document decodes the stored source once per run.
func (r *sessionRun) document() (render.Document, error) {
	if r.doc != nil {
		return r.doc, nil
	}
	if r.source == nil {
		data, err := r.o.objects.Get(r.ctx, objstore.SourceKey(r.ss.ID, r.ss.SourceName))
		if err != nil {
			return nil, fmt.Errorf("%w: load source: %w", render.ErrStorage, err)
		}
		r.source = data
	}
	name := r.ss.SourceName
	if filepath.Ext(name) == "" {
		name = sourceName(r.ss.SourceURI)
	}
	doc, err := render.Open(name, r.source)
	if err != nil {
		return nil, err
	}
	r.doc = doc
	return doc, nil
}

// render opens the document, records its unit count and adopts artifacts
// already stored for the same source bytes by an earlier session.
func (r *sessionRun) render() error {
	doc, err := r.document()
	if err != nil {
		return err
	}
	total := doc.Units()
	adopted, err := r.o.store.AdoptArtifacts(r.db, r.ss.ID, r.ss.SourceHash)
	if err != nil {
		return err
	}
	if adopted > 0 {
		r.log.InfoContext(r.ctx, "artifacts adopted", "units", min(adopted, total))
	}
	return r.save(func(s *session.Session) error {
		if err := s.SetTotal(total); err != nil {
			return err
		}
		if err := s.MarkProcessed(min(adopted, total)); err != nil {
			return err
		}
		return s.Advance(session.StoringArtifacts)
	}, store.Update{})
}

// storeArtifacts uploads the units after processed_units chunk by chunk.
// Progress is saved after every chunk, which is where pause and cancel take
// effect.
func (r *sessionRun) storeArtifacts() error {
	if r.ss.ProcessedUnits < r.ss.TotalUnits {
		doc, err := r.document()
		if err != nil {
			return err
		}
		commit := func(ctx context.Context, chunk []render.Stored) error {
			arts := make([]store.Artifact, len(chunk))
			for i, st := range chunk {
				arts[i] = store.Artifact{
					SessionID:   r.ss.ID,
					UnitIndex:   st.Unit,
					ObjectKey:   st.Key,
					URL:         st.URL,
					ContentType: st.ContentType,
					Text:        st.Text,
					SizeBytes:   st.Size,
				}
			}
			last := chunk[len(chunk)-1].Unit
			if err := r.save(func(s *session.Session) error { return s.MarkProcessed(last) },
				store.Update{Artifacts: arts}); err != nil {
				return err
			}
			r.o.count(observability.MetricArtifactsStored, len(chunk), "batch_id", r.ss.BatchID)
			r.o.publishProgress(r.ss)
			return r.interrupted()
		}
		if err := r.o.uploader.Run(r.ctx, r.ss.ID, doc, r.ss.ProcessedUnits+1, commit); err != nil {
			return err
		}
	}
	return r.advance(session.Extracting, store.Update{})
}

// request builds the extraction call from the stored artifacts. Units with
// text travel inline, the others by URL.
func (r *sessionRun) request() (extraction.Request, error) {
	arts, err := r.o.store.ListArtifacts(r.db, r.ss.ID)
	if err != nil {
		return extraction.Request{}, err
	}
	req := extraction.Request{
		Artifacts: make([]extraction.ArtifactRef, 0, len(arts)),
		Hints:     extraction.Hints{Subject: r.ss.Subject, Category: r.ss.Category},
	}
	for _, a := range arts {
		ref := extraction.ArtifactRef{
			UnitIndex:   a.UnitIndex,
			ContentType: a.ContentType,
			ObjectKey:   a.ObjectKey,
		}
		if a.Text != "" {
			ref.InlineContent = a.Text
		} else {
			ref.URL = a.URL
		}
		req.Artifacts = append(req.Artifacts, ref)
	}
	return req, nil
}

// extract calls the extraction service, retrying timeouts and errors in
// place, and checkpoints the candidates with the move to persisting.
func (r *sessionRun) extract() error {
	req, err := r.request()
	if err != nil {
		return err
	}
	cfg := r.o.cfg.Extraction
	backoff := r.o.cfg.ExtractionBackoff()
	for attempt := 1; ; attempt++ {
		if err := r.interrupted(); err != nil {
			return err
		}
		resp, err := r.call(req)
		if err == nil {
			return r.extracted(resp)
		}
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		if attempt >= cfg.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExtraction, attempt, err)
		}
		kind := extractionKind(err)
		if err := r.save(func(s *session.Session) error {
			s.NoteTransient(kind, err.Error())
			return nil
		}, store.Update{}); err != nil {
			return err
		}
		r.o.publishProgress(r.ss)
		r.log.WarnContext(r.ctx, "retrying extraction",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"backoff_ms", backoff.Milliseconds(),
			"error_kind", kind,
			"error", err)
		select {
		case <-r.ctl.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (r *sessionRun) call(req extraction.Request) (*extraction.Response, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.o.cfg.ExtractionTimeout())
	defer cancel()
	start := time.Now()
	resp, err := r.o.adapter.Extract(ctx, req)
	r.o.duration(observability.MetricExtractionDurationMs, time.Since(start), "success", fmt.Sprint(err == nil))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", extraction.ErrInvalidPayload)
	}
	return resp, nil
}

func (r *sessionRun) extracted(resp *extraction.Response) error {
	payloads := make([][]byte, 0, len(resp.Candidates))
	for i, c := range resp.Candidates {
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("checkpoint candidate %d: %w", i, err)
		}
		payloads = append(payloads, b)
	}
	r.log.InfoContext(r.ctx, "extraction done", "candidates", len(payloads))
	return r.save(func(s *session.Session) error {
		s.ClearTransient()
		return s.Advance(session.Persisting)
	}, store.Update{Candidates: payloads})
}

// persist commits the checkpointed candidates from the session's cursor.
func (r *sessionRun) persist() error {
	raw, err := r.o.store.ListCandidates(r.db, r.ss.ID)
	if err != nil {
		return err
	}
	candidates := make([]extraction.Candidate, len(raw))
	for i, p := range raw {
		if err := json.Unmarshal(p, &candidates[i]); err != nil {
			return fmt.Errorf("read candidate checkpoint %d: %w", i, err)
		}
	}
	after := func(out persist.Outcome) error {
		switch out {
		case persist.Inserted:
			r.o.count(observability.MetricQuestionsInserted, 1, "batch_id", r.ss.BatchID)
		case persist.Duplicate:
			r.o.count(observability.MetricDuplicatesSkipped, 1, "batch_id", r.ss.BatchID)
		case persist.Invalid:
			r.o.count(observability.MetricCandidatesDropped, 1, "batch_id", r.ss.BatchID)
		}
		r.o.publishProgress(r.ss)
		return r.interrupted()
	}
	if err := r.o.writer.Run(r.ctx, r.ss, candidates, after); err != nil {
		return err
	}
	if err := r.advance(session.Completed, store.Update{Delta: store.BatchDelta{Completed: 1}}); err != nil {
		return err
	}
	r.dropSource()
	return nil
}

// dropSource removes the source copy of a completed session. Unit artifacts
// stay; they are what questions and later sessions refer to.
func (r *sessionRun) dropSource() {
	key := objstore.SourceKey(r.ss.ID, r.ss.SourceName)
	if err := r.o.objects.Delete(r.db, key); err != nil && !errors.Is(err, objstore.ErrNotFound) {
		r.log.WarnContext(r.ctx, "drop source copy", "key", key, "error", err)
	}
}
