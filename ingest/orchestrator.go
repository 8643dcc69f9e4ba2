// Package ingest drives exam documents through the question ingestion
// pipeline: fetch, render, artifact upload, extraction, deduplication and
// persistence. An Orchestrator owns the duplicate index and runs one session
// at a time; batches can be paused, cancelled and retried per session.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/examforge/idgen"
	"github.com/hazyhaar/examforge/ingest/internal/dedup"
	"github.com/hazyhaar/examforge/ingest/internal/extraction"
	"github.com/hazyhaar/examforge/ingest/internal/objstore"
	"github.com/hazyhaar/examforge/ingest/internal/persist"
	"github.com/hazyhaar/examforge/ingest/internal/render"
	"github.com/hazyhaar/examforge/ingest/internal/session"
	"github.com/hazyhaar/examforge/ingest/internal/store"
	"github.com/hazyhaar/examforge/observability"
)

var (
	// ErrPaused is the cause attached to a run's control context by Pause.
	ErrPaused = errors.New("ingest: batch paused")
	// ErrCancelled is the cause attached to a run's control context by Cancel.
	ErrCancelled = errors.New("ingest: batch cancelled")
	// ErrBatchRunning is returned by Run when the batch already has a run.
	ErrBatchRunning = errors.New("ingest: batch already running")
	// ErrBatchNotFound is returned for an unknown batch ID.
	ErrBatchNotFound = errors.New("ingest: batch not found")
	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("ingest: session not found")
	// ErrQuestionNotFound is returned for an unknown question ID.
	ErrQuestionNotFound = errors.New("ingest: question not found")
	// ErrNoDocuments is returned by Enqueue for an empty document list.
	ErrNoDocuments = errors.New("ingest: no documents")
	// ErrInvalidDocument is returned by Enqueue for a document without a
	// source.
	ErrInvalidDocument = errors.New("ingest: invalid document")
	// ErrLocalSource is returned when a remote caller names a server path
	// that render.source_dir does not allow.
	ErrLocalSource = errors.New("ingest: local source not allowed")
)

// Document is one source handed to Enqueue.
type Document struct {
	// Source is a local path or an http(s) URL.
	Source string `json:"source"`
	// Name identifies the source inside its batch. Defaults to the base name
	// of Source.
	Name     string `json:"name,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Category string `json:"category,omitempty"`
}

// BatchReport is a batch with its sessions in order.
type BatchReport struct {
	Batch    *store.Batch       `json:"batch"`
	Sessions []*session.Session `json:"sessions"`
}

// Orchestrator runs batches of documents through the pipeline.
type Orchestrator struct {
	cfg      *Config
	store    *store.Store
	objects  objstore.Store
	adapter  extraction.Adapter
	index    *dedup.Index
	writer   *persist.Writer
	uploader *render.Uploader
	fetcher  *render.Fetcher
	logger   *slog.Logger
	events   *observability.EventLog
	metrics  *observability.MetricsManager
	bus      *bus

	newBatchID    idgen.Generator
	newSessionID  idgen.Generator
	newQuestionID idgen.Generator

	// runMu admits one session at a time across all batches, which keeps
	// the duplicate index single-writer.
	runMu sync.Mutex

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	ctl    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithIDGenerators sets the batch, session and question ID generators. Nil
// generators keep the default.
func WithIDGenerators(batch, sess, question idgen.Generator) Option {
	return func(o *Orchestrator) {
		if batch != nil {
			o.newBatchID = batch
		}
		if sess != nil {
			o.newSessionID = sess
		}
		if question != nil {
			o.newQuestionID = question
		}
	}
}

// WithEventLog persists every published event.
func WithEventLog(l *observability.EventLog) Option {
	return func(o *Orchestrator) { o.events = l }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *observability.MetricsManager) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithFetcher replaces the source fetcher.
func WithFetcher(f *render.Fetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// New wires an Orchestrator and seeds its duplicate index from the corpus.
// A requests_per_minute setting wraps adapter in a rate limiter.
func New(ctx context.Context, cfg *Config, st *store.Store, objects objstore.Store, adapter extraction.Adapter, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	o := &Orchestrator{
		cfg:           cfg,
		store:         st,
		objects:       objects,
		adapter:       adapter,
		index:         dedup.NewIndex(),
		fetcher:       &render.Fetcher{MaxBytes: cfg.MaxSourceBytes(), SourceDir: cfg.Render.SourceDir},
		logger:        slog.Default(),
		bus:           newBus(),
		newBatchID:    idgen.Prefixed("bat_", idgen.Default),
		newSessionID:  idgen.Prefixed("ses_", idgen.Default),
		newQuestionID: idgen.Prefixed("q_", idgen.Default),
		active:        make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.Extraction.RequestsPerMinute > 0 {
		o.adapter = extraction.NewRateLimited(adapter, cfg.Extraction.RequestsPerMinute)
	}

	hashes, err := st.ContentHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed duplicate index: %w", err)
	}
	o.index.Seed(hashes)

	o.writer = persist.New(st, o.index,
		persist.WithIDGenerator(o.newQuestionID),
		persist.WithLogger(o.logger))
	o.uploader = &render.Uploader{
		Store:     objects,
		ChunkSize: cfg.Render.ChunkSize,
		Attempts:  cfg.Render.UploadAttempts,
		Backoff:   cfg.UploadBackoff(),
		Timeout:   cfg.UploadTimeout(),
		Logger:    o.logger,
	}
	o.logger.Info("orchestrator ready", "corpus_size", o.index.Len())
	return o, nil
}

// Config returns the configuration the orchestrator was built with.
func (o *Orchestrator) Config() *Config { return o.cfg }

// Store returns the underlying store.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Enqueue creates a pending batch with one queued session per document.
func (o *Orchestrator) Enqueue(ctx context.Context, docs []Document) (*store.Batch, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	b := &store.Batch{ID: o.newBatchID(), Status: store.BatchPending}
	sessions := make([]*session.Session, 0, len(docs))
	for i, d := range docs {
		if d.Source == "" {
			return nil, fmt.Errorf("%w: document %d has no source", ErrInvalidDocument, i)
		}
		name := d.Name
		if name == "" {
			name = sourceName(d.Source)
		}
		ss := session.New(o.newSessionID(), b.ID, name, i)
		ss.SourceURI = d.Source
		ss.Subject = d.Subject
		ss.Category = d.Category
		sessions = append(sessions, ss)
	}
	if err := o.store.CreateBatch(ctx, b, sessions); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "batch enqueued", "batch_id", b.ID, "documents", len(docs))
	o.publishBatch(b)
	return b, nil
}

func sourceName(source string) string {
	if render.IsURL(source) {
		if u, err := url.Parse(source); err == nil && u.Path != "" && u.Path != "/" {
			return path.Base(u.Path)
		}
		return source
	}
	return filepath.Base(source)
}

// checkRemoteSources vets documents enqueued over HTTP or MCP. URLs are
// always accepted; server paths only inside render.source_dir.
func (o *Orchestrator) checkRemoteSources(docs []Document) error {
	dir := o.cfg.Render.SourceDir
	for i, d := range docs {
		if d.Source == "" || render.IsURL(d.Source) {
			continue
		}
		if dir == "" {
			return fmt.Errorf("%w: document %d: local paths need render.source_dir", ErrLocalSource, i)
		}
		if _, err := render.ConfinePath(dir, d.Source); err != nil {
			return fmt.Errorf("%w: document %d: %w", ErrLocalSource, i, err)
		}
	}
	return nil
}

// Running reports whether batchID has an active run.
func (o *Orchestrator) Running(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[batchID]
	return ok
}

// Start runs the batch in the background. ctx bounds the run itself, so
// callers serving a request pass a server-lifetime context.
func (o *Orchestrator) Start(ctx context.Context, batchID string) error {
	if _, err := o.batch(ctx, batchID); err != nil {
		return err
	}
	if o.Running(batchID) {
		return fmt.Errorf("%w: %s", ErrBatchRunning, batchID)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := o.Run(ctx, batchID)
		if err != nil && !errors.Is(err, ErrBatchRunning) && ctx.Err() == nil {
			o.logger.Error("batch run failed", "batch_id", batchID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every run launched by Start has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Run drives the batch's sessions in order until every session is terminal,
// the batch is paused or cancelled, or ctx is done. Failed sessions do not
// stop the batch. Pause and cancel end the run with a nil error; a done ctx
// leaves the batch pending and returns the context error.
func (o *Orchestrator) Run(ctx context.Context, batchID string) error {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}

	ctl, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	run := &activeRun{ctl: ctl, cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	if _, ok := o.active[batchID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBatchRunning, batchID)
	}
	o.active[batchID] = run
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, batchID)
		o.mu.Unlock()
		close(run.done)
	}()

	next, err := o.nextRunnable(ctx, batchID)
	if err != nil {
		return err
	}
	if next == nil && b.Status == store.BatchCancelled {
		return nil
	}
	if err := o.store.SetBatchStatus(ctx, batchID, store.BatchRunning); err != nil {
		return fmt.Errorf("start batch %s: %w", batchID, err)
	}
	o.logger.InfoContext(ctx, "batch started", "batch_id", batchID)

	var stop error
	for next != nil {
		if ctl.Err() != nil {
			stop = context.Cause(ctl)
			break
		}
		if err := o.driveSession(ctx, ctl, next.ID); err != nil {
			stop = err
			break
		}
		if next, err = o.nextRunnable(ctx, batchID); err != nil {
			stop = err
			break
		}
	}
	return o.finish(ctx, batchID, stop)
}

// nextRunnable returns the first session in order that is not terminal.
func (o *Orchestrator) nextRunnable(ctx context.Context, batchID string) (*session.Session, error) {
	sessions, err := o.store.ListSessions(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list sessions of %s: %w", batchID, err)
	}
	for _, ss := range sessions {
		if !ss.Stage.Terminal() {
			return ss, nil
		}
	}
	return nil, nil
}

// finish records how a run ended. Writes use a context that survives ctx
// cancellation so a shutdown still leaves a consistent batch row.
func (o *Orchestrator) finish(ctx context.Context, batchID string, stop error) error {
	db := context.WithoutCancel(ctx)
	var status store.BatchStatus
	var result error
	switch {
	case stop == nil:
		status = store.BatchDone
		// A retry may have landed after the last scan.
		if ss, err := o.nextRunnable(db, batchID); err != nil {
			return err
		} else if ss != nil {
			status = store.BatchPending
		}
	case errors.Is(stop, ErrPaused):
		status = store.BatchPaused
	case errors.Is(stop, ErrCancelled):
		if err := o.cancelSessions(db, batchID); err != nil {
			return err
		}
		status = store.BatchCancelled
	default:
		status = store.BatchPending
		result = stop
	}
	if err := o.store.SetBatchStatus(db, batchID, status); err != nil {
		return errors.Join(result, fmt.Errorf("finish batch %s: %w", batchID, err))
	}
	b, err := o.store.GetBatch(db, batchID)
	if err != nil {
		return errors.Join(result, err)
	}
	if b != nil {
		o.publishBatch(b)
		o.logger.InfoContext(db, "batch stopped",
			"batch_id", batchID,
			"status", status,
			"completed", b.CompletedItems,
			"failed", b.FailedItems,
			"cancelled", b.CancelledItems,
			"inserted", b.Inserted,
			"duplicates_skipped", b.DuplicatesSkipped,
			"invalid_dropped", b.InvalidDropped)
	}
	return result
}

// cancelSessions cancels every session of the batch that has not committed
// anything yet. Sessions already persisting are left alone.
func (o *Orchestrator) cancelSessions(ctx context.Context, batchID string) error {
	sessions, err := o.store.ListSessions(ctx, batchID)
	if err != nil {
		return err
	}
	for _, ss := range sessions {
		prev := ss.Stage
		changed, err := ss.Cancel()
		var te *session.TransitionError
		if errors.As(err, &te) {
			continue
		}
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		err = o.store.SaveSession(ctx, ss, store.Update{Prev: prev, Delta: store.BatchDelta{Cancelled: 1}})
		if errors.Is(err, store.ErrStaleSession) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cancel session %s: %w", ss.ID, err)
		}
		o.publishStage(ss)
	}
	return nil
}

// Pause stops the batch at the running session's next chunk boundary. Without
// an active run it marks a pending batch paused. Pausing a finished or
// already paused batch is a no-op.
func (o *Orchestrator) Pause(ctx context.Context, batchID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run, ok := o.active[batchID]; ok {
		run.cancel(ErrPaused)
		o.logger.InfoContext(ctx, "pause requested", "batch_id", batchID)
		return nil
	}
	b, err := o.batch(ctx, batchID)
	if err != nil {
		return err
	}
	switch b.Status {
	case store.BatchPending, store.BatchRunning:
		if err := o.store.SetBatchStatus(ctx, batchID, store.BatchPaused); err != nil {
			return err
		}
		b.Status = store.BatchPaused
		o.publishBatch(b)
	}
	return nil
}

// Cancel stops the batch and cancels every session that has not started
// persisting. Completed work and stored artifacts are kept. Cancelling a
// cancelled or finished batch is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) error {
	o.mu.Lock()
	run, ok := o.active[batchID]
	o.mu.Unlock()
	if ok {
		run.cancel(ErrCancelled)
		if !errors.Is(context.Cause(run.ctl), ErrPaused) {
			o.logger.InfoContext(ctx, "cancel requested", "batch_id", batchID)
			return nil
		}
		// The run is already stopping for a pause; cancel once it is gone.
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[batchID]; ok {
		return fmt.Errorf("%w: %s", ErrBatchRunning, batchID)
	}
	b, err := o.batch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status == store.BatchDone || b.Status == store.BatchCancelled {
		return nil
	}
	if err := o.cancelSessions(ctx, batchID); err != nil {
		return err
	}
	if err := o.store.SetBatchStatus(ctx, batchID, store.BatchCancelled); err != nil {
		return err
	}
	if b, err = o.batch(ctx, batchID); err != nil {
		return err
	}
	o.publishBatch(b)
	o.logger.InfoContext(ctx, "batch cancelled", "batch_id", batchID)
	return nil
}

// Retry returns a failed or cancelled session to the stage it stopped in.
// Other sessions are returned unchanged. The batch goes back to pending
// unless a run is active, in which case the run picks the session up.
func (o *Orchestrator) Retry(ctx context.Context, sessionID string) (*session.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ss, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ss == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	prev := ss.Stage
	next := *ss
	changed, err := next.Retry(o.cfg.Pipeline.MaxSessionRetries)
	if err != nil {
		return ss, err
	}
	if !changed {
		return ss, nil
	}
	var delta store.BatchDelta
	switch prev {
	case session.Failed:
		delta.Failed = -1
	case session.Cancelled:
		delta.Cancelled = -1
	}
	if err := o.store.SaveSession(ctx, &next, store.Update{Prev: prev, Delta: delta}); err != nil {
		return ss, err
	}
	if _, running := o.active[next.BatchID]; !running {
		if err := o.store.SetBatchStatus(ctx, next.BatchID, store.BatchPending); err != nil {
			return &next, err
		}
	}
	o.logger.InfoContext(ctx, "session retried",
		"batch_id", next.BatchID,
		"session_id", next.ID,
		"stage", next.Stage,
		"retry_count", next.RetryCount)
	o.publishStage(&next)
	return &next, nil
}

// Recover resets batches left running by a previous process. Call it once at
// startup before serving commands.
func (o *Orchestrator) Recover(ctx context.Context) error {
	n, err := o.store.ResetRunningBatches(ctx)
	if err != nil {
		return fmt.Errorf("recover batches: %w", err)
	}
	if n > 0 {
		o.logger.InfoContext(ctx, "recovered interrupted batches", "count", n)
	}
	return nil
}

// Status returns a batch and its sessions.
func (o *Orchestrator) Status(ctx context.Context, batchID string) (*BatchReport, error) {
	b, err := o.batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	sessions, err := o.store.ListSessions(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &BatchReport{Batch: b, Sessions: sessions}, nil
}

// Batches lists the most recent batches first.
func (o *Orchestrator) Batches(ctx context.Context, limit int) ([]*store.Batch, error) {
	return o.store.ListBatches(ctx, limit)
}

// CorpusSize returns the number of stored questions.
func (o *Orchestrator) CorpusSize(ctx context.Context) (int, error) {
	return o.store.CountQuestions(ctx)
}

// Session returns one session.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	ss, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ss == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return ss, nil
}

// Question returns a stored question with its options.
func (o *Orchestrator) Question(ctx context.Context, id string) (*store.Question, error) {
	q, err := o.store.GetQuestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("%w: %s", ErrQuestionNotFound, id)
	}
	return q, nil
}

// ReviewQueue lists questions persisted with more than one correct option.
func (o *Orchestrator) ReviewQueue(ctx context.Context, limit int) ([]*store.Question, error) {
	return o.store.ListManualReview(ctx, limit)
}

func (o *Orchestrator) batch(ctx context.Context, batchID string) (*store.Batch, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return b, nil
}

func (o *Orchestrator) count(name string, n int, labels ...string) {
	if o.metrics == nil || n == 0 {
		return
	}
	o.metrics.Count(name, n, labels...)
}

func (o *Orchestrator) duration(name string, d time.Duration, labels ...string) {
	if o.metrics == nil {
		return
	}
	o.metrics.Duration(name, d, labels...)
}
