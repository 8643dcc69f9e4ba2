package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/examforge/horosafe"
	"github.com/hazyhaar/examforge/ingest/internal/session"
	"github.com/hazyhaar/examforge/ingest/internal/store"
	"github.com/hazyhaar/examforge/shield"
)

// Handler serves the REST and server-sent events surface of an Orchestrator.
type Handler struct {
	o *Orchestrator
	// base bounds runs started over HTTP; request contexts end with the
	// response.
	base      context.Context
	logger    *slog.Logger
	keepAlive time.Duration
}

// NewHandler returns a Handler whose background runs live as long as base.
func NewHandler(base context.Context, o *Orchestrator) *Handler {
	return &Handler{o: o, base: base, logger: o.logger, keepAlive: 15 * time.Second}
}

// Router returns a chi router with the middleware stack and all routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(h.logger, 1<<20) {
		r.Use(mw)
	}
	h.RegisterHTTP(r)
	return r
}

// RegisterHTTP registers the /v1 endpoints on r.
func (h *Handler) RegisterHTTP(r chi.Router) {
	r.Get("/v1/health", h.handleHealth)

	r.Post("/v1/batches", h.handleEnqueue)
	r.Get("/v1/batches", h.handleListBatches)
	r.Get("/v1/batches/{id}", h.handleBatch)
	r.Post("/v1/batches/{id}/run", h.handleRun)
	r.Post("/v1/batches/{id}/pause", h.handlePause)
	r.Post("/v1/batches/{id}/cancel", h.handleCancel)

	r.Get("/v1/sessions/{id}", h.handleSession)
	r.Post("/v1/sessions/{id}/retry", h.handleRetry)

	r.Get("/v1/questions/{id}", h.handleQuestion)
	r.Get("/v1/review", h.handleReview)

	r.Get("/v1/events", h.handleEvents)
}

// EnqueueRequest is the body of POST /v1/batches.
type EnqueueRequest struct {
	Documents []Document `json:"documents"`
	// Run starts the batch right away.
	Run bool `json:"run,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := h.o.CorpusSize(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "questions": n})
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := h.o.checkRemoteSources(req.Documents); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	b, err := h.o.Enqueue(r.Context(), req.Documents)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if req.Run {
		if err := h.o.Start(h.base, b.ID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) handleListBatches(w http.ResponseWriter, r *http.Request) {
	bs, err := h.o.Batches(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if bs == nil {
		bs = []*store.Batch{}
	}
	writeJSON(w, http.StatusOK, bs)
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rep, err := h.o.Status(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.o.Start(h.base, id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id, "status": string(store.BatchRunning)})
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.o.Pause)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.o.Cancel)
}

// command runs an idempotent batch command and answers with the batch as it
// stands. A running batch applies the command at its next chunk boundary.
func (h *Handler) command(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	rep, err := h.o.Status(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, rep.Batch)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ss, err := h.o.Session(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ss)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ss, err := h.o.Retry(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ss)
}

func (h *Handler) handleQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q, err := h.o.Question(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	qs, err := h.o.ReviewQueue(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if qs == nil {
		qs = []*store.Question{}
	}
	writeJSON(w, http.StatusOK, qs)
}

// handleEvents streams pipeline events as server-sent events, optionally
// filtered by ?batch_id=.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	batchID := r.URL.Query().Get("batch_id")
	events, stop := h.o.Subscribe(0)
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	ping := time.NewTicker(h.keepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			fl.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if batchID != "" && e.BatchID != batchID {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				shield.GetLogger(r.Context()).Error("encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
			fl.Flush()
		}
	}
}

// pathID returns the {id} URL parameter, answering 400 when it is not a plain
// identifier.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := horosafe.ValidateIdentifier(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return id, true
}

// statusFor maps orchestrator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBatchNotFound), errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoDocuments), errors.Is(err, ErrInvalidDocument),
		errors.Is(err, ErrLocalSource):
		return http.StatusBadRequest
	case errors.Is(err, ErrBatchRunning), errors.Is(err, store.ErrDuplicateSource),
		errors.Is(err, session.ErrNotRetryable), errors.Is(err, session.ErrRetriesExhausted):
		return http.StatusConflict
	}
	var te *session.TransitionError
	if errors.As(err, &te) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
