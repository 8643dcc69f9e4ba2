package ingest

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/examforge/ingest/internal/session"
	"github.com/hazyhaar/examforge/ingest/internal/store"
	"github.com/hazyhaar/examforge/observability"
)

// EventKind tells subscribers what changed.
type EventKind string

const (
	// EventStage is a session stage change.
	EventStage EventKind = "stage"
	// EventProgress is a session counter change within a stage.
	EventProgress EventKind = "progress"
	// EventBatch carries a batch's status and aggregate counters.
	EventBatch EventKind = "batch"
)

// Event is one pipeline notification.
type Event struct {
	Kind           EventKind         `json:"kind"`
	BatchID        string            `json:"batch_id"`
	SessionID      string            `json:"session_id,omitempty"`
	Stage          session.Stage     `json:"stage,omitempty"`
	ProcessedUnits int               `json:"processed_units,omitempty"`
	TotalUnits     int               `json:"total_units,omitempty"`
	Inserted       int               `json:"inserted,omitempty"`
	ErrorKind      session.ErrorKind `json:"error_kind,omitempty"`
	RetryCount     int               `json:"retry_count,omitempty"`
	Batch          *store.Batch      `json:"batch,omitempty"`
	Time           time.Time         `json:"time"`
}

// bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event.
type bus struct {
	mu      sync.Mutex
	next    int
	subs    map[int]chan Event
	dropped atomic.Int64
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of pipeline events and a function that ends the
// subscription and closes the channel. buffer <= 0 uses the configured
// pipeline.event_buffer.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = o.cfg.Pipeline.EventBuffer
	}
	return o.bus.subscribe(buffer)
}

// DroppedEvents returns how many events slow subscribers missed.
func (o *Orchestrator) DroppedEvents() int64 { return o.bus.dropped.Load() }

func sessionEvent(kind EventKind, ss *session.Session) Event {
	return Event{
		Kind:           kind,
		BatchID:        ss.BatchID,
		SessionID:      ss.ID,
		Stage:          ss.Stage,
		ProcessedUnits: ss.ProcessedUnits,
		TotalUnits:     ss.TotalUnits,
		Inserted:       ss.Inserted,
		ErrorKind:      ss.ErrorKind,
		RetryCount:     ss.RetryCount,
		Time:           time.Now().UTC(),
	}
}

func (o *Orchestrator) publishStage(ss *session.Session) {
	e := sessionEvent(EventStage, ss)
	o.bus.publish(e)
	var detail string
	if ss.ErrorMessage != "" {
		b, _ := json.Marshal(map[string]string{"error": ss.ErrorMessage})
		detail = string(b)
	}
	o.record(e, ss.Stage != session.Failed, detail)
}

// publishProgress only reaches subscribers; the audit trail keeps stage
// changes.
func (o *Orchestrator) publishProgress(ss *session.Session) {
	o.bus.publish(sessionEvent(EventProgress, ss))
}

func (o *Orchestrator) publishBatch(b *store.Batch) {
	cp := *b
	e := Event{
		Kind:    EventBatch,
		BatchID: b.ID,
		Batch:   &cp,
		Time:    time.Now().UTC(),
	}
	o.bus.publish(e)
	detail, _ := json.Marshal(map[string]any{
		"status":    b.Status,
		"completed": b.CompletedItems,
		"failed":    b.FailedItems,
		"cancelled": b.CancelledItems,
		"inserted":  b.Inserted,
	})
	o.record(e, true, string(detail))
}

func (o *Orchestrator) record(e Event, success bool, detail string) {
	if o.events == nil {
		return
	}
	o.events.Log(observability.PipelineEvent{
		Type:      string(e.Kind),
		BatchID:   e.BatchID,
		SessionID: e.SessionID,
		Stage:     string(e.Stage),
		ErrorKind: string(e.ErrorKind),
		Detail:    detail,
		Success:   success,
		At:        e.Time,
	})
}
