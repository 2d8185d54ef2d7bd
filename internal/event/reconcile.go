package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/flowboard/internal/state"
)

// PollRequester schedules a one-shot re-synchronization poll. Implemented by
// the adaptive poller; the reconciler itself never touches the transport.
type PollRequester interface {
	RequestPoll(delay time.Duration)
}

// Sink receives every successfully normalized event after it has been
// applied. The flow canvas registers one to spawn transient objects.
type Sink func(Event)

const (
	// confirmPollDelay covers database-commit lag between a terminal event
	// and the document list reflecting it.
	confirmPollDelay = 500 * time.Millisecond

	// processingBase is the progress percentage at which the transfer is
	// done and server-side processing begins. Server progress events scale
	// into the remaining span.
	processingBase = 60.0
)

// Reconciler applies normalized events to the canonical state store.
//
// It tolerates at-least-once, possibly-duplicated, possibly-reordered
// delivery: every application is an idempotent merge keyed by entity
// identifier, so replaying an event is a no-op beyond re-assignment.
type Reconciler struct {
	store  *state.Store
	polls  PollRequester
	logger *slog.Logger

	mu    sync.Mutex
	sinks []Sink
}

// NewReconciler creates a reconciler writing into store. polls may be nil in
// tests; confirmatory polls are then skipped.
func NewReconciler(store *state.Store, polls PollRequester, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, polls: polls, logger: logger}
}

// AddSink registers a post-apply event sink.
func (r *Reconciler) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Ingest normalizes and applies one raw payload from the live transport.
// Malformed payloads are logged and dropped, never propagated; the adaptive
// poller is the correctness backstop.
func (r *Reconciler) Ingest(raw []byte) {
	ev, err := Normalize(raw)
	if err != nil {
		r.logger.Debug("dropping malformed event", "error", err)
		return
	}
	r.Apply(ev)
}

// Apply merges one normalized event into canonical state.
func (r *Reconciler) Apply(ev Event) {
	switch ev.Kind {
	case KindDocumentCreated:
		r.applyCreation(ev)
	case KindProgress:
		r.applyProgress(ev)
	case KindHeartbeatTimeout:
		r.applyHeartbeatTimeout(ev)
	case KindTerminal:
		r.applyTerminal(ev)
	case KindChunkBatch:
		// Canonical state is untouched; sinks spawn the visualization.
	case KindUnknown:
		r.logger.Debug("ignoring unknown event", "type", ev.Type)
		return
	}

	r.mu.Lock()
	sinks := r.sinks
	r.mu.Unlock()
	for _, s := range sinks {
		s(ev)
	}
}

func (r *Reconciler) applyCreation(ev Event) {
	// Union all candidate identifiers: the canonical list refresh may lag
	// this event by a poll cycle, and a later event may carry a different
	// subset of the same identifiers.
	r.store.MarkRecentlyCreated(ev.Identifiers()...)

	doc := state.Document{
		ID:     primaryIdentifier(ev),
		Title:  ev.Title,
		URL:    ev.URL,
		Status: state.DocQueued,
	}
	if ev.HasProgress {
		doc.Status = state.DocProcessing
		doc.Progress = ev.Progress
	}
	r.store.UpsertDocument(doc)

	// A creation event for a tracked session means the server accepted the
	// upload and started processing.
	if ev.SessionID != "" {
		if err := r.store.MutateUploadBySession(ev.SessionID, func(it *state.UploadItem) {
			if it.Status.Terminal() {
				return
			}
			it.Status = state.UploadProcessing
		}); err != nil {
			r.logger.Debug("creation event for unknown session", "session", ev.SessionID)
		}
	}
}

func (r *Reconciler) applyProgress(ev Event) {
	err := r.store.MutateUploadBySession(ev.SessionID, func(it *state.UploadItem) {
		if it.Status.Terminal() {
			// Cancelled and finished items ignore late progress.
			return
		}
		// A real event self-heals a stuck item.
		it.Status = state.UploadProcessing
		p := processingBase + ev.Progress*(100-processingBase)/100
		if p > it.Progress {
			it.Progress = p
		}
	})
	if err != nil {
		// Event arrived before its creation was reconciled; acceptable
		// under eventual consistency.
		r.logger.Debug("progress for unknown session dropped", "session", ev.SessionID, "type", ev.Type)
		return
	}

	if ev.DocumentID != "" || ev.URL != "" || ev.Title != "" {
		r.store.UpsertDocument(state.Document{
			ID:       primaryIdentifier(ev),
			Status:   state.DocProcessing,
			Progress: ev.Progress,
		})
	}
}

func (r *Reconciler) applyHeartbeatTimeout(ev Event) {
	err := r.store.MutateUploadBySession(ev.SessionID, func(it *state.UploadItem) {
		// Soft, self-clearing warning: only a processing item can be stuck,
		// and it is not an error.
		if it.Status == state.UploadProcessing {
			it.Status = state.UploadStuck
		}
	})
	if err != nil {
		r.logger.Debug("heartbeat timeout for unknown session", "session", ev.SessionID)
	}
}

func (r *Reconciler) applyTerminal(ev Event) {
	err := r.store.MutateUploadBySession(ev.SessionID, func(it *state.UploadItem) {
		if it.Status == state.UploadCancelled || it.Status == state.UploadError {
			return
		}
		it.Status = state.UploadCompleted
		it.Progress = 100
	})
	if err != nil {
		r.logger.Debug("terminal event for unknown session", "session", ev.SessionID, "type", ev.Type)
	}

	if ev.DocumentID != "" || ev.URL != "" || ev.Title != "" {
		doc := state.Document{
			ID:         primaryIdentifier(ev),
			Status:     state.DocCompleted,
			Progress:   100,
			ChunkCount: ev.ChunkCount,
		}
		r.store.UpsertDocument(doc)
	}

	// One confirmatory poll covers database-commit lag; the poller
	// coalesces if one is already pending.
	if r.polls != nil {
		r.polls.RequestPoll(confirmPollDelay)
	}
}

// primaryIdentifier picks the canonical identifier: server-assigned id when
// present, else url, else title (display metadata standing in, see the
// identifier open question).
func primaryIdentifier(ev Event) string {
	switch {
	case ev.DocumentID != "":
		return ev.DocumentID
	case ev.URL != "":
		return ev.URL
	default:
		return ev.Title
	}
}
