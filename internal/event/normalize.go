// Package event normalizes the upstream's heterogeneous progress events into
// a closed set of variants and reconciles them into canonical state.
//
// The live transport delivers the same logical event under several shapes:
// flat payloads, `type` vs `step` discriminators, and payloads wrapped one or
// two levels deep under `data`. Normalize maps every observed shape onto one
// internal Event before any business logic runs; new shapes are handled by
// extending the normalizer, never downstream.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of logical event variants.
type Kind string

const (
	KindDocumentCreated  Kind = "document_created"
	KindProgress         Kind = "progress"
	KindHeartbeatTimeout Kind = "heartbeat_timeout"
	KindTerminal         Kind = "terminal"
	KindChunkBatch       Kind = "chunk_batch"
	KindUnknown          Kind = "unknown"
)

// ErrMalformed is returned for payloads that cannot be decoded. Callers log
// and drop these; they are never fatal.
var ErrMalformed = errors.New("event: malformed payload")

// Event is a normalized upstream event.
type Event struct {
	Kind        Kind
	Type        string // raw logical type, e.g. "analyze"
	SessionID   string
	DocumentID  string
	URL         string
	Title       string
	Progress    float64 // server-side percentage, meaningful when HasProgress
	HasProgress bool
	Message     string
	ChunkCount  int
}

// Identifiers returns the candidate identifier set for creation-class
// events: explicit id, url, title, in that preference order. Empty fields
// are omitted.
func (e Event) Identifiers() []string {
	out := make([]string, 0, 3)
	for _, id := range []string{e.DocumentID, e.URL, e.Title} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// wireEvent mirrors the upstream payload. Data nests recursively; only one
// level (event.data.data) is inspected for an embedded creation sub-event.
type wireEvent struct {
	Type       string     `json:"type"`
	Step       string     `json:"step"`
	SessionID  string     `json:"sessionId"`
	DocumentID string     `json:"documentId"`
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Progress   *float64   `json:"progress"`
	Message    string     `json:"message"`
	ChunkCount int        `json:"chunkCount"`
	Data       *wireEvent `json:"data"`
}

// logicalType resolves the discriminator: top-level `type` and `step` are
// interchangeable on the wire.
func (w *wireEvent) logicalType() string {
	if w.Type != "" {
		return w.Type
	}
	return w.Step
}

// terminalTypes are the event types that mark a session's work finished.
var terminalTypes = map[string]bool{
	"processing_complete":      true,
	"session_complete":         true,
	"content_processed":        true,
	"file_processing_complete": true,
}

// creationTypes are the event types announcing a new document.
var creationTypes = map[string]bool{
	"document_created": true,
	"document_added":   true,
}

// chunkBatchTypes announce a batch of chunks entering an analysis stage.
// They drive transient flow-canvas spawns only.
var chunkBatchTypes = map[string]bool{
	"chunk_batch":     true,
	"chunks_analyzed": true,
}

// Normalize decodes a raw payload into a normalized Event.
//
// Classification order matters: an embedded document-created sub-event under
// data or data.data promotes the whole event to KindDocumentCreated, since
// the transport is observed to wrap creation events that way.
func Normalize(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	typ := strings.TrimSpace(w.logicalType())
	if typ == "" && w.Data == nil {
		return Event{}, fmt.Errorf("%w: no type or step field", ErrMalformed)
	}

	ev := Event{
		Type:       typ,
		SessionID:  w.SessionID,
		DocumentID: w.DocumentID,
		URL:        w.URL,
		Title:      w.Title,
		Message:    w.Message,
		ChunkCount: w.ChunkCount,
	}
	if w.Progress != nil {
		ev.Progress = *w.Progress
		ev.HasProgress = true
	}

	// Fold fields from nested payloads outward; the outer level wins where
	// both are set, matching last-applied-wins merge semantics downstream.
	if inner := w.Data; inner != nil {
		foldWire(&ev, inner)
		if inner.Data != nil {
			foldWire(&ev, inner.Data)
		}
	}

	switch {
	case ev.embeddedCreation(&w):
		ev.Kind = KindDocumentCreated
	case creationTypes[ev.Type]:
		ev.Kind = KindDocumentCreated
	case terminalTypes[ev.Type]:
		ev.Kind = KindTerminal
	case ev.Type == "heartbeat_timeout":
		ev.Kind = KindHeartbeatTimeout
	case chunkBatchTypes[ev.Type]:
		ev.Kind = KindChunkBatch
	case ev.SessionID != "" && ev.Type != "":
		// Progress-class covers analyze, chunking, embedding, indexing and
		// any future step name carrying a session. The percentage is
		// optional: a step event without one still proves the session is
		// alive, which is what clears a stuck item.
		ev.Kind = KindProgress
	default:
		ev.Kind = KindUnknown
	}

	return ev, nil
}

// embeddedCreation reports whether a creation sub-event hides under data or
// data.data.
func (e *Event) embeddedCreation(w *wireEvent) bool {
	if w.Data == nil {
		return false
	}
	if creationTypes[w.Data.logicalType()] {
		return true
	}
	if w.Data.Data != nil && creationTypes[w.Data.Data.logicalType()] {
		return true
	}
	return false
}

// foldWire copies identifier and progress fields from a nested payload into
// ev, without overwriting values the outer payload already provided.
func foldWire(ev *Event, w *wireEvent) {
	if ev.Type == "" {
		ev.Type = strings.TrimSpace(w.logicalType())
	}
	if ev.SessionID == "" {
		ev.SessionID = w.SessionID
	}
	if ev.DocumentID == "" {
		ev.DocumentID = w.DocumentID
	}
	if ev.URL == "" {
		ev.URL = w.URL
	}
	if ev.Title == "" {
		ev.Title = w.Title
	}
	if ev.Message == "" {
		ev.Message = w.Message
	}
	if ev.ChunkCount == 0 {
		ev.ChunkCount = w.ChunkCount
	}
	if !ev.HasProgress && w.Progress != nil {
		ev.Progress = *w.Progress
		ev.HasProgress = true
	}
}
