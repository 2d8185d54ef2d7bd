// Package ingest is the client for the upstream document-ingestion API: the
// REST queries the dashboard polls, the upload endpoints, and the live
// event stream. All canonical interpretation of responses happens elsewhere;
// this package only moves bytes and decodes wire shapes.
package ingest

import (
	"time"

	"github.com/koopa0/flowboard/internal/state"
)

// Document is the wire shape of an upstream document.
type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	ChunkCount int       `json:"chunkCount"`
	CreatedAt  time.Time `json:"createdAt"`
	Topics     []string  `json:"topics"`
	Summary    string    `json:"summary"`
	Contextual bool      `json:"contextualEmbedding"`
}

// ToState converts a wire document to its canonical form.
func (d Document) ToState() state.Document {
	return state.Document{
		ID:         d.ID,
		Title:      d.Title,
		URL:        d.URL,
		Status:     state.DocumentStatus(d.Status),
		Progress:   d.Progress,
		ChunkCount: d.ChunkCount,
		CreatedAt:  d.CreatedAt,
		Topics:     d.Topics,
		Summary:    d.Summary,
		Contextual: d.Contextual,
	}
}

// DocumentList is the response of the document listing query.
type DocumentList struct {
	Documents  []Document `json:"documents"`
	Pagination struct {
		Total int `json:"total"`
	} `json:"pagination"`
}

// Stats is the knowledge-base statistics response.
type Stats struct {
	Documents  int `json:"documents"`
	Chunks     int `json:"chunks"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
}

// ToState converts wire stats to their canonical form.
func (s Stats) ToState() state.Stats {
	return state.Stats{
		Documents:  s.Documents,
		Chunks:     s.Chunks,
		Queued:     s.Queued,
		Processing: s.Processing,
	}
}

// Session status values returned by SessionStatus.
const (
	SessionProcessing = "processing"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
	SessionNotFound   = "not-found"
)

// ActiveSession is one entry of the upstream in-progress sessions query,
// used by the stale-item sweep and merged into the rendered queue.
type ActiveSession struct {
	ID        string  `json:"id"`
	SessionID string  `json:"sessionId"`
	Filename  string  `json:"filename"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
}
