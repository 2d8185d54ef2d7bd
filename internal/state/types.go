// Package state holds the canonical view of the ingestion pipeline: the
// mirrored document list, the local upload queue, and knowledge-base
// statistics. All mutation funnels through named Store operations so that
// reconciliation stays idempotent and single-writer semantics hold.
package state

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the processing status of a server-owned document.
type DocumentStatus string

const (
	DocQueued     DocumentStatus = "queued"
	DocProcessing DocumentStatus = "processing"
	DocCompleted  DocumentStatus = "completed"
	DocError      DocumentStatus = "error"
)

// Document mirrors a server-owned document. The identifier is the upstream
// documentId when the server assigns one; otherwise the URL, then the title,
// stand in. Documents are never deleted locally; only a poll replacing the
// list removes them.
type Document struct {
	ID         string         `json:"id"`
	Title      string         `json:"title,omitempty"`
	URL        string         `json:"url,omitempty"`
	Status     DocumentStatus `json:"status"`
	Progress   float64        `json:"progress,omitempty"` // 0-100, optional
	ChunkCount int            `json:"chunkCount"`
	CreatedAt  time.Time      `json:"createdAt"`
	Topics     []string       `json:"topics,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Contextual bool           `json:"contextual"` // uses contextual embedding
}

// UploadStatus is the lifecycle state of a client-owned upload.
type UploadStatus string

const (
	UploadPending      UploadStatus = "pending"
	UploadUploading    UploadStatus = "uploading"
	UploadProcessing   UploadStatus = "processing"
	UploadReconnecting UploadStatus = "reconnecting"
	UploadStuck        UploadStatus = "stuck"
	UploadCompleted    UploadStatus = "completed"
	UploadError        UploadStatus = "error"
	UploadCancelled    UploadStatus = "cancelled"
)

// Terminal reports whether the status is a terminal lifecycle state.
// Stuck is a soft warning, not terminal; reconnecting is transitional.
func (s UploadStatus) Terminal() bool {
	switch s {
	case UploadCompleted, UploadError, UploadCancelled:
		return true
	}
	return false
}

// Active reports whether the upload still has work in flight on the server
// side. Active items are the ones worth persisting across a restart.
func (s UploadStatus) Active() bool {
	switch s {
	case UploadUploading, UploadProcessing:
		return true
	}
	return false
}

// UploadItem is a client-owned upload queue entry. The cancellation handle
// lives in the upload manager, not here; this is pure data.
type UploadItem struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name"`
	Size      int64        `json:"size"`
	MediaType string       `json:"mediaType"`
	Status    UploadStatus `json:"status"`
	Progress  float64      `json:"progress"` // 0-100
	SessionID string       `json:"sessionId,omitempty"`
	Retries   int          `json:"retries"`
	LastError string       `json:"lastError,omitempty"`

	// Chunked-transfer counters; zero for direct transfers.
	ChunksSent  int    `json:"chunksSent,omitempty"`
	ChunksTotal int    `json:"chunksTotal,omitempty"`
	Rate        string `json:"rate,omitempty"` // humanized, e.g. "2.1 MB/s"
	ETA         string `json:"eta,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Stats holds knowledge-base statistics. Values degrade to last-known on
// query failure rather than clearing.
type Stats struct {
	Documents  int       `json:"documents"`
	Chunks     int       `json:"chunks"`
	Queued     int       `json:"queued"`
	Processing int       `json:"processing"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DeltaKind tags a state change published to subscribers.
type DeltaKind string

const (
	DeltaDocuments     DeltaKind = "documents" // full list refresh
	DeltaDocument      DeltaKind = "document"
	DeltaUpload        DeltaKind = "upload"
	DeltaUploadRemoved DeltaKind = "upload_removed"
	DeltaStats         DeltaKind = "stats"
	DeltaRecent        DeltaKind = "recent"
)

// Delta describes one canonical-state change. Exactly one payload field is
// set, matching Kind.
type Delta struct {
	Kind      DeltaKind   `json:"kind"`
	Document  *Document   `json:"document,omitempty"`
	Upload    *UploadItem `json:"upload,omitempty"`
	RemovedID string      `json:"removedId,omitempty"`
	Stats     *Stats      `json:"stats,omitempty"`
	Recent    []string    `json:"recent,omitempty"`
}
