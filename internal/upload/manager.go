// Package upload manages the per-file upload lifecycle: validation, direct
// and chunked transfer to the upstream, progress accounting, persistence of
// in-flight sessions, reconnection after a restart, and the stale-item
// sweep against the upstream's authoritative session list.
//
// The state machine is
//
//	pending → uploading → processing → completed
//
// with error and cancelled as alternative terminals and stuck as a
// self-healing soft state entered on heartbeat timeout.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/koopa0/flowboard/internal/ingest"
	"github.com/koopa0/flowboard/internal/state"
)

const (
	// maxFileSize rejects files at enqueue time.
	maxFileSize = 200 << 20

	// chunkThreshold selects chunked transfer for larger files.
	chunkThreshold = 4 << 20

	// chunkSize is the fixed chunk size for chunked transfers.
	chunkSize = 2 << 20

	// Progress is a weighted blend: a fixed share for session
	// initialization, a share proportional to acknowledged chunks, and the
	// remainder reserved for server-side processing events.
	initShare     = 10.0
	transferShare = 50.0

	// completedLinger is how long a completed item stays in the queue
	// before automatic removal.
	completedLinger = 3 * time.Second

	// sweepInterval is the cadence of the stale-item sweep.
	sweepInterval = 30 * time.Second

	// chunkPace bounds the inter-chunk pause: at most one chunk per
	// interval beyond the initial burst.
	chunkPace = 50 * time.Millisecond
)

// Sentinel errors surfaced to the enqueue caller.
var (
	ErrFileTooLarge    = errors.New("upload: file exceeds size limit")
	ErrUnsupportedType = errors.New("upload: unsupported file type")
	ErrNotFound        = errors.New("upload: item not found")
	ErrNotRetryable    = errors.New("upload: item is not in a retryable state")
)

// allowedTypes is the MIME allow-list for enqueue validation.
var allowedTypes = map[string]bool{
	"application/pdf":  true,
	"text/plain":       true,
	"text/markdown":    true,
	"text/html":        true,
	"text/csv":         true,
	"application/json": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// Client is the subset of the upstream API the manager needs. Defined here,
// by the consumer; ingest.Client satisfies it.
type Client interface {
	UploadDirect(ctx context.Context, name, mediaType string, size int64, r io.Reader) (sessionID string, events io.ReadCloser, err error)
	InitChunked(ctx context.Context, name, mediaType string, size, chunkSize int64) (string, error)
	UploadChunk(ctx context.Context, sessionID string, index int, data []byte) error
	FinalizeChunked(ctx context.Context, sessionID string) (io.ReadCloser, error)
	SessionStatus(ctx context.Context, sessionID string) (string, error)
	ActiveSessions(ctx context.Context) ([]ingest.ActiveSession, error)
}

// SessionStore persists the active upload subset. May be nil, in which case
// the queue does not survive restarts.
type SessionStore interface {
	SaveSnapshot(ctx context.Context, items []state.UploadItem) error
	LoadSnapshot(ctx context.Context) ([]state.UploadItem, error)
}

// File is a re-openable file handle. Open is called once per transfer
// attempt; Retry re-opens from scratch rather than reusing partial state.
// Cleanup, when set, releases the handle's backing resource (a spooled
// temp file, typically) and is called exactly once, when the item leaves
// the queue.
type File struct {
	Name      string
	Size      int64
	MediaType string
	Open      func() (io.ReadCloser, error)
	Cleanup   func()
}

// Manager owns the upload queue. All canonical mutations go through the
// state store's named operations; the manager holds only the cancellation
// handles and file sources, which are not data.
type Manager struct {
	client   Client
	store    *state.Store
	sessions SessionStore
	// events receives each payload of a per-upload progress stream; wired
	// to the reconciler's Ingest so upload streams and the global feed
	// share one reconciliation path.
	events func([]byte)
	logger *slog.Logger

	pacer  *rate.Limiter
	deltas chan state.Delta

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	files   map[uuid.UUID]File
	removes map[uuid.UUID]*time.Timer

	wg sync.WaitGroup
}

// NewManager creates an upload manager. sessions and events may be nil.
func NewManager(client Client, store *state.Store, sessions SessionStore, events func([]byte), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = func([]byte) {}
	}
	m := &Manager{
		client:   client,
		store:    store,
		sessions: sessions,
		events:   events,
		logger:   logger,
		pacer:    rate.NewLimiter(rate.Every(chunkPace), 1),
		deltas:   make(chan state.Delta, 64),
		cancels:  make(map[uuid.UUID]context.CancelFunc),
		files:    make(map[uuid.UUID]File),
		removes:  make(map[uuid.UUID]*time.Timer),
	}
	// Subscribing here rather than in Run means mutations published
	// between construction and the Run goroutine starting (Restore runs
	// in that window) are buffered, not lost.
	if err := store.Subscribe("upload-manager", m.deltas); err != nil {
		logger.Error("subscribe failed", "error", err)
	}
	return m
}

// Run watches state deltas to drive persistence and the delayed removal of
// completed items, and runs the stale-item sweep. Blocks until ctx is
// canceled; the caller tracks the goroutine.
func (m *Manager) Run(ctx context.Context) {
	defer m.store.Unsubscribe("upload-manager")

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case d := <-m.deltas:
			if d.Kind != state.DeltaUpload || d.Upload == nil {
				continue
			}
			m.persist(ctx)
			if d.Upload.Status == state.UploadCompleted {
				m.scheduleRemoval(d.Upload.ID)
			}
		case <-ticker.C:
			m.sweepStale(ctx)
		}
	}
}

// Enqueue validates files and adds the accepted ones to the queue in
// pending state. Returns the accepted items and one error per rejected
// file; rejected files are never added and their handles are released.
func (m *Manager) Enqueue(files []File) ([]state.UploadItem, []error) {
	var accepted []state.UploadItem
	var rejected []error

	for _, f := range files {
		if err := validate(f); err != nil {
			m.logger.Info("file rejected", "name", f.Name, "error", err)
			rejected = append(rejected, fmt.Errorf("%s: %w", f.Name, err))
			if f.Cleanup != nil {
				f.Cleanup()
			}
			continue
		}

		item := state.UploadItem{
			ID:        uuid.New(),
			Name:      f.Name,
			Size:      f.Size,
			MediaType: f.MediaType,
			Status:    state.UploadPending,
			CreatedAt: time.Now(),
		}
		m.mu.Lock()
		m.files[item.ID] = f
		m.mu.Unlock()
		m.store.PutUpload(item)
		accepted = append(accepted, item)
	}
	return accepted, rejected
}

// validate applies the MIME allow-list and the size ceiling.
func validate(f File) error {
	if f.Size > maxFileSize {
		return ErrFileTooLarge
	}
	if !allowedTypes[f.MediaType] {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, f.MediaType)
	}
	return nil
}

// Start launches the transfer for a pending item. The transfer runs in its
// own goroutine with a per-item cancellation handle.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	item, ok := m.store.Upload(id)
	if !ok {
		return ErrNotFound
	}
	m.mu.Lock()
	f, ok := m.files[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no file handle for %s", ErrNotFound, id)
	}

	itemCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.transfer(itemCtx, item.ID, f)
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
	}()
	return nil
}

// Cancel fires the item's cancellation handle and marks it cancelled.
// Cancellation is terminal and user-attributed: transport errors that
// surface afterwards are swallowed, never reported as failures.
func (m *Manager) Cancel(id uuid.UUID) error {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}

	return m.store.MutateUpload(id, func(it *state.UploadItem) {
		if it.Status.Terminal() {
			return
		}
		it.Status = state.UploadCancelled
	})
}

// Retry restarts a failed item from scratch. Partial chunk state is never
// reused.
func (m *Manager) Retry(ctx context.Context, id uuid.UUID) error {
	item, ok := m.store.Upload(id)
	if !ok {
		return ErrNotFound
	}
	if item.Status != state.UploadError {
		return fmt.Errorf("%w: %s", ErrNotRetryable, item.Status)
	}

	err := m.store.MutateUpload(id, func(it *state.UploadItem) {
		it.Status = state.UploadPending
		it.Progress = 0
		it.SessionID = ""
		it.LastError = ""
		it.ChunksSent = 0
		it.ChunksTotal = 0
		it.Rate = ""
		it.ETA = ""
		it.Retries++
	})
	if err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// Remove deletes an item from the queue, cancelling any in-flight work.
func (m *Manager) Remove(id uuid.UUID) {
	m.mu.Lock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	if timer, ok := m.removes[id]; ok {
		timer.Stop()
		delete(m.removes, id)
	}
	f, hadFile := m.files[id]
	delete(m.files, id)
	m.mu.Unlock()

	if hadFile && f.Cleanup != nil {
		f.Cleanup()
	}
	m.store.RemoveUpload(id)
}

// scheduleRemoval arms the delayed removal of a completed item. Repeated
// completion deltas coalesce onto one timer.
func (m *Manager) scheduleRemoval(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, armed := m.removes[id]; armed {
		return
	}
	m.removes[id] = time.AfterFunc(completedLinger, func() {
		m.mu.Lock()
		delete(m.removes, id)
		f, hadFile := m.files[id]
		delete(m.files, id)
		m.mu.Unlock()
		if hadFile && f.Cleanup != nil {
			f.Cleanup()
		}
		m.store.RemoveUpload(id)
	})
}

// persist snapshots the active subset to durable storage. Last-writer-wins:
// each save replaces the previous snapshot wholesale.
func (m *Manager) persist(ctx context.Context) {
	if m.sessions == nil {
		return
	}
	if err := m.sessions.SaveSnapshot(ctx, m.store.ActiveUploads()); err != nil {
		m.logger.Warn("session snapshot failed", "error", err)
	}
}

// shutdown tears down per-item resources on manager exit. Spooled files
// are released only after in-flight transfers drain; restored sessions
// re-attach server-side and never re-read local bytes.
func (m *Manager) shutdown() {
	m.mu.Lock()
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
	for id, timer := range m.removes {
		timer.Stop()
		delete(m.removes, id)
	}
	m.mu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	files := m.files
	m.files = make(map[uuid.UUID]File)
	m.mu.Unlock()
	for _, f := range files {
		if f.Cleanup != nil {
			f.Cleanup()
		}
	}
}
