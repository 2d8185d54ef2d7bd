package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/koopa0/flowboard/internal/event"
	"github.com/koopa0/flowboard/internal/ingest"
	"github.com/koopa0/flowboard/internal/log"
	"github.com/koopa0/flowboard/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient is a scriptable upstream.
type fakeClient struct {
	mu          sync.Mutex
	chunkSizes  []int
	chunkIndxs  []int
	finalEvents string
	directEvent string
	sessionID   string
	statuses    map[string]string
	active      []ingest.ActiveSession
	chunkErr    error
	blockChunks chan struct{} // when set, UploadChunk waits for ctx
}

func newFakeClient() *fakeClient {
	return &fakeClient{sessionID: "s1", statuses: map[string]string{}}
}

func (f *fakeClient) UploadDirect(ctx context.Context, name, mediaType string, size int64, r io.Reader) (string, io.ReadCloser, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", nil, err
	}
	return f.sessionID, io.NopCloser(strings.NewReader(f.directEvent)), nil
}

func (f *fakeClient) InitChunked(ctx context.Context, name, mediaType string, size, chunkSize int64) (string, error) {
	return f.sessionID, nil
}

func (f *fakeClient) UploadChunk(ctx context.Context, sessionID string, index int, data []byte) error {
	if f.blockChunks != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.blockChunks:
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunkErr != nil {
		return f.chunkErr
	}
	f.chunkSizes = append(f.chunkSizes, len(data))
	f.chunkIndxs = append(f.chunkIndxs, index)
	return nil
}

func (f *fakeClient) setChunkErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkErr = err
}

func (f *fakeClient) FinalizeChunked(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.finalEvents)), nil
}

func (f *fakeClient) SessionStatus(ctx context.Context, sessionID string) (string, error) {
	if s, ok := f.statuses[sessionID]; ok {
		return s, nil
	}
	return ingest.SessionNotFound, nil
}

func (f *fakeClient) ActiveSessions(ctx context.Context) ([]ingest.ActiveSession, error) {
	return f.active, nil
}

// fakeSessions is an in-memory SessionStore.
type fakeSessions struct {
	mu    sync.Mutex
	saved []state.UploadItem
}

func (f *fakeSessions) SaveSnapshot(_ context.Context, items []state.UploadItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append([]state.UploadItem(nil), items...)
	return nil
}

func (f *fakeSessions) LoadSnapshot(context.Context) ([]state.UploadItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]state.UploadItem(nil), f.saved...), nil
}

// zeroFile returns a re-openable file of the given size.
func zeroFile(name string, size int64) File {
	return File{
		Name:      name,
		Size:      size,
		MediaType: "application/pdf",
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(io.LimitReader(zeroReader{}, size)), nil
		},
	}
}

type zeroReader struct{}

func (zeroReader) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = 0
	}
	return len(b), nil
}

func waitForStatus(t *testing.T, s *state.Store, id uuid.UUID, want state.UploadStatus) state.UploadItem {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		item, ok := s.Upload(id)
		if ok && item.Status == want {
			return item
		}
		time.Sleep(10 * time.Millisecond)
	}
	item, _ := s.Upload(id)
	t.Fatalf("item never reached %q, last = %+v", want, item)
	return state.UploadItem{}
}

func TestFileHandleReleasedOnQueueExit(t *testing.T) {
	s := state.NewStore(log.NewNop())
	m := NewManager(newFakeClient(), s, nil, nil, log.NewNop())

	cleaned := 0
	f := zeroFile("a.pdf", 1024)
	f.Cleanup = func() { cleaned++ }

	accepted, rejected := m.Enqueue([]File{f})
	if len(accepted) != 1 || len(rejected) != 0 {
		t.Fatalf("accepted = %d, rejected = %d, want 1, 0", len(accepted), len(rejected))
	}
	if cleaned != 0 {
		t.Fatalf("Cleanup ran while item still queued")
	}

	m.Remove(accepted[0].ID)
	if cleaned != 1 {
		t.Errorf("Cleanup calls after Remove = %d, want 1", cleaned)
	}
}

func TestEnqueueReleasesRejectedHandles(t *testing.T) {
	s := state.NewStore(log.NewNop())
	m := NewManager(newFakeClient(), s, nil, nil, log.NewNop())

	cleaned := 0
	f := File{Name: "huge.pdf", Size: maxFileSize + 1, MediaType: "application/pdf",
		Cleanup: func() { cleaned++ }}

	accepted, rejected := m.Enqueue([]File{f})
	if len(accepted) != 0 || len(rejected) != 1 {
		t.Fatalf("accepted = %d, rejected = %d, want 0, 1", len(accepted), len(rejected))
	}
	if cleaned != 1 {
		t.Errorf("Cleanup calls for rejected file = %d, want 1", cleaned)
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := state.NewStore(log.NewNop())
	m := NewManager(newFakeClient(), s, nil, nil, log.NewNop())

	files := []File{
		zeroFile("ok.pdf", 1024),
		{Name: "huge.pdf", Size: maxFileSize + 1, MediaType: "application/pdf"},
		{Name: "weird.bin", Size: 10, MediaType: "application/octet-stream"},
	}

	accepted, rejected := m.Enqueue(files)
	if len(accepted) != 1 {
		t.Fatalf("accepted = %d, want 1", len(accepted))
	}
	if accepted[0].Status != state.UploadPending {
		t.Errorf("Status = %q, want %q", accepted[0].Status, state.UploadPending)
	}
	if len(rejected) != 2 {
		t.Fatalf("rejected = %d, want 2", len(rejected))
	}
	if !errors.Is(rejected[0], ErrFileTooLarge) {
		t.Errorf("rejected[0] = %v, want ErrFileTooLarge", rejected[0])
	}
	if !errors.Is(rejected[1], ErrUnsupportedType) {
		t.Errorf("rejected[1] = %v, want ErrUnsupportedType", rejected[1])
	}
	if got := len(s.Uploads()); got != 1 {
		t.Errorf("queue length = %d, want 1 (rejects never added)", got)
	}
}

func TestChunkedUploadAccounting(t *testing.T) {
	s := state.NewStore(log.NewNop())
	fc := newFakeClient()
	fc.finalEvents = "data: {\"type\":\"session_complete\",\"sessionId\":\"s1\"}\n\n"

	rec := event.NewReconciler(s, nil, log.NewNop())
	m := NewManager(fc, s, nil, rec.Ingest, log.NewNop())

	progress := make(chan state.Delta, 256)
	if err := s.Subscribe("test", progress); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer s.Unsubscribe("test")

	// 25 MB at 2 MB chunks: exactly 13 chunk calls.
	accepted, _ := m.Enqueue([]File{zeroFile("big.pdf", 25<<20)})
	id := accepted[0].ID

	if err := m.Start(context.Background(), id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForStatus(t, s, id, state.UploadCompleted)

	fc.mu.Lock()
	calls := len(fc.chunkSizes)
	var sent int
	for _, n := range fc.chunkSizes {
		sent += n
	}
	fc.mu.Unlock()

	if calls != 13 {
		t.Errorf("chunk calls = %d, want 13", calls)
	}
	if sent != 25<<20 {
		t.Errorf("bytes sent = %d, want %d", sent, 25<<20)
	}

	// Progress reported monotonically non-decreasing across the transfer.
	last := -1.0
	for {
		var d state.Delta
		select {
		case d = <-progress:
		default:
			d = state.Delta{}
		}
		if d.Kind == "" {
			break
		}
		if d.Kind != state.DeltaUpload || d.Upload == nil {
			continue
		}
		if d.Upload.Progress < last {
			t.Fatalf("progress regressed: %v after %v", d.Upload.Progress, last)
		}
		last = d.Upload.Progress
	}
	if last != 100 {
		t.Errorf("final progress = %v, want 100", last)
	}

	item, _ := s.Upload(id)
	if item.ChunksTotal != 13 || item.ChunksSent != 13 {
		t.Errorf("chunk counters = %d/%d, want 13/13", item.ChunksSent, item.ChunksTotal)
	}
}

func TestDirectUploadCompletes(t *testing.T) {
	s := state.NewStore(log.NewNop())
	fc := newFakeClient()
	fc.directEvent = "data: {\"type\":\"content_processed\",\"sessionId\":\"s1\"}\n\n"

	rec := event.NewReconciler(s, nil, log.NewNop())
	m := NewManager(fc, s, nil, rec.Ingest, log.NewNop())

	accepted, _ := m.Enqueue([]File{zeroFile("small.pdf", 1024)})
	id := accepted[0].ID

	if err := m.Start(context.Background(), id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	item := waitForStatus(t, s, id, state.UploadCompleted)
	if item.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", item.SessionID)
	}
}

func TestCancelIsTerminalNotError(t *testing.T) {
	s := state.NewStore(log.NewNop())
	fc := newFakeClient()
	fc.blockChunks = make(chan struct{}) // never closed: chunks hang on ctx
	m := NewManager(fc, s, nil, nil, log.NewNop())

	accepted, _ := m.Enqueue([]File{zeroFile("big.pdf", 10 << 20)})
	id := accepted[0].ID

	if err := m.Start(context.Background(), id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForStatus(t, s, id, state.UploadUploading)

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	item := waitForStatus(t, s, id, state.UploadCancelled)
	if item.LastError != "" {
		t.Errorf("LastError = %q, want empty (cancellation is not a failure)", item.LastError)
	}

	// Give the transfer goroutine time to observe the cancellation and
	// verify it did not flip the item to error.
	time.Sleep(100 * time.Millisecond)
	item, _ = s.Upload(id)
	if item.Status != state.UploadCancelled {
		t.Errorf("Status after unwind = %q, want %q", item.Status, state.UploadCancelled)
	}
	m.shutdown()
}

func TestRetryRestartsFromScratch(t *testing.T) {
	s := state.NewStore(log.NewNop())
	fc := newFakeClient()
	fc.setChunkErr(fmt.Errorf("boom"))
	fc.finalEvents = "data: {\"type\":\"session_complete\",\"sessionId\":\"s1\"}\n\n"
	rec := event.NewReconciler(s, nil, log.NewNop())
	m := NewManager(fc, s, nil, rec.Ingest, log.NewNop())

	accepted, _ := m.Enqueue([]File{zeroFile("big.pdf", 6 << 20)})
	id := accepted[0].ID

	if err := m.Start(context.Background(), id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	item := waitForStatus(t, s, id, state.UploadError)
	if item.LastError == "" {
		t.Error("LastError empty, want human-readable message")
	}

	fc.setChunkErr(nil)
	if err := m.Retry(context.Background(), id); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	item = waitForStatus(t, s, id, state.UploadCompleted)
	if item.Retries != 1 {
		t.Errorf("Retries = %d, want 1", item.Retries)
	}
	if item.ChunksSent != 3 {
		t.Errorf("ChunksSent = %d, want 3 (restarted from chunk zero)", item.ChunksSent)
	}
}

func TestRetryRequiresErrorState(t *testing.T) {
	s := state.NewStore(log.NewNop())
	m := NewManager(newFakeClient(), s, nil, nil, log.NewNop())

	accepted, _ := m.Enqueue([]File{zeroFile("a.pdf", 100)})
	if err := m.Retry(context.Background(), accepted[0].ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry(pending) error = %v, want ErrNotRetryable", err)
	}
}

func TestRestoreMapsSessionStatuses(t *testing.T) {
	s := state.NewStore(log.NewNop())
	fc := newFakeClient()
	fc.statuses = map[string]string{
		"s-active":   ingest.SessionProcessing,
		"s-done":     ingest.SessionCompleted,
		"s-failed":   ingest.SessionFailed,
		"s-vanished": ingest.SessionNotFound,
	}

	fs := &fakeSessions{}
	now := time.Now()
	for _, sid := range []string{"s-active", "s-done", "s-failed", "s-vanished"} {
		fs.saved = append(fs.saved, state.UploadItem{
			ID: uuid.New(), Name: sid + ".pdf", Status: state.UploadProcessing,
			SessionID: sid, CreatedAt: now, UpdatedAt: now,
		})
	}

	m := NewManager(fc, s, fs, nil, log.NewNop())
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	wantBysession := map[string]state.UploadStatus{
		"s-active":   state.UploadProcessing,
		"s-done":     state.UploadCompleted,
		"s-failed":   state.UploadError,
		"s-vanished": state.UploadError,
	}
	for sid, want := range wantBysession {
		item, ok := s.UploadBySession(sid)
		if !ok {
			t.Fatalf("session %s not restored", sid)
		}
		if item.Status != want {
			t.Errorf("session %s Status = %q, want %q", sid, item.Status, want)
		}
	}
}

func TestPersistenceRoundTripRestoresActiveSubset(t *testing.T) {
	s := state.NewStore(log.NewNop())
	fs := &fakeSessions{}
	m := NewManager(newFakeClient(), s, fs, nil, log.NewNop())

	now := time.Now()
	s.PutUpload(state.UploadItem{ID: uuid.New(), Status: state.UploadUploading, SessionID: "s1", CreatedAt: now})
	s.PutUpload(state.UploadItem{ID: uuid.New(), Status: state.UploadProcessing, SessionID: "s2", CreatedAt: now})
	s.PutUpload(state.UploadItem{ID: uuid.New(), Status: state.UploadCompleted, SessionID: "s3", CreatedAt: now})

	m.persist(context.Background())
	if len(fs.saved) != 2 {
		t.Fatalf("persisted = %d, want 2 (active subset only)", len(fs.saved))
	}

	// Fresh process: restore into an empty store. Every restored item
	// passes through reconnecting before its status query settles it.
	s2 := state.NewStore(log.NewNop())
	fc := newFakeClient()
	fc.statuses = map[string]string{
		"s1": ingest.SessionProcessing,
		"s2": ingest.SessionProcessing,
	}
	m2 := NewManager(fc, s2, fs, nil, log.NewNop())
	if err := m2.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	uploads := s2.Uploads()
	if len(uploads) != 2 {
		t.Fatalf("restored = %d, want 2", len(uploads))
	}
	for _, item := range uploads {
		if item.Status != state.UploadProcessing {
			t.Errorf("item %s Status = %q, want processing after re-attach", item.SessionID, item.Status)
		}
	}
}

func TestSweepPurgesStaleItems(t *testing.T) {
	s := state.NewStore(log.NewNop())
	fc := newFakeClient()
	fc.active = []ingest.ActiveSession{{SessionID: "s-live"}}
	m := NewManager(fc, s, nil, nil, log.NewNop())

	now := time.Now()
	liveID := uuid.New()
	staleID := uuid.New()
	pendingID := uuid.New()
	s.PutUpload(state.UploadItem{ID: liveID, Status: state.UploadProcessing, SessionID: "s-live", CreatedAt: now})
	s.PutUpload(state.UploadItem{ID: staleID, Status: state.UploadProcessing, SessionID: "s-gone", CreatedAt: now})
	s.PutUpload(state.UploadItem{ID: pendingID, Status: state.UploadPending, CreatedAt: now})

	m.sweepStale(context.Background())

	if _, ok := s.Upload(staleID); ok {
		t.Error("stale item survived the sweep")
	}
	if _, ok := s.Upload(liveID); !ok {
		t.Error("live item was purged")
	}
	if _, ok := s.Upload(pendingID); !ok {
		t.Error("pending item was purged (sweep must only touch processing items)")
	}
}

func TestQueueViewMergesUpstreamSessions(t *testing.T) {
	s := state.NewStore(log.NewNop())
	fc := newFakeClient()
	fc.active = []ingest.ActiveSession{
		{SessionID: "s-mine", Filename: "mine.pdf", Status: "processing", Progress: 40},
		{SessionID: "s-other", Filename: "other.pdf", Status: "processing", Progress: 10},
	}
	m := NewManager(fc, s, nil, nil, log.NewNop())

	s.PutUpload(state.UploadItem{ID: uuid.New(), Name: "mine.pdf", Status: state.UploadProcessing, SessionID: "s-mine", CreatedAt: time.Now()})

	view := m.QueueView(context.Background())
	if len(view) != 2 {
		t.Fatalf("len(QueueView()) = %d, want 2 (local + upstream-only)", len(view))
	}
	var foundOther bool
	for _, item := range view {
		if item.SessionID == "s-other" {
			foundOther = true
			if item.Name != "other.pdf" {
				t.Errorf("merged name = %q, want other.pdf", item.Name)
			}
		}
	}
	if !foundOther {
		t.Error("upstream-only session missing from merged view")
	}
}

func TestMutationsBeforeRunArePersisted(t *testing.T) {
	s := state.NewStore(log.NewNop())
	fs := &fakeSessions{}
	m := NewManager(newFakeClient(), s, fs, nil, log.NewNop())

	// A restore-time insert lands before Run starts draining.
	id := uuid.New()
	s.PutUpload(state.UploadItem{ID: id, Status: state.UploadUploading, SessionID: "s1", CreatedAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		n := len(fs.saved)
		fs.mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	fs.mu.Lock()
	if len(fs.saved) < 1 {
		fs.mu.Unlock()
		t.Fatal("pre-Run mutation was not persisted")
	}
	fs.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}

func TestRunPersistsOnMutationAndRemovesCompleted(t *testing.T) {
	s := state.NewStore(log.NewNop())
	fs := &fakeSessions{}
	m := NewManager(newFakeClient(), s, fs, nil, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	id := uuid.New()
	s.PutUpload(state.UploadItem{ID: id, Status: state.UploadUploading, SessionID: "s1", CreatedAt: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		n := len(fs.saved)
		fs.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	fs.mu.Lock()
	if len(fs.saved) != 1 {
		fs.mu.Unlock()
		t.Fatal("mutation was not persisted")
	}
	fs.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}
