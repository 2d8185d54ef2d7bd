package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/koopa0/flowboard/internal/flow"
	"github.com/koopa0/flowboard/internal/ingest"
	"github.com/koopa0/flowboard/internal/state"
	"github.com/koopa0/flowboard/internal/testutil"
	"github.com/koopa0/flowboard/internal/upload"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubClient is a no-op upstream for handler tests.
type stubClient struct{}

func (stubClient) UploadDirect(context.Context, string, string, int64, io.Reader) (string, io.ReadCloser, error) {
	return "s1", io.NopCloser(strings.NewReader("")), nil
}

func (stubClient) InitChunked(context.Context, string, string, int64, int64) (string, error) {
	return "s1", nil
}

func (stubClient) UploadChunk(context.Context, string, int, []byte) error { return nil }

func (stubClient) FinalizeChunked(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (stubClient) SessionStatus(context.Context, string) (string, error) {
	return ingest.SessionProcessing, nil
}

func (stubClient) ActiveSessions(context.Context) ([]ingest.ActiveSession, error) {
	return nil, nil
}

type fixture struct {
	store    *state.Store
	manager  *upload.Manager
	engine   *flow.Engine
	handler  http.Handler
	spoolDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.DiscardLogger()
	store := state.NewStore(logger)
	manager := upload.NewManager(stubClient{}, store, nil, nil, logger)
	engine := flow.NewEngine(store, flow.Config{}, logger)

	spoolDir := t.TempDir()
	srv, err := NewServer(ServerConfig{
		Logger:      logger,
		Store:       store,
		Manager:     manager,
		Engine:      engine,
		CORSOrigins: []string{"http://localhost:5173"},
		UploadDir:   spoolDir,
	})
	require.NoError(t, err)

	return &fixture{store: store, manager: manager, engine: engine, handler: srv.Handler(), spoolDir: spoolDir}
}

func (f *fixture) do(method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "192.0.2.1:1234"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresDeps(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)

	_, err = NewServer(ServerConfig{Store: state.NewStore(testutil.DiscardLogger())})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestDocumentsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.store.UpsertDocument(state.Document{ID: "d1", Title: "One", Status: state.DocCompleted, ChunkCount: 13})

	rec := f.do(http.MethodGet, "/api/v1/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp documentList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "d1", resp.Documents[0].ID)
	assert.Equal(t, 13, resp.Documents[0].ChunkCount)
}

func TestRecentDrains(t *testing.T) {
	f := newFixture(t)
	f.store.MarkRecentlyCreated("d1", "d2")

	rec := f.do(http.MethodGet, "/api/v1/recent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp["recent"], 2)

	// A second read finds the set drained.
	rec = f.do(http.MethodGet, "/api/v1/recent", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp["recent"])
}

func TestUploadCreateAndList(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Accepted, 1)
	assert.Equal(t, "notes.txt", resp.Accepted[0].Name)
	assert.Empty(t, resp.Rejected)

	rec = f.do(http.MethodGet, "/api/v1/uploads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list uploadList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Uploads, 1)
}

func TestUploadRemoveDeletesSpooledFile(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Accepted, 1)

	spooled, err := filepath.Glob(filepath.Join(f.spoolDir, "flowboard-upload-*"))
	require.NoError(t, err)
	require.Len(t, spooled, 1, "upload was not spooled to disk")

	rec = f.do(http.MethodDelete, "/api/v1/uploads/"+resp.Accepted[0].ID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	spooled, err = filepath.Glob(filepath.Join(f.spoolDir, "flowboard-upload-*"))
	require.NoError(t, err)
	assert.Empty(t, spooled, "spooled file survived queue removal")
}

func TestUploadCreateRejectsEmptyForm(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_files")
}

func TestUploadItemErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/uploads/not-a-uuid/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/uploads/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Retry of a pending item is a conflict, not an internal error.
	f.store.PutUpload(state.UploadItem{ID: uuid.MustParse("11111111-1111-1111-1111-111111111111"), Status: state.UploadPending, CreatedAt: time.Now()})
	rec = f.do(http.MethodPost, "/api/v1/uploads/11111111-1111-1111-1111-111111111111/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFlowSnapshotAndControl(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/flow", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap flow.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.False(t, snap.Playing)

	rec = f.do(http.MethodPost, "/api/v1/flow/control", strings.NewReader(`{"playing":true,"speed":2}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.engine.Playing())
}

func TestGridPlanAndGate(t *testing.T) {
	f := newFixture(t)

	body := `{
		"before": [{"id":"a","x":0,"y":0}],
		"after":  [{"id":"a","x":100,"y":0},{"id":"b","x":0,"y":0}],
		"fresh":  ["b"],
		"containerWidth": 1000, "minTile": 160, "gap": 16
	}`
	rec := f.do(http.MethodPost, "/api/v1/grid/plan", strings.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp planResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Plan.Moves, 1)
	assert.Len(t, resp.Plan.Entries, 1)
	assert.False(t, resp.Empty)
	assert.Equal(t, 5, resp.Layout.Columns)

	// Second non-empty plan while the first still animates is rejected.
	rec = f.do(http.MethodPost, "/api/v1/grid/plan", strings.NewReader(body))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/grid/done", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/grid/plan", strings.NewReader(body))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGridPlanEmptyNeverClaimsGate(t *testing.T) {
	f := newFixture(t)
	body := `{"before":[{"id":"a","x":0,"y":0}],"after":[{"id":"a","x":0,"y":0}]}`

	for i := 0; i < 3; i++ {
		rec := f.do(http.MethodPost, "/api/v1/grid/plan", strings.NewReader(body))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp planResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Empty)
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.ServeHTTP(rec, req)
	}()

	// Let the handler subscribe and send the snapshot, then publish.
	time.Sleep(50 * time.Millisecond)
	f.store.UpsertDocument(state.Document{ID: "d1", Status: state.DocProcessing})
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit on cancel")
	}

	events := testutil.ParseSSEEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "snapshot", events[0].Type)
	docEvent := testutil.FindEvent(events, "document")
	require.NotNil(t, docEvent, "document delta not streamed")
	assert.Contains(t, docEvent.Data, `"d1"`)
}

func TestEventsStreamPushesFlowFrames(t *testing.T) {
	f := newFixture(t)
	f.engine.Play()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.ServeHTTP(rec, req)
	}()

	// Frames are pushed every 500ms; wait past one tick.
	time.Sleep(600 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit on cancel")
	}

	events := testutil.ParseSSEEvents(t, rec.Body.String())
	frame := testutil.FindEvent(events, "flow")
	require.NotNil(t, frame, "flow frame not streamed")
	assert.Contains(t, frame.Data, `"playing":true`)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/documents", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/documents", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	logger := testutil.DiscardLogger()
	store := state.NewStore(logger)
	manager := upload.NewManager(stubClient{}, store, nil, nil, logger)
	srv, err := NewServer(ServerConfig{
		Logger:    logger,
		Store:     store,
		Manager:   manager,
		RateLimit: 0.001,
		RateBurst: 1,
		UploadDir: t.TempDir(),
	})
	require.NoError(t, err)

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
		req.RemoteAddr = "192.0.2.9:1234"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())
}
