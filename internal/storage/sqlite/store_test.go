package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/flowboard/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	uploading := state.UploadItem{
		ID: uuid.New(), Name: "a.pdf", Size: 1 << 20, MediaType: "application/pdf",
		Status: state.UploadUploading, Progress: 30, SessionID: "s1",
		ChunksSent: 3, ChunksTotal: 10, CreatedAt: now, UpdatedAt: now,
	}
	processing := state.UploadItem{
		ID: uuid.New(), Name: "b.md", Size: 512, MediaType: "text/markdown",
		Status: state.UploadProcessing, Progress: 70, SessionID: "s2",
		CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second),
	}
	completed := state.UploadItem{
		ID: uuid.New(), Name: "c.txt", Status: state.UploadCompleted,
		CreatedAt: now, UpdatedAt: now,
	}

	if err := s.SaveSnapshot(ctx, []state.UploadItem{uploading, processing, completed}); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	got, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}

	// Exactly the uploading/processing subset survives, in creation order.
	if len(got) != 2 {
		t.Fatalf("len(LoadSnapshot()) = %d, want 2", len(got))
	}
	if got[0].ID != uploading.ID || got[1].ID != processing.ID {
		t.Errorf("restored ids = %v, %v; want %v, %v", got[0].ID, got[1].ID, uploading.ID, processing.ID)
	}
	if got[0].SessionID != "s1" || got[0].ChunksSent != 3 || got[0].ChunksTotal != 10 {
		t.Errorf("restored item = %+v, want chunk counters intact", got[0])
	}
	if got[1].Status != state.UploadProcessing {
		t.Errorf("restored status = %q, want %q", got[1].Status, state.UploadProcessing)
	}
}

func TestSnapshotLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := state.UploadItem{ID: uuid.New(), Name: "a", Status: state.UploadUploading, CreatedAt: now, UpdatedAt: now}
	second := state.UploadItem{ID: uuid.New(), Name: "b", Status: state.UploadProcessing, CreatedAt: now, UpdatedAt: now}

	if err := s.SaveSnapshot(ctx, []state.UploadItem{first}); err != nil {
		t.Fatalf("first SaveSnapshot() error = %v", err)
	}
	if err := s.SaveSnapshot(ctx, []state.UploadItem{second}); err != nil {
		t.Fatalf("second SaveSnapshot() error = %v", err)
	}

	got, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != second.ID {
		t.Errorf("LoadSnapshot() = %+v, want only the second snapshot", got)
	}
}

func TestEmptySnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, nil); err != nil {
		t.Fatalf("SaveSnapshot(nil) error = %v", err)
	}
	got, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(LoadSnapshot()) = %d, want 0", len(got))
	}
}

func TestDirectoryLockExcludesSecondProcess(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s1.Close()

	if _, err := NewStore(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("second NewStore() error = %v, want ErrLocked", err)
	}
}
