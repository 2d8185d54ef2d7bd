// Package sqlite persists in-flight upload sessions so the queue survives a
// process restart. The snapshot model is deliberately simple: the whole
// active subset is rewritten on every save (last-writer-wins), matching the
// single-threaded mutation model of the upload manager.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/koopa0/flowboard/internal/state"
)

// ErrLocked is returned when another flowboard process holds the data
// directory lock.
var ErrLocked = errors.New("sqlite: data directory locked by another process")

const schema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	size         INTEGER NOT NULL,
	media_type   TEXT NOT NULL,
	status       TEXT NOT NULL,
	progress     REAL NOT NULL,
	session_id   TEXT NOT NULL,
	retries      INTEGER NOT NULL,
	chunks_sent  INTEGER NOT NULL,
	chunks_total INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
`

// Store is the durable local store for upload sessions.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	path string
}

// NewStore opens (or creates) the session database under dataDir. An empty
// dataDir defaults to ~/.flowboard/data. The directory is guarded with an
// advisory lock so two dashboard processes do not interleave snapshots.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".flowboard", "data")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, "flowboard.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring data directory lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	dbPath := filepath.Join(dataDir, "sessions.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, lock: lock, path: dbPath}, nil
}

// Close closes the database and releases the directory lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if lerr := s.lock.Unlock(); lerr != nil && err == nil {
		err = fmt.Errorf("releasing lock: %w", lerr)
	}
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SaveSnapshot replaces the persisted set with items. Callers pass only the
// uploading/processing subset; completed and failed items are excluded to
// bound growth.
func (s *Store) SaveSnapshot(ctx context.Context, items []state.UploadItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	const insert = `
INSERT INTO upload_sessions
	(id, name, size, media_type, status, progress, session_id, retries,
	 chunks_sent, chunks_total, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, it := range items {
		if !it.Status.Active() {
			continue
		}
		_, err := tx.ExecContext(ctx, insert,
			it.ID.String(), it.Name, it.Size, it.MediaType,
			string(it.Status), it.Progress, it.SessionID, it.Retries,
			it.ChunksSent, it.ChunksTotal, it.CreatedAt, it.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns every persisted upload session.
func (s *Store) LoadSnapshot(ctx context.Context) ([]state.UploadItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, size, media_type, status, progress, session_id, retries,
       chunks_sent, chunks_total, created_at, updated_at
FROM upload_sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var items []state.UploadItem
	for rows.Next() {
		var (
			it        state.UploadItem
			id        string
			status    string
			createdAt time.Time
			updatedAt time.Time
		)
		err := rows.Scan(&id, &it.Name, &it.Size, &it.MediaType, &status,
			&it.Progress, &it.SessionID, &it.Retries,
			&it.ChunksSent, &it.ChunksTotal, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse session id %q: %w", id, err)
		}
		it.ID = parsed
		it.Status = state.UploadStatus(status)
		it.CreatedAt = createdAt
		it.UpdatedAt = updatedAt
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot: %w", err)
	}
	return items, nil
}
