package upload

import (
	"context"
	"fmt"

	"github.com/koopa0/flowboard/internal/ingest"
	"github.com/koopa0/flowboard/internal/state"
)

// Restore loads the persisted upload sessions and reconciles each against
// the upstream's authoritative session status. Called once at startup,
// before the live stream and poller start.
//
// Per item: still active → re-attach (the global event stream resumes its
// progress); finished → apply the terminal status directly; unknown →
// error, since the session evaporated while this client was away.
func (m *Manager) Restore(ctx context.Context) error {
	if m.sessions == nil {
		return nil
	}

	items, err := m.sessions.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load persisted sessions: %w", err)
	}

	for _, item := range items {
		item.Status = state.UploadReconnecting
		m.store.PutUpload(item)

		status, err := m.client.SessionStatus(ctx, item.SessionID)
		if err != nil {
			m.logger.Warn("session status query failed", "session", item.SessionID, "error", err)
			// Leave it reconnecting; the stale sweep settles it later.
			continue
		}

		switch status {
		case ingest.SessionProcessing:
			m.setStatus(item.ID, state.UploadProcessing)
			m.logger.Info("re-attached to session", "session", item.SessionID, "name", item.Name)
		case ingest.SessionCompleted:
			_ = m.store.MutateUpload(item.ID, func(it *state.UploadItem) {
				it.Status = state.UploadCompleted
				it.Progress = 100
			})
		case ingest.SessionFailed:
			_ = m.store.MutateUpload(item.ID, func(it *state.UploadItem) {
				it.Status = state.UploadError
				it.LastError = "processing failed while disconnected"
			})
		default: // not-found or anything unrecognized
			_ = m.store.MutateUpload(item.ID, func(it *state.UploadItem) {
				it.Status = state.UploadError
				it.LastError = "session no longer known to server"
			})
		}
	}
	return nil
}

// sweepStale cross-references locally-tracked processing items against the
// upstream's in-progress list and purges the ones with no counterpart:
// they completed or failed while this client was unaware, and the next
// document poll carries the outcome.
func (m *Manager) sweepStale(ctx context.Context) {
	sessions, err := m.client.ActiveSessions(ctx)
	if err != nil {
		m.logger.Debug("active sessions query failed", "error", err)
		return
	}

	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.SessionID] = true
	}

	for _, item := range m.store.Uploads() {
		if item.Status != state.UploadProcessing && item.Status != state.UploadStuck &&
			item.Status != state.UploadReconnecting {
			continue
		}
		if item.SessionID == "" || live[item.SessionID] {
			continue
		}
		m.logger.Info("purging stale upload", "id", item.ID, "session", item.SessionID, "name", item.Name)
		m.Remove(item.ID)
	}
}

// QueueView merges the local upload queue with the upstream's in-progress
// sessions for rendering: upstream-only sessions (started by another
// client) appear read-only alongside local items.
func (m *Manager) QueueView(ctx context.Context) []state.UploadItem {
	local := m.store.Uploads()

	sessions, err := m.client.ActiveSessions(ctx)
	if err != nil {
		m.logger.Debug("active sessions query failed", "error", err)
		return local
	}

	tracked := make(map[string]bool, len(local))
	for _, item := range local {
		if item.SessionID != "" {
			tracked[item.SessionID] = true
		}
	}

	for _, s := range sessions {
		if tracked[s.SessionID] {
			continue
		}
		local = append(local, state.UploadItem{
			Name:      s.Filename,
			Status:    state.UploadProcessing,
			Progress:  s.Progress,
			SessionID: s.SessionID,
		})
	}
	return local
}
