package state

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("state: not found")

// ErrSubscriberExists is returned when Subscribe reuses an id.
var ErrSubscriberExists = errors.New("state: subscriber id already exists")

// Store is the single explicitly-owned container for canonical state.
// Components receive it by reference and mutate only through the named
// operations below; readers always get copies.
//
// Store is safe for concurrent use. Every mutation publishes a Delta to all
// subscribers; a subscriber whose channel is full has the delta dropped
// rather than queued, so a slow consumer never stalls reconciliation.
type Store struct {
	mu        sync.RWMutex
	documents map[string]*Document
	docOrder  []string
	uploads   map[uuid.UUID]*UploadItem
	stats     Stats

	// recent is the "recently created" identifier set: the union of every
	// candidate identifier (id, url, title) seen on a creation-class event.
	// The grid animator drains it to decide what to animate, because the
	// canonical list refresh may lag the event by one poll cycle.
	recent map[string]struct{}

	subs    map[string]chan<- Delta
	dropped uint64

	logger *slog.Logger
}

// NewStore creates an empty Store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		documents: make(map[string]*Document),
		uploads:   make(map[uuid.UUID]*UploadItem),
		recent:    make(map[string]struct{}),
		subs:      make(map[string]chan<- Delta),
		logger:    logger,
	}
}

// Subscribe registers a channel to receive state deltas. The channel should
// be buffered; deltas are dropped, never queued, when it is full.
func (s *Store) Subscribe(id string, ch chan<- Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[id]; exists {
		return ErrSubscriberExists
	}
	s.subs[id] = ch
	return nil
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (s *Store) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Dropped returns the number of deltas dropped due to full subscriber
// channels since the store was created.
func (s *Store) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// publish fans a delta out to all subscribers. Callers must hold s.mu.
func (s *Store) publish(d Delta) {
	for id, ch := range s.subs {
		select {
		case ch <- d:
		default:
			s.dropped++
			s.logger.Debug("delta dropped", "subscriber", id, "kind", d.Kind)
		}
	}
}

// --- documents ---

// Documents returns a copy of the canonical document list in insertion order.
func (s *Store) Documents() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0, len(s.docOrder))
	for _, id := range s.docOrder {
		out = append(out, *s.documents[id])
	}
	return out
}

// Document returns a copy of one document by identifier.
func (s *Store) Document(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// ReplaceDocuments installs a full list from a poll. Poll results are
// authoritative: they override stale derived fields and are the only path
// that removes documents.
func (s *Store) ReplaceDocuments(docs []Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = make(map[string]*Document, len(docs))
	s.docOrder = s.docOrder[:0]
	for i := range docs {
		doc := docs[i]
		if doc.ID == "" {
			continue
		}
		if _, dup := s.documents[doc.ID]; dup {
			continue
		}
		s.documents[doc.ID] = &doc
		s.docOrder = append(s.docOrder, doc.ID)
	}
	s.publish(Delta{Kind: DeltaDocuments})
}

// UpsertDocument merges one document update by identifier. The merge is
// last-applied-wins per field: zero-valued incoming fields leave the stored
// value untouched, so replaying the same event is a no-op beyond harmless
// re-assignment.
func (s *Store) UpsertDocument(doc Document) {
	if doc.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.documents[doc.ID]
	if !ok {
		d := doc
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now()
		}
		s.documents[doc.ID] = &d
		s.docOrder = append(s.docOrder, d.ID)
		snapshot := d
		s.publish(Delta{Kind: DeltaDocument, Document: &snapshot})
		return
	}

	if doc.Title != "" {
		cur.Title = doc.Title
	}
	if doc.URL != "" {
		cur.URL = doc.URL
	}
	if doc.Status != "" {
		cur.Status = doc.Status
	}
	if doc.Progress > 0 {
		cur.Progress = doc.Progress
	}
	if doc.ChunkCount > 0 {
		cur.ChunkCount = doc.ChunkCount
	}
	if len(doc.Topics) > 0 {
		cur.Topics = doc.Topics
	}
	if doc.Summary != "" {
		cur.Summary = doc.Summary
	}
	if doc.Contextual {
		cur.Contextual = true
	}
	snapshot := *cur
	s.publish(Delta{Kind: DeltaDocument, Document: &snapshot})
}

// --- recently created ---

// MarkRecentlyCreated unions candidate identifiers into the recently-created
// set and returns how many were new. Duplicate sightings are no-ops, so a
// creation event followed by a progress event carrying the same identifiers
// yields exactly one membership.
func (s *Store) MarkRecentlyCreated(ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, seen := s.recent[id]; seen {
			continue
		}
		s.recent[id] = struct{}{}
		added++
	}
	if added > 0 {
		s.publish(Delta{Kind: DeltaRecent, Recent: s.recentLocked()})
	}
	return added
}

// Recent returns the current recently-created identifier set.
func (s *Store) Recent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentLocked()
}

// DrainRecent returns the recently-created set and clears it. The grid
// animator calls this once per animation pass.
func (s *Store) DrainRecent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.recentLocked()
	s.recent = make(map[string]struct{})
	return out
}

func (s *Store) recentLocked() []string {
	out := make([]string, 0, len(s.recent))
	for id := range s.recent {
		out = append(out, id)
	}
	return out
}

// --- uploads ---

// Uploads returns a copy of the upload queue, most recently created last.
func (s *Store) Uploads() []UploadItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UploadItem, 0, len(s.uploads))
	for _, item := range s.uploads {
		out = append(out, *item)
	}
	sortUploads(out)
	return out
}

// Upload returns a copy of one upload by local identifier.
func (s *Store) Upload(id uuid.UUID) (UploadItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.uploads[id]
	if !ok {
		return UploadItem{}, false
	}
	return *item, true
}

// UploadBySession returns a copy of the upload attached to a server session.
func (s *Store) UploadBySession(sessionID string) (UploadItem, bool) {
	if sessionID == "" {
		return UploadItem{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.uploads {
		if item.SessionID == sessionID {
			return *item, true
		}
	}
	return UploadItem{}, false
}

// PutUpload inserts or replaces an upload entry.
func (s *Store) PutUpload(item UploadItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now()
	stored := item
	s.uploads[item.ID] = &stored
	snapshot := item
	s.publish(Delta{Kind: DeltaUpload, Upload: &snapshot})
}

// MutateUpload applies fn to the upload with the given id under the store
// lock and publishes the result. Returns ErrNotFound for unknown ids.
func (s *Store) MutateUpload(id uuid.UUID, fn func(*UploadItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.uploads[id]
	if !ok {
		return ErrNotFound
	}
	fn(item)
	item.UpdatedAt = time.Now()
	snapshot := *item
	s.publish(Delta{Kind: DeltaUpload, Upload: &snapshot})
	return nil
}

// MutateUploadBySession is MutateUpload keyed by server session identifier.
// Events that arrive before the corresponding creation was reconciled miss
// and return ErrNotFound; callers drop those silently.
func (s *Store) MutateUploadBySession(sessionID string, fn func(*UploadItem)) error {
	if sessionID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.uploads {
		if item.SessionID != sessionID {
			continue
		}
		fn(item)
		item.UpdatedAt = time.Now()
		snapshot := *item
		s.publish(Delta{Kind: DeltaUpload, Upload: &snapshot})
		return nil
	}
	return ErrNotFound
}

// RemoveUpload deletes an upload entry.
func (s *Store) RemoveUpload(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[id]; !ok {
		return
	}
	delete(s.uploads, id)
	s.publish(Delta{Kind: DeltaUploadRemoved, RemovedID: id.String()})
}

// ActiveUploads returns copies of the uploads worth persisting: the subset
// still uploading or processing on the server.
func (s *Store) ActiveUploads() []UploadItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UploadItem
	for _, item := range s.uploads {
		if item.Status.Active() {
			out = append(out, *item)
		}
	}
	sortUploads(out)
	return out
}

// --- stats ---

// SetStats installs fresh knowledge-base statistics.
func (s *Store) SetStats(st Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = time.Now()
	s.stats = st
	snapshot := st
	s.publish(Delta{Kind: DeltaStats, Stats: &snapshot})
}

// Stats returns the last-known statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// sortUploads orders items oldest first for stable presentation.
func sortUploads(items []UploadItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
