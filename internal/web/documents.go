package web

import (
	"log/slog"
	"net/http"

	"github.com/koopa0/flowboard/internal/state"
)

// documentsHandler serves canonical document state.
type documentsHandler struct {
	store  *state.Store
	logger *slog.Logger
}

type documentList struct {
	Documents []state.Document `json:"documents"`
	Total     int              `json:"total"`
}

// list returns the mirrored document list.
func (h *documentsHandler) list(w http.ResponseWriter, _ *http.Request) {
	docs := h.store.Documents()
	writeJSON(w, http.StatusOK, documentList{Documents: docs, Total: len(docs)})
}

// stats returns knowledge-base statistics, last-known on upstream trouble.
func (h *documentsHandler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Stats())
}

// recent drains and returns the recently-created identifier set. Consumers
// use it to decide which grid tiles animate in as fresh.
func (h *documentsHandler) recent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"recent": h.store.DrainRecent()})
}
