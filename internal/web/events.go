package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/flowboard/internal/flow"
	"github.com/koopa0/flowboard/internal/state"
	"github.com/koopa0/flowboard/internal/web/sse"
)

const (
	// streamBuffer is the per-client delta buffer. A client that cannot
	// keep up loses deltas rather than blocking the store; the poller's
	// next refresh repairs its view.
	streamBuffer = 64

	keepaliveEvery = 15 * time.Second

	// frameEvery is the cadence for pushed flow frames. The canvas
	// interpolates between frames client-side, so this is deliberately
	// coarser than the engine's tick rate.
	frameEvery = 500 * time.Millisecond
)

// eventsHandler streams canonical-state deltas and flow frames to browsers.
type eventsHandler struct {
	store  *state.Store
	engine *flow.Engine // nil disables flow frames
	logger *slog.Logger
}

// stream subscribes the client to state deltas and forwards each as a JSON
// SSE event named after its delta kind. The subscription ends with the
// request context.
func (h *eventsHandler) stream(w http.ResponseWriter, r *http.Request) {
	writer, err := sse.NewWriter(w)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming", h.logger)
		return
	}

	id := "events-" + uuid.New().String()
	deltas := make(chan state.Delta, streamBuffer)
	if err := h.store.Subscribe(id, deltas); err != nil {
		WriteError(w, http.StatusInternalServerError, "subscribe_failed", "could not subscribe to state changes", h.logger)
		return
	}
	defer h.store.Unsubscribe(id)

	// Initial snapshot so a fresh client renders without waiting for the
	// first delta.
	snapshot := struct {
		Documents []state.Document   `json:"documents"`
		Uploads   []state.UploadItem `json:"uploads"`
		Stats     state.Stats        `json:"stats"`
	}{
		Documents: h.store.Documents(),
		Uploads:   h.store.Uploads(),
		Stats:     h.store.Stats(),
	}
	if err := writer.WriteJSON(r.Context(), "snapshot", snapshot); err != nil {
		h.logger.Debug("client gone before snapshot", "error", err)
		return
	}

	keepalive := time.NewTicker(keepaliveEvery)
	defer keepalive.Stop()

	// Flow frames ride the same stream. The nil channel arm never fires
	// when no engine is configured.
	var frames <-chan time.Time
	if h.engine != nil {
		frameTicker := time.NewTicker(frameEvery)
		defer frameTicker.Stop()
		frames = frameTicker.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-deltas:
			if err := writer.WriteJSON(ctx, string(d.Kind), d); err != nil {
				h.logger.Debug("client disconnected", "error", err)
				return
			}
		case <-frames:
			if !h.engine.Playing() {
				continue
			}
			if err := writer.WriteJSON(ctx, "flow", h.engine.Snapshot()); err != nil {
				h.logger.Debug("client disconnected", "error", err)
				return
			}
		case <-keepalive.C:
			if err := writer.WriteComment("keepalive"); err != nil {
				return
			}
		}
	}
}
