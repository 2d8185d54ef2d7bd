package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/koopa0/flowboard/internal/flow"
	"github.com/koopa0/flowboard/internal/grid"
)

// flowHandler exposes the canvas engine.
type flowHandler struct {
	engine *flow.Engine
	logger *slog.Logger
}

// snapshot returns the current render state and performance counters.
func (h *flowHandler) snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

type flowControl struct {
	Playing *bool    `json:"playing,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
}

// control toggles the play/pause gate and the global speed multiplier.
func (h *flowHandler) control(w http.ResponseWriter, r *http.Request) {
	var req flowControl
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid control payload", h.logger)
		return
	}
	if req.Playing != nil {
		if *req.Playing {
			h.engine.Play()
		} else {
			h.engine.Pause()
		}
	}
	if req.Speed != nil {
		h.engine.SetSpeed(*req.Speed)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"playing": h.engine.Playing(),
	})
}

// gridHandler plans FLIP animations for the document grid. One gate per
// server: an overlapping plan request is rejected, matching the rule that
// animations never queue.
type gridHandler struct {
	gate   *grid.Gate
	logger *slog.Logger
}

type planRequest struct {
	Before []grid.Tile  `json:"before"`
	After  []grid.Tile  `json:"after"`
	Fresh  []string     `json:"fresh"`
	Opts   grid.Options `json:"-"`

	// Layout inputs, recalculated per plan.
	ContainerWidth float64 `json:"containerWidth"`
	MinTile        float64 `json:"minTile"`
	Gap            float64 `json:"gap"`
}

type planResponse struct {
	Plan   grid.MotionPlan `json:"plan"`
	Layout grid.Layout     `json:"layout"`
	Empty  bool            `json:"empty"`
}

// plan computes a motion plan. Non-empty plans claim the gate; the client
// reports completion via done. An empty plan is a no-op and never claims.
func (h *gridHandler) plan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid plan payload", h.logger)
		return
	}

	fresh := make(map[string]bool, len(req.Fresh))
	for _, id := range req.Fresh {
		fresh[id] = true
	}

	p, err := grid.Plan(req.Before, req.After, fresh, req.Opts)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_tiles", err.Error(), h.logger)
		return
	}

	resp := planResponse{
		Plan:   p,
		Layout: grid.ComputeLayout(req.ContainerWidth, req.MinTile, req.Gap),
		Empty:  p.Empty(),
	}
	if p.Empty() {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if err := h.gate.Start(); err != nil {
		if errors.Is(err, grid.ErrAnimating) {
			WriteError(w, http.StatusConflict, "animating", "an animation is already running", h.logger)
			return
		}
		WriteError(w, http.StatusInternalServerError, "gate_failed", "could not claim animation gate", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// done releases the animation gate.
func (h *gridHandler) done(w http.ResponseWriter, _ *http.Request) {
	h.gate.Finish()
	writeJSON(w, http.StatusOK, map[string]bool{"animating": h.gate.Active()})
}
