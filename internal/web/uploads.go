package web

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/koopa0/flowboard/internal/state"
	"github.com/koopa0/flowboard/internal/upload"
)

// maxRequestMemory bounds how much of a multipart body stays in memory
// before spilling to disk.
const maxRequestMemory = 32 << 20

// uploadsHandler serves the upload queue surface.
type uploadsHandler struct {
	manager  *upload.Manager
	store    *state.Store
	spoolDir string
	logger   *slog.Logger
}

type uploadList struct {
	Uploads []state.UploadItem `json:"uploads"`
}

type createResponse struct {
	Accepted []state.UploadItem `json:"accepted"`
	Rejected []string           `json:"rejected,omitempty"`
}

// list returns the local queue merged with upstream-only active sessions.
func (h *uploadsHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, uploadList{Uploads: h.manager.QueueView(r.Context())})
}

// create accepts multipart files, spools them to disk so retries can re-read
// them, enqueues, and starts the accepted transfers.
func (h *uploadsHandler) create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxRequestMemory); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "expected multipart form data", h.logger)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Debug("multipart cleanup failed", "error", err)
		}
	}()

	parts := r.MultipartForm.File["files"]
	if len(parts) == 0 {
		parts = r.MultipartForm.File["file"]
	}
	if len(parts) == 0 {
		WriteError(w, http.StatusBadRequest, "no_files", "no files in request", h.logger)
		return
	}

	var files []upload.File
	for _, part := range parts {
		f, err := h.spool(part)
		if err != nil {
			h.logger.Error("spooling upload failed", "file", part.Filename, "error", err)
			for _, spooled := range files {
				spooled.Cleanup()
			}
			WriteError(w, http.StatusInternalServerError, "spool_failed", "could not store uploaded file", h.logger)
			return
		}
		files = append(files, f)
	}

	accepted, rejected := h.manager.Enqueue(files)

	// The transfers outlive this request; detach from its cancellation.
	ctx := context.WithoutCancel(r.Context())
	for _, item := range accepted {
		if err := h.manager.Start(ctx, item.ID); err != nil {
			h.logger.Error("starting upload failed", "id", item.ID, "error", err)
		}
	}

	resp := createResponse{Accepted: accepted}
	for _, err := range rejected {
		resp.Rejected = append(resp.Rejected, err.Error())
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// spool copies one multipart file to the spool directory and returns a
// re-openable handle for the transfer code.
func (h *uploadsHandler) spool(part *multipart.FileHeader) (upload.File, error) {
	src, err := part.Open()
	if err != nil {
		return upload.File{}, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(h.spoolDir, "flowboard-upload-*")
	if err != nil {
		return upload.File{}, err
	}
	size, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return upload.File{}, err
	}

	path := tmp.Name()
	return upload.File{
		Name:      part.Filename,
		Size:      size,
		MediaType: partMediaType(part),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
		Cleanup: func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				h.logger.Warn("removing spooled file failed", "path", path, "error", err)
			}
		},
	}, nil
}

// partMediaType picks the declared content type, falling back to the file
// extension.
func partMediaType(part *multipart.FileHeader) string {
	if ct := part.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err == nil {
			return mediaType
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(part.Filename)); byExt != "" {
		mediaType, _, err := mime.ParseMediaType(byExt)
		if err == nil {
			return mediaType
		}
	}
	return "application/octet-stream"
}

// retry restarts a failed upload from scratch.
func (h *uploadsHandler) retry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	err := h.manager.Retry(context.WithoutCancel(r.Context()), id)
	switch {
	case errors.Is(err, upload.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", "unknown upload", h.logger)
	case errors.Is(err, upload.ErrNotRetryable):
		WriteError(w, http.StatusConflict, "not_retryable", "only failed uploads can be retried", h.logger)
	case err != nil:
		WriteError(w, http.StatusInternalServerError, "retry_failed", "could not retry upload", h.logger)
	default:
		item, _ := h.store.Upload(id)
		writeJSON(w, http.StatusOK, item)
	}
}

// cancel signals the in-flight transfer and marks the item cancelled.
func (h *uploadsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	if err := h.manager.Cancel(id); err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "unknown upload", h.logger)
		return
	}
	item, _ := h.store.Upload(id)
	writeJSON(w, http.StatusOK, item)
}

// remove drops the item from the queue.
func (h *uploadsHandler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	h.manager.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *uploadsHandler) itemID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_id", "invalid upload ID", h.logger)
		return uuid.Nil, false
	}
	return id, true
}
