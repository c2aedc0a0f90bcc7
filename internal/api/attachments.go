package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/quire/internal/thumbnail"
)

const maxUploadBytes = 50 << 20 // 50 MB

// UploadAttachment handles POST /api/attachments (multipart/form-data, field "file").
// The attachment is staged unowned; bind it or reference it from a note.
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if _, ok := thumbnail.Extension(thumbnail.CanonicalMime(mimeType)); !ok {
		mimeType = http.DetectContentType(payload)
	}

	a, err := h.svc.StageAttachment(r.Context(), payload, mimeType, header.Filename)
	if err != nil {
		writeError(w, "upload attachment", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAttachment handles GET /api/attachments/{id}.
func (h *Handler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Attachment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get attachment", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AttachmentPayload handles GET /api/attachments/{id}/payload.
func (h *Handler) AttachmentPayload(w http.ResponseWriter, r *http.Request) {
	a, data, err := h.svc.AttachmentPayload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "read attachment", err)
		return
	}
	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", strconv.Quote(a.Checksum))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	_, _ = w.Write(data)
}

// AttachmentThumbnail handles GET /api/attachments/{id}/thumbnail.
func (h *Handler) AttachmentThumbnail(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.Thumbnail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "read thumbnail", err)
		return
	}
	w.Header().Set("Content-Type", thumbnail.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	_, _ = w.Write(data)
}

// BindAttachment handles POST /api/attachments/{id}/bind.
func (h *Handler) BindAttachment(w http.ResponseWriter, r *http.Request) {
	var req BindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NoteID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("note_id is required"))
		return
	}
	if err := h.svc.BindAttachment(r.Context(), chi.URLParam(r, "id"), req.NoteID); err != nil {
		writeError(w, "bind attachment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReleaseAttachment handles POST /api/attachments/{id}/release.
func (h *Handler) ReleaseAttachment(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ReleaseAttachment(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "release attachment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
