package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/noteservice"
	"github.com/starford/quire/internal/paging"
)

const maxNoteBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service) *Handler {
	return &Handler{svc: svc}
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List notes one keyset page at a time
//	@Tags			notes
//	@Produce		json
//	@Param			cursor			query		string	false	"Cursor from the previous page"
//	@Param			limit			query		int		false	"Page size (default 20, max 200)"
//	@Param			sort			query		string	false	"Sort field"	Enums(updated_at, created_at, title)
//	@Param			dir				query		string	false	"Sort direction"	Enums(desc, asc)
//	@Param			q				query		string	false	"Words every note must contain"
//	@Param			contains		query		string	false	"Word prefix or fragment"
//	@Param			created_from	query		string	false	"RFC 3339, inclusive"
//	@Param			created_to		query		string	false	"RFC 3339, exclusive"
//	@Param			updated_from	query		string	false	"RFC 3339, inclusive"
//	@Param			updated_to		query		string	false	"RFC 3339, exclusive"
//	@Param			deleted			query		string	false	"Deleted notes"	Enums(exclude, include, only)
//	@Param			has_attachments	query		bool	false	"Only notes with or without attachments"
//	@Success		200				{object}	NoteListResponse
//	@Failure		400				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	page, err := h.svc.ListNotes(r.Context(), q, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: page.Items, Cursor: page.Cursor, HasMore: page.HasMore})
}

// GetNote handles GET /api/notes/{id}.
//
//	@Summary		Get a single note by id
//	@Tags			notes
//	@Produce		json
//	@Param			id				path		string	true	"Note id"
//	@Param			include_deleted	query		bool	false	"Return soft-deleted notes too"
//	@Success		200				{object}	NoteDetail
//	@Failure		404				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	note, err := h.svc.GetNote(r.Context(), chi.URLParam(r, "id"), includeDeleted)
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(note.Checksum))
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Create a new note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxNoteBodyBytes)
	var req CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	note, err := h.svc.CreateNote(r.Context(), req)
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(note.Checksum))
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/{id}.
//
//	@Summary		Update a note with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string				true	"Note id"
//	@Param			If-Match	header		string				false	"Checksum for optimistic concurrency"
//	@Param			body		body		UpdateNoteRequest	true	"Changed fields"
//	@Success		200			{object}	NoteDetail
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxNoteBodyBytes)
	var req UpdateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	note, err := h.svc.UpdateNote(r.Context(), chi.URLParam(r, "id"), req, ifMatch)
	if err != nil {
		writeError(w, "update note", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(note.Checksum))
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id}.
//
//	@Summary		Soft-delete a note
//	@Tags			notes
//	@Param			id	path	string	true	"Note id"
//	@Success		204	"Note deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteNote(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreNote handles POST /api/notes/{id}/restore.
//
//	@Summary		Restore a soft-deleted note
//	@Tags			notes
//	@Produce		json
//	@Param			id	path		string	true	"Note id"
//	@Success		200	{object}	NoteDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id}/restore [post]
func (h *Handler) RestoreNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.svc.RestoreNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "restore note", err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// Search handles GET /api/search.
//
//	@Summary		Word search across note titles and bodies
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search words"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, "search", err)
		return
	}
	results, err := h.svc.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

func parseQuery(r *http.Request) (paging.Query, error) {
	v := r.URL.Query()
	q := paging.Query{
		Filter: paging.Filter{
			Text:      v.Get("q"),
			Substring: v.Get("contains"),
			Deleted:   paging.DeletedMode(v.Get("deleted")),
		},
		Sort: paging.SortField(v.Get("sort")),
		Dir:  paging.Direction(v.Get("dir")),
	}
	for name, dst := range map[string]**time.Time{
		"created_from": &q.Filter.CreatedFrom,
		"created_to":   &q.Filter.CreatedTo,
		"updated_from": &q.Filter.UpdatedFrom,
		"updated_to":   &q.Filter.UpdatedTo,
	} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return paging.Query{}, apperr.Validation(name, "must be an RFC 3339 time")
		}
		*dst = &t
	}
	if raw := v.Get("has_attachments"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return paging.Query{}, apperr.Validation("has_attachments", "must be a boolean")
		}
		q.Filter.HasAttachments = &b
	}
	return q, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(name, "must be an integer")
	}
	return n, nil
}
