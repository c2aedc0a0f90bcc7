package api

import (
	"github.com/starford/quire/internal/attachment"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/noteservice"
)

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest = noteservice.NoteInput

// UpdateNoteRequest is the request body for updating a note. Omitted fields are kept.
type UpdateNoteRequest = noteservice.NotePatch

// NoteDetail is the full note response type (aliased from the domain layer).
type NoteDetail = noteservice.NoteDetail

// NoteListResponse is one page of notes.
type NoteListResponse struct {
	Notes   []models.Note `json:"notes" validate:"required"`
	Cursor  string        `json:"cursor" example:"eyJxIjp7fX0" validate:"required"`
	HasMore bool          `json:"has_more" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []models.Note `json:"results" validate:"required"`
}

// BindRequest names the note an attachment is bound to.
type BindRequest struct {
	NoteID string `json:"note_id" example:"01923f4e-7a1b-7c2d-8e3f-405162738495" validate:"required"`
}

// PurgeResponse reports how many notes were removed.
type PurgeResponse struct {
	Purged int `json:"purged" example:"3"`
}

// SweepResponse is the outcome of an orphan sweep.
type SweepResponse = attachment.SweepReport

// ReconcileResponse reports removed stray payload files.
type ReconcileResponse struct {
	Removed int `json:"removed" example:"0"`
}

// ReindexResponse reports how many notes were reindexed.
type ReindexResponse struct {
	Notes int `json:"notes" example:"42"`
}

// VerifyResponse lists notes whose index entries drifted.
type VerifyResponse struct {
	Drifted []string `json:"drifted" validate:"required"`
}
