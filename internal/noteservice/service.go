// Package noteservice is the facade the HTTP and MCP adapters share. It turns
// transport-level requests into repository, attachment and index calls.
package noteservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/attachment"
	"github.com/starford/quire/internal/checksum"
	"github.com/starford/quire/internal/maintenance"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/notes"
	"github.com/starford/quire/internal/paging"
	"github.com/starford/quire/internal/search"
)

// DefaultSearchLimit caps search results when the caller passes no limit.
const DefaultSearchLimit = 50

// NoteDetail is the full representation of a note.
type NoteDetail struct {
	models.Note
	Checksum    string              `json:"checksum"`
	Attachments []models.Attachment `json:"attachments"`
}

// NoteInput carries the fields of a create request.
type NoteInput struct {
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	AttachmentIDs []string `json:"attachment_ids"`
}

// NotePatch carries the fields of an update request. Nil fields are kept.
type NotePatch struct {
	Title         *string   `json:"title"`
	Body          *string   `json:"body"`
	AttachmentIDs *[]string `json:"attachment_ids"`
}

// Service coordinates the store components for the adapters.
type Service struct {
	notes  *notes.Repository
	atts   *attachment.Manager
	index  *search.Index
	runner *maintenance.Runner
	cfg    maintenance.Config
}

// NewService creates a new note service. cfg supplies the retention windows
// used by on-demand maintenance calls.
func NewService(repo *notes.Repository, atts *attachment.Manager, index *search.Index, runner *maintenance.Runner, cfg maintenance.Config) *Service {
	return &Service{notes: repo, atts: atts, index: index, runner: runner, cfg: cfg}
}

// Checksum is the version tag of a note's content used for If-Match.
func Checksum(n models.Note) string {
	return checksum.SumFields(append([]string{n.Title, n.Body}, n.AttachmentIDs...)...)
}

// GetNote returns a live note with its attachment records. When
// includeDeleted is set a soft-deleted note is returned too.
func (s *Service) GetNote(ctx context.Context, id string, includeDeleted bool) (*NoteDetail, error) {
	var (
		n   models.Note
		err error
	)
	if includeDeleted {
		n, err = s.notes.GetByIDIncludingDeleted(ctx, id)
	} else {
		n, err = s.notes.GetByID(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, n)
}

// CreateNote stores a new note.
func (s *Service) CreateNote(ctx context.Context, in NoteInput) (*NoteDetail, error) {
	n, err := s.notes.Create(ctx, models.NewNote{
		Title:         in.Title,
		Body:          in.Body,
		AttachmentIDs: in.AttachmentIDs,
	})
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, n)
}

// UpdateNote applies patch with optimistic concurrency: a non-empty ifMatch
// must equal the current checksum or ErrConflict is returned.
func (s *Service) UpdateNote(ctx context.Context, id string, patch NotePatch, ifMatch string) (*NoteDetail, error) {
	n, err := s.notes.Update(ctx, id, func(cur *models.Note) error {
		if ifMatch != "" && ifMatch != Checksum(*cur) {
			return fmt.Errorf("note %s: checksum mismatch: %w", id, apperr.ErrConflict)
		}
		if patch.Title != nil {
			cur.Title = *patch.Title
		}
		if patch.Body != nil {
			cur.Body = *patch.Body
		}
		if patch.AttachmentIDs != nil {
			cur.AttachmentIDs = *patch.AttachmentIDs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, n)
}

// DeleteNote soft-deletes a note.
func (s *Service) DeleteNote(ctx context.Context, id string) error {
	return s.notes.SoftDelete(ctx, id)
}

// RestoreNote undoes a soft delete.
func (s *Service) RestoreNote(ctx context.Context, id string) (*NoteDetail, error) {
	n, err := s.notes.Restore(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, n)
}

// ListNotes returns one page of q.
func (s *Service) ListNotes(ctx context.Context, q paging.Query, cursor string, pageSize int) (paging.Page, error) {
	return s.notes.Query(ctx, q, cursor, pageSize)
}

// Search returns live notes containing every word of query.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]models.Note, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.Validation("q", "is required")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return s.notes.Search(ctx, strings.Fields(query), limit)
}

// StageAttachment stores an unowned attachment.
func (s *Service) StageAttachment(ctx context.Context, payload []byte, mimeType, name string) (models.Attachment, error) {
	return s.atts.Stage(ctx, payload, mimeType, name)
}

// Attachment returns an attachment record.
func (s *Service) Attachment(ctx context.Context, id string) (models.Attachment, error) {
	return s.atts.Get(ctx, id)
}

// AttachmentPayload returns the record and original bytes.
func (s *Service) AttachmentPayload(ctx context.Context, id string) (models.Attachment, []byte, error) {
	return s.atts.Payload(ctx, id)
}

// Thumbnail returns the JPEG preview of an attachment.
func (s *Service) Thumbnail(ctx context.Context, id string) ([]byte, error) {
	return s.atts.Thumbnail(ctx, id)
}

// BindAttachment appends an attachment to a note.
func (s *Service) BindAttachment(ctx context.Context, attachmentID, noteID string) error {
	return s.notes.BindAttachment(ctx, attachmentID, noteID)
}

// ReleaseAttachment detaches an attachment from its owner.
func (s *Service) ReleaseAttachment(ctx context.Context, attachmentID string) error {
	return s.notes.ReleaseAttachment(ctx, attachmentID)
}

// Purge removes notes soft-deleted at least olderThan ago. A negative
// olderThan uses the configured grace period.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		olderThan = s.cfg.GracePeriod
	}
	return s.notes.Purge(ctx, olderThan)
}

// Sweep deletes unowned attachments past the orphan retention.
func (s *Service) Sweep(ctx context.Context) (attachment.SweepReport, error) {
	return s.atts.SweepOrphans(ctx, s.cfg.OrphanRetention)
}

// Reconcile deletes payload files no record references.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	return s.atts.ReconcilePayloads(ctx, s.cfg.StrayRetention)
}

// Reindex rebuilds the search index from the notes table.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	return s.index.Rebuild(ctx)
}

// VerifyIndex lists notes whose stored tokens disagree with their content.
func (s *Service) VerifyIndex(ctx context.Context) ([]string, error) {
	return s.index.Verify(ctx)
}

// RunMaintenance runs one full maintenance pass.
func (s *Service) RunMaintenance(ctx context.Context) maintenance.Report {
	return s.runner.RunOnce(ctx)
}

func (s *Service) detail(ctx context.Context, n models.Note) (*NoteDetail, error) {
	atts, err := s.atts.List(ctx, n.AttachmentIDs)
	if err != nil {
		return nil, err
	}
	if n.AttachmentIDs == nil {
		n.AttachmentIDs = []string{}
	}
	return &NoteDetail{Note: n, Checksum: Checksum(n), Attachments: atts}, nil
}
