// Package notes is the store of record for notes. Every mutation runs in one
// write transaction together with its search index update and attachment
// reference changes, and is announced on the change feed after commit.
package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/attachment"
	"github.com/starford/quire/internal/metrics"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/paging"
	"github.com/starford/quire/internal/search"
	"github.com/starford/quire/internal/store"
)

// Failpoints between the partial writes of a mutation.
const (
	FailAfterInsert = "notes.after_insert"
	FailAfterClaim  = "notes.after_claim"
	FailPurgeRemove = "notes.purge.remove"
)

const purgeBatch = 500

// Repository is the note store of record.
type Repository struct {
	db          *store.DB
	index       *search.Index
	attachments *attachment.Manager
	pages       *paging.Provider
	feed        *feed
	logger      *slog.Logger
	metrics     *metrics.StoreMetrics
	now         func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Repository) { r.now = now } }

// WithMetrics records mutation and query metrics.
func WithMetrics(m *metrics.StoreMetrics) Option { return func(r *Repository) { r.metrics = m } }

// NewRepository wires the repository to its collaborators.
func NewRepository(db *store.DB, index *search.Index, attachments *attachment.Manager, logger *slog.Logger, opts ...Option) *Repository {
	r := &Repository{
		db:          db,
		index:       index,
		attachments: attachments,
		pages:       paging.NewProvider(db, logger),
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.feed = newFeed(logger, r.metrics)
	return r
}

// Create stores a new note and claims its attachments.
func (r *Repository) Create(ctx context.Context, in models.NewNote) (models.Note, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.Note{}, fmt.Errorf("notes: new id: %w", err)
	}
	now := r.now().UTC()
	n := models.Note{
		ID:            id.String(),
		Title:         in.Title,
		Body:          in.Body,
		CreatedAt:     now,
		UpdatedAt:     now,
		AttachmentIDs: cloneIDs(in.AttachmentIDs),
	}

	err = r.db.WriteTx(ctx, func(ctx context.Context) error {
		_, err := r.db.Q(ctx).ExecContext(ctx,
			`INSERT INTO notes (id, title, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			n.ID, n.Title, n.Body, store.ToNanos(n.CreatedAt), store.ToNanos(n.UpdatedAt))
		if err != nil {
			return fmt.Errorf("notes: insert: %w", err)
		}
		if err := r.finishWrite(ctx, n); err != nil {
			return err
		}
		r.emit(ctx, models.ChangeEvent{NoteID: n.ID, Kind: models.ChangeCreated, At: now})
		return nil
	})
	r.metrics.RecordMutation(string(models.ChangeCreated), err)
	if err != nil {
		return models.Note{}, err
	}
	return n, nil
}

// Update applies mutate to a copy of the current note and stores the result.
// Only Title, Body and AttachmentIDs are taken from the copy. An error from
// mutate aborts the update and is returned as is.
func (r *Repository) Update(ctx context.Context, id string, mutate func(*models.Note) error) (models.Note, error) {
	var (
		out    models.Note
		mutErr error
	)
	err := r.db.WriteTx(ctx, func(ctx context.Context) error {
		cur, err := r.load(ctx, id, false)
		if err != nil {
			return err
		}
		next := cur
		next.AttachmentIDs = cloneIDs(cur.AttachmentIDs)
		if err := mutate(&next); err != nil {
			mutErr = err
			return err
		}

		out = cur
		out.Title = next.Title
		out.Body = next.Body
		out.AttachmentIDs = cloneIDs(next.AttachmentIDs)
		out.UpdatedAt = r.bump(cur.UpdatedAt)

		_, err = r.db.Q(ctx).ExecContext(ctx,
			`UPDATE notes SET title = ?, body = ?, updated_at = ? WHERE id = ?`,
			out.Title, out.Body, store.ToNanos(out.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("notes: update: %w", err)
		}
		if err := r.finishWrite(ctx, out); err != nil {
			return err
		}
		r.emit(ctx, models.ChangeEvent{NoteID: id, Kind: models.ChangeUpdated, At: out.UpdatedAt})
		return nil
	})
	if mutErr != nil {
		r.metrics.RecordMutation(string(models.ChangeUpdated), mutErr)
		return models.Note{}, mutErr
	}
	r.metrics.RecordMutation(string(models.ChangeUpdated), err)
	if err != nil {
		return models.Note{}, err
	}
	return out, nil
}

// BindAttachment appends an attachment to a live note and reports the note
// as updated.
func (r *Repository) BindAttachment(ctx context.Context, attachmentID, noteID string) error {
	err := r.db.WriteTx(ctx, func(ctx context.Context) error {
		if err := r.attachments.BindToNote(ctx, attachmentID, noteID); err != nil {
			return err
		}
		n, err := r.load(ctx, noteID, false)
		if err != nil {
			return err
		}
		r.emit(ctx, models.ChangeEvent{NoteID: n.ID, Kind: models.ChangeUpdated, At: n.UpdatedAt})
		return nil
	})
	r.metrics.RecordMutation("bind", err)
	return err
}

// ReleaseAttachment detaches an attachment from its owner, if any, and
// reports the owner as updated.
func (r *Repository) ReleaseAttachment(ctx context.Context, attachmentID string) error {
	err := r.db.WriteTx(ctx, func(ctx context.Context) error {
		a, err := r.attachments.Get(ctx, attachmentID)
		if err != nil {
			return err
		}
		if err := r.attachments.Release(ctx, attachmentID); err != nil {
			return err
		}
		if a.State != models.AttachmentOwned {
			return nil
		}
		owner, err := r.load(ctx, a.OwnerNoteID, true)
		if err != nil {
			return err
		}
		r.emit(ctx, models.ChangeEvent{NoteID: owner.ID, Kind: models.ChangeUpdated, At: owner.UpdatedAt})
		return nil
	})
	r.metrics.RecordMutation("release", err)
	return err
}

// emit publishes events once the surrounding write transaction commits,
// before the writer lock is released, so subscribers see commit order.
func (r *Repository) emit(ctx context.Context, events ...models.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	store.AfterCommit(ctx, func() { r.feed.publish(events...) })
}

// finishWrite runs the parts every create and update share after the note
// row itself was written.
func (r *Repository) finishWrite(ctx context.Context, n models.Note) error {
	if err := r.db.Failpoint(FailAfterInsert); err != nil {
		return err
	}
	if err := r.attachments.Claim(ctx, n.ID, n.AttachmentIDs); err != nil {
		return err
	}
	if err := r.db.Failpoint(FailAfterClaim); err != nil {
		return err
	}
	return r.index.IndexNote(ctx, n)
}

// SoftDelete marks a live note deleted. Its attachments and index entries
// stay until Purge.
func (r *Repository) SoftDelete(ctx context.Context, id string) error {
	err := r.db.WriteTx(ctx, func(ctx context.Context) error {
		cur, err := r.load(ctx, id, false)
		if err != nil {
			return err
		}
		at := r.bump(cur.UpdatedAt)
		_, err = r.db.Q(ctx).ExecContext(ctx,
			`UPDATE notes SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ?`,
			store.ToNanos(r.now()), store.ToNanos(at), id)
		if err != nil {
			return fmt.Errorf("notes: soft delete: %w", err)
		}
		r.emit(ctx, models.ChangeEvent{NoteID: id, Kind: models.ChangeDeleted, At: at})
		return nil
	})
	r.metrics.RecordMutation(string(models.ChangeDeleted), err)
	return err
}

// Restore brings a soft-deleted note back. Restoring a live note returns it
// unchanged.
func (r *Repository) Restore(ctx context.Context, id string) (models.Note, error) {
	var (
		out     models.Note
		changed bool
	)
	err := r.db.WriteTx(ctx, func(ctx context.Context) error {
		cur, err := r.load(ctx, id, true)
		if err != nil {
			return err
		}
		out = cur
		if !cur.IsDeleted {
			return nil
		}
		changed = true
		out.IsDeleted = false
		out.DeletedAt = nil
		out.UpdatedAt = r.bump(cur.UpdatedAt)
		_, err = r.db.Q(ctx).ExecContext(ctx,
			`UPDATE notes SET is_deleted = 0, deleted_at = NULL, updated_at = ? WHERE id = ?`,
			store.ToNanos(out.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("notes: restore: %w", err)
		}
		r.emit(ctx, models.ChangeEvent{NoteID: id, Kind: models.ChangeRestored, At: out.UpdatedAt})
		return nil
	})
	if err != nil {
		r.metrics.RecordMutation(string(models.ChangeRestored), err)
		return models.Note{}, err
	}
	if changed {
		r.metrics.RecordMutation(string(models.ChangeRestored), nil)
	}
	return out, nil
}

// Purge physically removes notes soft-deleted at least olderThan ago,
// releases their attachments and drops their index entries. It returns the
// number of notes removed; running it again is a no-op.
func (r *Repository) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.now().Add(-olderThan)
	var purged []string
	err := r.db.WriteTx(ctx, func(ctx context.Context) error {
		ids, err := r.expired(ctx, cutoff)
		if err != nil {
			return err
		}
		for start := 0; start < len(ids); start += purgeBatch {
			if err := r.purgeBatch(ctx, ids[start:min(start+purgeBatch, len(ids))]); err != nil {
				return err
			}
		}
		purged = ids
		now := r.now().UTC()
		events := make([]models.ChangeEvent, len(ids))
		for i, id := range ids {
			events[i] = models.ChangeEvent{NoteID: id, Kind: models.ChangePurged, At: now}
		}
		r.emit(ctx, events...)
		return nil
	})
	r.metrics.RecordMutation(string(models.ChangePurged), err)
	if err != nil {
		return 0, err
	}
	r.metrics.RecordPurged(len(purged))
	if len(purged) > 0 {
		r.logger.Info("notes: purged soft-deleted notes", slog.Int("count", len(purged)))
	}
	return len(purged), nil
}

func (r *Repository) expired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.Q(ctx).QueryContext(ctx,
		`SELECT id FROM notes WHERE is_deleted = 1 AND deleted_at <= ? ORDER BY id`, store.ToNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("notes: find expired: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) purgeBatch(ctx context.Context, ids []string) error {
	q := r.db.Q(ctx)
	query, args, err := store.Builder.Select("attachment_id").From("note_attachments").
		Where(sq.Eq{"note_id": ids}).ToSql()
	if err != nil {
		return err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("notes: read purged attachments: %w", err)
	}
	var attIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		attIDs = append(attIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if err := r.attachments.ReleaseAll(ctx, attIDs); err != nil {
		return err
	}
	if err := r.db.Failpoint(FailPurgeRemove); err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.index.RemoveNote(ctx, id); err != nil {
			return err
		}
	}
	query, args, err = store.Builder.Delete("notes").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("notes: delete: %w", err)
	}
	return nil
}

// GetByID returns a live note.
func (r *Repository) GetByID(ctx context.Context, id string) (models.Note, error) {
	if err := r.db.Ready(); err != nil {
		return models.Note{}, err
	}
	return r.load(ctx, id, false)
}

// GetByIDIncludingDeleted returns a note whether or not it is soft-deleted.
func (r *Repository) GetByIDIncludingDeleted(ctx context.Context, id string) (models.Note, error) {
	if err := r.db.Ready(); err != nil {
		return models.Note{}, err
	}
	return r.load(ctx, id, true)
}

// Query returns one page of q. An empty cursor starts at the first page.
func (r *Repository) Query(ctx context.Context, q paging.Query, cursor string, pageSize int) (paging.Page, error) {
	defer r.metrics.ObserveQuery("page", time.Now())
	return r.pages.Resume(ctx, q, cursor, pageSize)
}

// Search returns live notes containing every term, newest first.
func (r *Repository) Search(ctx context.Context, terms []string, limit int) ([]models.Note, error) {
	defer r.metrics.ObserveQuery("search", time.Now())
	var out []models.Note
	err := r.db.ReadTx(ctx, func(ctx context.Context) error {
		ids, err := r.index.Match(ctx, terms)
		if err != nil {
			return err
		}
		out = make([]models.Note, 0, len(ids))
		for _, id := range ids {
			n, err := r.load(ctx, id, false)
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b models.Note) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Subscribe returns a channel of committed change events and a function that
// cancels the subscription. Events arrive in commit order. They are hints: a
// subscriber that falls more than buffer events behind misses some and should
// re-page.
func (r *Repository) Subscribe(buffer int) (<-chan models.ChangeEvent, func()) {
	return r.feed.subscribe(buffer)
}

// Close ends every subscription.
func (r *Repository) Close() {
	r.feed.close()
}

func (r *Repository) load(ctx context.Context, id string, includeDeleted bool) (models.Note, error) {
	var out models.Note
	err := r.db.ReadTx(ctx, func(ctx context.Context) error {
		q := r.db.Q(ctx)
		query, args, err := store.Builder.Select(store.NoteColumns...).From("notes").
			Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return fmt.Errorf("notes: build get: %w", err)
		}
		n, err := store.ScanNote(q.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) || (err == nil && n.IsDeleted && !includeDeleted) {
			return apperr.NotFound("note", id)
		}
		if err != nil {
			return apperr.Storage("notes: get", err)
		}
		notes := []models.Note{n}
		if err := store.LoadAttachmentIDs(ctx, q, notes); err != nil {
			return apperr.Storage("notes: load attachments", err)
		}
		out = notes[0]
		return nil
	})
	if err != nil {
		return models.Note{}, err
	}
	return out, nil
}

// bump returns the next UpdatedAt: now, but never earlier than prev.
func (r *Repository) bump(prev time.Time) time.Time {
	now := r.now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

func cloneIDs(ids []string) []string {
	if len(ids) == 0 {
		return []string{}
	}
	return slices.Clone(ids)
}
