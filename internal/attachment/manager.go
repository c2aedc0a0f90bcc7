// Package attachment manages image payloads and their ownership by notes.
//
// A payload file exists iff its record does. Stage writes files before the
// record; SweepOrphans marks records pending_sweep before deleting files and
// only then removes the record; ReconcilePayloads clears files whose record
// never made it to disk.
package attachment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/checksum"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/storage"
	"github.com/starford/quire/internal/store"
	"github.com/starford/quire/internal/thumbnail"
)

// Failpoints armed by fault-injection tests.
const (
	FailStageInsert  = "attachment.stage.insert"
	FailSweepPayload = "attachment.sweep.payload"
	FailClaim        = "attachment.claim"
)

const (
	payloadDir = "payloads"
	thumbDir   = "thumbs"

	DefaultMaxBytes = 20 << 20
	DefaultCacheTTL = 10 * time.Minute
)

var columns = []string{
	"id", "owner_note_id", "state", "name", "storage_key", "thumbnail_key",
	"size_bytes", "mime_type", "checksum", "created_at", "released_at",
}

// Manager owns attachment records and their payload files.
type Manager struct {
	db        *store.DB
	blobs     storage.Provider
	logger    *slog.Logger
	thumbs    *cache.Cache
	maxBytes  int64
	maxPixels int64
	thumbDim  int
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxBytes bounds accepted payload sizes.
func WithMaxBytes(n int64) Option { return func(m *Manager) { m.maxBytes = n } }

// WithMaxPixels bounds the declared width times height of accepted images.
func WithMaxPixels(n int64) Option { return func(m *Manager) { m.maxPixels = n } }

// WithThumbnailSize sets the longest thumbnail edge.
func WithThumbnailSize(px int) Option { return func(m *Manager) { m.thumbDim = px } }

// WithCacheTTL sets how long thumbnails stay in memory.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.thumbs = cache.New(ttl, 2*ttl) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a Manager storing payloads in blobs.
func NewManager(db *store.DB, blobs storage.Provider, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		db:        db,
		blobs:     blobs,
		logger:    logger,
		thumbs:    cache.New(DefaultCacheTTL, 2*DefaultCacheTTL),
		maxBytes:  DefaultMaxBytes,
		maxPixels: thumbnail.DefaultMaxPixels,
		thumbDim:  thumbnail.DefaultMaxDim,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stage validates and persists a payload with its thumbnail and records it
// as unowned. Files are written outside the write lock.
func (m *Manager) Stage(ctx context.Context, payload []byte, mimeType, name string) (models.Attachment, error) {
	if err := m.db.Ready(); err != nil {
		return models.Attachment{}, err
	}
	if int64(len(payload)) > m.maxBytes {
		return models.Attachment{}, apperr.Validation("payload", "exceeds %d bytes", m.maxBytes)
	}
	if err := thumbnail.Validate(payload, mimeType); err != nil {
		return models.Attachment{}, err
	}
	mimeType = thumbnail.CanonicalMime(mimeType)
	ext, _ := thumbnail.Extension(mimeType)
	thumb, err := thumbnail.Generate(payload, m.thumbDim, m.maxPixels)
	if err != nil {
		return models.Attachment{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Attachment{}, fmt.Errorf("attachment: new id: %w", err)
	}
	a := models.Attachment{
		ID:           id.String(),
		State:        models.AttachmentUnowned,
		Name:         name,
		StorageKey:   blobKey(payloadDir, id.String(), ext),
		ThumbnailKey: blobKey(thumbDir, id.String(), ".jpg"),
		SizeBytes:    int64(len(payload)),
		MimeType:     mimeType,
		Checksum:     checksum.Sum(payload),
		CreatedAt:    m.now().UTC(),
	}

	if err := m.blobs.Write(a.StorageKey, payload); err != nil {
		return models.Attachment{}, apperr.Storage("attachment: write payload", err)
	}
	if err := m.blobs.Write(a.ThumbnailKey, thumb); err != nil {
		m.removeFiles(a)
		return models.Attachment{}, apperr.Storage("attachment: write thumbnail", err)
	}

	err = m.db.WriteTx(ctx, func(ctx context.Context) error {
		if err := m.db.Failpoint(FailStageInsert); err != nil {
			return err
		}
		_, err := m.db.Q(ctx).ExecContext(ctx,
			`INSERT INTO attachments (id, state, name, storage_key, thumbnail_key, size_bytes, mime_type, checksum, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.State, a.Name, a.StorageKey, a.ThumbnailKey, a.SizeBytes, a.MimeType, a.Checksum, store.ToNanos(a.CreatedAt))
		return err
	})
	if err != nil {
		m.removeFiles(a)
		return models.Attachment{}, apperr.Storage("attachment: insert record", err)
	}
	m.thumbs.SetDefault(a.ID, thumb)

	m.logger.Debug("attachment: staged",
		slog.String("id", a.ID), slog.String("mime", a.MimeType), slog.Int64("size", a.SizeBytes))
	return a, nil
}

// Get returns the attachment record.
func (m *Manager) Get(ctx context.Context, id string) (models.Attachment, error) {
	if err := m.db.Ready(); err != nil {
		return models.Attachment{}, err
	}
	return get(ctx, m.db.Q(ctx), id)
}

// List returns the records with the given ids, skipping unknown ones.
func (m *Manager) List(ctx context.Context, ids []string) ([]models.Attachment, error) {
	if err := m.db.Ready(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Attachment{}, nil
	}
	query, args, err := store.Builder.Select(columns...).From("attachments").
		Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("attachment: build list: %w", err)
	}
	rows, err := m.db.Q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("attachment: list", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Attachment, len(ids))
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, apperr.Storage("attachment: scan", err)
		}
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("attachment: list", err)
	}
	out := make([]models.Attachment, 0, len(byID))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// Payload returns the record and its original bytes.
func (m *Manager) Payload(ctx context.Context, id string) (models.Attachment, []byte, error) {
	a, err := m.Get(ctx, id)
	if err != nil {
		return models.Attachment{}, nil, err
	}
	data, err := m.blobs.Read(a.StorageKey)
	if err != nil {
		return models.Attachment{}, nil, apperr.Storage("attachment: read payload", err)
	}
	return a, data, nil
}

// Thumbnail returns the JPEG preview, served from memory when cached.
func (m *Manager) Thumbnail(ctx context.Context, id string) ([]byte, error) {
	if v, ok := m.thumbs.Get(id); ok {
		return v.([]byte), nil
	}
	a, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := m.blobs.Read(a.ThumbnailKey)
	if err != nil {
		return nil, apperr.Storage("attachment: read thumbnail", err)
	}
	m.thumbs.SetDefault(id, data)
	return data, nil
}

// BindToNote appends the attachment to a live note's list.
func (m *Manager) BindToNote(ctx context.Context, attachmentID, noteID string) error {
	return m.db.WriteTx(ctx, func(ctx context.Context) error {
		q := m.db.Q(ctx)
		a, err := get(ctx, q, attachmentID)
		if err != nil {
			return err
		}
		if err := requireLiveNote(ctx, q, noteID); err != nil {
			return err
		}
		if a.State == models.AttachmentOwned && a.OwnerNoteID == noteID {
			return nil
		}
		current, err := noteAttachmentIDs(ctx, q, noteID)
		if err != nil {
			return err
		}
		if err := m.Claim(ctx, noteID, append(current, attachmentID)); err != nil {
			return err
		}
		return m.touchNote(ctx, noteID)
	})
}

// Release detaches the attachment from its owner. Releasing an unowned
// attachment is a no-op.
func (m *Manager) Release(ctx context.Context, attachmentID string) error {
	return m.db.WriteTx(ctx, func(ctx context.Context) error {
		a, err := get(ctx, m.db.Q(ctx), attachmentID)
		if err != nil {
			return err
		}
		if a.State != models.AttachmentOwned {
			return nil
		}
		if err := m.ReleaseAll(ctx, []string{attachmentID}); err != nil {
			return err
		}
		return m.touchNote(ctx, a.OwnerNoteID)
	})
}

// Claim makes ids the ordered attachment list of noteID inside the caller's
// write transaction. Attachments dropped from the list are released. Each id
// must exist, must not be pending sweep, and must not belong to another live
// note; one owned by a soft-deleted note is moved over.
func (m *Manager) Claim(ctx context.Context, noteID string, ids []string) error {
	return m.db.WriteTx(ctx, func(ctx context.Context) error {
		q := m.db.Q(ctx)
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				return apperr.Validation("attachment_ids", "attachment %s listed twice", id)
			}
			seen[id] = true

			a, err := get(ctx, q, id)
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Validation("attachment_ids", "attachment %s does not exist", id)
			}
			if err != nil {
				return err
			}
			switch a.State {
			case models.AttachmentPendingSweep:
				return apperr.Validation("attachment_ids", "attachment %s is being removed", id)
			case models.AttachmentOwned:
				if a.OwnerNoteID == noteID {
					continue
				}
				live, err := noteIsLive(ctx, q, a.OwnerNoteID)
				if err != nil {
					return err
				}
				if live {
					return apperr.Validation("attachment_ids", "attachment %s belongs to note %s", id, a.OwnerNoteID)
				}
			}
		}

		current, err := noteAttachmentIDs(ctx, q, noteID)
		if err != nil {
			return err
		}
		var dropped []string
		for _, id := range current {
			if !seen[id] {
				dropped = append(dropped, id)
			}
		}
		if err := m.ReleaseAll(ctx, dropped); err != nil {
			return err
		}
		if err := m.db.Failpoint(FailClaim); err != nil {
			return err
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM note_attachments WHERE note_id = ?`, noteID); err != nil {
			return fmt.Errorf("attachment: clear list: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		// Attachments moved over from a soft-deleted note still sit in its list.
		if err := execBuilt(ctx, q, store.Builder.Delete("note_attachments").
			Where(sq.Eq{"attachment_id": ids})); err != nil {
			return fmt.Errorf("attachment: unlink previous owner: %w", err)
		}
		if err := execBuilt(ctx, q, store.Builder.Update("attachments").
			Set("owner_note_id", noteID).
			Set("state", models.AttachmentOwned).
			Set("released_at", nil).
			Where(sq.Eq{"id": ids})); err != nil {
			return fmt.Errorf("attachment: mark owned: %w", err)
		}
		ins := store.Builder.Insert("note_attachments").Columns("note_id", "attachment_id", "position")
		for pos, id := range ids {
			ins = ins.Values(noteID, id, pos)
		}
		if err := execBuilt(ctx, q, ins); err != nil {
			return fmt.Errorf("attachment: link: %w", err)
		}
		return nil
	})
}

// ReleaseAll clears ownership of every owned attachment in ids inside the
// caller's write transaction and stamps ReleasedAt.
func (m *Manager) ReleaseAll(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return m.db.WriteTx(ctx, func(ctx context.Context) error {
		q := m.db.Q(ctx)
		if err := execBuilt(ctx, q, store.Builder.Delete("note_attachments").
			Where(sq.Eq{"attachment_id": ids})); err != nil {
			return fmt.Errorf("attachment: unlink: %w", err)
		}
		if err := execBuilt(ctx, q, store.Builder.Update("attachments").
			Set("owner_note_id", nil).
			Set("state", models.AttachmentUnowned).
			Set("released_at", store.ToNanos(m.now())).
			Where(sq.Eq{"id": ids, "state": models.AttachmentOwned})); err != nil {
			return fmt.Errorf("attachment: release: %w", err)
		}
		return nil
	})
}

// touchNote bumps a note's UpdatedAt after its attachment list changed
// outside the repository.
func (m *Manager) touchNote(ctx context.Context, noteID string) error {
	_, err := m.db.Q(ctx).ExecContext(ctx,
		`UPDATE notes SET updated_at = MAX(updated_at, ?) WHERE id = ?`, store.ToNanos(m.now()), noteID)
	return err
}

func (m *Manager) removeFiles(a models.Attachment) {
	for _, key := range []string{a.StorageKey, a.ThumbnailKey} {
		if err := m.blobs.Delete(key); err != nil {
			m.logger.Warn("attachment: remove file", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

func get(ctx context.Context, q store.Querier, id string) (models.Attachment, error) {
	query, args, err := store.Builder.Select(columns...).From("attachments").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return models.Attachment{}, fmt.Errorf("attachment: build get: %w", err)
	}
	a, err := scan(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Attachment{}, apperr.NotFound("attachment", id)
	}
	if err != nil {
		return models.Attachment{}, apperr.Storage("attachment: get", err)
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (models.Attachment, error) {
	var (
		a        models.Attachment
		owner    sql.NullString
		created  int64
		released sql.NullInt64
	)
	if err := row.Scan(&a.ID, &owner, &a.State, &a.Name, &a.StorageKey, &a.ThumbnailKey,
		&a.SizeBytes, &a.MimeType, &a.Checksum, &created, &released); err != nil {
		return models.Attachment{}, err
	}
	a.OwnerNoteID = owner.String
	a.CreatedAt = store.FromNanos(created)
	if released.Valid {
		t := store.FromNanos(released.Int64)
		a.ReleasedAt = &t
	}
	return a, nil
}

func noteAttachmentIDs(ctx context.Context, q store.Querier, noteID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT attachment_id FROM note_attachments WHERE note_id = ? ORDER BY position`, noteID)
	if err != nil {
		return nil, fmt.Errorf("attachment: read list: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func noteIsLive(ctx context.Context, q store.Querier, noteID string) (bool, error) {
	var deleted bool
	err := q.QueryRowContext(ctx, `SELECT is_deleted FROM notes WHERE id = ?`, noteID).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("attachment: read owner: %w", err)
	}
	return !deleted, nil
}

func requireLiveNote(ctx context.Context, q store.Querier, noteID string) error {
	live, err := noteIsLive(ctx, q, noteID)
	if err != nil {
		return err
	}
	if !live {
		return apperr.NotFound("note", noteID)
	}
	return nil
}

func execBuilt(ctx context.Context, q store.Querier, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, query, args...)
	return err
}

// blobKey shards files by the last two characters of the id; UUIDv7 prefixes
// are timestamps and would pile into one directory.
func blobKey(dir, id, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s", dir, id[len(id)-2:], id, ext)
}
