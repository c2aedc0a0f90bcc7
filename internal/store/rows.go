package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/starford/quire/internal/models"
)

// NoteColumns is the canonical column list scanned by ScanNote.
var NoteColumns = []string{"id", "title", "body", "created_at", "updated_at", "is_deleted", "deleted_at"}

// Builder is the statement builder for SQLite placeholders.
var Builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

type scanner interface {
	Scan(dest ...any) error
}

// ScanNote scans one row selected with NoteColumns. AttachmentIDs is left empty.
func ScanNote(row scanner) (models.Note, error) {
	var (
		n                models.Note
		created, updated int64
		deleted          bool
		deletedAt        sql.NullInt64
	)
	if err := row.Scan(&n.ID, &n.Title, &n.Body, &created, &updated, &deleted, &deletedAt); err != nil {
		return models.Note{}, err
	}
	n.CreatedAt = FromNanos(created)
	n.UpdatedAt = FromNanos(updated)
	n.IsDeleted = deleted
	if deletedAt.Valid {
		t := FromNanos(deletedAt.Int64)
		n.DeletedAt = &t
	}
	n.AttachmentIDs = []string{}
	return n, nil
}

// LoadAttachmentIDs fills AttachmentIDs of every note in display order.
func LoadAttachmentIDs(ctx context.Context, q Querier, notes []models.Note) error {
	if len(notes) == 0 {
		return nil
	}
	ids := make([]string, len(notes))
	pos := make(map[string]int, len(notes))
	for i, n := range notes {
		ids[i] = n.ID
		pos[n.ID] = i
	}
	query, args, err := Builder.
		Select("note_id", "attachment_id").
		From("note_attachments").
		Where(sq.Eq{"note_id": ids}).
		OrderBy("note_id", "position").
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build attachment query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: load attachment ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var noteID, attID string
		if err := rows.Scan(&noteID, &attID); err != nil {
			return err
		}
		i := pos[noteID]
		notes[i].AttachmentIDs = append(notes[i].AttachmentIDs, attID)
	}
	return rows.Err()
}

// ToNanos converts t to the INTEGER representation stored on disk.
func ToNanos(t time.Time) int64 { return t.UTC().UnixNano() }

// FromNanos converts a stored INTEGER timestamp back to UTC time.
func FromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// NullNanos converts an optional time for storage.
func NullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ToNanos(*t), Valid: true}
}
