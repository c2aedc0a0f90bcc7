package schema

import (
	"context"
	"database/sql"
)

// Steps is the ordered migration list; Steps[i] moves version i to i+1.
// Entries are append-only.
var Steps = []Step{
	{Name: "create notes and attachments", Up: execAll(
		`CREATE TABLE notes (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at INTEGER
		)`,
		`CREATE TABLE attachments (
			id            TEXT PRIMARY KEY,
			owner_note_id TEXT,
			state         TEXT NOT NULL DEFAULT 'unowned',
			name          TEXT NOT NULL DEFAULT '',
			storage_key   TEXT NOT NULL UNIQUE,
			thumbnail_key TEXT NOT NULL DEFAULT '',
			size_bytes    INTEGER NOT NULL DEFAULT 0,
			mime_type     TEXT NOT NULL DEFAULT '',
			checksum      TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			released_at   INTEGER
		)`,
		`CREATE TABLE note_attachments (
			note_id       TEXT NOT NULL,
			attachment_id TEXT NOT NULL UNIQUE,
			position      INTEGER NOT NULL,
			PRIMARY KEY (note_id, attachment_id)
		)`,
		`CREATE INDEX idx_note_attachments_note ON note_attachments(note_id, position)`,
	)},
	{Name: "create search index", Up: execAll(
		`CREATE TABLE search_tokens (
			token   TEXT NOT NULL,
			note_id TEXT NOT NULL,
			PRIMARY KEY (token, note_id)
		) WITHOUT ROWID`,
		`CREATE INDEX idx_search_tokens_note ON search_tokens(note_id)`,
	)},
	{Name: "add keyset and sweep indexes", Up: execAll(
		`CREATE INDEX idx_notes_updated ON notes(is_deleted, updated_at, id)`,
		`CREATE INDEX idx_notes_created ON notes(is_deleted, created_at, id)`,
		`CREATE INDEX idx_notes_title ON notes(is_deleted, title, id)`,
		`CREATE INDEX idx_notes_deleted_at ON notes(deleted_at) WHERE is_deleted = 1`,
		`CREATE INDEX idx_attachments_sweep ON attachments(state, released_at)`,
	)},
}

func execAll(stmts ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}
}
