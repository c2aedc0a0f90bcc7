package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/schema"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "quire.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func insertNote(ctx context.Context, t *testing.T, db *DB, id string) {
	t.Helper()
	now := ToNanos(time.Now())
	_, err := db.Q(ctx).ExecContext(ctx,
		`INSERT INTO notes (id, title, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, "t-"+id, "b", now, now)
	require.NoError(t, err)
}

func countNotes(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.Conn().QueryRow(`SELECT count(*) FROM notes`).Scan(&n))
	return n
}

func TestWriteTx_Commit(t *testing.T) {
	db := testDB(t)
	err := db.WriteTx(context.Background(), func(ctx context.Context) error {
		insertNote(ctx, t, db, "a")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countNotes(t, db))
}

func TestWriteTx_RollbackOnError(t *testing.T) {
	db := testDB(t)
	boom := errors.New("disk on fire")
	err := db.WriteTx(context.Background(), func(ctx context.Context) error {
		insertNote(ctx, t, db, "a")
		insertNote(ctx, t, db, "b")
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, apperr.ErrStorage)
	assert.Equal(t, 0, countNotes(t, db))
}

func TestWriteTx_DomainErrorsPassThrough(t *testing.T) {
	db := testDB(t)
	err := db.WriteTx(context.Background(), func(ctx context.Context) error {
		insertNote(ctx, t, db, "a")
		return apperr.Validation("title", "too long")
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.NotErrorIs(t, err, apperr.ErrStorage)
	assert.Equal(t, 0, countNotes(t, db))
}

func TestWriteTx_NestedJoinsOuter(t *testing.T) {
	db := testDB(t)
	err := db.WriteTx(context.Background(), func(ctx context.Context) error {
		insertNote(ctx, t, db, "outer")
		return db.WriteTx(ctx, func(inner context.Context) error {
			assert.True(t, InTx(inner))
			insertNote(inner, t, db, "inner")
			return errors.New("inner failure")
		})
	})
	require.Error(t, err)
	assert.Equal(t, 0, countNotes(t, db), "inner failure must roll back the outer writes too")
}

func TestWriteTx_WaitHonoursContext(t *testing.T) {
	db := testDB(t)
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = db.WriteTx(context.Background(), func(ctx context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := db.WriteTx(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWriteTx_RefusedWhenSchemaFailed(t *testing.T) {
	bad := []schema.Step{{Name: "broken", Up: func(context.Context, *sql.Tx) error {
		return errors.New("cannot migrate")
	}}}
	db, err := New(filepath.Join(t.TempDir(), "failed.db"), WithSteps(bad))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.Error(t, db.Migrate(context.Background()))
	assert.Equal(t, schema.Failed, db.SchemaState())

	err = db.WriteTx(context.Background(), func(context.Context) error {
		t.Fatal("fn must not run on a failed store")
		return nil
	})
	assert.ErrorIs(t, err, apperr.ErrStoreFailed)
}

func TestFailpoints(t *testing.T) {
	db := testDB(t)
	boom := errors.New("injected")
	assert.NoError(t, db.Failpoint("x"))
	db.Arm("x", boom)
	assert.ErrorIs(t, db.Failpoint("x"), boom)
	db.Disarm("x")
	assert.NoError(t, db.Failpoint("x"))
}

func TestScanNoteAndAttachmentIDs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	insertNote(ctx, t, db, "n1")
	insertNote(ctx, t, db, "n2")
	for i, att := range []string{"a2", "a1"} {
		_, err := db.Conn().Exec(`INSERT INTO note_attachments (note_id, attachment_id, position) VALUES (?, ?, ?)`, "n1", att, i)
		require.NoError(t, err)
	}

	rows, err := db.Conn().Query(`SELECT id, title, body, created_at, updated_at, is_deleted, deleted_at FROM notes ORDER BY id`)
	require.NoError(t, err)
	var notes []models.Note
	for rows.Next() {
		n, err := ScanNote(rows)
		require.NoError(t, err)
		notes = append(notes, n)
	}
	require.NoError(t, rows.Close())
	require.Len(t, notes, 2)

	require.NoError(t, LoadAttachmentIDs(ctx, db.Q(ctx), notes))
	assert.Equal(t, []string{"a2", "a1"}, notes[0].AttachmentIDs)
	assert.Equal(t, []string{}, notes[1].AttachmentIDs)
	assert.False(t, notes[0].CreatedAt.IsZero())
}

func TestNanosRoundTrip(t *testing.T) {
	now := time.Now()
	assert.True(t, FromNanos(ToNanos(now)).Equal(now))
	assert.False(t, NullNanos(nil).Valid)
}

func TestReadTx_SingleSnapshot(t *testing.T) {
	db := testDB(t)
	bg := context.Background()
	require.NoError(t, db.WriteTx(bg, func(ctx context.Context) error {
		insertNote(ctx, t, db, "a")
		return nil
	}))

	err := db.ReadTx(bg, func(ctx context.Context) error {
		var before int
		require.NoError(t, db.Q(ctx).QueryRowContext(ctx, `SELECT count(*) FROM notes`).Scan(&before))

		// A commit from outside the snapshot must stay invisible inside it.
		require.NoError(t, db.WriteTx(bg, func(ctx context.Context) error {
			insertNote(ctx, t, db, "b")
			return nil
		}))

		var after int
		require.NoError(t, db.Q(ctx).QueryRowContext(ctx, `SELECT count(*) FROM notes`).Scan(&after))
		assert.Equal(t, 1, before)
		assert.Equal(t, before, after)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countNotes(t, db))
}

func TestReadTx_JoinsWriteTx(t *testing.T) {
	db := testDB(t)
	err := db.WriteTx(context.Background(), func(ctx context.Context) error {
		insertNote(ctx, t, db, "a")
		return db.ReadTx(ctx, func(ctx context.Context) error {
			var n int
			require.NoError(t, db.Q(ctx).QueryRowContext(ctx, `SELECT count(*) FROM notes`).Scan(&n))
			assert.Equal(t, 1, n, "uncommitted row visible through the joined tx")
			return nil
		})
	})
	require.NoError(t, err)
}

func TestAfterCommit(t *testing.T) {
	db := testDB(t)
	var ran []string

	require.NoError(t, db.WriteTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = append(ran, "first") })
		return db.WriteTx(ctx, func(ctx context.Context) error {
			AfterCommit(ctx, func() { ran = append(ran, "nested") })
			assert.Empty(t, ran, "callbacks must wait for commit")
			return nil
		})
	}))
	assert.Equal(t, []string{"first", "nested"}, ran)

	ran = nil
	err := db.WriteTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = append(ran, "rolled back") })
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Empty(t, ran)

	AfterCommit(context.Background(), func() { ran = append(ran, "now") })
	assert.Equal(t, []string{"now"}, ran)
}
