// Package search maintains the derived token index over note titles and bodies.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/store"
)

const insertBatch = 200

// Index is the search index. It is never the source of truth: Rebuild can
// recompute it from the notes table at any time.
type Index struct {
	db *store.DB
}

// New creates an Index over db.
func New(db *store.DB) *Index {
	return &Index{db: db}
}

// MatchOption tunes Match.
type MatchOption func(*matchOptions)

type matchOptions struct {
	includeDeleted bool
}

// IncludeDeleted makes Match return soft-deleted notes too.
func IncludeDeleted() MatchOption {
	return func(o *matchOptions) { o.includeDeleted = true }
}

// IndexNote replaces the token set of n. It joins the caller's write
// transaction when ctx carries one.
func (ix *Index) IndexNote(ctx context.Context, n models.Note) error {
	return ix.db.WriteTx(ctx, func(ctx context.Context) error {
		q := ix.db.Q(ctx)
		if _, err := q.ExecContext(ctx, `DELETE FROM search_tokens WHERE note_id = ?`, n.ID); err != nil {
			return fmt.Errorf("search: clear tokens: %w", err)
		}
		return insertTokens(ctx, q, n.ID, NoteTokens(n.Title, n.Body))
	})
}

// RemoveNote drops every entry of the note.
func (ix *Index) RemoveNote(ctx context.Context, id string) error {
	return ix.db.WriteTx(ctx, func(ctx context.Context) error {
		if _, err := ix.db.Q(ctx).ExecContext(ctx, `DELETE FROM search_tokens WHERE note_id = ?`, id); err != nil {
			return fmt.Errorf("search: remove note: %w", err)
		}
		return nil
	})
}

// Match returns the ids of notes whose token set contains every query token,
// in id order. Empty queries match nothing.
func (ix *Index) Match(ctx context.Context, terms []string, opts ...MatchOption) ([]string, error) {
	tokens := QueryTokens(terms)
	if len(tokens) == 0 {
		return []string{}, nil
	}
	return ix.selectIDs(ctx, Clause(tokens), opts)
}

// MatchSubstring scans the token vocabulary for notes where every word of
// fragment occurs inside some token. It serves partial-word queries the
// exact-token index cannot answer directly.
func (ix *Index) MatchSubstring(ctx context.Context, fragment string, opts ...MatchOption) ([]string, error) {
	clause := SubstringClause(fragment)
	if clause == nil {
		return []string{}, nil
	}
	return ix.selectIDs(ctx, clause, opts)
}

func (ix *Index) selectIDs(ctx context.Context, clause sq.Sqlizer, opts []MatchOption) ([]string, error) {
	if err := ix.db.Ready(); err != nil {
		return nil, err
	}
	var o matchOptions
	for _, opt := range opts {
		opt(&o)
	}
	b := store.Builder.Select("id").From("notes").Where(clause).OrderBy("id")
	if !o.includeDeleted {
		b = b.Where(sq.Eq{"is_deleted": false})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("search: build match: %w", err)
	}
	rows, err := ix.db.Q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("search: match", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Storage("search: scan match", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Clause returns a predicate on notes.id selecting notes that contain every
// (already normalized) token. It returns nil for an empty token list.
func Clause(tokens []string) sq.Sqlizer {
	if len(tokens) == 0 {
		return nil
	}
	sub, args, err := store.Builder.
		Select("note_id").
		From("search_tokens").
		Where(sq.Eq{"token": tokens}).
		GroupBy("note_id").
		Having("COUNT(*) = ?", len(tokens)).
		ToSql()
	if err != nil {
		return sq.Expr("0")
	}
	return sq.Expr("id IN ("+sub+")", args...)
}

// SubstringClause returns a predicate on notes.id requiring every word of
// fragment to appear inside one of the note's tokens, or nil when fragment
// has no words.
func SubstringClause(fragment string) sq.Sqlizer {
	words := splitWords(Normalize(fragment))
	if len(words) == 0 {
		return nil
	}
	and := sq.And{}
	for _, w := range words {
		and = append(and, sq.Expr(
			`id IN (SELECT note_id FROM search_tokens WHERE token LIKE ? ESCAPE '\')`,
			"%"+escapeLike(w)+"%"))
	}
	return and
}

// Rebuild recomputes the whole index from the notes table in one write
// transaction and returns the number of notes indexed.
func (ix *Index) Rebuild(ctx context.Context) (int, error) {
	var count int
	err := ix.db.WriteTx(ctx, func(ctx context.Context) error {
		q := ix.db.Q(ctx)
		want, err := computeAll(ctx, q)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM search_tokens`); err != nil {
			return fmt.Errorf("search: clear index: %w", err)
		}
		for id, tokens := range want {
			if err := insertTokens(ctx, q, id, tokens); err != nil {
				return err
			}
		}
		count = len(want)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Verify compares the stored index with a fresh computation and returns the
// ids of notes (or dangling index owners) whose entries differ.
func (ix *Index) Verify(ctx context.Context) ([]string, error) {
	if err := ix.db.Ready(); err != nil {
		return nil, err
	}
	var want, have map[string][]string
	err := ix.db.ReadTx(ctx, func(ctx context.Context) error {
		q := ix.db.Q(ctx)
		var err error
		if want, err = computeAll(ctx, q); err != nil {
			return err
		}
		have, err = storedAll(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}

	var bad []string
	for id, tokens := range want {
		if !equalTokens(tokens, have[id]) {
			bad = append(bad, id)
		}
	}
	for id := range have {
		if _, ok := want[id]; !ok {
			bad = append(bad, id)
		}
	}
	sort.Strings(bad)
	return bad, nil
}

func computeAll(ctx context.Context, q store.Querier) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, title, body FROM notes`)
	if err != nil {
		return nil, apperr.Storage("search: read notes", err)
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var id, title, body string
		if err := rows.Scan(&id, &title, &body); err != nil {
			return nil, apperr.Storage("search: scan note", err)
		}
		out[id] = NoteTokens(title, body)
	}
	return out, rows.Err()
}

func storedAll(ctx context.Context, q store.Querier) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT note_id, token FROM search_tokens ORDER BY note_id, token`)
	if err != nil {
		return nil, apperr.Storage("search: read index", err)
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var id, tok string
		if err := rows.Scan(&id, &tok); err != nil {
			return nil, apperr.Storage("search: scan index", err)
		}
		out[id] = append(out[id], tok)
	}
	return out, rows.Err()
}

func insertTokens(ctx context.Context, q store.Querier, noteID string, tokens []string) error {
	for start := 0; start < len(tokens); start += insertBatch {
		end := min(start+insertBatch, len(tokens))
		b := store.Builder.Insert("search_tokens").Columns("token", "note_id").Options("OR IGNORE")
		for _, tok := range tokens[start:end] {
			b = b.Values(tok, noteID)
		}
		query, args, err := b.ToSql()
		if err != nil {
			return fmt.Errorf("search: build insert: %w", err)
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("search: insert tokens: %w", err)
		}
	}
	return nil
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
