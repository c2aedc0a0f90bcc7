package paging

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/search"
	"github.com/starford/quire/internal/store"
)

// Page is one slice of a query result.
type Page struct {
	Items   []models.Note `json:"items"`
	Cursor  string        `json:"cursor"`
	HasMore bool          `json:"has_more"`
}

// Provider runs keyset-paged note queries.
type Provider struct {
	db     *store.DB
	logger *slog.Logger
}

// NewProvider creates a Provider.
func NewProvider(db *store.DB, logger *slog.Logger) *Provider {
	return &Provider{db: db, logger: logger}
}

// FirstPage returns the first page of q.
func (p *Provider) FirstPage(ctx context.Context, q Query, pageSize int) (Page, error) {
	norm, err := q.Normalize()
	if err != nil {
		return Page{}, err
	}
	c := Cursor{Query: norm, Fingerprint: Fingerprint(norm, p.db.SchemaVersion())}
	return p.fetch(ctx, c, "", pageSize)
}

// NextPage continues from an opaque cursor.
func (p *Provider) NextPage(ctx context.Context, cursor string, pageSize int) (Page, error) {
	c, err := Decode(cursor, p.db.SchemaVersion())
	if err != nil {
		return Page{}, err
	}
	return p.fetch(ctx, c, cursor, pageSize)
}

// Resume continues q from cursor, or starts it when cursor is empty. A cursor
// minted for a different query is rejected with ErrInvalidCursor.
func (p *Provider) Resume(ctx context.Context, q Query, cursor string, pageSize int) (Page, error) {
	if cursor == "" {
		return p.FirstPage(ctx, q, pageSize)
	}
	norm, err := q.Normalize()
	if err != nil {
		return Page{}, err
	}
	c, err := Decode(cursor, p.db.SchemaVersion())
	if err != nil {
		return Page{}, err
	}
	if c.Fingerprint != Fingerprint(norm, p.db.SchemaVersion()) {
		return Page{}, fmt.Errorf("paging: cursor belongs to another query: %w", apperr.ErrInvalidCursor)
	}
	return p.fetch(ctx, c, cursor, pageSize)
}

// fetch reads the page after c.Last. An exhausted query hands back the
// caller's cursor untouched.
func (p *Provider) fetch(ctx context.Context, c Cursor, token string, pageSize int) (Page, error) {
	size, err := PageSize(pageSize)
	if err != nil {
		return Page{}, err
	}
	if err := p.db.Ready(); err != nil {
		return Page{}, err
	}

	b := store.Builder.Select(store.NoteColumns...).From("notes")
	for _, pred := range filterClauses(c.Query.Filter) {
		b = b.Where(pred)
	}
	col := string(c.Query.Sort)
	if c.Last != nil {
		op := "<"
		if c.Query.Dir == Asc {
			op = ">"
		}
		b = b.Where(sq.Expr(fmt.Sprintf("(%s, id) %s (?, ?)", col, op), c.Last.value(c.Query.Sort), c.Last.ID))
	}
	dir := " DESC"
	if c.Query.Dir == Asc {
		dir = " ASC"
	}
	b = b.OrderBy(col+dir, "id"+dir).Limit(uint64(size) + 1)

	query, args, err := b.ToSql()
	if err != nil {
		return Page{}, fmt.Errorf("paging: build query: %w", err)
	}
	var (
		items   []models.Note
		hasMore bool
	)
	// One snapshot for the rows and their attachment lists.
	err = p.db.ReadTx(ctx, func(ctx context.Context) error {
		q := p.db.Q(ctx)
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return apperr.Storage("paging: query notes", err)
		}
		defer rows.Close()

		items = make([]models.Note, 0, size+1)
		for rows.Next() {
			n, err := store.ScanNote(rows)
			if err != nil {
				return apperr.Storage("paging: scan note", err)
			}
			items = append(items, n)
		}
		if err := rows.Err(); err != nil {
			return apperr.Storage("paging: iterate notes", err)
		}
		rows.Close()

		hasMore = len(items) > size
		if hasMore {
			items = items[:size]
		}
		if err := store.LoadAttachmentIDs(ctx, q, items); err != nil {
			return apperr.Storage("paging: load attachments", err)
		}
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	if len(items) == 0 && token != "" {
		return Page{Items: items, Cursor: token}, nil
	}
	if len(items) > 0 {
		last := keyOf(items[len(items)-1], c.Query.Sort)
		c.Last = &last
	}

	p.logger.Debug("paging: page fetched",
		slog.String("sort", col), slog.Int("items", len(items)), slog.Bool("has_more", hasMore))
	return Page{Items: items, Cursor: Encode(c), HasMore: hasMore}, nil
}

func filterClauses(f Filter) []sq.Sqlizer {
	var out []sq.Sqlizer
	switch f.Deleted {
	case DeletedExclude:
		out = append(out, sq.Eq{"is_deleted": false})
	case DeletedOnly:
		out = append(out, sq.Eq{"is_deleted": true})
	}
	if clause := search.Clause(search.Tokenize(f.Text)); clause != nil {
		out = append(out, clause)
	}
	if clause := search.SubstringClause(f.Substring); clause != nil {
		out = append(out, clause)
	}
	if f.CreatedFrom != nil {
		out = append(out, sq.GtOrEq{"created_at": store.ToNanos(*f.CreatedFrom)})
	}
	if f.CreatedTo != nil {
		out = append(out, sq.Lt{"created_at": store.ToNanos(*f.CreatedTo)})
	}
	if f.UpdatedFrom != nil {
		out = append(out, sq.GtOrEq{"updated_at": store.ToNanos(*f.UpdatedFrom)})
	}
	if f.UpdatedTo != nil {
		out = append(out, sq.Lt{"updated_at": store.ToNanos(*f.UpdatedTo)})
	}
	if f.HasAttachments != nil {
		exists := "EXISTS (SELECT 1 FROM note_attachments na WHERE na.note_id = notes.id)"
		if !*f.HasAttachments {
			exists = "NOT " + exists
		}
		out = append(out, sq.Expr(exists))
	}
	return out
}

func keyOf(n models.Note, sort SortField) Key {
	switch sort {
	case SortCreated:
		return Key{Num: store.ToNanos(n.CreatedAt), ID: n.ID}
	case SortTitle:
		return Key{Str: n.Title, ID: n.ID}
	default:
		return Key{Num: store.ToNanos(n.UpdatedAt), ID: n.ID}
	}
}

func (k Key) value(sort SortField) any {
	if sort == SortTitle {
		return k.Str
	}
	return k.Num
}
