package notes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/attachment"
	"github.com/starford/quire/internal/metrics"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/paging"
	"github.com/starford/quire/internal/search"
	"github.com/starford/quire/internal/store"
	"github.com/starford/quire/internal/testutil"
)

type fixture struct {
	repo  *Repository
	db    *store.DB
	atts  *attachment.Manager
	index *search.Index
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: testutil.TestDB(t), clock: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	_, blobs := testutil.TestBlobs(t)
	now := func() time.Time { return f.clock }
	f.atts = attachment.NewManager(f.db, blobs, testutil.Logger(), attachment.WithClock(now))
	f.index = search.New(f.db)
	f.repo = NewRepository(f.db, f.index, f.atts, testutil.Logger(), WithClock(now))
	t.Cleanup(f.repo.Close)
	return f
}

func (f *fixture) tick(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) stage(t *testing.T) models.Attachment {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	a, err := f.atts.Stage(context.Background(), buf.Bytes(), "image/png", "p.png")
	require.NoError(t, err)
	return a
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.Conn().QueryRow(`SELECT count(*) FROM `+table).Scan(&n))
	return n
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.stage(t)

	n, err := f.repo.Create(ctx, models.NewNote{Title: "Groceries", Body: "milk eggs bread", AttachmentIDs: []string{a.ID}})
	require.NoError(t, err)
	parsed, err := uuid.Parse(n.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Equal(t, f.clock, n.CreatedAt)
	assert.Equal(t, n.CreatedAt, n.UpdatedAt)
	assert.False(t, n.IsDeleted)

	got, err := f.repo.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	att, err := f.atts.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttachmentOwned, att.State)
	assert.Equal(t, n.ID, att.OwnerNoteID)

	_, err = f.repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreate_InvalidAttachmentsStoreNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.stage(t)
	owner, err := f.repo.Create(ctx, models.NewNote{Title: "owner", AttachmentIDs: []string{a.ID}})
	require.NoError(t, err)

	for name, ids := range map[string][]string{
		"missing":   {"nope"},
		"duplicate": {f.stage(t).ID, "dup", "dup"},
		"taken":     {a.ID},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.repo.Create(ctx, models.NewNote{Title: "bad", Body: "unique", AttachmentIDs: ids})
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "attachment_ids", ve.Field)
		})
	}
	assert.Equal(t, 1, f.count(t, "notes"))
	ids, err := f.index.Match(ctx, []string{"unique"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	got, err := f.repo.GetByID(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, got.AttachmentIDs)
}

func TestCreate_RehomesAttachmentOfDeletedNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.stage(t)
	old, err := f.repo.Create(ctx, models.NewNote{Title: "old", AttachmentIDs: []string{a.ID}})
	require.NoError(t, err)
	require.NoError(t, f.repo.SoftDelete(ctx, old.ID))

	n, err := f.repo.Create(ctx, models.NewNote{Title: "new", AttachmentIDs: []string{a.ID}})
	require.NoError(t, err)

	prev, err := f.repo.GetByIDIncludingDeleted(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, prev.AttachmentIDs)
	att, err := f.atts.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, att.OwnerNoteID)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1, a2 := f.stage(t), f.stage(t)
	n, err := f.repo.Create(ctx, models.NewNote{Title: "Groceries", Body: "milk", AttachmentIDs: []string{a1.ID}})
	require.NoError(t, err)

	f.tick(time.Minute)
	up, err := f.repo.Update(ctx, n.ID, func(n *models.Note) error {
		n.Title = "Shopping"
		n.Body = "bread"
		n.AttachmentIDs = []string{a2.ID}
		n.ID = "ignored"
		n.CreatedAt = time.Time{}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, n.ID, up.ID)
	assert.Equal(t, n.CreatedAt, up.CreatedAt)
	assert.Equal(t, "Shopping", up.Title)
	assert.Equal(t, []string{a2.ID}, up.AttachmentIDs)
	assert.Equal(t, f.clock, up.UpdatedAt)

	got, err := f.repo.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, up, got)

	released, err := f.atts.Get(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttachmentUnowned, released.State)

	ids, err := f.index.Match(ctx, []string{"milk"})
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = f.index.Match(ctx, []string{"bread", "shopping"})
	require.NoError(t, err)
	assert.Equal(t, []string{n.ID}, ids)
}

func TestUpdate_UpdatedAtNeverGoesBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.repo.Create(ctx, models.NewNote{Title: "t"})
	require.NoError(t, err)

	f.tick(-time.Hour)
	up, err := f.repo.Update(ctx, n.ID, func(n *models.Note) error { n.Body = "b"; return nil })
	require.NoError(t, err)
	assert.Equal(t, n.UpdatedAt, up.UpdatedAt)
	assert.False(t, up.UpdatedAt.Before(up.CreatedAt))
}

func TestUpdate_MutatorErrorAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.repo.Create(ctx, models.NewNote{Title: "keep"})
	require.NoError(t, err)

	errStop := errors.New("stop")
	_, err = f.repo.Update(ctx, n.ID, func(n *models.Note) error {
		n.Title = "changed"
		return errStop
	})
	assert.Same(t, errStop, err)

	got, err := f.repo.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.repo.Create(ctx, models.NewNote{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, f.repo.SoftDelete(ctx, n.ID))

	noop := func(*models.Note) error { return nil }
	_, err = f.repo.Update(ctx, n.ID, noop)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.repo.Update(ctx, "missing", noop)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSoftDeleteAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.stage(t)
	n, err := f.repo.Create(ctx, models.NewNote{Title: "t", AttachmentIDs: []string{a.ID}})
	require.NoError(t, err)

	f.tick(time.Second)
	require.NoError(t, f.repo.SoftDelete(ctx, n.ID))
	assert.ErrorIs(t, f.repo.SoftDelete(ctx, n.ID), apperr.ErrNotFound)

	_, err = f.repo.GetByID(ctx, n.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	del, err := f.repo.GetByIDIncludingDeleted(ctx, n.ID)
	require.NoError(t, err)
	assert.True(t, del.IsDeleted)
	require.NotNil(t, del.DeletedAt)
	assert.Equal(t, f.clock, *del.DeletedAt)
	assert.Equal(t, []string{a.ID}, del.AttachmentIDs)

	f.tick(time.Second)
	back, err := f.repo.Restore(ctx, n.ID)
	require.NoError(t, err)
	assert.False(t, back.IsDeleted)
	assert.Nil(t, back.DeletedAt)
	assert.Equal(t, f.clock, back.UpdatedAt)

	again, err := f.repo.Restore(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, back, again)

	_, err = f.repo.Restore(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.stage(t)
	old, err := f.repo.Create(ctx, models.NewNote{Title: "old", Body: "milk", AttachmentIDs: []string{a.ID}})
	require.NoError(t, err)
	recent, err := f.repo.Create(ctx, models.NewNote{Title: "recent", Body: "milk"})
	require.NoError(t, err)
	live, err := f.repo.Create(ctx, models.NewNote{Title: "live", Body: "milk"})
	require.NoError(t, err)

	require.NoError(t, f.repo.SoftDelete(ctx, old.ID))
	f.tick(48 * time.Hour)
	require.NoError(t, f.repo.SoftDelete(ctx, recent.ID))

	n, err := f.repo.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.repo.GetByIDIncludingDeleted(ctx, old.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.repo.GetByIDIncludingDeleted(ctx, recent.ID)
	require.NoError(t, err)
	_, err = f.repo.GetByID(ctx, live.ID)
	require.NoError(t, err)

	att, err := f.atts.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttachmentUnowned, att.State)
	assert.Equal(t, 0, f.count(t, "note_attachments"))

	ids, err := f.index.Match(ctx, []string{"milk"}, search.IncludeDeleted())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{recent.ID, live.ID}, ids)

	n, err = f.repo.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Every mutation either lands completely or leaves no trace.
func TestAtomicityUnderInjectedFaults(t *testing.T) {
	boom := errors.New("injected")
	for _, fp := range []string{FailAfterInsert, FailAfterClaim, attachment.FailClaim} {
		t.Run("create/"+fp, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			a := f.stage(t)
			events, cancel := f.repo.Subscribe(4)
			defer cancel()

			f.db.Arm(fp, boom)
			_, err := f.repo.Create(ctx, models.NewNote{Title: "t", Body: "milk", AttachmentIDs: []string{a.ID}})
			require.ErrorIs(t, err, boom)
			require.ErrorIs(t, err, apperr.ErrStorage)

			assert.Equal(t, 0, f.count(t, "notes"))
			assert.Equal(t, 0, f.count(t, "search_tokens"))
			assert.Equal(t, 0, f.count(t, "note_attachments"))
			att, err := f.atts.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, models.AttachmentUnowned, att.State)
			assert.Empty(t, events)
		})

		t.Run("update/"+fp, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			a1, a2 := f.stage(t), f.stage(t)
			n, err := f.repo.Create(ctx, models.NewNote{Title: "t", Body: "milk", AttachmentIDs: []string{a1.ID}})
			require.NoError(t, err)

			f.tick(time.Minute)
			f.db.Arm(fp, boom)
			_, err = f.repo.Update(ctx, n.ID, func(n *models.Note) error {
				n.Body = "bread"
				n.AttachmentIDs = []string{a2.ID}
				return nil
			})
			require.ErrorIs(t, err, boom)
			f.db.Disarm(fp)

			got, err := f.repo.GetByID(ctx, n.ID)
			require.NoError(t, err)
			assert.Equal(t, n, got)
			ids, err := f.index.Match(ctx, []string{"milk"})
			require.NoError(t, err)
			assert.Equal(t, []string{n.ID}, ids)
			att, err := f.atts.Get(ctx, a2.ID)
			require.NoError(t, err)
			assert.Equal(t, models.AttachmentUnowned, att.State)
		})
	}

	t.Run("purge", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		a := f.stage(t)
		n, err := f.repo.Create(ctx, models.NewNote{Title: "t", Body: "milk", AttachmentIDs: []string{a.ID}})
		require.NoError(t, err)
		require.NoError(t, f.repo.SoftDelete(ctx, n.ID))

		f.db.Arm(FailPurgeRemove, boom)
		_, err = f.repo.Purge(ctx, 0)
		require.ErrorIs(t, err, boom)

		got, err := f.repo.GetByIDIncludingDeleted(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID}, got.AttachmentIDs)
		att, err := f.atts.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AttachmentOwned, att.State)
	})
}

func TestGroceriesScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.stage(t)

	n, err := f.repo.Create(ctx, models.NewNote{Title: "Groceries", Body: "milk eggs bread", AttachmentIDs: []string{a.ID}})
	require.NoError(t, err)

	ids, err := f.index.Match(ctx, []string{"milk"})
	require.NoError(t, err)
	assert.Equal(t, []string{n.ID}, ids)

	require.NoError(t, f.repo.SoftDelete(ctx, n.ID))
	ids, err = f.index.Match(ctx, []string{"milk"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	purged, err := f.repo.Purge(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	_, err = f.repo.GetByID(ctx, n.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// The released attachment is swept once its retention window passes.
	f.tick(time.Hour)
	report, err := f.atts.SweepOrphans(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	_, err = f.atts.Get(ctx, a.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, cancel := f.repo.Subscribe(16)

	n, err := f.repo.Create(ctx, models.NewNote{Title: "t"})
	require.NoError(t, err)
	_, err = f.repo.Update(ctx, n.ID, func(n *models.Note) error { n.Body = "x"; return nil })
	require.NoError(t, err)
	require.NoError(t, f.repo.SoftDelete(ctx, n.ID))
	_, err = f.repo.Restore(ctx, n.ID)
	require.NoError(t, err)
	require.NoError(t, f.repo.SoftDelete(ctx, n.ID))
	_, err = f.repo.Purge(ctx, 0)
	require.NoError(t, err)

	var kinds []models.ChangeKind
	for range 6 {
		ev := <-events
		assert.Equal(t, n.ID, ev.NoteID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []models.ChangeKind{
		models.ChangeCreated, models.ChangeUpdated, models.ChangeDeleted,
		models.ChangeRestored, models.ChangeDeleted, models.ChangePurged,
	}, kinds)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestBindAndReleaseAttachmentReportUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.repo.Create(ctx, models.NewNote{Title: "album"})
	require.NoError(t, err)
	a := f.stage(t)

	events, cancel := f.repo.Subscribe(8)
	defer cancel()

	f.tick(time.Minute)
	require.NoError(t, f.repo.BindAttachment(ctx, a.ID, n.ID))
	got, err := f.repo.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, got.AttachmentIDs)
	assert.Equal(t, f.clock, got.UpdatedAt)

	require.NoError(t, f.repo.ReleaseAttachment(ctx, a.ID))
	got, err = f.repo.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AttachmentIDs)

	// Releasing an unowned attachment changes nothing and reports nothing.
	require.NoError(t, f.repo.ReleaseAttachment(ctx, a.ID))

	require.Len(t, events, 2)
	for range 2 {
		ev := <-events
		assert.Equal(t, n.ID, ev.NoteID)
		assert.Equal(t, models.ChangeUpdated, ev.Kind)
	}

	assert.ErrorIs(t, f.repo.BindAttachment(ctx, a.ID, "missing"), apperr.ErrNotFound)
}

func TestSubscribe_SlowSubscriberDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, cancel := f.repo.Subscribe(1)
	defer cancel()

	for i := range 5 {
		_, err := f.repo.Create(ctx, models.NewNote{Title: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	assert.Len(t, events, 1)
}

func TestQuery_StableWhileDeletingReturnedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const total = 300
	for i := range total {
		f.tick(time.Millisecond)
		_, err := f.repo.Create(ctx, models.NewNote{Title: fmt.Sprintf("note %d", i), Body: "common"})
		require.NoError(t, err)
	}

	q := paging.Query{Filter: paging.Filter{Text: "common"}}
	seen := map[string]int{}
	cursor := ""
	for {
		page, err := f.repo.Query(ctx, q, cursor, 20)
		require.NoError(t, err)
		for _, n := range page.Items {
			seen[n.ID]++
		}
		// Deleting from the page just returned must not disturb later pages.
		for _, n := range page.Items[:min(3, len(page.Items))] {
			f.tick(time.Millisecond)
			require.NoError(t, f.repo.SoftDelete(ctx, n.ID))
		}
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}
	assert.Len(t, seen, total)
	for id, c := range seen {
		assert.Equal(t, 1, c, id)
	}

	_, err := f.repo.Query(ctx, paging.Query{Sort: paging.SortTitle}, cursor, 20)
	assert.ErrorIs(t, err, apperr.ErrInvalidCursor)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.repo.Create(ctx, models.NewNote{Title: "Groceries", Body: "milk"})
	require.NoError(t, err)
	f.tick(time.Second)
	b, err := f.repo.Create(ctx, models.NewNote{Title: "Milk run", Body: ""})
	require.NoError(t, err)

	got, err := f.repo.Search(ctx, []string{"milk"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)

	got, err = f.repo.Search(ctx, []string{"milk"}, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRefusedUntilSchemaCurrent(t *testing.T) {
	db, err := store.New(filepath.Join(t.TempDir(), "quire.db"))
	require.NoError(t, err)
	defer db.Close()
	_, blobs := testutil.TestBlobs(t)
	repo := NewRepository(db, search.New(db), attachment.NewManager(db, blobs, testutil.Logger()), testutil.Logger())

	_, err = repo.Create(context.Background(), models.NewNote{Title: "t"})
	assert.ErrorIs(t, err, apperr.ErrStoreFailed)
	_, err = repo.GetByID(context.Background(), "x")
	assert.ErrorIs(t, err, apperr.ErrStoreFailed)
}

func TestConcurrentReadersSeeWholeWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.stage(t), f.stage(t)
	n, err := f.repo.Create(ctx, models.NewNote{Title: "A", AttachmentIDs: []string{a.ID}})
	require.NoError(t, err)

	want := map[string]string{"A": a.ID, "B": b.ID}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(stop)
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			title := "B"
			if i%2 == 1 {
				title = "A"
			}
			_, err := f.repo.Update(ctx, n.ID, func(n *models.Note) error {
				n.Title = title
				n.AttachmentIDs = []string{want[title]}
				return nil
			})
			if !assert.NoError(t, err) {
				return
			}
		}
	}()

	check := func(got models.Note) bool {
		return assert.Equal(t, []string{want[got.Title]}, got.AttachmentIDs, "title %q", got.Title)
	}
	for range 1000 {
		got, err := f.repo.GetByID(ctx, n.ID)
		require.NoError(t, err)
		if !check(got) {
			break
		}
		page, err := f.repo.Query(ctx, paging.Query{}, "", 20)
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		if !check(page.Items[0]) {
			break
		}
	}
}

func TestSubscribe_EventsFollowCommitOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n, err := f.repo.Create(ctx, models.NewNote{Title: "contended"})
	require.NoError(t, err)

	const writers, rounds = 4, 50
	events, cancel := f.repo.Subscribe(writers*rounds + 1)
	defer cancel()

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range rounds {
				_, err := f.repo.Update(ctx, n.ID, func(n *models.Note) error {
					n.Body = fmt.Sprintf("%d-%d", w, i)
					return nil
				})
				if errors.Is(err, apperr.ErrNotFound) {
					return
				}
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.repo.SoftDelete(ctx, n.ID))
	}()
	wg.Wait()

	var kinds []models.ChangeKind
	for len(events) > 0 {
		kinds = append(kinds, (<-events).Kind)
	}
	require.NotEmpty(t, kinds)
	// A deleted note takes no more updates, so its deletion is reported last.
	assert.Equal(t, models.ChangeDeleted, kinds[len(kinds)-1])
	for _, k := range kinds[:len(kinds)-1] {
		assert.Equal(t, models.ChangeUpdated, k)
	}
}

func TestUpdate_RejectedMutationIsCounted(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := metrics.NewStoreMetrics(registry)
	require.NoError(t, err)

	db := testutil.TestDB(t)
	_, blobs := testutil.TestBlobs(t)
	atts := attachment.NewManager(db, blobs, testutil.Logger())
	repo := NewRepository(db, search.New(db), atts, testutil.Logger(), WithMetrics(m))
	t.Cleanup(repo.Close)
	ctx := context.Background()

	n, err := repo.Create(ctx, models.NewNote{Title: "t"})
	require.NoError(t, err)
	_, err = repo.Update(ctx, n.ID, func(n *models.Note) error { n.Body = "ok"; return nil })
	require.NoError(t, err)
	rejected := apperr.Validation("title", "not allowed")
	_, err = repo.Update(ctx, n.ID, func(*models.Note) error { return rejected })
	require.ErrorIs(t, err, rejected)

	expected := `
# HELP quire_note_mutations_total Total number of note mutations by kind and status
# TYPE quire_note_mutations_total counter
quire_note_mutations_total{kind="created",status="success"} 1
quire_note_mutations_total{kind="updated",status="error"} 1
quire_note_mutations_total{kind="updated",status="success"} 1
`
	assert.NoError(t, promtestutil.GatherAndCompare(registry, strings.NewReader(expected), "quire_note_mutations_total"))
}
