// Package importer turns files dropped into a watched directory into notes.
// Markdown files become notes (frontmatter or H1 title) with their local image
// references attached; standalone images become a note of their own. Imported
// files are moved to .imported/ so they are processed once.
package importer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/parser"
	"github.com/starford/quire/internal/storage"
)

// DoneDir receives processed files, relative to the import root.
const DoneDir = ".imported"

const defaultSettle = 300 * time.Millisecond

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true}

// NoteCreator stores new notes.
type NoteCreator interface {
	Create(ctx context.Context, in models.NewNote) (models.Note, error)
}

// Stager persists attachment payloads.
type Stager interface {
	Stage(ctx context.Context, payload []byte, mimeType, name string) (models.Attachment, error)
}

// Callback is called after a file produced a note.
type Callback func(note models.Note, source string)

// Importer scans and watches one directory.
type Importer struct {
	root   string
	files  *storage.FS
	notes  NoteCreator
	atts   Stager
	logger *slog.Logger
	settle time.Duration
	cb     Callback
}

// Option configures an Importer.
type Option func(*Importer)

// WithSettle sets how long the directory must be quiet before a scan.
func WithSettle(d time.Duration) Option { return func(im *Importer) { im.settle = d } }

// WithCallback registers a function called for every imported note.
func WithCallback(cb Callback) Option { return func(im *Importer) { im.cb = cb } }

// New creates an Importer for root, creating the directory if needed.
func New(root string, notes NoteCreator, atts Stager, logger *slog.Logger, opts ...Option) (*Importer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("importer: create dir: %w", err)
	}
	files, err := storage.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("importer: %w", err)
	}
	im := &Importer{
		root:   files.Root(),
		files:  files,
		notes:  notes,
		atts:   atts,
		logger: logger,
		settle: defaultSettle,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im, nil
}

// Close releases the import directory handle.
func (im *Importer) Close() error { return im.files.Close() }

// Scan imports every pending file once and returns the number of notes
// created. Markdown files go first so the images they reference are attached
// to them rather than imported on their own. A failing file is logged and
// left in place for the next scan.
func (im *Importer) Scan(ctx context.Context) (int, error) {
	infos, err := im.files.List("")
	if err != nil {
		return 0, err
	}
	var docs, images []string
	for _, info := range infos {
		key := info.Key
		if strings.HasPrefix(key, DoneDir+"/") || isHidden(key) {
			continue
		}
		switch ext := strings.ToLower(path.Ext(key)); {
		case ext == ".md":
			docs = append(docs, key)
		case imageExts[ext]:
			images = append(images, key)
		}
	}
	sort.Strings(docs)
	sort.Strings(images)

	created := 0
	claimed := make(map[string]bool)
	for _, key := range docs {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		refs, err := im.importMarkdown(ctx, key)
		if err != nil {
			im.logger.Warn("importer: markdown failed", slog.String("path", key), slog.String("error", err.Error()))
			continue
		}
		for _, r := range refs {
			claimed[r] = true
		}
		created++
	}
	for _, key := range images {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if claimed[key] {
			continue
		}
		if err := im.importImage(ctx, key); err != nil {
			im.logger.Warn("importer: image failed", slog.String("path", key), slog.String("error", err.Error()))
			continue
		}
		created++
	}
	return created, nil
}

func (im *Importer) importMarkdown(ctx context.Context, key string) ([]string, error) {
	data, err := im.files.Read(key)
	if err != nil {
		return nil, err
	}
	doc, err := parser.Parse(data)
	if err != nil {
		return nil, err
	}

	var ids, used []string
	for _, ref := range doc.Images {
		rel := path.Join(path.Dir(key), ref)
		if !imageExts[strings.ToLower(path.Ext(rel))] {
			continue
		}
		ok, err := im.files.Exists(rel)
		if err != nil || !ok {
			continue
		}
		a, err := im.stage(ctx, rel)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", rel, err)
		}
		ids = append(ids, a.ID)
		used = append(used, rel)
	}

	title := doc.Title
	if title == "" {
		title = baseName(key)
	}
	n, err := im.notes.Create(ctx, models.NewNote{Title: title, Body: doc.Body, AttachmentIDs: ids})
	if err != nil {
		return nil, err
	}
	im.done(n, key, used...)
	return used, nil
}

func (im *Importer) importImage(ctx context.Context, key string) error {
	a, err := im.stage(ctx, key)
	if err != nil {
		return err
	}
	n, err := im.notes.Create(ctx, models.NewNote{Title: baseName(key), AttachmentIDs: []string{a.ID}})
	if err != nil {
		return err
	}
	im.done(n, key)
	return nil
}

func (im *Importer) stage(ctx context.Context, key string) (models.Attachment, error) {
	data, err := im.files.Read(key)
	if err != nil {
		return models.Attachment{}, err
	}
	return im.atts.Stage(ctx, data, http.DetectContentType(data), path.Base(key))
}

// done moves the source files under DoneDir and reports the note.
func (im *Importer) done(n models.Note, source string, extra ...string) {
	for _, key := range append([]string{source}, extra...) {
		if err := im.move(key); err != nil {
			im.logger.Warn("importer: move failed", slog.String("path", key), slog.String("error", err.Error()))
		}
	}
	im.logger.Info("importer: imported", slog.String("path", source), slog.String("note_id", n.ID))
	if im.cb != nil {
		im.cb(n, source)
	}
}

func (im *Importer) move(key string) error {
	data, err := im.files.Read(key)
	if err != nil {
		return err
	}
	if err := im.files.Write(path.Join(DoneDir, key), data); err != nil {
		return err
	}
	return im.files.Delete(key)
}

// Run scans once and then rescans whenever the directory has been quiet for
// the settle interval after a change, until ctx is cancelled.
func (im *Importer) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, im.root); err != nil {
		return err
	}
	im.logger.Info("importer: watching", slog.String("root", im.root))

	if _, err := im.Scan(ctx); err != nil && ctx.Err() == nil {
		im.logger.Warn("importer: initial scan failed", slog.String("error", err.Error()))
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(im.settle)
			timerCh = timer.C
		} else {
			timer.Reset(im.settle)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			im.logger.Info("importer: stopped")
			return nil

		case <-timerCh:
			if _, err := im.Scan(ctx); err != nil && ctx.Err() == nil {
				im.logger.Warn("importer: scan failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			rel, relErr := filepath.Rel(im.root, ev.Name)
			if relErr != nil || strings.HasPrefix(filepath.ToSlash(rel), DoneDir) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						im.logger.Warn("importer: add new dir failed",
							slog.String("path", ev.Name), slog.String("error", addErr.Error()))
					}
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			im.logger.Error("importer: watch error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and its subdirectories, skipping DoneDir.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == DoneDir {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}

func baseName(key string) string {
	b := path.Base(key)
	return strings.TrimSuffix(b, path.Ext(b))
}

func isHidden(key string) bool {
	for _, part := range strings.Split(key, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
