package noteservice

import (
	"log/slog"
	"time"

	"github.com/starford/quire/internal/attachment"
	"github.com/starford/quire/internal/maintenance"
	"github.com/starford/quire/internal/metrics"
	"github.com/starford/quire/internal/notes"
	"github.com/starford/quire/internal/search"
	"github.com/starford/quire/internal/storage"
	"github.com/starford/quire/internal/store"
)

// StackConfig holds the tunables of the assembled components. Zero values
// fall back to component defaults.
type StackConfig struct {
	MaxAttachmentBytes int64
	MaxImagePixels     int64
	ThumbnailSize      int
	ThumbnailCacheTTL  time.Duration
	Maintenance        maintenance.Config
	Metrics            *metrics.StoreMetrics
}

// Stack is every store component wired over one database and payload root.
type Stack struct {
	Repo        *notes.Repository
	Attachments *attachment.Manager
	Index       *search.Index
	Maintenance *maintenance.Runner
	Service     *Service
}

// NewStack assembles the components. The caller owns db and must call
// Close on the stack before closing it.
func NewStack(db *store.DB, blobs storage.Provider, logger *slog.Logger, cfg StackConfig) *Stack {
	var attOpts []attachment.Option
	if cfg.MaxAttachmentBytes > 0 {
		attOpts = append(attOpts, attachment.WithMaxBytes(cfg.MaxAttachmentBytes))
	}
	if cfg.MaxImagePixels > 0 {
		attOpts = append(attOpts, attachment.WithMaxPixels(cfg.MaxImagePixels))
	}
	if cfg.ThumbnailSize > 0 {
		attOpts = append(attOpts, attachment.WithThumbnailSize(cfg.ThumbnailSize))
	}
	if cfg.ThumbnailCacheTTL > 0 {
		attOpts = append(attOpts, attachment.WithCacheTTL(cfg.ThumbnailCacheTTL))
	}

	atts := attachment.NewManager(db, blobs, logger, attOpts...)
	index := search.New(db)
	repo := notes.NewRepository(db, index, atts, logger, notes.WithMetrics(cfg.Metrics))
	runner := maintenance.New(repo, atts, index, cfg.Maintenance, logger, cfg.Metrics)

	return &Stack{
		Repo:        repo,
		Attachments: atts,
		Index:       index,
		Maintenance: runner,
		Service:     NewService(repo, atts, index, runner, cfg.Maintenance),
	}
}

// Close ends change subscriptions.
func (s *Stack) Close() {
	s.Repo.Close()
}
