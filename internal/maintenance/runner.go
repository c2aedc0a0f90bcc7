// Package maintenance runs the periodic background jobs of the store: purge
// of expired soft-deleted notes, orphan attachment sweep, stray payload
// reconciliation and search index verification. Every job is idempotent; a
// failure is logged and retried on the next tick.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/starford/quire/internal/attachment"
	"github.com/starford/quire/internal/metrics"
)

// Task names used in logs and metrics.
const (
	TaskPurge     = "purge"
	TaskSweep     = "sweep"
	TaskReconcile = "reconcile"
	TaskVerify    = "verify"
)

// Purger removes expired soft-deleted notes.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper cleans up attachments and payload files.
type Sweeper interface {
	SweepOrphans(ctx context.Context, olderThan time.Duration) (attachment.SweepReport, error)
	ReconcilePayloads(ctx context.Context, olderThan time.Duration) (int, error)
}

// Indexer checks and rebuilds the search index.
type Indexer interface {
	Verify(ctx context.Context) ([]string, error)
	Rebuild(ctx context.Context) (int, error)
}

// Config controls what a pass does.
type Config struct {
	Interval        time.Duration
	GracePeriod     time.Duration
	AutoPurge       bool
	OrphanRetention time.Duration
	StrayRetention  time.Duration
}

// Report is the outcome of one pass.
type Report struct {
	Purged     int                    `json:"purged"`
	Sweep      attachment.SweepReport `json:"sweep"`
	StrayFiles int                    `json:"stray_files"`
	Drifted    int                    `json:"drifted"`
	Rebuilt    bool                   `json:"rebuilt"`
	Failed     []string               `json:"failed,omitempty"`
}

// Runner executes maintenance passes.
type Runner struct {
	notes   Purger
	atts    Sweeper
	index   Indexer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
}

// New creates a Runner. A nil metrics records nothing.
func New(notes Purger, atts Sweeper, index Indexer, cfg Config, logger *slog.Logger, m *metrics.StoreMetrics) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Runner{notes: notes, atts: atts, index: index, cfg: cfg, logger: logger, metrics: m}
}

// Run executes a pass immediately and then every Interval until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("maintenance: started",
		slog.Duration("interval", r.cfg.Interval), slog.Bool("auto_purge", r.cfg.AutoPurge))
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("maintenance: stopped")
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes one pass. Purge only runs when AutoPurge is set.
func (r *Runner) RunOnce(ctx context.Context) Report {
	var rep Report

	if r.cfg.AutoPurge {
		n, err := r.notes.Purge(ctx, r.cfg.GracePeriod)
		r.check(&rep, TaskPurge, err)
		rep.Purged = n
	}

	sweep, err := r.atts.SweepOrphans(ctx, r.cfg.OrphanRetention)
	if !r.check(&rep, TaskSweep, err) {
		rep.Sweep = sweep
		r.metrics.RecordSweep(sweep.Removed, sweep.Failed)
	}

	stray, err := r.atts.ReconcilePayloads(ctx, r.cfg.StrayRetention)
	rep.StrayFiles = stray
	if !r.check(&rep, TaskReconcile, err) {
		r.metrics.RecordStrayFiles(stray)
	}

	drifted, err := r.index.Verify(ctx)
	if !r.check(&rep, TaskVerify, err) && len(drifted) > 0 {
		rep.Drifted = len(drifted)
		r.logger.Warn("maintenance: search index drift, rebuilding", slog.Int("notes", len(drifted)))
		if _, err := r.index.Rebuild(ctx); !r.check(&rep, TaskVerify, err) {
			rep.Rebuilt = true
			r.metrics.RecordRebuild()
		}
	}

	r.logger.Debug("maintenance: pass finished",
		slog.Int("purged", rep.Purged), slog.Int("swept", rep.Sweep.Removed),
		slog.Int("stray_files", rep.StrayFiles), slog.Bool("rebuilt", rep.Rebuilt))
	return rep
}

// check logs and counts err; it reports whether the task failed.
func (r *Runner) check(rep *Report, task string, err error) bool {
	if err == nil {
		return false
	}
	rep.Failed = append(rep.Failed, task)
	r.metrics.RecordMaintenanceFailure(task)
	r.logger.Warn("maintenance: task failed", slog.String("task", task), slog.String("error", err.Error()))
	return true
}
