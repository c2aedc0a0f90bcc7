package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/starford/quire/internal/apperr"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/store"
)

// SweepReport summarizes one SweepOrphans run.
type SweepReport struct {
	Marked  int `json:"marked"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// SweepOrphans deletes attachments that have been unowned for longer than
// olderThan. Rows are first moved to pending_sweep under the write lock, so a
// concurrent BindToNote either wins before the mark or is refused after it.
// Rows left pending by an interrupted run are finished as well.
func (m *Manager) SweepOrphans(ctx context.Context, olderThan time.Duration) (SweepReport, error) {
	var report SweepReport
	cutoff := store.ToNanos(m.now().Add(-olderThan))

	err := m.db.WriteTx(ctx, func(ctx context.Context) error {
		res, err := m.db.Q(ctx).ExecContext(ctx,
			`UPDATE attachments SET state = ?
			 WHERE state = ? AND COALESCE(released_at, created_at) < ?`,
			models.AttachmentPendingSweep, models.AttachmentUnowned, cutoff)
		if err != nil {
			return fmt.Errorf("attachment: mark orphans: %w", err)
		}
		n, _ := res.RowsAffected()
		report.Marked = int(n)
		return nil
	})
	if err != nil {
		return report, err
	}

	pending, err := m.pending(ctx)
	if err != nil {
		return report, err
	}
	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := m.remove(ctx, a); err != nil {
			report.Failed++
			m.logger.Warn("attachment: sweep failed",
				slog.String("id", a.ID), slog.String("error", err.Error()))
			continue
		}
		report.Removed++
	}

	if report.Marked > 0 || report.Removed > 0 || report.Failed > 0 {
		m.logger.Info("attachment: sweep finished",
			slog.Int("marked", report.Marked), slog.Int("removed", report.Removed), slog.Int("failed", report.Failed))
	}
	return report, nil
}

func (m *Manager) pending(ctx context.Context) ([]models.Attachment, error) {
	query, args, err := store.Builder.Select(columns...).From("attachments").
		Where(sq.Eq{"state": models.AttachmentPendingSweep}).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("attachment: build pending: %w", err)
	}
	rows, err := m.db.Q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("attachment: list pending", err)
	}
	defer rows.Close()
	var out []models.Attachment
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, apperr.Storage("attachment: scan pending", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// remove deletes the files of a pending row and then the row itself.
func (m *Manager) remove(ctx context.Context, a models.Attachment) error {
	if err := m.db.Failpoint(FailSweepPayload); err != nil {
		return err
	}
	for _, key := range []string{a.StorageKey, a.ThumbnailKey} {
		if err := m.blobs.Delete(key); err != nil {
			return apperr.Storage("attachment: delete file", err)
		}
	}
	m.thumbs.Delete(a.ID)
	return m.db.WriteTx(ctx, func(ctx context.Context) error {
		_, err := m.db.Q(ctx).ExecContext(ctx,
			`DELETE FROM attachments WHERE id = ? AND state = ?`, a.ID, models.AttachmentPendingSweep)
		return err
	})
}

// ReconcilePayloads deletes payload and thumbnail files older than olderThan
// that no record references, and returns how many were removed.
func (m *Manager) ReconcilePayloads(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := m.db.Ready(); err != nil {
		return 0, err
	}
	known, err := m.knownKeys(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-olderThan)

	removed := 0
	for _, dir := range []string{payloadDir, thumbDir} {
		files, err := m.blobs.List(dir)
		if err != nil {
			return removed, apperr.Storage("attachment: list files", err)
		}
		for _, f := range files {
			if known[f.Key] || !f.UpdatedAt.Before(cutoff) {
				continue
			}
			if err := m.blobs.Delete(f.Key); err != nil {
				return removed, apperr.Storage("attachment: delete stray file", err)
			}
			m.logger.Info("attachment: removed stray file", slog.String("key", f.Key))
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) knownKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.Q(ctx).QueryContext(ctx, `SELECT storage_key, thumbnail_key FROM attachments`)
	if err != nil {
		return nil, apperr.Storage("attachment: read keys", err)
	}
	defer rows.Close()
	known := make(map[string]bool)
	for rows.Next() {
		var payload, thumb string
		if err := rows.Scan(&payload, &thumb); err != nil {
			return nil, apperr.Storage("attachment: scan keys", err)
		}
		known[payload] = true
		known[thumb] = true
	}
	return known, rows.Err()
}
