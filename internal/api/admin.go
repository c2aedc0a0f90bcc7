package api

import (
	"net/http"
	"time"

	"github.com/starford/quire/internal/apperr"
)

// Purge handles POST /api/admin/purge. older_than (a Go duration) overrides
// the configured grace period.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Duration(-1)
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, "purge", apperr.Validation("older_than", "must be a non-negative duration"))
			return
		}
		olderThan = d
	}
	n, err := h.svc.Purge(r.Context(), olderThan)
	if err != nil {
		writeError(w, "purge", err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: n})
}

// Sweep handles POST /api/admin/sweep.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Sweep(r.Context())
	if err != nil {
		writeError(w, "sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Reconcile handles POST /api/admin/reconcile.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Reconcile(r.Context())
	if err != nil {
		writeError(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Removed: n})
}

// Reindex handles POST /api/admin/reindex.
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Reindex(r.Context())
	if err != nil {
		writeError(w, "reindex", err)
		return
	}
	writeJSON(w, http.StatusOK, ReindexResponse{Notes: n})
}

// VerifyIndex handles GET /api/admin/verify.
func (h *Handler) VerifyIndex(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.VerifyIndex(r.Context())
	if err != nil {
		writeError(w, "verify index", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Drifted: ids})
}

// RunMaintenance handles POST /api/admin/maintenance.
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.RunMaintenance(r.Context()))
}
