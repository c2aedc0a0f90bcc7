package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/quire/internal/noteservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *noteservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Route("/notes", func(r chi.Router) {
		r.Get("/", h.ListNotes)
		r.Post("/", h.CreateNote)
		r.Get("/{id}", h.GetNote)
		r.Put("/{id}", h.UpdateNote)
		r.Delete("/{id}", h.DeleteNote)
		r.Post("/{id}/restore", h.RestoreNote)
	})

	r.Get("/search", h.Search)

	r.Route("/attachments", func(r chi.Router) {
		r.Post("/", h.UploadAttachment)
		r.Get("/{id}", h.GetAttachment)
		r.Get("/{id}/payload", h.AttachmentPayload)
		r.Get("/{id}/thumbnail", h.AttachmentThumbnail)
		r.Post("/{id}/bind", h.BindAttachment)
		r.Post("/{id}/release", h.ReleaseAttachment)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/purge", h.Purge)
		r.Post("/sweep", h.Sweep)
		r.Post("/reconcile", h.Reconcile)
		r.Post("/reindex", h.Reindex)
		r.Get("/verify", h.VerifyIndex)
		r.Post("/maintenance", h.RunMaintenance)
	})

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
