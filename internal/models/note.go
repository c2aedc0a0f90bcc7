// Package models defines the plain value types handed across the store boundary.
package models

import "time"

// Note is a single user note. Values are copies; mutating one never touches the store.
type Note struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	IsDeleted     bool       `json:"is_deleted"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	AttachmentIDs []string   `json:"attachment_ids"`
}

// NewNote carries the caller-supplied fields of a note being created.
type NewNote struct {
	Title         string
	Body          string
	AttachmentIDs []string
}

// ChangeKind names the kind of mutation a ChangeEvent reports.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRestored ChangeKind = "restored"
	ChangePurged   ChangeKind = "purged"
)

// ChangeEvent is published after a note mutation commits.
type ChangeEvent struct {
	NoteID string     `json:"note_id"`
	Kind   ChangeKind `json:"kind"`
	At     time.Time  `json:"at"`
}
