package models

import "time"

// AttachmentState is the explicit ownership state of an attachment.
type AttachmentState string

const (
	// AttachmentUnowned is staged or released and waits for a note or the sweep.
	AttachmentUnowned AttachmentState = "unowned"
	// AttachmentOwned is bound to OwnerNoteID.
	AttachmentOwned AttachmentState = "owned"
	// AttachmentPendingSweep has been claimed by a sweep and is being deleted.
	AttachmentPendingSweep AttachmentState = "pending_sweep"
)

// Attachment is the metadata record of a stored image payload.
type Attachment struct {
	ID           string          `json:"id"`
	OwnerNoteID  string          `json:"owner_note_id,omitempty"`
	State        AttachmentState `json:"state"`
	Name         string          `json:"name"`
	StorageKey   string          `json:"storage_key"`
	ThumbnailKey string          `json:"thumbnail_key"`
	SizeBytes    int64           `json:"size_bytes"`
	MimeType     string          `json:"mime_type"`
	Checksum     string          `json:"checksum"`
	CreatedAt    time.Time       `json:"created_at"`
	ReleasedAt   *time.Time      `json:"released_at,omitempty"`
}

// PayloadInfo describes a payload file as found on disk.
type PayloadInfo struct {
	Key       string
	Size      int64
	UpdatedAt time.Time
}
