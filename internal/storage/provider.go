// Package storage keeps attachment payloads addressable by storage key.
package storage

import "github.com/starford/quire/internal/models"

// Provider is the interface for payload file operations. Keys are slash
// separated paths relative to the provider root.
type Provider interface {
	// List returns every payload under dir (relative to root).
	List(dir string) ([]models.PayloadInfo, error)
	// Read returns the raw bytes stored at key.
	Read(key string) ([]byte, error)
	// Write atomically writes content to key.
	Write(key string, content []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Exists reports whether key is present.
	Exists(key string) (bool, error)
}
