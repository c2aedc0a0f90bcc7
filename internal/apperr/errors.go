// Package apperr defines the error taxonomy shared by every store component.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrAlreadyExists      = errors.New("already exists")
	ErrValidation         = errors.New("validation failed")
	ErrStorage            = errors.New("storage failure")
	ErrInvalidCursor      = errors.New("invalid cursor")
	ErrIncompatibleSchema = errors.New("incompatible schema")
	ErrStoreFailed        = errors.New("store unavailable")
)

// ValidationError describes bad caller input for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validation creates a ValidationError for a single field.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps a disk or database failure. The enclosing transaction has
// already been rolled back when a caller sees one.
type StorageError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrStorage and the underlying cause to errors.Is.
func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// Storage wraps err as a retryable StorageError unless it already belongs to
// the taxonomy, in which case it is returned unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) {
		return err
	}
	return &StorageError{Op: op, Err: err, Retryable: true}
}

// IsDomain reports whether err is already classified.
func IsDomain(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrConflict, ErrAlreadyExists, ErrValidation, ErrStorage,
		ErrInvalidCursor, ErrIncompatibleSchema, ErrStoreFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// NotFound returns an ErrNotFound wrapped with the entity and id.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}
