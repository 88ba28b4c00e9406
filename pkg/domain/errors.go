package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrConflict is matched by ConflictError via errors.Is.
var ErrConflict = errors.New("conflict")

// ErrNotFound indicates the requested entity does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

// ConflictError reports a uniqueness violation. It is recoverable: the
// caller may re-read and retry.
type ConflictError struct {
	Entity EntityType
	Key    string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Entity, e.Key)
}

// Is matches ErrConflict.
func (e ConflictError) Is(target error) bool { return target == ErrConflict }

// DefinitionError reports an invalid registry or configuration definition.
type DefinitionError struct {
	Reason string
}

func (e DefinitionError) Error() string { return "definition error: " + e.Reason }

// IsDefinition reports whether err wraps a DefinitionError.
func IsDefinition(err error) bool {
	var de DefinitionError
	return errors.As(err, &de)
}

// QueueFullError is the enqueue-later hint returned by a saturated tenant partition.
type QueueFullError struct {
	TenantID   string
	RetryAfter time.Duration
}

func (e QueueFullError) Error() string {
	return fmt.Sprintf("trigger queue full for tenant %s; retry after %s", e.TenantID, e.RetryAfter)
}

// TransientError marks failures worth retrying (adapter timeouts, store contention).
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError; nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}
