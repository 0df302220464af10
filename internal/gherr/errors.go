// Package gherr defines the typed errors shared across the sync pipeline.
package gherr

import (
	"fmt"
	"time"
)

// ErrInvalidRepoFormat is returned when a repository string is neither a
// bare name nor 'owner/name' within the configured organization.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'name' or 'owner/name'", e.Repo)
}

// ValidationError indicates malformed input (date windows, day-keys) detected
// before any network or storage activity.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuotaExceededError is raised when the upstream API reports rate-limit
// exhaustion. It is never retried internally; ResetAt tells the caller when
// a new run can resume.
type QuotaExceededError struct {
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("API quota exceeded, resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// AuthenticationError indicates the configured token was rejected. Fatal for
// the run; occurs before any day-marking.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ResourceNotFoundError indicates a single upstream resource is missing. The
// record is skipped and the run continues.
type ResourceNotFoundError struct {
	Resource string
	Err      error
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.Resource)
}

func (e *ResourceNotFoundError) Unwrap() error { return e.Err }

// StorageError wraps persistence failures. Ledger writes are the last step
// per repository, so a StorageError means the repository was never reported
// complete.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
