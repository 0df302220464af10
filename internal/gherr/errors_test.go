package gherr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaExceededError_CarriesResetTime(t *testing.T) {
	resetAt := time.Date(2025, 1, 1, 12, 30, 0, 0, time.UTC)
	err := &QuotaExceededError{ResetAt: resetAt}

	assert.Contains(t, err.Error(), "2025-01-01T12:30:00Z")

	wrapped := fmt.Errorf("sync repo: %w", err)
	var q *QuotaExceededError
	require.ErrorAs(t, wrapped, &q)
	assert.Equal(t, resetAt, q.ResetAt)
}

func TestWrappedErrorsUnwrap(t *testing.T) {
	cause := errors.New("connection refused")

	var err error = &StorageError{Op: "save day batch", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "save day batch")

	err = &AuthenticationError{Err: cause}
	assert.ErrorIs(t, err, cause)

	err = &ResourceNotFoundError{Resource: "pull request acme/widgets#7", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "acme/widgets#7")
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Field: "day-key", Reason: "must be YYYY-MM-DD, got 2025/01/01"}
	assert.Equal(t, "invalid day-key: must be YYYY-MM-DD, got 2025/01/01", err.Error())
}

func TestErrInvalidRepoFormat(t *testing.T) {
	err := &ErrInvalidRepoFormat{Repo: "acme"}
	assert.Contains(t, err.Error(), `"acme"`)
	assert.Contains(t, err.Error(), "owner/name")
}
