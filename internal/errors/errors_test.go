// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound,
		ErrDatabase, ErrMigration, ErrCorruptCache,
		ErrQueueFull,
		ErrNoSession, ErrSyncFailed, ErrSyncTimeout, ErrOffline, ErrSyncBusy,
		ErrRxExhausted,
		ErrRolloverDeclined, ErrRolloverFailed, ErrRolloverBusy,
		ErrExportFailed, ErrInvalidPassword, ErrCorruptedArchive,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		assert.NotEmpty(t, string(code))
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
}

func TestAppError_Error(t *testing.T) {
	err := New(ErrQueueFull, "pending write queue is full")
	assert.Equal(t, "[QUEUE_FULL] pending write queue is full", err.Error())

	wrapped := Wrap(ErrSyncFailed, "flush failed", errors.New("connection reset"))
	assert.True(t, strings.HasSuffix(wrapped.Error(), ": connection reset"))
	assert.Equal(t, "connection reset", errors.Unwrap(wrapped).Error())
}

func TestIs_matchesWrappedChain(t *testing.T) {
	base := New(ErrRolloverFailed, "remote delete failed")
	chained := fmt.Errorf("rollover: %w", base)

	assert.True(t, Is(chained, ErrRolloverFailed))
	assert.False(t, Is(chained, ErrQueueFull))
	assert.False(t, Is(errors.New("plain"), ErrRolloverFailed))
	assert.False(t, Is(nil, ErrRolloverFailed))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrOffline, CodeOf(Wrap(ErrOffline, "ping failed", errors.New("dial tcp"))))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}
