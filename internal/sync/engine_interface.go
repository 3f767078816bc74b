// Package sync replays the pending write queue against the remote document store.
package sync

import (
	"context"
	"time"

	"github.com/hsvp/farmacontrol/backend/internal/models"
)

// SyncEngineInterface defines the sync engine operations used by the
// scheduler, the session and the HTTP handlers.
type SyncEngineInterface interface {
	// Flush replays the pending queue. A flush already in flight or a missing
	// session makes it a no-op reported through SyncResult.Skipped.
	Flush(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the handler notified after every status change.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the time of the last fully successful flush.
	LastSync() *time.Time

	// PendingChanges returns the number of queued writes.
	PendingChanges() int

	// LastError returns the error of the last failed flush.
	LastError() error

	// Errors returns the failed write log, newest first.
	Errors() []models.SyncErrorEntry
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
