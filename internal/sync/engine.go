package sync

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hsvp/farmacontrol/backend/internal/db"
	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/metrics"
	"github.com/hsvp/farmacontrol/backend/internal/models"
	"github.com/hsvp/farmacontrol/backend/internal/remote"
	"github.com/hsvp/farmacontrol/backend/internal/sync/queue"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusSynced      SyncStatus = "synced"
	SyncStatusSyncing     SyncStatus = "syncing"
	SyncStatusOffline     SyncStatus = "offline"
	SyncStatusNoSession   SyncStatus = "no_session"
	SyncStatusPartialLoad SyncStatus = "partial_load"
	SyncStatusRollover    SyncStatus = "rollover"
)

// SyncEventType identifies a sync event.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "started"
	SyncEventCompleted SyncEventType = "completed"
	SyncEventFailed    SyncEventType = "failed"
	SyncEventOffline   SyncEventType = "offline"
	SyncEventStatus    SyncEventType = "status"
)

// SyncEvent is delivered to the SyncEventHandler.
type SyncEvent struct {
	Type    SyncEventType `json:"type"`
	Status  SyncStatus    `json:"status"`
	Pending int           `json:"pending"`
	Applied int           `json:"applied,omitempty"`
	Failed  int           `json:"failed,omitempty"`
	Error   string        `json:"error,omitempty"`
	Time    time.Time     `json:"time"`
}

// SyncEventHandler receives sync events.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncResult represents the result of a flush.
type SyncResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Status    SyncStatus
	Applied   int
	Failed    int
	Remaining int
	Skipped   bool
	Error     string
}

// EngineConfig holds sync engine tuning.
type EngineConfig struct {
	CallTimeout time.Duration // Bound on every remote call (default: 15 seconds)
	BaseBackoff time.Duration // First retry delay (default: 2 seconds)
	MaxBackoff  time.Duration // Retry delay ceiling (default: 30 seconds)
	ErrorLogCap int           // Failed write entries kept (default: 50)
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		CallTimeout: 15 * time.Second,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
		ErrorLogCap: 50,
	}
}

const exclusivePoll = 20 * time.Millisecond

// Timer is the retry timer handle. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// SyncEngine replays queued writes in FIFO order. It owns the single-flight
// flag, the retry timer and the failed write log of one session.
type SyncEngine struct {
	store  remote.Store
	queue  *queue.SyncQueue
	local  db.Store
	config EngineConfig

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Timer

	mu         sync.Mutex
	account    string
	generation uint64
	closed     bool
	flushing   bool
	status     SyncStatus
	attempt    int
	timer      Timer
	errs       []models.SyncErrorEntry
	lastSync   *time.Time
	lastErr    error
	handler    SyncEventHandler
}

// NewSyncEngine creates a SyncEngine. Every call on store is bounded by
// config.CallTimeout. local holds the cached snapshot removed on EndSession.
func NewSyncEngine(store remote.Store, q *queue.SyncQueue, local db.Store, config *EngineConfig) *SyncEngine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	cfg := *config
	def := DefaultEngineConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ErrorLogCap <= 0 {
		cfg.ErrorLogCap = def.ErrorLogCap
	}
	return &SyncEngine{
		store:  remote.WithTimeout(store, cfg.CallTimeout),
		queue:  q,
		local:  local,
		config: cfg,
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		status: SyncStatusNoSession,
	}
}

// Store returns the timeout-bounded remote store used by the engine.
func (e *SyncEngine) Store() remote.Store {
	return e.store
}

// Queue returns the pending write queue.
func (e *SyncEngine) Queue() *queue.SyncQueue {
	return e.queue
}

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetStatus records a status reached outside a flush (partial load, rollover).
func (e *SyncEngine) SetStatus(status SyncStatus) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	e.emit(SyncEvent{Type: SyncEventStatus, Status: status})
}

// LastSync returns the time of the last fully successful flush.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// PendingChanges returns the number of queued writes.
func (e *SyncEngine) PendingChanges() int {
	return e.queue.Size()
}

// LastError returns the error of the last flush that left writes behind.
func (e *SyncEngine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Errors returns a copy of the failed write log, newest first.
func (e *SyncEngine) Errors() []models.SyncErrorEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.SyncErrorEntry, len(e.errs))
	copy(out, e.errs)
	return out
}

// Account returns the signed-in account, or "" without a session.
func (e *SyncEngine) Account() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account
}

// Generation returns a counter bumped on every session change. Long running
// work compares it before applying results.
func (e *SyncEngine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// StartSession binds the engine to account.
func (e *SyncEngine) StartSession(account string) error {
	if account == "" {
		return apperrors.New(apperrors.ErrInvalid, "account is required")
	}
	e.mu.Lock()
	e.account = account
	e.generation++
	e.attempt = 0
	e.status = SyncStatusSynced
	e.mu.Unlock()

	logging.Info("sync session started", map[string]interface{}{"account": account})
	e.emit(SyncEvent{Type: SyncEventStatus, Status: SyncStatusSynced})
	return nil
}

// EndSession stops the retry timer and drops the queue, the failed write log
// and the cached snapshot.
func (e *SyncEngine) EndSession() error {
	e.mu.Lock()
	e.account = ""
	e.generation++
	e.stopTimerLocked()
	e.attempt = 0
	e.errs = nil
	e.lastErr = nil
	e.status = SyncStatusNoSession
	e.mu.Unlock()

	if err := e.queue.Clear(); err != nil {
		return err
	}
	if e.local != nil {
		if err := e.local.Remove(models.SnapshotKey); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove cached snapshot", err)
		}
	}

	logging.Info("sync session ended", nil)
	e.emit(SyncEvent{Type: SyncEventStatus, Status: SyncStatusNoSession})
	return nil
}

// ClearQueue drops every pending write and the failed write log.
func (e *SyncEngine) ClearQueue() error {
	if err := e.queue.Clear(); err != nil {
		return err
	}
	e.mu.Lock()
	e.errs = nil
	e.lastErr = nil
	e.stopTimerLocked()
	e.mu.Unlock()

	logging.Warn("pending writes cleared by operator", nil)
	e.emit(SyncEvent{Type: SyncEventStatus, Status: e.Status()})
	return nil
}

// Exclusive runs fn while holding the single-flight flag, so no flush runs
// concurrently. It waits for an in-flight flush to finish first.
func (e *SyncEngine) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		e.mu.Lock()
		if !e.flushing {
			e.flushing = true
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.ErrSyncBusy, "a flush is in progress", ctx.Err())
		case <-time.After(exclusivePoll):
		}
	}

	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()
	return fn(ctx)
}

// Flush replays the queued writes in order. Upserts become merge writes and
// deletes become document deletes at orgData/<account>/<collection>/<id>.
// A failed write is logged and kept; the batch continues. Writes that
// succeeded are acknowledged. Any failure schedules a retry.
func (e *SyncEngine) Flush(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: e.now()}

	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		result.Skipped = true
		result.Status = e.Status()
		metrics.ObserveFlush(metrics.FlushSkipped)
		return e.finish(result), nil
	}
	if e.account == "" {
		e.status = SyncStatusNoSession
		e.mu.Unlock()
		result.Skipped = true
		result.Status = SyncStatusNoSession
		metrics.ObserveFlush(metrics.FlushSkipped)
		return e.finish(result), nil
	}
	e.flushing = true
	account, gen := e.account, e.generation
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.flushing = false
		e.mu.Unlock()
	}()

	e.emit(SyncEvent{Type: SyncEventStarted, Status: SyncStatusSyncing})

	if p, ok := e.store.(remote.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return e.finishOffline(result, gen, err), nil
		}
	}

	ops := e.queue.Pending()
	var acked []string
	var failures []models.SyncErrorEntry
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if err := e.apply(ctx, account, op); err != nil {
			failures = append(failures, e.errorEntry(op, err))
			metrics.ObserveSyncError(op.Collection, string(op.Kind))
			logging.Warn("remote write failed", map[string]interface{}{
				"op_id":      op.OpID,
				"collection": op.Collection,
				"record_id":  op.RecordID,
				"error":      err.Error(),
			})
			continue
		}
		acked = append(acked, op.OpID)
	}

	if err := e.queue.Ack(acked); err != nil {
		logging.Error("failed to acknowledge applied writes", err, map[string]interface{}{"count": len(acked)})
	}

	result.Applied = len(acked)
	result.Failed = len(failures)
	result.Remaining = e.queue.Size()

	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		result.Status = e.Status()
		return e.finish(result), nil
	}
	complete := len(failures) == 0 && len(acked) == len(ops)
	if complete {
		now := e.now()
		e.lastSync = &now
		e.lastErr = nil
		e.attempt = 0
		e.stopTimerLocked()
		e.status = SyncStatusSynced
	} else {
		e.recordLocked(failures)
		if len(failures) > 0 {
			e.lastErr = apperrors.New(apperrors.ErrSyncFailed,
				fmt.Sprintf("%d of %d writes could not be synced", len(failures), len(ops)))
		} else {
			e.lastErr = apperrors.Wrap(apperrors.ErrSyncFailed, "flush interrupted", ctx.Err())
		}
		e.status = SyncStatusOffline
	}
	result.Status = e.status
	lastErr := e.lastErr
	e.mu.Unlock()

	if complete {
		e.queue.ResetOverflow()
		if result.Remaining > 0 {
			e.scheduleRetry()
		}
		metrics.ObserveFlush(metrics.FlushSynced)
		logging.Info("flush completed", map[string]interface{}{"applied": result.Applied, "remaining": result.Remaining})
		e.emit(SyncEvent{Type: SyncEventCompleted, Status: SyncStatusSynced, Applied: result.Applied})
	} else {
		result.Error = lastErr.Error()
		e.scheduleRetry()
		metrics.ObserveFlush(metrics.FlushPartial)
		logging.ErrorWithCode("flush left writes pending", string(apperrors.ErrSyncFailed), lastErr, map[string]interface{}{
			"applied": result.Applied,
			"failed":  result.Failed,
		})
		e.emit(SyncEvent{
			Type:    SyncEventFailed,
			Status:  SyncStatusOffline,
			Applied: result.Applied,
			Failed:  result.Failed,
			Error:   result.Error,
		})
	}
	return e.finish(result), nil
}

// finishOffline handles a failed connectivity check: the queue is untouched
// and nothing is added to the failed write log.
func (e *SyncEngine) finishOffline(result *SyncResult, gen uint64, err error) *SyncResult {
	e.mu.Lock()
	if gen == e.generation {
		e.status = SyncStatusOffline
		e.lastErr = apperrors.Wrap(apperrors.ErrOffline, "remote store unreachable", err)
	}
	result.Status = e.status
	e.mu.Unlock()

	result.Remaining = e.queue.Size()
	result.Error = err.Error()
	e.scheduleRetry()
	metrics.ObserveFlush(metrics.FlushOffline)
	logging.Warn("remote store unreachable", map[string]interface{}{"error": err.Error(), "pending": result.Remaining})
	e.emit(SyncEvent{Type: SyncEventOffline, Status: SyncStatusOffline, Error: result.Error})
	return e.finish(result)
}

func (e *SyncEngine) finish(result *SyncResult) *SyncResult {
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	return result
}

// apply performs one queued write.
func (e *SyncEngine) apply(ctx context.Context, account string, op models.PendingWrite) error {
	path := remote.DocPath(account, op.Collection, op.RecordID)
	switch op.Kind {
	case models.OpUpsert:
		return e.store.SetDocument(ctx, path, op.Payload, true)
	case models.OpDelete:
		return e.store.DeleteDocument(ctx, path)
	default:
		return fmt.Errorf("unknown write kind %q", op.Kind)
	}
}

func (e *SyncEngine) errorEntry(op models.PendingWrite, err error) models.SyncErrorEntry {
	return models.SyncErrorEntry{
		ID:         uuid.New().String(),
		OpID:       op.OpID,
		Collection: op.Collection,
		RecordID:   op.RecordID,
		Kind:       op.Kind,
		Message:    err.Error(),
		Time:       e.now().UnixMilli(),
	}
}

// recordLocked prepends failures, newest first, and caps the log.
func (e *SyncEngine) recordLocked(failures []models.SyncErrorEntry) {
	if len(failures) == 0 {
		return
	}
	next := make([]models.SyncErrorEntry, 0, len(failures)+len(e.errs))
	for i := len(failures) - 1; i >= 0; i-- {
		next = append(next, failures[i])
	}
	next = append(next, e.errs...)
	if len(next) > e.config.ErrorLogCap {
		next = next[:e.config.ErrorLogCap]
	}
	e.errs = next
}

// Backoff returns the retry delay for attempt: min(max, base·2^attempt).
func (e *SyncEngine) Backoff(attempt int) time.Duration {
	return backoff(e.config.BaseBackoff, e.config.MaxBackoff, attempt)
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d >= float64(max) {
		return max
	}
	return time.Duration(d)
}

// scheduleRetry arms the retry timer unless one is already pending. The
// attempt counter advances when the timer fires.
func (e *SyncEngine) scheduleRetry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil || e.account == "" || e.closed {
		return
	}
	delay := e.Backoff(e.attempt)
	gen := e.generation
	e.timer = e.afterFunc(delay, func() {
		e.mu.Lock()
		if gen != e.generation {
			e.mu.Unlock()
			return
		}
		e.timer = nil
		e.attempt++
		e.mu.Unlock()

		if _, err := e.Flush(context.Background()); err != nil {
			logging.Error("scheduled flush failed", err, nil)
		}
	})
	logging.Debug("flush retry scheduled", map[string]interface{}{"delay_ms": delay.Milliseconds(), "attempt": e.attempt})
}

// RetryPending reports whether a retry timer is armed.
func (e *SyncEngine) RetryPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer != nil
}

// Attempt returns the current retry attempt counter.
func (e *SyncEngine) Attempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}

// Close disarms the retry timer. Queued writes stay on disk for the next run.
func (e *SyncEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stopTimerLocked()
}

func (e *SyncEngine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *SyncEngine) emit(event SyncEvent) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	if handler == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = e.now()
	}
	event.Pending = e.queue.Size()
	handler.OnSyncEvent(event)
}
