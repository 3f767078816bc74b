// Package queue provides the durable FIFO of local writes awaiting remote confirmation.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hsvp/farmacontrol/backend/internal/db"
	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/metrics"
	"github.com/hsvp/farmacontrol/backend/internal/models"
)

// StorageKey is the local storage key holding the persisted queue.
const StorageKey = "pharmaPendingWrites"

// DefaultMaxSize is the queue capacity used when none is configured.
const DefaultMaxSize = 200

// SyncQueue is a durable FIFO of pending writes. Every change is a
// read-modify-write of the persisted list inside one local storage
// transaction, so processes sharing the store converge; the in-memory
// mirror is refreshed from the committed result.
type SyncQueue struct {
	store   db.Store
	maxSize int
	now     func() time.Time

	mu       sync.RWMutex
	items    []models.PendingWrite
	overflow bool
}

// NewSyncQueue creates a queue persisted in store. Call Load before use.
func NewSyncQueue(store db.Store, maxSize int) *SyncQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &SyncQueue{
		store:   store,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Load reads the persisted queue. A corrupt value is removed and the queue starts empty.
func (q *SyncQueue) Load() error {
	raw, ok, err := q.store.Get(StorageKey)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read pending writes", err)
	}
	items := []models.PendingWrite{}
	if ok {
		items, err = q.decode(raw)
		if err != nil {
			logging.Warn("discarding corrupt pending write queue", map[string]interface{}{
				"code":  string(apperrors.ErrCorruptCache),
				"error": err.Error(),
			})
			if rmErr := q.store.Remove(StorageKey); rmErr != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove corrupt queue", rmErr)
			}
			items = []models.PendingWrite{}
		}
	}

	q.mu.Lock()
	q.items = items
	if len(items) > q.maxSize {
		q.overflow = true
	}
	q.mu.Unlock()
	q.report()

	logging.Debug("pending write queue loaded", map[string]interface{}{"pending": len(items)})
	return nil
}

// Reload re-reads the persisted queue after another process changed it.
func (q *SyncQueue) Reload() error {
	return q.Load()
}

// decode parses the persisted list, filling ids and times missing from entries
// written by older clients.
func (q *SyncQueue) decode(raw string) ([]models.PendingWrite, error) {
	var items []models.PendingWrite
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	now := q.now().UnixMilli()
	for i := range items {
		if items[i].OpID == "" {
			items[i].OpID = uuid.New().String()
		}
		if items[i].EnqueuedAt == 0 {
			items[i].EnqueuedAt = now
		}
	}
	if items == nil {
		items = []models.PendingWrite{}
	}
	return items, nil
}

// mutate applies fn to the persisted list in one storage transaction and
// mirrors the committed result.
func (q *SyncQueue) mutate(fn func(items []models.PendingWrite) ([]models.PendingWrite, error)) ([]models.PendingWrite, error) {
	var result []models.PendingWrite
	err := q.store.Update(StorageKey, func(cur string, ok bool) (string, error) {
		items := []models.PendingWrite{}
		if ok {
			decoded, err := q.decode(cur)
			if err != nil {
				logging.Warn("replacing corrupt pending write queue", map[string]interface{}{
					"code":  string(apperrors.ErrCorruptCache),
					"error": err.Error(),
				})
			} else {
				items = decoded
			}
		}
		next, err := fn(items)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return "", fmt.Errorf("encode pending writes: %w", err)
		}
		result = next
		return string(data), nil
	})
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.items = result
	q.mu.Unlock()
	q.report()
	return result, nil
}

// Enqueue persists op at the tail of the queue. Any queued op for the same
// (collection, record id) is removed first. An enqueue that would grow the
// queue past its capacity is refused with QUEUE_FULL and raises the overflow
// flag; queued ops are never dropped.
func (q *SyncQueue) Enqueue(op models.PendingWrite) (models.PendingWrite, error) {
	ops, err := q.EnqueueBatch([]models.PendingWrite{op})
	if len(ops) == 1 {
		op = ops[0]
	}
	return op, err
}

// EnqueueBatch persists ops at the tail of the queue in one storage
// transaction: either every op is queued or none is. Like Enqueue, each op
// replaces any queued op for the same record, and a batch that would grow
// the queue past its capacity is refused with QUEUE_FULL.
func (q *SyncQueue) EnqueueBatch(ops []models.PendingWrite) ([]models.PendingWrite, error) {
	if len(ops) == 0 {
		return ops, nil
	}
	ops = append([]models.PendingWrite(nil), ops...)
	now := q.now().UnixMilli()
	last := make(map[string]int, len(ops))
	for i := range ops {
		if ops[i].OpID == "" {
			ops[i].OpID = uuid.New().String()
		}
		if ops[i].EnqueuedAt == 0 {
			ops[i].EnqueuedAt = now
		}
		if err := ops[i].Validate(); err != nil {
			return ops, apperrors.Wrap(apperrors.ErrInvalid, "invalid pending write", err)
		}
		last[ops[i].Key()] = i
	}

	full := false
	_, err := q.mutate(func(items []models.PendingWrite) ([]models.PendingWrite, error) {
		next := make([]models.PendingWrite, 0, len(items)+len(ops))
		for _, it := range items {
			if _, replaced := last[it.Key()]; !replaced {
				next = append(next, it)
			}
		}
		for i, op := range ops {
			if last[op.Key()] == i {
				next = append(next, op)
			}
		}
		if len(next) > q.maxSize {
			full = true
			return nil, apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("pending write queue is full (%d)", q.maxSize))
		}
		return next, nil
	})
	if err != nil {
		if full {
			q.mu.Lock()
			q.overflow = true
			q.mu.Unlock()
			q.report()
			logging.ErrorWithCode("enqueue refused", string(apperrors.ErrQueueFull), err, map[string]interface{}{
				"collection": ops[0].Collection,
				"record_id":  ops[0].RecordID,
				"batch":      len(ops),
			})
			return ops, err
		}
		if apperrors.CodeOf(err) == apperrors.ErrInternal {
			err = apperrors.Wrap(apperrors.ErrDatabase, "failed to persist pending write", err)
		}
		return ops, err
	}

	for _, op := range ops {
		logging.Debug("enqueued pending write", map[string]interface{}{
			"op_id":      op.OpID,
			"kind":       string(op.Kind),
			"collection": op.Collection,
			"record_id":  op.RecordID,
		})
	}
	return ops, nil
}

// Ack removes exactly the named ops. Ops enqueued meanwhile are kept.
func (q *SyncQueue) Ack(opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	acked := make(map[string]bool, len(opIDs))
	for _, id := range opIDs {
		acked[id] = true
	}
	_, err := q.mutate(func(items []models.PendingWrite) ([]models.PendingWrite, error) {
		next := make([]models.PendingWrite, 0, len(items))
		for _, it := range items {
			if !acked[it.OpID] {
				next = append(next, it)
			}
		}
		return next, nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to ack pending writes", err)
	}
	return nil
}

// Purge removes every queued op targeting one of collections and returns how many were removed.
func (q *SyncQueue) Purge(collections ...string) (int, error) {
	drop := make(map[string]bool, len(collections))
	for _, c := range collections {
		drop[c] = true
	}
	removed := 0
	_, err := q.mutate(func(items []models.PendingWrite) ([]models.PendingWrite, error) {
		removed = 0
		next := make([]models.PendingWrite, 0, len(items))
		for _, it := range items {
			if drop[it.Collection] {
				removed++
				continue
			}
			next = append(next, it)
		}
		return next, nil
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to purge pending writes", err)
	}
	return removed, nil
}

// Clear drops every queued op and the overflow flag.
func (q *SyncQueue) Clear() error {
	if err := q.store.Remove(StorageKey); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to clear pending writes", err)
	}
	q.mu.Lock()
	q.items = []models.PendingWrite{}
	q.overflow = false
	q.mu.Unlock()
	q.report()

	logging.Info("pending write queue cleared")
	return nil
}

// Pending returns a copy of the queued ops in FIFO order.
func (q *SyncQueue) Pending() []models.PendingWrite {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]models.PendingWrite, len(q.items))
	copy(out, q.items)
	return out
}

// Size returns the number of queued ops.
func (q *SyncQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Capacity returns the maximum number of queued ops.
func (q *SyncQueue) Capacity() int {
	return q.maxSize
}

// Overflow reports whether an enqueue was refused since the last ResetOverflow.
func (q *SyncQueue) Overflow() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.overflow
}

// ResetOverflow clears the overflow flag. Called after a fully successful flush.
func (q *SyncQueue) ResetOverflow() {
	q.mu.Lock()
	q.overflow = false
	q.mu.Unlock()
	q.report()
}

func (q *SyncQueue) report() {
	q.mu.RLock()
	n, overflow := len(q.items), q.overflow
	q.mu.RUnlock()
	metrics.SetPending(n)
	metrics.SetOverflow(overflow)
}
