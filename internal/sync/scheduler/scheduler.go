// Package scheduler drives background flushes of the pending write queue.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	syncpkg "github.com/hsvp/farmacontrol/backend/internal/sync"
	"github.com/hsvp/farmacontrol/backend/internal/sync/queue"
)

// Watcher reports commits made to the local store by other processes.
// *db.KV satisfies it.
type Watcher interface {
	Watch(ctx context.Context, interval time.Duration, fn func()) error
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine         syncpkg.SyncEngineInterface
	queue          *queue.SyncQueue
	watcher        Watcher
	syncInterval   time.Duration
	watchInterval  time.Duration
	flushTimeout   time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to flush while writes are pending (default: 1 minute)
	WatchInterval time.Duration // How often to poll the local store for other processes (default: 1 second)
	FlushTimeout  time.Duration // Bound on one background flush (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  1 * time.Minute,
		WatchInterval: 1 * time.Second,
		FlushTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. watcher may be nil when the local
// store is not shared with other processes.
func NewScheduler(engine syncpkg.SyncEngineInterface, q *queue.SyncQueue, watcher Watcher, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	def := DefaultSchedulerConfig()
	s := &Scheduler{
		engine:        engine,
		queue:         q,
		watcher:       watcher,
		syncInterval:  config.SyncInterval,
		watchInterval: config.WatchInterval,
		flushTimeout:  config.FlushTimeout,
		stopCh:        make(chan struct{}),
		isOnline:      true,
	}
	if s.syncInterval <= 0 {
		s.syncInterval = def.SyncInterval
	}
	if s.watchInterval <= 0 {
		s.watchInterval = def.WatchInterval
	}
	if s.flushTimeout <= 0 {
		s.flushTimeout = def.FlushTimeout
	}
	return s
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx)

	if s.watcher != nil {
		s.wg.Add(1)
		go s.watchLoop(ctx)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_ms": s.syncInterval.Milliseconds(),
	})
}

// Stop stops the background loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records connectivity reported by the host. Coming back
// online triggers an immediate flush.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.TriggerSync(ctx)
	}
}

// periodicSyncLoop flushes on every tick while online and writes are pending.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() || s.queue.Size() == 0 {
				continue
			}
			s.TriggerSync(ctx)
		}
	}
}

// watchLoop reloads the queue when another process commits to the local store.
func (s *Scheduler) watchLoop(ctx context.Context) {
	defer s.wg.Done()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-watchCtx.Done():
		}
	}()

	err := s.watcher.Watch(watchCtx, s.watchInterval, func() {
		before := s.queue.Size()
		if err := s.queue.Reload(); err != nil {
			logging.Error("Failed to reload pending writes", err, nil)
			return
		}
		if after := s.queue.Size(); after != before {
			logging.Debug("Pending writes changed by another process", map[string]interface{}{
				"before": before,
				"after":  after,
			})
		}
	})
	if err != nil {
		logging.Error("Local store watch stopped", err, nil)
	}
}

// runSync executes one background flush.
func (s *Scheduler) runSync(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.flushTimeout)
	defer cancel()

	result, err := s.engine.Flush(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Background flush failed", string(errors.ErrSyncFailed), err, nil)
		return
	}
	if result.Skipped {
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Debug("Background flush finished", map[string]interface{}{
		"status":    string(result.Status),
		"applied":   result.Applied,
		"failed":    result.Failed,
		"remaining": result.Remaining,
	})
}

// TriggerSync starts a flush in the background.
// Returns true if a flush was started, false if one is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return false
	}
	s.syncInProgress = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(ctx)
	}()
	return true
}

// SyncNow flushes and waits for the result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.flushTimeout)
	defer cancel()

	result, err := s.engine.Flush(syncCtx)
	if err != nil {
		return nil, err
	}

	if !result.Skipped {
		s.mu.Lock()
		s.lastSyncTime = time.Now()
		s.mu.Unlock()
	}

	logging.Info("Manual flush completed", map[string]interface{}{
		"status":  string(result.Status),
		"applied": result.Applied,
		"failed":  result.Failed,
	})
	return result, nil
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool               `json:"isRunning"`
	IsOnline       bool               `json:"isOnline"`
	LastSyncTime   *time.Time         `json:"lastSyncTime,omitempty"`
	SyncInProgress bool               `json:"syncInProgress"`
	PendingItems   int                `json:"pendingItems"`
	Overflow       bool               `json:"overflow"`
	Status         syncpkg.SyncStatus `json:"status"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	status.PendingItems = s.queue.Size()
	status.Overflow = s.queue.Overflow()
	status.Status = s.engine.Status()
	return status
}

// IsOnline returns whether the host reported connectivity.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
