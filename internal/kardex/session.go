// Package kardex holds the session-scoped ledger: the in-memory records of
// one signed-in account and every mutation the operators make to them.
//
// A mutation is queued durably before it touches memory, so a write the
// queue refuses never shows up as applied. After each change the derived
// views are refreshed, the local snapshot is persisted and a flush is kicked.
package kardex

import (
	"context"
	"sync"
	"time"

	"github.com/hsvp/farmacontrol/backend/internal/db"
	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/export"
	"github.com/hsvp/farmacontrol/backend/internal/hydrate"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/models"
	"github.com/hsvp/farmacontrol/backend/internal/remote"
	"github.com/hsvp/farmacontrol/backend/internal/rollover"
	engine "github.com/hsvp/farmacontrol/backend/internal/sync"
	"github.com/hsvp/farmacontrol/backend/internal/sync/conflict"
	"github.com/hsvp/farmacontrol/backend/internal/sync/queue"
	"github.com/hsvp/farmacontrol/backend/internal/views"
)

// Config tunes a Session.
type Config struct {
	AutoFlush         bool          // Flush in the background after every mutation
	FlushTimeout      time.Duration // Bound on a background flush (default: 1 minute)
	RolloverThreshold int           // Transactions that trigger a rollover (default: 5000)
	RolloverDebounce  time.Duration // Delay before an automatic rollover (default: 2 seconds)
	Rollover          rollover.Config
	Strategy          conflict.ResolutionStrategy
	OnRollover        func(*rollover.Result, error) // Called after each automatic rollover
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() *Config {
	return &Config{
		AutoFlush:         true,
		FlushTimeout:      time.Minute,
		RolloverThreshold: 5000,
		RolloverDebounce:  2 * time.Second,
		Rollover:          rollover.Config{DeleteBatch: remote.MaxBatchWrites},
		Strategy:          conflict.ResolutionStrategyPendingWins,
	}
}

// Session is the ledger of one account. It is safe for concurrent use.
type Session struct {
	engine   *engine.SyncEngine
	queue    *queue.SyncQueue
	hydrator *hydrate.Hydrator
	resolver *conflict.Resolver
	views    *views.Cache
	rollover *rollover.Rollover
	trigger  *rollover.Trigger
	ids      *models.IDGenerator
	config   Config
	now      func() time.Time

	mu         sync.Mutex
	account    string
	ready      bool
	snap       models.Snapshot
	version    uint64
	generation uint64
	cancel     context.CancelFunc

	flushes sync.WaitGroup
}

// NewSession creates a signed-out Session. exporter writes rollover backups.
func NewSession(eng *engine.SyncEngine, hydrator *hydrate.Hydrator, cache *views.Cache, local db.Store,
	exporter export.ExportServiceInterface, confirmer rollover.Confirmer, config *Config) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Minute
	}
	s := &Session{
		engine:   eng,
		queue:    eng.Queue(),
		hydrator: hydrator,
		resolver: conflict.NewResolver(cfg.Strategy),
		views:    cache,
		ids:      models.NewIDGenerator(nil),
		config:   cfg,
		now:      time.Now,
		snap:     models.InitialSnapshot(),
	}
	s.rollover = rollover.New(eng.Store(), eng, s.queue, local, exporter, confirmer, &cfg.Rollover)
	s.trigger = rollover.NewTrigger(s.rollover, s, cfg.RolloverThreshold, cfg.RolloverDebounce, cfg.OnRollover)
	s.ids.Observe(s.snap.MaxRecordID())
	cache.Reset(s.snap, s.version)
	return s
}

// Account returns the signed-in account, or "".
func (s *Session) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// Ready reports whether the account's state has been loaded.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// NextID returns a new record id.
func (s *Session) NextID() int64 {
	return s.ids.Next()
}

// Views returns the derived view cache.
func (s *Session) Views() *views.Cache {
	return s.views
}

// Engine returns the sync engine.
func (s *Session) Engine() *engine.SyncEngine {
	return s.engine
}

// Restore loads the local snapshot and the pending writes left by a previous
// run, so the ledger is usable before any sign-in.
func (s *Session) Restore() {
	result := s.hydrator.LoadCache()
	snap, _ := s.resolver.Overlay(result.Snapshot, s.queue.Pending())

	s.mu.Lock()
	s.snap = snap
	s.ids.Observe(snap.MaxRecordID())
	s.version++
	version := s.version
	s.mu.Unlock()
	s.views.Reset(snap, version)
}

// SignIn starts a session for account: pending writes are flushed, the
// remote state is loaded and the still-pending writes are overlaid on it.
// Signing in again cancels a hydration in progress.
func (s *Session) SignIn(ctx context.Context, account string) (*hydrate.Result, error) {
	if account == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "account is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.account = account
	s.ready = false
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if err := s.engine.StartSession(account); err != nil {
		return nil, err
	}
	if _, err := s.engine.Flush(ctx); err != nil {
		logging.Warn("Flush before hydration failed", map[string]interface{}{"error": err.Error()})
	}

	result, err := s.hydrator.Load(ctx, account)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrNoSession, "session changed during sign-in")
	}
	snap, overlay := s.resolver.Overlay(result.Snapshot, s.queue.Pending())
	s.snap = snap
	s.ready = true
	s.cancel = nil
	s.ids.Observe(snap.MaxRecordID())
	s.version++
	version, count := s.version, len(snap.Transactions)
	s.mu.Unlock()

	switch {
	case result.HadError:
		s.engine.SetStatus(engine.SyncStatusOffline)
	case result.UsedFallback:
		s.engine.SetStatus(engine.SyncStatusPartialLoad)
	}
	s.publish(snap, version)
	s.trigger.Observe(count, true)

	logging.Info("Session ready", map[string]interface{}{
		"account":      account,
		"source":       string(result.Source),
		"transactions": count,
		"overlaid":     overlay.Applied,
		"conflicts":    len(overlay.Conflicts),
		"partial":      result.Partial(),
	})
	if s.queue.Size() > 0 {
		s.kick()
	}
	return result, nil
}

// SignOut ends the session. Pending writes, the local snapshot and the retry
// timer are dropped and the ledger returns to its initial state.
func (s *Session) SignOut() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	account := s.account
	s.account = ""
	s.ready = false
	s.generation++
	s.snap = models.InitialSnapshot()
	s.version++
	snap, version := s.snap, s.version
	s.mu.Unlock()

	s.trigger.Stop()
	s.flushes.Wait()
	err := s.engine.EndSession()
	s.hydrator.Reset()
	s.views.Reset(snap, version)
	logging.Info("Signed out", map[string]interface{}{"account": account})
	return err
}

// Flush replays the pending writes now.
func (s *Session) Flush(ctx context.Context) (*engine.SyncResult, error) {
	return s.engine.Flush(ctx)
}

// ClearQueue drops every pending write and the failed write log.
func (s *Session) ClearQueue() error {
	return s.engine.ClearQueue()
}

// Rollover asks for confirmation and compacts the ledger.
func (s *Session) Rollover(ctx context.Context) (*rollover.Result, error) {
	return s.rollover.Run(ctx, s)
}

// ResumeRollover finishes a rollover left unfinished. It returns nil when
// there is nothing to resume.
func (s *Session) ResumeRollover(ctx context.Context) (*rollover.Result, error) {
	return s.rollover.Resume(ctx, s)
}

// PendingRollover returns the journal of an unfinished rollover, or nil.
func (s *Session) PendingRollover() (*rollover.Journal, error) {
	return s.rollover.Pending()
}

// ApplyRollover replaces the records with carry. The caller has already
// queued the writes.
func (s *Session) ApplyRollover(carry []models.Transaction) error {
	s.mu.Lock()
	next := s.snap
	next.Transactions = append([]models.Transaction{}, carry...)
	next.Expedientes = []models.CaseRecord{}
	next.Bitacora = []models.LogEntry{}
	s.snap = next
	s.version++
	version, ready := s.version, s.ready
	s.mu.Unlock()

	s.publish(next, version)
	s.trigger.Observe(len(carry), ready)
	return nil
}

// Status is a point-in-time view of the session.
type Status struct {
	Account         string                  `json:"account"`
	Ready           bool                    `json:"ready"`
	Sync            engine.SyncStatus       `json:"sync"`
	Pending         int                     `json:"pending"`
	Capacity        int                     `json:"capacity"`
	Overflow        bool                    `json:"overflow"`
	LastSync        *time.Time              `json:"lastSync,omitempty"`
	LastError       string                  `json:"lastError,omitempty"`
	Errors          []models.SyncErrorEntry `json:"errors"`
	Version         uint64                  `json:"version"`
	Transactions    int                     `json:"transactions"`
	PendingRollover string                  `json:"pendingRollover,omitempty"`
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Account:      s.account,
		Ready:        s.ready,
		Version:      s.version,
		Transactions: len(s.snap.Transactions),
	}
	s.mu.Unlock()

	st.Sync = s.engine.Status()
	st.Pending = s.queue.Size()
	st.Capacity = s.queue.Capacity()
	st.Overflow = s.queue.Overflow()
	st.LastSync = s.engine.LastSync()
	if err := s.engine.LastError(); err != nil {
		st.LastError = err.Error()
	}
	st.Errors = s.engine.Errors()
	if j, err := s.rollover.Pending(); err == nil && j != nil {
		st.PendingRollover = j.BackupPath
	}
	return st
}

// Close stops the rollover trigger and waits for background flushes.
func (s *Session) Close() {
	s.trigger.Stop()
	s.flushes.Wait()
}

// commit applies build to a copy of the state and queues the writes it
// returns. Nothing is applied when the queue refuses any write, and nothing
// is accepted while a rollover is compacting the ledger.
func (s *Session) commit(build func(snap *models.Snapshot) ([]models.PendingWrite, error)) error {
	s.mu.Lock()
	if s.rollover.InProgress() {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrRolloverBusy, "the ledger is being rolled over; retry when it finishes")
	}
	next := s.snap
	ops, err := build(&next)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if _, err := s.queue.EnqueueBatch(ops); err != nil {
		s.mu.Unlock()
		return err
	}
	s.snap = next
	s.version++
	version, count, ready := s.version, len(next.Transactions), s.ready
	s.mu.Unlock()

	s.publish(next, version)
	s.trigger.Observe(count, ready)
	if len(ops) > 0 {
		s.kick()
	}
	return nil
}

func (s *Session) publish(snap models.Snapshot, version uint64) {
	if err := s.views.Publish(snap, version); err != nil {
		logging.Error("Failed to persist local snapshot", err, nil)
	}
}

// kick starts a background flush.
func (s *Session) kick() {
	if !s.config.AutoFlush || s.Account() == "" {
		return
	}
	s.flushes.Add(1)
	go func() {
		defer s.flushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.FlushTimeout)
		defer cancel()
		if _, err := s.engine.Flush(ctx); err != nil {
			logging.Warn("Background flush failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// writeRoot replicates the medication catalog to the account root document.
// A failure only marks the session offline.
func (s *Session) writeRoot(ctx context.Context) {
	s.mu.Lock()
	account, ready := s.account, s.ready
	payload := struct {
		Medications   []models.Medication `json:"medications"`
		SelectedMedID string              `json:"selectedMedId"`
	}{s.snap.Medications, s.snap.SelectedMedID}
	s.mu.Unlock()
	if !ready || account == "" {
		return
	}

	doc, err := models.ToDocument(payload)
	if err == nil {
		err = s.engine.Store().SetDocument(ctx, remote.AccountPath(account), doc, true)
	}
	if err != nil {
		s.engine.SetStatus(engine.SyncStatusOffline)
		logging.Warn("Failed to write medication catalog", map[string]interface{}{
			"account": account,
			"error":   err.Error(),
		})
	}
}
