// Package rollover compacts the ledger at the end of a period: it backs up
// the full state, deletes every record document and starts over from one
// opening-balance transaction per medication in stock.
package rollover

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hsvp/farmacontrol/backend/internal/db"
	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/export"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/metrics"
	"github.com/hsvp/farmacontrol/backend/internal/models"
	"github.com/hsvp/farmacontrol/backend/internal/remote"
	engine "github.com/hsvp/farmacontrol/backend/internal/sync"
	"github.com/hsvp/farmacontrol/backend/internal/sync/queue"
)

// JournalKey is the local storage key of an unfinished rollover.
const JournalKey = "pharmaRolloverJournal"

// Reason tags rollover backups.
const Reason = "rollover"

// Prompt is shown to the operator before a rollover.
const Prompt = "Se alcanzó el límite de registros del periodo. Se descargará un respaldo completo, " +
	"se borrarán transacciones, expedientes y bitácora, y el inventario actual quedará como saldo inicial. ¿Continuar?"

// Rollover outcomes reported to metrics.
const (
	statusCompleted = "completed"
	statusDeclined  = "declined"
	statusFailed    = "failed"
	statusResumed   = "resumed"
)

// Confirmer asks the operator to approve a rollover.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// AlwaysConfirm approves without asking. It backs `rollover --yes`.
var AlwaysConfirm Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })

type confirmedKey struct{}

// WithConfirmation marks ctx as carrying the operator's approval.
func WithConfirmation(ctx context.Context) context.Context {
	return context.WithValue(ctx, confirmedKey{}, true)
}

// ContextConfirmer approves when ctx was built by WithConfirmation, or always
// when auto is set.
func ContextConfirmer(auto bool) Confirmer {
	return ConfirmFunc(func(ctx context.Context, _ string) (bool, error) {
		ok, _ := ctx.Value(confirmedKey{}).(bool)
		return ok || auto, nil
	})
}

// Ledger is the in-memory state a rollover compacts.
type Ledger interface {
	Account() string
	Snapshot() models.Snapshot
	NextID() int64
	// ApplyRollover replaces the records with carry and clears case records
	// and log entries.
	ApplyRollover(carry []models.Transaction) error
}

// Engine is the part of the sync engine a rollover coordinates with.
type Engine interface {
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
	Status() engine.SyncStatus
	SetStatus(status engine.SyncStatus)
	Flush(ctx context.Context) (*engine.SyncResult, error)
}

// Config tunes a rollover.
type Config struct {
	DeleteBatch int    // Deletes per batched write (default: 500)
	PageSize    int    // Ids listed per remote page (default: 500)
	Password    string // Backup password; empty = plain JSON
}

// Journal records an unfinished rollover so it can be resumed.
type Journal struct {
	Account    string               `json:"account"`
	BackupPath string               `json:"backupPath"`
	StartedAt  int64                `json:"startedAt"`
	CarryOver  []models.Transaction `json:"carryOver"`
	IDs        map[string][]string  `json:"ids"`
	Deleted    map[string]bool      `json:"deleted"`
}

// Result describes a finished rollover.
type Result struct {
	BackupPath string
	CarryOver  []models.Transaction
	Deleted    map[string]int
	Purged     int
	Resumed    bool
	Duration   time.Duration
}

// Rollover runs period rollovers for one session.
type Rollover struct {
	store     remote.Store
	engine    Engine
	queue     *queue.SyncQueue
	local     db.Store
	exporter  export.ExportServiceInterface
	confirmer Confirmer
	config    Config
	now       func() time.Time
	running   atomic.Bool
	active    atomic.Bool // From confirmation until the ledger is compacted
	journaled atomic.Bool
}

// New creates a Rollover. store should be the engine's timeout-bounded store.
func New(store remote.Store, eng Engine, q *queue.SyncQueue, local db.Store, exporter export.ExportServiceInterface, confirmer Confirmer, config *Config) *Rollover {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.DeleteBatch <= 0 || cfg.DeleteBatch > remote.MaxBatchWrites {
		cfg.DeleteBatch = remote.MaxBatchWrites
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if confirmer == nil {
		confirmer = AlwaysConfirm
	}
	r := &Rollover{
		store:     store,
		engine:    eng,
		queue:     q,
		local:     local,
		exporter:  exporter,
		confirmer: confirmer,
		config:    cfg,
		now:       time.Now,
	}
	if _, err := r.Pending(); err != nil {
		logging.Warn("Failed to check for an unfinished rollover", map[string]interface{}{"error": err.Error()})
	}
	return r
}

// InProgress reports whether the ledger must not change: a confirmed
// rollover is running or an unfinished one waits to be resumed.
func (r *Rollover) InProgress() bool {
	return r.active.Load() || r.journaled.Load()
}

// CarryOver returns one opening-balance transaction per medication with
// positive stock, in medication name order.
func CarryOver(snap models.Snapshot, now time.Time, nextID func() int64) []models.Transaction {
	stock := make(map[string]int)
	for _, t := range snap.Transactions {
		stock[t.MedID] += t.Signed()
	}
	date := models.FormatDisplay(now)
	var carry []models.Transaction
	for _, med := range models.SortMedications(snap.Medications) {
		qty := stock[med.ID]
		if qty <= 0 {
			continue
		}
		carry = append(carry, models.Transaction{
			ID:           nextID(),
			Date:         date,
			CreatedAt:    now.UnixMilli(),
			MedID:        med.ID,
			Type:         models.TxIn,
			Amount:       qty,
			Service:      models.ServiceOpening,
			Prescription: models.PrescriptionPeriod,
			Pharmacist:   models.PharmacistSystem,
			RxType:       models.RxClosed,
		})
	}
	return carry
}

// Run asks for confirmation and performs a rollover of ledger.
func (r *Rollover) Run(ctx context.Context, ledger Ledger) (*Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncBusy, "a rollover is already running")
	}
	defer r.running.Store(false)

	account := ledger.Account()
	if account == "" {
		return nil, apperrors.New(apperrors.ErrNoSession, "rollover needs a signed-in account")
	}
	if pending, err := r.Pending(); err != nil {
		return nil, err
	} else if pending != nil {
		return nil, apperrors.New(apperrors.ErrRolloverFailed,
			fmt.Sprintf("an unfinished rollover must be resumed first (backup: %s)", pending.BackupPath))
	}

	ok, err := r.confirmer.Confirm(ctx, Prompt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRolloverDeclined, "rollover confirmation failed", err)
	}
	if !ok {
		metrics.ObserveRollover(statusDeclined)
		logging.Info("Rollover declined", map[string]interface{}{"account": account})
		return nil, apperrors.New(apperrors.ErrRolloverDeclined, "rollover declined by operator")
	}

	// Set before the snapshot so no write lands between it and the apply.
	r.active.Store(true)
	defer r.active.Store(false)

	start := r.now()
	prev := r.engine.Status()
	r.engine.SetStatus(engine.SyncStatusRollover)

	snap := ledger.Snapshot()
	backup, err := r.exporter.Export(ctx, &export.ExportConfig{
		Snapshot: snap,
		Password: r.config.Password,
		Reason:   Reason,
	})
	if err != nil {
		r.engine.SetStatus(prev)
		metrics.ObserveRollover(statusFailed)
		return nil, apperrors.Wrap(apperrors.ErrRolloverFailed, "rollover backup failed; nothing was changed", err)
	}

	journal := &Journal{
		Account:    account,
		BackupPath: backup.FilePath,
		StartedAt:  start.UnixMilli(),
		CarryOver:  CarryOver(snap, start, ledger.NextID),
		IDs:        recordIDs(snap),
		Deleted:    make(map[string]bool),
	}
	if err := r.saveJournal(journal); err != nil {
		r.engine.SetStatus(prev)
		metrics.ObserveRollover(statusFailed)
		return nil, r.failure(journal, "failed to write rollover journal", err)
	}

	result, err := r.finish(ctx, ledger, journal)
	if err != nil {
		r.engine.SetStatus(prev)
		metrics.ObserveRollover(statusFailed)
		return nil, err
	}
	result.Duration = r.now().Sub(start)
	metrics.ObserveRollover(statusCompleted)
	logging.Info("Rollover completed", map[string]interface{}{
		"account":    account,
		"backup":     result.BackupPath,
		"carry_over": len(result.CarryOver),
		"deleted":    result.Deleted,
		"duration":   result.Duration.String(),
	})
	return result, nil
}

// Resume finishes a rollover left unfinished by a failure or a restart. It
// returns nil when there is nothing to resume.
func (r *Rollover) Resume(ctx context.Context, ledger Ledger) (*Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncBusy, "a rollover is already running")
	}
	defer r.running.Store(false)
	r.active.Store(true)
	defer r.active.Store(false)

	journal, err := r.Pending()
	if err != nil || journal == nil {
		return nil, err
	}
	if journal.Account != ledger.Account() {
		return nil, apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("unfinished rollover belongs to account %q", journal.Account))
	}

	start := r.now()
	prev := r.engine.Status()
	r.engine.SetStatus(engine.SyncStatusRollover)
	result, err := r.finish(ctx, ledger, journal)
	if err != nil {
		r.engine.SetStatus(prev)
		metrics.ObserveRollover(statusFailed)
		return nil, err
	}
	result.Resumed = true
	result.Duration = r.now().Sub(start)
	metrics.ObserveRollover(statusResumed)
	logging.Info("Rollover resumed and completed", map[string]interface{}{
		"account": journal.Account,
		"backup":  journal.BackupPath,
	})
	return result, nil
}

// Pending returns the journal of an unfinished rollover, or nil.
func (r *Rollover) Pending() (*Journal, error) {
	raw, ok, err := r.local.Get(JournalKey)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read rollover journal", err)
	}
	if !ok {
		r.journaled.Store(false)
		return nil, nil
	}
	var j Journal
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		logging.ErrorWithCode("rollover journal is corrupt, discarding", string(apperrors.ErrCorruptCache), err, nil)
		if err := r.local.Remove(JournalKey); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to remove rollover journal", err)
		}
		r.journaled.Store(false)
		return nil, nil
	}
	if j.Deleted == nil {
		j.Deleted = make(map[string]bool)
	}
	r.journaled.Store(true)
	return &j, nil
}

// finish runs the destructive steps. Every step is safe to repeat.
func (r *Rollover) finish(ctx context.Context, ledger Ledger, j *Journal) (*Result, error) {
	result := &Result{BackupPath: j.BackupPath, CarryOver: j.CarryOver, Deleted: make(map[string]int)}

	err := r.engine.Exclusive(ctx, func(ctx context.Context) error {
		for _, coll := range models.RecordCollections {
			if j.Deleted[coll] {
				continue
			}
			n, err := r.deleteCollection(ctx, j.Account, coll, j.IDs[coll])
			result.Deleted[coll] = n
			if err != nil {
				return r.failure(j, fmt.Sprintf("failed to delete %s", coll), err)
			}
			j.Deleted[coll] = true
			if err := r.saveJournal(j); err != nil {
				return r.failure(j, "failed to update rollover journal", err)
			}
		}

		purged, err := r.queue.Purge(models.RecordCollections...)
		if err != nil {
			return r.failure(j, "failed to purge pending writes", err)
		}
		result.Purged = purged
		ops := make([]models.PendingWrite, 0, len(j.CarryOver))
		for _, t := range j.CarryOver {
			payload, err := models.ToDocument(t)
			if err != nil {
				return r.failure(j, "failed to encode opening balance", err)
			}
			ops = append(ops, models.PendingWrite{
				Kind:       models.OpUpsert,
				Collection: models.CollTransactions,
				RecordID:   models.FormatRecordID(t.ID),
				Payload:    payload,
			})
		}
		if _, err := r.queue.EnqueueBatch(ops); err != nil {
			return r.failure(j, "failed to queue opening balances", err)
		}

		if err := ledger.ApplyRollover(j.CarryOver); err != nil {
			return r.failure(j, "failed to apply rollover", err)
		}
		if err := r.local.Remove(JournalKey); err != nil {
			logging.Warn("Failed to clear rollover journal", map[string]interface{}{"error": err.Error()})
		} else {
			r.journaled.Store(false)
		}
		return nil
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncBusy) {
			return nil, r.failure(j, "sync engine stayed busy", err)
		}
		return nil, err
	}

	r.engine.SetStatus(engine.SyncStatusSynced)
	if _, err := r.engine.Flush(ctx); err != nil {
		logging.Warn("Flush after rollover failed", map[string]interface{}{"error": err.Error()})
	}
	return result, nil
}

// deleteCollection deletes every remote document of coll plus the known
// in-memory ids, in sequential batches of at most DeleteBatch.
func (r *Rollover) deleteCollection(ctx context.Context, account, coll string, known []string) (int, error) {
	path := remote.CollectionPath(account, coll)
	seen := make(map[string]bool, len(known))
	ids := make([]string, 0, len(known))
	for _, id := range known {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	var cursor *remote.Cursor
	for {
		page, err := r.store.ListDocuments(ctx, remote.Query{
			Collection: path,
			StartAfter: cursor,
			Limit:      r.config.PageSize,
		})
		if err != nil {
			return 0, err
		}
		for _, doc := range page {
			if !seen[doc.ID] {
				seen[doc.ID] = true
				ids = append(ids, doc.ID)
			}
		}
		if len(page) < r.config.PageSize {
			break
		}
		cursor = page[len(page)-1].CursorFor("")
	}

	deleted := 0
	for start := 0; start < len(ids); start += r.config.DeleteBatch {
		end := start + r.config.DeleteBatch
		if end > len(ids) {
			end = len(ids)
		}
		ops := make([]remote.WriteOp, 0, end-start)
		for _, id := range ids[start:end] {
			ops = append(ops, remote.WriteOp{Kind: remote.WriteDelete, Path: path + "/" + id})
		}
		if err := r.store.BatchWrite(ctx, ops); err != nil {
			return deleted, err
		}
		deleted += len(ops)
	}
	logging.Debug("Rollover deleted collection", map[string]interface{}{
		"collection": coll,
		"deleted":    deleted,
	})
	return deleted, nil
}

func (r *Rollover) saveJournal(j *Journal) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	if err := r.local.Set(JournalKey, string(data)); err != nil {
		return err
	}
	r.journaled.Store(true)
	return nil
}

// failure builds the operator-facing error, which always names the backup.
func (r *Rollover) failure(j *Journal, msg string, err error) error {
	appErr := apperrors.Wrap(apperrors.ErrRolloverFailed,
		fmt.Sprintf("%s; backup saved at %s", msg, j.BackupPath), err)
	logging.ErrorWithCode("Rollover failed", string(apperrors.ErrRolloverFailed), err, map[string]interface{}{
		"account": j.Account,
		"backup":  j.BackupPath,
		"step":    msg,
	})
	return appErr
}

func recordIDs(snap models.Snapshot) map[string][]string {
	ids := map[string][]string{
		models.CollTransactions: make([]string, 0, len(snap.Transactions)),
		models.CollExpedientes:  make([]string, 0, len(snap.Expedientes)),
		models.CollBitacora:     make([]string, 0, len(snap.Bitacora)),
	}
	for _, t := range snap.Transactions {
		ids[models.CollTransactions] = append(ids[models.CollTransactions], models.FormatRecordID(t.ID))
	}
	for _, c := range snap.Expedientes {
		ids[models.CollExpedientes] = append(ids[models.CollExpedientes], models.FormatRecordID(c.ID))
	}
	for _, l := range snap.Bitacora {
		ids[models.CollBitacora] = append(ids[models.CollBitacora], models.FormatRecordID(l.ID))
	}
	return ids
}
