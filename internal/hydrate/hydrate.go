// Package hydrate loads the ledger state of an account from the remote store,
// migrating legacy data layouts on the way, and falls back to the local
// snapshot cache when the remote is unreachable.
package hydrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hsvp/farmacontrol/backend/internal/db"
	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/metrics"
	"github.com/hsvp/farmacontrol/backend/internal/models"
	"github.com/hsvp/farmacontrol/backend/internal/remote"
)

// Source tells where a loaded snapshot came from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
	SourceEmpty  Source = "empty"
)

// Config holds hydration tuning.
type Config struct {
	PageSize         int           // Records per bulk load page (default: 500)
	Ceiling          int           // Records loaded per collection (default: 5000)
	BackfillPageSize int           // Documents per backfill page (default: 500)
	PageDelay        time.Duration // Pause between pages (default: 50ms)
	BatchLimit       int           // Writes per migration or backfill commit (default: 450)
}

// DefaultConfig returns the default hydration configuration.
func DefaultConfig() *Config {
	return &Config{
		PageSize:         500,
		Ceiling:          5000,
		BackfillPageSize: 500,
		PageDelay:        50 * time.Millisecond,
		BatchLimit:       450,
	}
}

// Result is the outcome of a Load.
type Result struct {
	Snapshot     models.Snapshot
	Source       Source
	UsedFallback bool
	HadError     bool
	Migrated     int
	Backfilled   int
}

// Partial reports whether some records may be missing or out of order.
func (r *Result) Partial() bool {
	return r.UsedFallback || r.HadError
}

// Hydrator loads account state. Backfill runs once per collection until Reset.
type Hydrator struct {
	store  remote.Store
	local  db.Store
	config Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	backfilled map[string]bool
}

// NewHydrator creates a Hydrator reading from store with local as the cache.
func NewHydrator(store remote.Store, local db.Store, config *Config) *Hydrator {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.BackfillPageSize <= 0 {
		cfg.BackfillPageSize = def.BackfillPageSize
	}
	if cfg.BatchLimit <= 0 || cfg.BatchLimit > remote.MaxBatchWrites {
		cfg.BatchLimit = def.BatchLimit
	}
	return &Hydrator{
		store:      store,
		local:      local,
		config:     cfg,
		now:        time.Now,
		sleep:      sleepCtx,
		backfilled: make(map[string]bool),
	}
}

// Reset forgets which collections were backfilled. Called when the session ends.
func (h *Hydrator) Reset() {
	h.mu.Lock()
	h.backfilled = make(map[string]bool)
	h.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Load reads the full state of account. It returns ctx's error, and no
// state, when ctx is cancelled before loading completes.
func (h *Hydrator) Load(ctx context.Context, account string) (*Result, error) {
	start := h.now()
	snap := models.InitialSnapshot()
	result := &Result{Source: SourceRemote}

	root, rootOK, rootErr := h.store.GetDocument(ctx, remote.AccountPath(account))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var legacy map[string][]string
	if rootErr != nil {
		result.HadError = true
		logging.Warn("Failed to read account root document", map[string]interface{}{"error": rootErr.Error()})
	} else if rootOK {
		applyRoot(&snap, root)
		migrated, err := h.migrateRecords(ctx, account, root)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.HadError = true
			logging.ErrorWithCode("Legacy record migration failed", string(apperrors.ErrMigration), err, nil)
		}
		result.Migrated = migrated
		legacy = legacyCatalogs(root)
	}

	failed := 0
	for _, coll := range models.RecordCollections {
		if err := h.backfill(ctx, account, coll, &result.Backfilled); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.Warn("createdAt backfill failed", map[string]interface{}{"collection": coll, "error": err.Error()})
		}
		docs, usedFallback, hadError := h.loadCollection(ctx, account, coll)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.UsedFallback = result.UsedFallback || usedFallback
		result.HadError = result.HadError || hadError
		if hadError && len(docs) == 0 {
			failed++
		}
		if err := setRecords(&snap, coll, docs); err != nil {
			result.HadError = true
			logging.Warn("Failed to decode records", map[string]interface{}{"collection": coll, "error": err.Error()})
		}
	}

	if rootErr != nil && failed == len(models.RecordCollections) {
		cached := h.loadCache()
		cached.HadError = true
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.ObserveHydration(string(cached.Source), h.now().Sub(start))
		logging.Warn("Remote store unreachable, using cached snapshot", map[string]interface{}{
			"account": account,
			"source":  string(cached.Source),
		})
		return cached, nil
	}

	catalogsMigrated := false
	for _, coll := range models.CatalogCollections {
		names, migrated, err := h.loadCatalog(ctx, account, coll, legacy[coll])
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			result.HadError = true
			logging.Warn("Failed to load catalog", map[string]interface{}{"collection": coll, "error": err.Error()})
			continue
		}
		catalogsMigrated = catalogsMigrated || migrated
		if names != nil {
			snap.SetCatalog(coll, names)
		}
	}
	if catalogsMigrated {
		fields := remote.Document{"services": remote.DeleteField, "pharmacists": remote.DeleteField, "condiciones": remote.DeleteField}
		if err := h.store.SetDocument(ctx, remote.AccountPath(account), fields, true); err != nil {
			logging.Warn("Failed to clear legacy catalogs", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result.Snapshot = snap
	metrics.ObserveHydration(string(SourceRemote), h.now().Sub(start))
	logging.Info("Snapshot loaded", map[string]interface{}{
		"account":       account,
		"transactions":  len(snap.Transactions),
		"expedientes":   len(snap.Expedientes),
		"bitacora":      len(snap.Bitacora),
		"used_fallback": result.UsedFallback,
		"had_error":     result.HadError,
		"migrated":      result.Migrated,
		"backfilled":    result.Backfilled,
	})
	return result, nil
}

// applyRoot takes medications and the selected medication from the root document.
func applyRoot(snap *models.Snapshot, root remote.Document) {
	if raw, ok := root["medications"]; ok {
		var meds []models.Medication
		if err := convert(raw, &meds); err == nil && len(meds) > 0 {
			snap.Medications = meds
		} else if err != nil {
			logging.Warn("Ignoring unreadable medications", map[string]interface{}{"error": err.Error()})
		}
	}
	if id := models.StringField(root, "selectedMedId"); id != "" {
		snap.SelectedMedID = id
	}
}

func convert(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// legacyCatalogs returns inline catalog arrays of an old root document, keyed by collection.
func legacyCatalogs(root remote.Document) map[string][]string {
	out := map[string][]string{}
	for field, coll := range map[string]string{
		"services":    models.CollServices,
		"pharmacists": models.CollPharmacists,
		"condiciones": models.CollCondiciones,
	} {
		var names []string
		if raw, ok := root[field]; ok && convert(raw, &names) == nil && len(names) > 0 {
			out[coll] = names
		}
	}
	return out
}

// displayField names the display timestamp field of a record collection.
func displayField(coll string) string {
	if coll == models.CollTransactions {
		return "date"
	}
	return "fecha"
}

// migrateRecords moves inline record arrays of an old root document into
// per-record documents, then clears the arrays.
func (h *Hydrator) migrateRecords(ctx context.Context, account string, root remote.Document) (int, error) {
	var ops []remote.WriteOp
	for _, coll := range models.RecordCollections {
		raw, ok := root[coll].([]interface{})
		if !ok || len(raw) == 0 {
			continue
		}
		for _, item := range raw {
			rec, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			id, ok := recordDocID(rec["id"])
			if !ok {
				continue
			}
			data := make(remote.Document, len(rec)+1)
			for k, v := range rec {
				data[k] = v
			}
			if _, has := models.Int64Field(rec, "createdAt"); !has {
				data["createdAt"] = models.BackfillCreatedAt(models.StringField(rec, displayField(coll)), h.now())
			}
			ops = append(ops, remote.WriteOp{
				Kind:  remote.WriteSet,
				Path:  remote.DocPath(account, coll, id),
				Data:  data,
				Merge: true,
			})
		}
	}
	if len(ops) == 0 {
		return 0, nil
	}

	if err := h.commit(ctx, ops); err != nil {
		return 0, err
	}
	fields := remote.Document{"transactions": remote.DeleteField, "expedientes": remote.DeleteField, "bitacora": remote.DeleteField}
	if err := h.store.SetDocument(ctx, remote.AccountPath(account), fields, true); err != nil {
		return len(ops), fmt.Errorf("clear legacy arrays: %w", err)
	}
	logging.Info("Migrated legacy inline records", map[string]interface{}{"account": account, "records": len(ops)})
	return len(ops), nil
}

// recordDocID renders a numeric or string record id as a document id.
func recordDocID(v interface{}) (string, bool) {
	switch id := v.(type) {
	case float64:
		return strconv.FormatInt(int64(id), 10), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case int:
		return strconv.Itoa(id), true
	case int32:
		return strconv.FormatInt(int64(id), 10), true
	case string:
		return id, id != ""
	}
	return "", false
}

// commit writes ops in sequential batches of at most BatchLimit.
func (h *Hydrator) commit(ctx context.Context, ops []remote.WriteOp) error {
	for start := 0; start < len(ops); start += h.config.BatchLimit {
		end := start + h.config.BatchLimit
		if end > len(ops) {
			end = len(ops)
		}
		if err := h.store.BatchWrite(ctx, ops[start:end]); err != nil {
			return fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// backfill writes createdAt into documents of coll that lack it. It runs once
// per collection until Reset, even when it fails part way.
func (h *Hydrator) backfill(ctx context.Context, account, coll string, count *int) error {
	key := account + "/" + coll
	h.mu.Lock()
	done := h.backfilled[key]
	h.backfilled[key] = true
	h.mu.Unlock()
	if done {
		return nil
	}

	path := remote.CollectionPath(account, coll)
	var cursor *remote.Cursor
	var pending []remote.WriteOp
	for {
		page, err := h.store.ListDocuments(ctx, remote.Query{
			Collection: path,
			StartAfter: cursor,
			Limit:      h.config.BackfillPageSize,
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		now := h.now()
		for _, doc := range page {
			if _, has := models.Int64Field(doc.Data, "createdAt"); has {
				continue
			}
			pending = append(pending, remote.WriteOp{
				Kind: remote.WriteSet,
				Path: path + "/" + doc.ID,
				Data: remote.Document{
					"createdAt": models.BackfillCreatedAt(models.StringField(doc.Data, displayField(coll)), now),
					"updatedAt": now.UnixMilli(),
				},
				Merge: true,
			})
			if len(pending) >= h.config.BatchLimit {
				if err := h.store.BatchWrite(ctx, pending); err != nil {
					return err
				}
				*count += len(pending)
				pending = nil
			}
		}
		if len(pending) > 0 {
			if err := h.store.BatchWrite(ctx, pending); err != nil {
				return err
			}
			*count += len(pending)
			pending = nil
		}
		cursor = page[len(page)-1].CursorFor("")
		if len(page) < h.config.BackfillPageSize {
			break
		}
		if err := h.sleep(ctx, h.config.PageDelay); err != nil {
			return err
		}
	}
	return nil
}

// loadCollection pages coll newest first. When the ordered query fails it
// continues in document id order from the last cursor.
func (h *Hydrator) loadCollection(ctx context.Context, account, coll string) ([]remote.Snapshot, bool, bool) {
	path := remote.CollectionPath(account, coll)
	seen := make(map[string]bool)
	var docs []remote.Snapshot
	var last *remote.Snapshot
	usedFallback, hadError := false, false

	for len(docs) < h.config.Ceiling {
		if ctx.Err() != nil {
			return docs, usedFallback, hadError
		}
		q := remote.Query{Collection: path, Limit: h.config.PageSize}
		if !usedFallback {
			q.OrderBy, q.Direction = "createdAt", remote.Desc
		}
		if last != nil {
			q.StartAfter = last.CursorFor(q.OrderBy)
		}
		page, err := h.store.ListDocuments(ctx, q)
		if err != nil && !usedFallback {
			usedFallback = true
			logging.Warn("Ordered load failed, falling back to document order", map[string]interface{}{
				"collection": coll,
				"error":      err.Error(),
			})
			q.OrderBy, q.Direction = "", remote.Asc
			if last != nil {
				q.StartAfter = last.CursorFor("")
			}
			page, err = h.store.ListDocuments(ctx, q)
		}
		if err != nil {
			hadError = true
			logging.Warn("Failed to load records", map[string]interface{}{"collection": coll, "error": err.Error()})
			break
		}
		if len(page) == 0 {
			break
		}
		for _, doc := range page {
			if !seen[doc.ID] {
				seen[doc.ID] = true
				docs = append(docs, doc)
			}
		}
		last = &page[len(page)-1]
		if len(page) < h.config.PageSize {
			break
		}
		if err := h.sleep(ctx, h.config.PageDelay); err != nil {
			break
		}
	}
	if len(docs) > h.config.Ceiling {
		docs = docs[:h.config.Ceiling]
	}
	return docs, usedFallback, hadError
}

func setRecords(snap *models.Snapshot, coll string, docs []remote.Snapshot) error {
	var errs []error
	switch coll {
	case models.CollTransactions:
		out := make([]models.Transaction, 0, len(docs))
		for _, d := range docs {
			var rec models.Transaction
			if err := models.FromDocument(d.Data, d.ID, &rec); err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, rec)
		}
		snap.Transactions = out
	case models.CollExpedientes:
		out := make([]models.CaseRecord, 0, len(docs))
		for _, d := range docs {
			var rec models.CaseRecord
			if err := models.FromDocument(d.Data, d.ID, &rec); err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, rec)
		}
		snap.Expedientes = out
	case models.CollBitacora:
		out := make([]models.LogEntry, 0, len(docs))
		for _, d := range docs {
			var rec models.LogEntry
			if err := models.FromDocument(d.Data, d.ID, &rec); err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, rec)
		}
		snap.Bitacora = out
	}
	return errors.Join(errs...)
}

// loadCatalog reads a catalog collection. An empty collection is seeded from
// legacy names, if any. A nil result keeps the current names.
func (h *Hydrator) loadCatalog(ctx context.Context, account, coll string, legacy []string) ([]string, bool, error) {
	path := remote.CollectionPath(account, coll)
	docs, err := h.store.ListDocuments(ctx, remote.Query{Collection: path})
	if err != nil {
		return nil, false, err
	}
	if len(docs) > 0 {
		names := make([]string, 0, len(docs))
		for _, d := range docs {
			names = append(names, models.CatalogFromDocument(d.Data, d.ID).Name)
		}
		return models.SortNames(names), false, nil
	}
	if len(legacy) == 0 {
		return nil, false, nil
	}

	names := models.DedupeNames(legacy)
	now := h.now().UnixMilli()
	ops := make([]remote.WriteOp, 0, len(names))
	for _, n := range names {
		id := models.CatalogID(n)
		ops = append(ops, remote.WriteOp{
			Kind:  remote.WriteSet,
			Path:  path + "/" + id,
			Data:  remote.Document{"id": id, "name": n, "createdAt": now},
			Merge: true,
		})
	}
	if err := h.commit(ctx, ops); err != nil {
		return nil, false, err
	}
	logging.Info("Migrated legacy catalog", map[string]interface{}{"collection": coll, "entries": len(ops)})
	return models.SortNames(names), true, nil
}

// loadCache reads the local snapshot. A corrupt value is removed. Fields
// that are empty in the cache keep their initial values.
func (h *Hydrator) loadCache() *Result {
	snap := models.InitialSnapshot()
	result := &Result{Snapshot: snap, Source: SourceEmpty}
	if h.local == nil {
		return result
	}
	raw, ok, err := h.local.Get(models.SnapshotKey)
	if err != nil || !ok {
		return result
	}
	var cached models.Snapshot
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		logging.Warn("Discarding corrupt cached snapshot", map[string]interface{}{
			"code":  string(apperrors.ErrCorruptCache),
			"error": err.Error(),
		})
		if rmErr := h.local.Remove(models.SnapshotKey); rmErr != nil {
			logging.Error("Failed to remove corrupt cached snapshot", rmErr, nil)
		}
		return result
	}

	if len(cached.Transactions) > 0 {
		snap.Transactions = cached.Transactions
	}
	if len(cached.Expedientes) > 0 {
		snap.Expedientes = cached.Expedientes
	}
	if len(cached.Bitacora) > 0 {
		snap.Bitacora = cached.Bitacora
	}
	if len(cached.Medications) > 0 {
		snap.Medications = cached.Medications
	}
	if len(cached.Services) > 0 {
		snap.Services = cached.Services
	}
	if len(cached.Pharmacists) > 0 {
		snap.Pharmacists = cached.Pharmacists
	}
	if len(cached.Condiciones) > 0 {
		snap.Condiciones = cached.Condiciones
	}
	if cached.SelectedMedID != "" {
		snap.SelectedMedID = cached.SelectedMedID
	}
	result.Snapshot = snap
	result.Source = SourceCache
	return result
}

// LoadCache reads the local snapshot without touching the remote.
func (h *Hydrator) LoadCache() *Result {
	return h.loadCache()
}
