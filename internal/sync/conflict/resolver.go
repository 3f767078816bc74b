// Package conflict reconciles a freshly loaded remote snapshot with writes
// still waiting in the pending queue.
package conflict

import (
	"strconv"

	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// ResolutionStrategyPendingWins applies every queued write over the remote copy.
	ResolutionStrategyPendingWins ResolutionStrategy = "pending_wins"
	// ResolutionStrategyRemoteWins keeps the remote copy of records the remote
	// changed after the write was queued. Queued writes still replay.
	ResolutionStrategyRemoteWins ResolutionStrategy = "remote_wins"
)

// Resolver overlays pending writes on loaded state.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	if strategy == "" {
		strategy = ResolutionStrategyPendingWins
	}
	return &Resolver{strategy: strategy}
}

// Conflict is a queued write whose record the remote changed after it was queued.
type Conflict struct {
	OpID            string
	Collection      string
	RecordID        string
	LocalTimestamp  int64
	RemoteTimestamp int64
	Resolution      string
}

// OverlayResult reports what an overlay did.
type OverlayResult struct {
	Applied   int
	Skipped   int
	Conflicts []Conflict
}

// Overlay applies pending writes, in queue order, to a copy of snap.
// Writes to unknown collections and undecodable payloads are skipped.
func (r *Resolver) Overlay(snap models.Snapshot, pending []models.PendingWrite) (models.Snapshot, OverlayResult) {
	out := snap.Clone()
	var result OverlayResult
	touched := map[string]bool{}

	for _, op := range pending {
		if c, ok := r.detect(out, op); ok {
			result.Conflicts = append(result.Conflicts, c)
			if r.strategy == ResolutionStrategyRemoteWins {
				result.Skipped++
				continue
			}
		}

		var applied bool
		switch {
		case models.IsRecordCollection(op.Collection):
			applied = applyRecord(&out, op)
		case models.IsCatalogCollection(op.Collection):
			applied = applyCatalog(&out, op)
			touched[op.Collection] = applied || touched[op.Collection]
		}
		if !applied {
			result.Skipped++
			logging.Warn("Skipping pending write during overlay", map[string]interface{}{
				"op_id":      op.OpID,
				"collection": op.Collection,
				"record_id":  op.RecordID,
			})
			continue
		}
		result.Applied++
	}

	for coll := range touched {
		out.SetCatalog(coll, models.SortNames(out.Catalog(coll)))
	}

	if len(result.Conflicts) > 0 {
		logging.Info("Pending writes overlaid on remote changes", map[string]interface{}{
			"conflicts": len(result.Conflicts),
			"strategy":  string(r.strategy),
		})
	}
	return out, result
}

// detect reports a conflict when the loaded record was updated after op was queued.
func (r *Resolver) detect(snap models.Snapshot, op models.PendingWrite) (Conflict, bool) {
	id, err := strconv.ParseInt(op.RecordID, 10, 64)
	if err != nil {
		return Conflict{}, false
	}
	var updated int64
	switch op.Collection {
	case models.CollTransactions:
		if rec, ok := models.Find(snap.Transactions, id); ok {
			updated = rec.UpdatedAt
		}
	case models.CollExpedientes:
		if rec, ok := models.Find(snap.Expedientes, id); ok {
			updated = rec.UpdatedAt
		}
	case models.CollBitacora:
		if rec, ok := models.Find(snap.Bitacora, id); ok {
			updated = rec.UpdatedAt
		}
	}
	if updated == 0 || updated <= op.EnqueuedAt {
		return Conflict{}, false
	}

	resolution := "local_wins"
	if r.strategy == ResolutionStrategyRemoteWins {
		resolution = "remote_wins"
	}
	logging.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"op_id":            op.OpID,
		"collection":       op.Collection,
		"record_id":        op.RecordID,
		"local_timestamp":  op.EnqueuedAt,
		"remote_timestamp": updated,
		"resolution":       resolution,
	})
	return Conflict{
		OpID:            op.OpID,
		Collection:      op.Collection,
		RecordID:        op.RecordID,
		LocalTimestamp:  op.EnqueuedAt,
		RemoteTimestamp: updated,
		Resolution:      resolution,
	}, true
}

func applyRecord(snap *models.Snapshot, op models.PendingWrite) bool {
	id, err := strconv.ParseInt(op.RecordID, 10, 64)
	if err != nil {
		return false
	}
	if op.Kind == models.OpDelete {
		switch op.Collection {
		case models.CollTransactions:
			snap.Transactions = models.Remove(snap.Transactions, id)
		case models.CollExpedientes:
			snap.Expedientes = models.Remove(snap.Expedientes, id)
		case models.CollBitacora:
			snap.Bitacora = models.Remove(snap.Bitacora, id)
		}
		return true
	}

	switch op.Collection {
	case models.CollTransactions:
		var rec models.Transaction
		if err := decode(snap.Transactions, id, op, &rec); err != nil {
			return false
		}
		snap.Transactions = models.Upsert(snap.Transactions, rec)
	case models.CollExpedientes:
		var rec models.CaseRecord
		if err := decode(snap.Expedientes, id, op, &rec); err != nil {
			return false
		}
		snap.Expedientes = models.Upsert(snap.Expedientes, rec)
	case models.CollBitacora:
		var rec models.LogEntry
		if err := decode(snap.Bitacora, id, op, &rec); err != nil {
			return false
		}
		snap.Bitacora = models.Upsert(snap.Bitacora, rec)
	}
	return true
}

// decode merges op's payload over the loaded record, matching the remote merge write.
func decode[T models.Record](items []T, id int64, op models.PendingWrite, out *T) error {
	doc := map[string]interface{}{}
	if cur, ok := models.Find(items, id); ok {
		base, err := models.ToDocument(cur)
		if err != nil {
			return err
		}
		doc = base
	}
	for k, v := range op.Payload {
		doc[k] = v
	}
	return models.FromDocument(doc, op.RecordID, out)
}

func applyCatalog(snap *models.Snapshot, op models.PendingWrite) bool {
	names := snap.Catalog(op.Collection)
	if op.Kind == models.OpDelete {
		kept := make([]string, 0, len(names))
		for _, n := range names {
			if models.CatalogID(n) != op.RecordID {
				kept = append(kept, n)
			}
		}
		snap.SetCatalog(op.Collection, kept)
		return true
	}
	entry := models.CatalogFromDocument(op.Payload, op.RecordID)
	if entry.Name == "" {
		return false
	}
	snap.SetCatalog(op.Collection, models.AddName(names, entry.Name))
	return true
}
