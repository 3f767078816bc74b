// Package conflict provides unit tests for the pending write overlay.
package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsvp/farmacontrol/backend/internal/models"
)

func loaded() models.Snapshot {
	snap := models.InitialSnapshot()
	snap.Transactions = []models.Transaction{
		{ID: 2, CreatedAt: 2, UpdatedAt: 2, MedID: "morf-15", Type: models.TxIn, Amount: 10},
		{ID: 1, CreatedAt: 1, UpdatedAt: 1, MedID: "morf-15", Type: models.TxOut, Amount: 1},
	}
	snap.Bitacora = []models.LogEntry{{ID: 5, CreatedAt: 5, UpdatedAt: 500, Titulo: "REMOTO"}}
	return snap
}

func upsert(coll, id string, enqueuedAt int64, payload map[string]interface{}) models.PendingWrite {
	return models.PendingWrite{OpID: "op-" + coll + id, Kind: models.OpUpsert, Collection: coll, RecordID: id, Payload: payload, EnqueuedAt: enqueuedAt}
}

// TestResolverOverlay_recordsApplied tests queued upserts and deletes show in the result.
func TestResolverOverlay_recordsApplied(t *testing.T) {
	r := NewResolver("")
	snap := loaded()
	pending := []models.PendingWrite{
		upsert(models.CollTransactions, "3", 10, map[string]interface{}{
			"id": float64(3), "createdAt": float64(3), "medId": "fent-50", "type": "OUT", "amount": float64(2),
		}),
		upsert(models.CollTransactions, "2", 10, map[string]interface{}{"amount": float64(12)}),
		{OpID: "d1", Kind: models.OpDelete, Collection: models.CollTransactions, RecordID: "1", EnqueuedAt: 10},
	}

	out, result := r.Overlay(snap, pending)
	assert.Equal(t, 3, result.Applied)
	assert.Equal(t, 0, result.Skipped)
	require.Len(t, out.Transactions, 2)
	assert.Equal(t, int64(3), out.Transactions[0].ID)
	assert.Equal(t, "fent-50", out.Transactions[0].MedID)

	tx2, ok := models.Find(out.Transactions, 2)
	require.True(t, ok)
	assert.Equal(t, 12, tx2.Amount)
	assert.Equal(t, "morf-15", tx2.MedID, "fields missing from the payload keep the loaded value")

	// The input is not modified.
	assert.Len(t, snap.Transactions, 2)
	assert.Equal(t, 10, snap.Transactions[0].Amount)
}

// TestResolverOverlay_catalogs tests catalog writes add and remove names by derived id.
func TestResolverOverlay_catalogs(t *testing.T) {
	r := NewResolver(ResolutionStrategyPendingWins)
	snap := loaded()
	snap.Services = []string{"EMERGENCIAS", "UCI"}

	out, result := r.Overlay(snap, []models.PendingWrite{
		upsert(models.CollServices, "CIRUGIA_MUJERES", 1, map[string]interface{}{"id": "CIRUGIA_MUJERES", "name": "cirugia mujeres"}),
		{OpID: "d", Kind: models.OpDelete, Collection: models.CollServices, RecordID: "UCI"},
	})
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, []string{"CIRUGIA MUJERES", "EMERGENCIAS"}, out.Services)
}

// TestResolverOverlay_conflict tests a remote edit newer than the queued write.
func TestResolverOverlay_conflict(t *testing.T) {
	op := upsert(models.CollBitacora, "5", 100, map[string]interface{}{"titulo": "LOCAL"})

	out, result := NewResolver(ResolutionStrategyPendingWins).Overlay(loaded(), []models.PendingWrite{op})
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "local_wins", result.Conflicts[0].Resolution)
	assert.Equal(t, int64(500), result.Conflicts[0].RemoteTimestamp)
	assert.Equal(t, "LOCAL", out.Bitacora[0].Titulo)

	out, result = NewResolver(ResolutionStrategyRemoteWins).Overlay(loaded(), []models.PendingWrite{op})
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "remote_wins", result.Conflicts[0].Resolution)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, "REMOTO", out.Bitacora[0].Titulo)
}

// TestResolverOverlay_noConflictWhenOlder tests a remote copy older than the write.
func TestResolverOverlay_noConflictWhenOlder(t *testing.T) {
	op := upsert(models.CollBitacora, "5", 900, map[string]interface{}{"titulo": "LOCAL"})
	_, result := NewResolver(ResolutionStrategyRemoteWins).Overlay(loaded(), []models.PendingWrite{op})
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 1, result.Applied)
}

// TestResolverOverlay_skipsInvalid tests unknown collections and bad ids are skipped.
func TestResolverOverlay_skipsInvalid(t *testing.T) {
	out, result := NewResolver("").Overlay(loaded(), []models.PendingWrite{
		upsert("unknown", "1", 1, map[string]interface{}{}),
		upsert(models.CollTransactions, "abc", 1, map[string]interface{}{}),
		upsert(models.CollPharmacists, "X", 1, map[string]interface{}{}),
	})
	assert.Equal(t, 1, result.Applied, "a catalog name falls back to the document id")
	assert.Equal(t, 2, result.Skipped)
	assert.Len(t, out.Transactions, 2)
	assert.Contains(t, out.Pharmacists, "X")
}
