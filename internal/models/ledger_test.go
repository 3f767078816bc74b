package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCatalogID verifies the derived catalog document id.
func TestCatalogID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"uci", "UCI"},
		{"  clinica del dolor ", "CLINICA_DEL_DOLOR"},
		{"2492 esther  hernandez", "2492_ESTHER_HERNANDEZ"},
		{"gineco/obstetricia", "GINECO-OBSTETRICIA"},
		{`a\b c`, "A-B_C"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CatalogID(tt.in), tt.in)
	}
}

// TestSortNames verifies dedupe plus Spanish ordering.
func TestSortNames(t *testing.T) {
	got := SortNames([]string{"uci", "Emergencias", "ñandú", "NUTRICION", "UCI", ""})
	assert.Equal(t, []string{"EMERGENCIAS", "NUTRICION", "ÑANDÚ", "UCI"}, got)
}

func TestAddRemoveName(t *testing.T) {
	names := AddName([]string{"MEDICINA", "UCI"}, " uci ")
	assert.Equal(t, []string{"UCI", "MEDICINA"}, names)
	assert.Equal(t, []string{"MEDICINA"}, RemoveName(names, "uci"))
}

// TestParseDisplay verifies the accepted display formats.
func TestParseDisplay(t *testing.T) {
	tests := []struct {
		in     string
		want   time.Time
		wantOK bool
	}{
		{"27/08/2025 13:34", time.Date(2025, 8, 27, 13, 34, 0, 0, Location), true},
		{"27/8/2025, 1:34 p. m.", time.Date(2025, 8, 27, 13, 34, 0, 0, Location), true},
		{"1/9/2025, 12:05 a. m.", time.Date(2025, 9, 1, 0, 5, 0, 0, Location), true},
		{"01/09/2025", time.Date(2025, 9, 1, 0, 0, 0, 0, Location), true},
		{"", time.Time{}, false},
		{"2025-08-27", time.Time{}, false},
		{"32/01/2025 10:00", time.Time{}, false},
		{"01/01/2025 25:00", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseDisplay(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		if tt.wantOK {
			assert.True(t, tt.want.Equal(got), "%q = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatDisplay_roundTrip(t *testing.T) {
	ts := time.Date(2025, 12, 3, 7, 9, 0, 0, Location)
	s := FormatDisplay(ts)
	assert.Equal(t, "03/12/2025 07:09", s)

	back, ok := ParseDisplay(s)
	require.True(t, ok)
	assert.True(t, ts.Equal(back))
}

func TestEffectiveTime(t *testing.T) {
	when, ok := EffectiveTime(1_700_000_000_000, "01/01/2020 00:00")
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_000), when.UnixMilli())

	when, ok = EffectiveTime(0, "01/01/2020 00:00")
	require.True(t, ok)
	assert.Equal(t, 2020, when.Year())

	_, ok = EffectiveTime(0, "garbage")
	assert.False(t, ok)
}

// TestIDGenerator_monotonic verifies ids never repeat within one millisecond.
func TestIDGenerator_monotonic(t *testing.T) {
	fixed := time.UnixMilli(1_000)
	g := NewIDGenerator(func() time.Time { return fixed })

	assert.Equal(t, int64(1_000), g.Next())
	assert.Equal(t, int64(1_001), g.Next())

	g.Observe(5_000)
	assert.Equal(t, int64(5_001), g.Next())
}

// TestPendingWrite_legacyShape verifies queue entries written by the browser client load.
func TestPendingWrite_legacyShape(t *testing.T) {
	raw := `[
		{"type":"set","collection":"transactions","id":1756323240000.42,"data":{"id":1756323240000,"amount":5}},
		{"type":"delete","collection":"catalog_services","id":"UCI"},
		{"opId":"a","kind":"upsert","collection":"bitacora","recordId":"9","payload":{"id":9},"enqueuedAt":3}
	]`
	var ops []PendingWrite
	require.NoError(t, json.Unmarshal([]byte(raw), &ops))
	require.Len(t, ops, 3)

	assert.Equal(t, OpUpsert, ops[0].Kind)
	assert.Equal(t, "1756323240000", ops[0].RecordID)
	assert.Equal(t, float64(5), ops[0].Payload["amount"])

	assert.Equal(t, OpDelete, ops[1].Kind)
	assert.Equal(t, "catalog_services/UCI", ops[1].Key())

	assert.Equal(t, "a", ops[2].OpID)
	assert.Equal(t, int64(3), ops[2].EnqueuedAt)
}

func TestPendingWrite_Validate(t *testing.T) {
	assert.NoError(t, PendingWrite{Kind: OpDelete, Collection: "bitacora", RecordID: "1"}.Validate())
	assert.Error(t, PendingWrite{Kind: OpUpsert, Collection: "bitacora", RecordID: "1"}.Validate())
	assert.Error(t, PendingWrite{Kind: "patch", Collection: "bitacora", RecordID: "1"}.Validate())
	assert.Error(t, PendingWrite{Kind: OpDelete, Collection: "bitacora"}.Validate())
}

// TestFromDocument_fractionalID verifies carry-over ids written as fractions decode.
func TestFromDocument_fractionalID(t *testing.T) {
	doc := map[string]interface{}{
		"id": 1756323240000.731, "medId": "fent-50", "type": "IN", "amount": float64(42),
		"service": ServiceOpening, "date": "27/08/2025 13:34",
	}
	var tx Transaction
	require.NoError(t, FromDocument(doc, "1756323240000.731", &tx))
	assert.Equal(t, int64(1756323240000), tx.ID)
	assert.Equal(t, 42, tx.Amount)
}

func TestFromDocument_idFromDocID(t *testing.T) {
	var entry LogEntry
	require.NoError(t, FromDocument(map[string]interface{}{"titulo": "X"}, "77", &entry))
	assert.Equal(t, int64(77), entry.ID)
}

func TestToDocument(t *testing.T) {
	med := Medication{ID: "morf-15", Name: "MORFINA 15 MG", Type: MedNarcotic, UnitPrice: decimal.RequireFromString("1250.50")}
	doc, err := ToDocument(med)
	require.NoError(t, err)
	assert.Equal(t, 1250.5, doc["unitPrice"])

	var back Medication
	require.NoError(t, FromDocument(doc, "morf-15", &back))
	assert.True(t, med.UnitPrice.Equal(back.UnitPrice))
}

func TestCatalogFromDocument(t *testing.T) {
	e := CatalogFromDocument(map[string]interface{}{"name": "uci", "createdAt": float64(10)}, "UCI")
	assert.Equal(t, CatalogEntry{ID: "UCI", Name: "UCI", CreatedAt: 10}, e)
}

func TestTransaction_Signed(t *testing.T) {
	assert.Equal(t, 5, Transaction{Type: TxIn, Amount: 5}.Signed())
	assert.Equal(t, -5, Transaction{Type: TxOut, Amount: 5}.Signed())
	assert.Equal(t, 0, Transaction{Type: TxIn, Amount: 5, IsCierre: true}.Signed())
}

func TestUpsertRemoveFind(t *testing.T) {
	items := []LogEntry{{ID: 1, Titulo: "A"}}
	items = Upsert(items, LogEntry{ID: 2, Titulo: "B"})
	items = Upsert(items, LogEntry{ID: 1, Titulo: "A2"})
	require.Len(t, items, 2)
	assert.Equal(t, int64(2), items[0].ID)

	got, ok := Find(items, 1)
	require.True(t, ok)
	assert.Equal(t, "A2", got.Titulo)

	items = Remove(items, 2)
	assert.Len(t, items, 1)
}

func TestSortMedications(t *testing.T) {
	sorted := SortMedications(InitialMedications())
	assert.Equal(t, "CLONAZEPAM 2 MG", sorted[0].Name)
	assert.Equal(t, "MORFINA 15 MG", sorted[len(sorted)-1].Name)
}

func TestInitialSnapshot(t *testing.T) {
	s := InitialSnapshot()
	assert.Len(t, s.Medications, 6)
	assert.Len(t, s.Services, 6)
	assert.Len(t, s.Pharmacists, 4)
	assert.Len(t, s.Condiciones, 4)
	assert.Equal(t, "morf-15", s.SelectedMedID)
	assert.NotNil(t, s.Transactions)

	c := s.Clone()
	c.Services[0] = "X"
	assert.Equal(t, "EMERGENCIAS", s.Services[0])
}
