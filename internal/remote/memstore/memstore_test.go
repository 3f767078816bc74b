package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsvp/farmacontrol/backend/internal/remote"
)

const coll = "orgData/hsvp/transactions"

func ids(snaps []remote.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.ID
	}
	return out
}

func TestSetDocument_merge(t *testing.T) {
	s := New()
	ctx := context.Background()
	path := "orgData/hsvp"

	require.NoError(t, s.SetDocument(ctx, path, remote.Document{"medications": []interface{}{"a"}, "transactions": []interface{}{1}}, true))
	require.NoError(t, s.SetDocument(ctx, path, remote.Document{"selectedMedId": "morf-15", "transactions": remote.DeleteField}, true))

	doc, ok := s.Doc(path)
	require.True(t, ok)
	assert.Equal(t, "morf-15", doc["selectedMedId"])
	assert.NotContains(t, doc, "transactions")
	assert.Contains(t, doc, "medications")

	require.NoError(t, s.SetDocument(ctx, path, remote.Document{"only": true}, false))
	doc, _ = s.Doc(path)
	assert.Equal(t, remote.Document{"only": true}, doc)
}

// TestListDocuments_orderAndCursor verifies ordering, exclusion of docs lacking the field, and paging.
func TestListDocuments_orderAndCursor(t *testing.T) {
	s := New()
	s.Put(coll+"/1", remote.Document{"createdAt": float64(300)})
	s.Put(coll+"/2", remote.Document{"createdAt": float64(100)})
	s.Put(coll+"/3", remote.Document{"createdAt": float64(300)})
	s.Put(coll+"/4", remote.Document{"amount": 1}) // no createdAt
	s.Put("orgData/hsvp/bitacora/9", remote.Document{"createdAt": float64(999)})
	ctx := context.Background()

	desc, err := s.ListDocuments(ctx, remote.Query{Collection: coll, OrderBy: "createdAt", Direction: remote.Desc})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "1", "2"}, ids(desc))

	page1, err := s.ListDocuments(ctx, remote.Query{Collection: coll, OrderBy: "createdAt", Direction: remote.Desc, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "1"}, ids(page1))

	page2, err := s.ListDocuments(ctx, remote.Query{
		Collection: coll, OrderBy: "createdAt", Direction: remote.Desc, Limit: 2,
		StartAfter: page1[len(page1)-1].CursorFor("createdAt"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, ids(page2))

	byID, err := s.ListDocuments(ctx, remote.Query{Collection: coll, StartAfter: &remote.Cursor{ID: "2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4"}, ids(byID))
}

func TestBatchWrite_atomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.SetHook(func(ctx context.Context, op, target string) error {
		if op == OpBatch {
			return errors.New("quota exceeded")
		}
		return nil
	})

	err := s.BatchWrite(ctx, []remote.WriteOp{
		{Kind: remote.WriteSet, Path: coll + "/1", Data: remote.Document{"id": 1}},
	})
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())

	s.SetHook(nil)
	require.NoError(t, s.BatchWrite(ctx, []remote.WriteOp{
		{Kind: remote.WriteSet, Path: coll + "/1", Data: remote.Document{"id": 1}},
		{Kind: remote.WriteSet, Path: coll + "/2", Data: remote.Document{"id": 2}},
		{Kind: remote.WriteDelete, Path: coll + "/1"},
	}))
	assert.Equal(t, []string{coll + "/2"}, s.Paths())
	assert.Equal(t, 2, s.Calls(OpBatch))
}

func TestBatchWrite_limit(t *testing.T) {
	s := New()
	ops := make([]remote.WriteOp, remote.MaxBatchWrites+1)
	for i := range ops {
		ops[i] = remote.WriteOp{Kind: remote.WriteDelete, Path: fmt.Sprintf("%s/%d", coll, i)}
	}
	assert.Error(t, s.BatchWrite(context.Background(), ops))
}

func TestOffline(t *testing.T) {
	s := New()
	s.SetOffline(true)
	ctx := context.Background()

	assert.ErrorIs(t, s.Ping(ctx), ErrOffline)
	assert.ErrorIs(t, s.SetDocument(ctx, coll+"/1", remote.Document{}, true), ErrOffline)
	_, _, err := s.GetDocument(ctx, coll+"/1")
	assert.ErrorIs(t, err, ErrOffline)
}

func TestGetDocument_returnsCopy(t *testing.T) {
	s := New()
	s.Put(coll+"/1", remote.Document{"amount": 1})
	doc, ok, err := s.GetDocument(context.Background(), coll+"/1")
	require.NoError(t, err)
	require.True(t, ok)
	doc["amount"] = 99

	again, _ := s.Doc(coll + "/1")
	assert.Equal(t, 1, again["amount"])
}
