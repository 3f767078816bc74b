// Package remote defines the document store the ledger replicates to.
package remote

import (
	"context"
)

// MaxBatchWrites is the largest number of writes a single BatchWrite may carry.
const MaxBatchWrites = 500

// Document is a schemaless remote document body.
type Document = map[string]interface{}

type deleteField struct{}

// DeleteField, used as a field value in a merge write, removes the field.
var DeleteField interface{} = deleteField{}

// IsDeleteField reports whether v is the DeleteField sentinel.
func IsDeleteField(v interface{}) bool {
	_, ok := v.(deleteField)
	return ok
}

// Direction is a query sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Cursor positions a query strictly after a document.
type Cursor struct {
	Value interface{}
	ID    string
}

// Query selects documents of one collection. An empty OrderBy orders by
// document id. Documents lacking the OrderBy field are excluded; ties on the
// field break on document id in the same direction.
type Query struct {
	Collection string
	OrderBy    string
	Direction  Direction
	StartAfter *Cursor
	Limit      int
}

// Snapshot is one document returned by a query.
type Snapshot struct {
	ID   string
	Data Document
}

// CursorFor returns the cursor positioned at s for a query ordered by field.
func (s Snapshot) CursorFor(field string) *Cursor {
	if field == "" {
		return &Cursor{ID: s.ID}
	}
	return &Cursor{Value: s.Data[field], ID: s.ID}
}

// WriteKind is the kind of a batched write.
type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteDelete WriteKind = "delete"
)

// WriteOp is one write in a batch.
type WriteOp struct {
	Kind  WriteKind
	Path  string
	Data  Document
	Merge bool
}

// Store is a remote document store addressed by slash-separated paths whose
// last segment is the document id.
type Store interface {
	GetDocument(ctx context.Context, path string) (Document, bool, error)
	SetDocument(ctx context.Context, path string, data Document, merge bool) error
	DeleteDocument(ctx context.Context, path string) error
	ListDocuments(ctx context.Context, q Query) ([]Snapshot, error)
	BatchWrite(ctx context.Context, ops []WriteOp) error
}

// Pinger is implemented by stores that can cheaply check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
