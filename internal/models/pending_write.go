package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// OpKind is the kind of a pending write.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// PendingWrite is one local mutation awaiting remote confirmation.
type PendingWrite struct {
	OpID       string                 `json:"opId"`
	Kind       OpKind                 `json:"kind"`
	Collection string                 `json:"collection"`
	RecordID   string                 `json:"recordId"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	EnqueuedAt int64                  `json:"enqueuedAt"`
}

// Key identifies the remote document the write targets.
func (p PendingWrite) Key() string {
	return p.Collection + "/" + p.RecordID
}

// Validate checks the write is well formed.
func (p PendingWrite) Validate() error {
	if p.Collection == "" || p.RecordID == "" {
		return fmt.Errorf("pending write needs collection and record id")
	}
	switch p.Kind {
	case OpUpsert:
		if p.Payload == nil {
			return fmt.Errorf("upsert %s without payload", p.Key())
		}
	case OpDelete:
	default:
		return fmt.Errorf("unknown op kind %q", p.Kind)
	}
	return nil
}

// pendingWireV0 is the queue entry shape written by the browser client:
// {type: "set"|"delete", collection, id, data}.
type pendingWireV0 struct {
	Type       string                 `json:"type"`
	Collection string                 `json:"collection"`
	ID         json.RawMessage        `json:"id"`
	Data       map[string]interface{} `json:"data"`
}

// UnmarshalJSON accepts both the current shape and the browser client's shape.
func (p *PendingWrite) UnmarshalJSON(data []byte) error {
	type plain PendingWrite
	var cur plain
	if err := json.Unmarshal(data, &cur); err != nil {
		return err
	}
	if cur.Kind != "" {
		*p = PendingWrite(cur)
		return nil
	}

	var old pendingWireV0
	if err := json.Unmarshal(data, &old); err != nil {
		return err
	}
	switch old.Type {
	case "set":
		cur.Kind = OpUpsert
	case "delete":
		cur.Kind = OpDelete
	default:
		return fmt.Errorf("unknown pending write type %q", old.Type)
	}
	cur.Collection = old.Collection
	cur.Payload = old.Data
	cur.RecordID = rawID(old.ID)
	*p = PendingWrite(cur)
	return nil
}

// rawID renders a JSON number or string id as a document id. Fractional
// numeric ids are truncated.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatInt(int64(f), 10)
	}
	return ""
}

// SyncErrorEntry records one failed remote write for the operator.
type SyncErrorEntry struct {
	ID         string `json:"id"`
	OpID       string `json:"opId"`
	Collection string `json:"collection"`
	RecordID   string `json:"recordId"`
	Kind       OpKind `json:"kind"`
	Message    string `json:"message"`
	Time       int64  `json:"time"`
}
