// Package memstore is an in-process remote.Store. It serves offline demos and
// the tests of the sync engine, the hydrator and rollover, with hooks to
// inject failures and latency.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hsvp/farmacontrol/backend/internal/remote"
)

// Operation names passed to hooks.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpDelete = "delete"
	OpList   = "list"
	OpBatch  = "batch"
	OpPing   = "ping"
)

// ErrOffline is returned by every call while the store is offline.
var ErrOffline = errors.New("memstore: offline")

// Hook runs before an operation. A non-nil error fails the operation.
// For OpList the target is the collection path; for OpBatch it is "".
type Hook func(ctx context.Context, op, target string) error

// Store is an in-memory remote.Store.
type Store struct {
	mu      sync.Mutex
	docs    map[string]remote.Document
	offline bool
	hook    Hook
	calls   map[string]int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		docs:  make(map[string]remote.Document),
		calls: make(map[string]int),
	}
}

// SetOffline makes every call, Ping included, fail with ErrOffline.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// SetHook installs h, replacing any previous hook. A nil h removes it.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

// Calls returns how many times op was attempted.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Paths returns all stored document paths, sorted.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for p := range s.docs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Put stores a document directly, bypassing hooks.
func (s *Store) Put(path string, data remote.Document) {
	s.mu.Lock()
	s.docs[strings.Trim(path, "/")] = cloneDoc(data)
	s.mu.Unlock()
}

// Doc returns a copy of a stored document, bypassing hooks.
func (s *Store) Doc(path string) (remote.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[strings.Trim(path, "/")]
	return cloneDoc(d), ok
}

// before counts the call and runs the offline check and hook outside the lock.
func (s *Store) before(ctx context.Context, op, target string) error {
	s.mu.Lock()
	s.calls[op]++
	offline, hook := s.offline, s.hook
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if offline {
		return ErrOffline
	}
	if hook != nil {
		return hook(ctx, op, target)
	}
	return nil
}

// GetDocument returns a copy of the document at path.
func (s *Store) GetDocument(ctx context.Context, path string) (remote.Document, bool, error) {
	path = strings.Trim(path, "/")
	if err := s.before(ctx, OpGet, path); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[path]
	if !ok {
		return nil, false, nil
	}
	return cloneDoc(d), true, nil
}

// SetDocument writes data at path, merging top-level fields when merge is set.
func (s *Store) SetDocument(ctx context.Context, path string, data remote.Document, merge bool) error {
	path = strings.Trim(path, "/")
	if _, _, err := remote.SplitPath(path); err != nil {
		return err
	}
	if err := s.before(ctx, OpSet, path); err != nil {
		return err
	}
	s.mu.Lock()
	s.apply(remote.WriteOp{Kind: remote.WriteSet, Path: path, Data: data, Merge: merge})
	s.mu.Unlock()
	return nil
}

// DeleteDocument removes the document at path. Deleting a missing document succeeds.
func (s *Store) DeleteDocument(ctx context.Context, path string) error {
	path = strings.Trim(path, "/")
	if err := s.before(ctx, OpDelete, path); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.docs, path)
	s.mu.Unlock()
	return nil
}

// BatchWrite applies ops atomically: all or none.
func (s *Store) BatchWrite(ctx context.Context, ops []remote.WriteOp) error {
	if len(ops) > remote.MaxBatchWrites {
		return fmt.Errorf("batch of %d writes exceeds %d", len(ops), remote.MaxBatchWrites)
	}
	for _, op := range ops {
		if _, _, err := remote.SplitPath(op.Path); err != nil {
			return err
		}
	}
	if err := s.before(ctx, OpBatch, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		s.apply(op)
	}
	return nil
}

// apply performs one write. Caller holds s.mu.
func (s *Store) apply(op remote.WriteOp) {
	path := strings.Trim(op.Path, "/")
	if op.Kind == remote.WriteDelete {
		delete(s.docs, path)
		return
	}
	var next remote.Document
	if cur, ok := s.docs[path]; ok && op.Merge {
		next = cur
	} else {
		next = remote.Document{}
	}
	for k, v := range op.Data {
		if remote.IsDeleteField(v) {
			delete(next, k)
			continue
		}
		next[k] = cloneValue(v)
	}
	s.docs[path] = next
}

// ListDocuments returns documents of q.Collection in query order.
func (s *Store) ListDocuments(ctx context.Context, q remote.Query) ([]remote.Snapshot, error) {
	collection := strings.Trim(q.Collection, "/")
	if err := s.before(ctx, OpList, collection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var matches []remote.Snapshot
	for path, doc := range s.docs {
		parent, id, err := remote.SplitPath(path)
		if err != nil || parent != collection {
			continue
		}
		if q.OrderBy != "" {
			if _, ok := doc[q.OrderBy]; !ok {
				continue
			}
		}
		matches = append(matches, remote.Snapshot{ID: id, Data: cloneDoc(doc)})
	}
	s.mu.Unlock()

	desc := q.Direction == remote.Desc
	less := func(a, b remote.Snapshot) bool {
		if q.OrderBy != "" {
			if c := compareValues(a.Data[q.OrderBy], b.Data[q.OrderBy]); c != 0 {
				return c < 0
			}
		}
		return a.ID < b.ID
	}
	sort.Slice(matches, func(i, j int) bool {
		if desc {
			return less(matches[j], matches[i])
		}
		return less(matches[i], matches[j])
	})

	if q.StartAfter != nil {
		cursor := remote.Snapshot{ID: q.StartAfter.ID, Data: remote.Document{q.OrderBy: q.StartAfter.Value}}
		i := sort.Search(len(matches), func(i int) bool {
			if desc {
				return less(matches[i], cursor)
			}
			return less(cursor, matches[i])
		})
		matches = matches[i:]
	}
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// Ping reports connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.before(ctx, OpPing, "")
}

// compareValues orders numbers before strings; values of other types compare equal.
func compareValues(a, b interface{}) int {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	switch {
	case aNum && bNum:
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs)
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func cloneDoc(d remote.Document) remote.Document {
	if d == nil {
		return nil
	}
	out := make(remote.Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneDoc(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	}
	return v
}
