package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// compressThreshold is the value size from which values are stored snappy-compressed.
const compressThreshold = 4096

const (
	encodingRaw    = "raw"
	encodingSnappy = "snappy"
)

// Store is the local durable key-value storage used for the pending-write
// queue, the cached snapshot and the rollover journal.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	// Update reads key, calls fn and writes its result in one transaction.
	// An empty result removes the key.
	Update(key string, fn func(cur string, ok bool) (string, error)) error
	// Subscribe registers fn to run after every committed change made through this Store.
	Subscribe(fn func(key string)) (unsubscribe func())
}

// queryer is satisfied by *sql.DB and *sql.Conn.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// subscribers fans change notifications out to registered callbacks.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(string)
}

func (s *subscribers) add(fn func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(string))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) notify(key string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(key)
	}
}

// KV is a Store on the SQLite kv table.
type KV struct {
	db   *DB
	subs subscribers
}

// NewKV creates a KV on an opened database.
func NewKV(db *DB) *KV {
	return &KV{db: db}
}

// Get returns the value stored under key.
func (k *KV) Get(key string) (string, bool, error) {
	return k.get(context.Background(), k.db.DB, key)
}

func (k *KV) get(ctx context.Context, q queryer, key string) (string, bool, error) {
	var raw []byte
	var encoding string
	err := q.QueryRowContext(ctx, "SELECT value, encoding FROM kv WHERE key = ?", key).Scan(&raw, &encoding)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	value, err := decodeValue(raw, encoding)
	if err != nil {
		return "", false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (k *KV) Set(key, value string) error {
	if err := k.put(context.Background(), k.db.DB, key, value); err != nil {
		return err
	}
	k.subs.notify(key)
	return nil
}

func (k *KV) put(ctx context.Context, q queryer, key, value string) error {
	raw, encoding := encodeValue(value)
	_, err := q.ExecContext(ctx, `INSERT INTO kv (key, value, encoding, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, encoding = excluded.encoding, updated_at = excluded.updated_at`,
		key, raw, encoding, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (k *KV) Remove(key string) error {
	if _, err := k.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	k.subs.notify(key)
	return nil
}

// Update performs a read-modify-write of key under an immediate write lock,
// so concurrent processes sharing the database file serialize on it.
func (k *KV) Update(key string, fn func(cur string, ok bool) (string, error)) error {
	if err := k.update(context.Background(), key, fn); err != nil {
		return err
	}
	k.subs.notify(key)
	return nil
}

func (k *KV) update(ctx context.Context, key string, fn func(cur string, ok bool) (string, error)) error {
	conn, err := k.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin update of %s: %w", key, err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	cur, ok, err := k.get(ctx, conn, key)
	if err != nil {
		return err
	}
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	if next == "" {
		if _, err := conn.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
	} else if err := k.put(ctx, conn, key, next); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit update of %s: %w", key, err)
	}
	committed = true
	return nil
}

// Subscribe registers fn for changes made through this KV.
func (k *KV) Subscribe(fn func(key string)) func() {
	return k.subs.add(fn)
}

// DataVersion returns SQLite's data_version, which changes whenever another
// connection commits to the database file.
func (k *KV) DataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := k.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read data_version: %w", err)
	}
	return v, nil
}

// Watch polls data_version every interval and calls fn when another process
// has committed. It returns when ctx is done.
func (k *KV) Watch(ctx context.Context, interval time.Duration, fn func()) error {
	last, err := k.DataVersion(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v, err := k.DataVersion(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if v != last {
				last = v
				fn()
			}
		}
	}
}

func encodeValue(value string) ([]byte, string) {
	if len(value) < compressThreshold {
		return []byte(value), encodingRaw
	}
	return snappy.Encode(nil, []byte(value)), encodingSnappy
}

func decodeValue(raw []byte, encoding string) (string, error) {
	switch encoding {
	case encodingRaw:
		return string(raw), nil
	case encodingSnappy:
		out, err := snappy.Decode(nil, raw)
		if err != nil {
			return "", err
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown value encoding %q", encoding)
	}
}
