package remote

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
)

// timeoutStore bounds every call on the wrapped store.
type timeoutStore struct {
	inner   Store
	timeout time.Duration
}

// WithTimeout returns a Store whose every call fails with SYNC_TIMEOUT after d,
// even when the wrapped store ignores its context. The returned store always
// implements Pinger; it reports success when the wrapped store cannot ping.
func WithTimeout(s Store, d time.Duration) Store {
	return &timeoutStore{inner: s, timeout: d}
}

// call runs fn in its own goroutine so a store that ignores ctx cannot stall the caller.
func (t *timeoutStore) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return apperrors.Wrap(apperrors.ErrSyncTimeout, op+" timed out", err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperrors.Wrap(apperrors.ErrSyncTimeout, op+" timed out", ctx.Err())
		}
		return ctx.Err()
	}
}

func (t *timeoutStore) GetDocument(ctx context.Context, path string) (Document, bool, error) {
	var doc Document
	var ok bool
	err := t.call(ctx, "get "+path, func(ctx context.Context) error {
		d, found, err := t.inner.GetDocument(ctx, path)
		doc, ok = d, found
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return doc, ok, nil
}

func (t *timeoutStore) SetDocument(ctx context.Context, path string, data Document, merge bool) error {
	return t.call(ctx, "set "+path, func(ctx context.Context) error {
		return t.inner.SetDocument(ctx, path, data, merge)
	})
}

func (t *timeoutStore) DeleteDocument(ctx context.Context, path string) error {
	return t.call(ctx, "delete "+path, func(ctx context.Context) error {
		return t.inner.DeleteDocument(ctx, path)
	})
}

func (t *timeoutStore) ListDocuments(ctx context.Context, q Query) ([]Snapshot, error) {
	var out []Snapshot
	err := t.call(ctx, "list "+q.Collection, func(ctx context.Context) error {
		docs, err := t.inner.ListDocuments(ctx, q)
		out = docs
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *timeoutStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	return t.call(ctx, "batch", func(ctx context.Context) error {
		return t.inner.BatchWrite(ctx, ops)
	})
}

func (t *timeoutStore) Ping(ctx context.Context) error {
	p, ok := t.inner.(Pinger)
	if !ok {
		return nil
	}
	return t.call(ctx, "ping", p.Ping)
}
