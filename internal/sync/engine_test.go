// Package sync tests for sync engine functionality.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsvp/farmacontrol/backend/internal/db"
	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/models"
	"github.com/hsvp/farmacontrol/backend/internal/remote"
	"github.com/hsvp/farmacontrol/backend/internal/remote/memstore"
	"github.com/hsvp/farmacontrol/backend/internal/sync/queue"
)

const testAccount = "acct-1"

// testEventHandler is a test implementation of SyncEventHandler.
type testEventHandler struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (h *testEventHandler) OnSyncEvent(event SyncEvent) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

func (h *testEventHandler) types() []SyncEventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SyncEventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

type fakeTimer struct {
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.stopped = true
	return true
}

// timerRecorder replaces time.AfterFunc so tests fire retries by hand.
type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (r *timerRecorder) afterFunc(d time.Duration, f func()) Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &fakeTimer{}
	r.delays = append(r.delays, d)
	r.fns = append(r.fns, f)
	r.timers = append(r.timers, t)
	return t
}

func (r *timerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

// fireLast runs the most recently armed timer callback.
func (r *timerRecorder) fireLast() {
	r.mu.Lock()
	f := r.fns[len(r.fns)-1]
	r.mu.Unlock()
	f()
}

type testEnv struct {
	engine *SyncEngine
	store  *memstore.Store
	queue  *queue.SyncQueue
	kv     *db.MemoryKV
	timers *timerRecorder
}

func newTestEnv(t *testing.T, kv *db.MemoryKV, store *memstore.Store, cfg *EngineConfig) *testEnv {
	t.Helper()
	if kv == nil {
		kv = db.NewMemoryKV()
	}
	if store == nil {
		store = memstore.New()
	}
	q := queue.NewSyncQueue(kv, queue.DefaultMaxSize)
	require.NoError(t, q.Load())

	engine := NewSyncEngine(store, q, kv, cfg)
	timers := &timerRecorder{}
	engine.afterFunc = timers.afterFunc
	return &testEnv{engine: engine, store: store, queue: q, kv: kv, timers: timers}
}

func (env *testEnv) upsert(t *testing.T, coll, id string, payload map[string]interface{}) models.PendingWrite {
	t.Helper()
	if payload == nil {
		payload = map[string]interface{}{"id": id}
	}
	op, err := env.queue.Enqueue(models.PendingWrite{
		Kind:       models.OpUpsert,
		Collection: coll,
		RecordID:   id,
		Payload:    payload,
	})
	require.NoError(t, err)
	return op
}

func (env *testEnv) remove(t *testing.T, coll, id string) {
	t.Helper()
	_, err := env.queue.Enqueue(models.PendingWrite{Kind: models.OpDelete, Collection: coll, RecordID: id})
	require.NoError(t, err)
}

func docPath(coll, id string) string {
	return remote.DocPath(testAccount, coll, id)
}

// failSetsMatching makes writes to paths ending in one of suffixes fail.
func failSetsMatching(suffixes ...string) memstore.Hook {
	return func(ctx context.Context, op, target string) error {
		if op != memstore.OpSet && op != memstore.OpDelete {
			return nil
		}
		for _, s := range suffixes {
			if strings.HasSuffix(target, s) {
				return errors.New("permission denied")
			}
		}
		return nil
	}
}

// TestNewSyncEngine verifies engine creation.
func TestNewSyncEngine(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	assert.Equal(t, SyncStatusNoSession, env.engine.Status())
	assert.Nil(t, env.engine.LastSync())
	assert.Nil(t, env.engine.LastError())
	assert.Equal(t, 0, env.engine.PendingChanges())
	assert.Empty(t, env.engine.Errors())
	assert.Equal(t, 15*time.Second, env.engine.config.CallTimeout)
}

func TestSyncEngineStartSession_requiresAccount(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	err := env.engine.StartSession("")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// TestSyncEngineFlush_noSession verifies a flush without a session touches nothing.
func TestSyncEngineFlush_noSession(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	env.upsert(t, models.CollTransactions, "1", nil)

	result, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, SyncStatusNoSession, result.Status)
	assert.Equal(t, 0, env.store.Calls(memstore.OpSet))
	assert.Equal(t, 1, env.queue.Size())
}

// TestSyncEngineFlush_appliesInOrder verifies upserts merge and deletes remove.
func TestSyncEngineFlush_appliesInOrder(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))

	env.store.Put(docPath(models.CollTransactions, "1"), remote.Document{"id": 1, "legacy": "kept"})
	env.store.Put(docPath(models.CollTransactions, "2"), remote.Document{"id": 2})

	env.upsert(t, models.CollTransactions, "1", map[string]interface{}{"id": 1, "amount": 3})
	env.remove(t, models.CollTransactions, "2")
	env.upsert(t, models.CollBitacora, "3", map[string]interface{}{"id": 3, "titulo": "RONDA"})

	result, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, SyncStatusSynced, result.Status)
	assert.Equal(t, 0, env.queue.Size())
	assert.NotNil(t, env.engine.LastSync())

	doc, ok := env.store.Doc(docPath(models.CollTransactions, "1"))
	require.True(t, ok)
	assert.Equal(t, "kept", doc["legacy"])
	assert.Equal(t, 3, doc["amount"])

	_, ok = env.store.Doc(docPath(models.CollTransactions, "2"))
	assert.False(t, ok)

	doc, ok = env.store.Doc(docPath(models.CollBitacora, "3"))
	require.True(t, ok)
	assert.Equal(t, "RONDA", doc["titulo"])
	assert.False(t, env.engine.RetryPending())
}

// TestSyncEngineFlush_partialFailure verifies one failing write keeps only itself queued.
func TestSyncEngineFlush_partialFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.store.SetHook(failSetsMatching("/transactions/2"))

	env.upsert(t, models.CollTransactions, "1", nil)
	failing := env.upsert(t, models.CollTransactions, "2", nil)
	env.upsert(t, models.CollTransactions, "3", nil)

	result, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Remaining)
	assert.Equal(t, SyncStatusOffline, result.Status)
	assert.True(t, apperrors.Is(env.engine.LastError(), apperrors.ErrSyncFailed))

	pending := env.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, failing.OpID, pending[0].OpID)

	errs := env.engine.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "2", errs[0].RecordID)
	assert.Equal(t, models.CollTransactions, errs[0].Collection)
	assert.Contains(t, errs[0].Message, "permission denied")

	_, ok := env.store.Doc(docPath(models.CollTransactions, "3"))
	assert.True(t, ok, "later writes still apply after a failure")

	require.Equal(t, 1, env.timers.count())
	assert.Equal(t, 2*time.Second, env.timers.delays[0])

	// The retry succeeds once the remote accepts the write.
	env.store.SetHook(nil)
	env.timers.fireLast()
	assert.Equal(t, 0, env.queue.Size())
	assert.Equal(t, SyncStatusSynced, env.engine.Status())
	assert.Equal(t, 0, env.engine.Attempt())
	assert.Nil(t, env.engine.LastError())
}

// TestSyncEngine_backoff verifies the retry delay doubles up to the ceiling.
func TestSyncEngine_backoff(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second},
		{10, 30 * time.Second},
		{1000, 30 * time.Second},
		{-1, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, env.engine.Backoff(tt.attempt))
		})
	}
}

// TestSyncEngine_backoffGrowsAndResets verifies attempts advance when the timer
// fires and reset after a full success.
func TestSyncEngine_backoffGrowsAndResets(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.store.SetHook(failSetsMatching("/bitacora/1"))
	env.upsert(t, models.CollBitacora, "1", nil)

	_, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	env.timers.fireLast()
	env.timers.fireLast()
	env.timers.fireLast()

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, env.timers.delays)
	assert.Equal(t, 3, env.engine.Attempt())

	env.store.SetHook(nil)
	env.timers.fireLast()
	assert.Equal(t, 0, env.engine.Attempt())
	assert.False(t, env.engine.RetryPending())
	assert.Equal(t, 0, env.queue.Size())

	env.store.SetHook(failSetsMatching("/bitacora/2"))
	env.upsert(t, models.CollBitacora, "2", nil)
	_, err = env.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, env.timers.delays[len(env.timers.delays)-1])
}

// TestSyncEngine_singleRetryTimer verifies repeated failures keep one outstanding timer.
func TestSyncEngine_singleRetryTimer(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.store.SetHook(failSetsMatching("/bitacora/1"))
	env.upsert(t, models.CollBitacora, "1", nil)

	for i := 0; i < 3; i++ {
		_, err := env.engine.Flush(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, env.timers.count())
	assert.Equal(t, 0, env.engine.Attempt())
}

// TestSyncEngine_successStopsTimer verifies a manual success cancels a pending retry.
func TestSyncEngine_successStopsTimer(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.store.SetHook(failSetsMatching("/bitacora/1"))
	env.upsert(t, models.CollBitacora, "1", nil)
	_, _ = env.engine.Flush(context.Background())
	require.True(t, env.engine.RetryPending())

	env.store.SetHook(nil)
	_, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, env.engine.RetryPending())
	assert.True(t, env.timers.timers[0].stopped)
}

// TestSyncEngineFlush_offline verifies a failed ping leaves the queue and log untouched.
func TestSyncEngineFlush_offline(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.upsert(t, models.CollTransactions, "1", nil)
	env.upsert(t, models.CollTransactions, "2", nil)
	env.store.SetOffline(true)

	handler := &testEventHandler{}
	env.engine.SetEventHandler(handler)

	result, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncStatusOffline, result.Status)
	assert.Equal(t, 2, env.queue.Size())
	assert.Empty(t, env.engine.Errors())
	assert.Equal(t, 0, env.store.Calls(memstore.OpSet))
	assert.True(t, env.engine.RetryPending())
	assert.True(t, apperrors.Is(env.engine.LastError(), apperrors.ErrOffline))
	assert.Equal(t, []SyncEventType{SyncEventStarted, SyncEventOffline}, handler.types())
}

// TestSyncEngineFlush_singleFlight verifies a second flush is a no-op while one is running.
func TestSyncEngineFlush_singleFlight(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.upsert(t, models.CollBitacora, "1", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.store.SetHook(func(ctx context.Context, op, target string) error {
		if op == memstore.OpSet {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})

	done := make(chan *SyncResult, 1)
	go func() {
		r, _ := env.engine.Flush(context.Background())
		done <- r
	}()
	<-entered

	second, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = env.engine.Exclusive(ctx, func(context.Context) error { return nil })
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncBusy))

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Applied)
	assert.Equal(t, 1, env.store.Calls(memstore.OpSet))
}

// TestSyncEngine_Exclusive verifies flushes are skipped while an exclusive section runs.
func TestSyncEngine_Exclusive(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.upsert(t, models.CollBitacora, "1", nil)

	err := env.engine.Exclusive(context.Background(), func(ctx context.Context) error {
		r, err := env.engine.Flush(ctx)
		require.NoError(t, err)
		assert.True(t, r.Skipped)
		return nil
	})
	require.NoError(t, err)

	r, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Skipped)
	assert.Equal(t, 0, env.queue.Size())

	sentinel := errors.New("boom")
	assert.Equal(t, sentinel, env.engine.Exclusive(context.Background(), func(context.Context) error { return sentinel }))
}

// TestSyncEngine_errorLogCap verifies the log keeps the 50 newest entries first.
func TestSyncEngine_errorLogCap(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.store.SetHook(func(ctx context.Context, op, target string) error {
		if op == memstore.OpSet {
			return errors.New("unavailable")
		}
		return nil
	})
	for i := 0; i < 30; i++ {
		env.upsert(t, models.CollBitacora, fmt.Sprint(i), nil)
	}

	_, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	first := env.engine.Errors()
	require.Len(t, first, 30)
	assert.Equal(t, "29", first[0].RecordID)
	assert.Equal(t, "0", first[29].RecordID)

	_, err = env.engine.Flush(context.Background())
	require.NoError(t, err)
	errs := env.engine.Errors()
	require.Len(t, errs, 50)
	assert.Equal(t, "29", errs[0].RecordID)
	assert.NotEqual(t, first[0].ID, errs[0].ID)
	assert.Equal(t, first[0].ID, errs[30].ID)
	assert.Equal(t, 30, env.queue.Size())
}

// TestSyncEngine_idempotentReplay verifies replaying applied writes leaves the remote unchanged.
func TestSyncEngine_idempotentReplay(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))

	write := func() {
		env.upsert(t, models.CollTransactions, "10", map[string]interface{}{"id": 10, "amount": 2, "type": "OUT"})
		env.upsert(t, models.CollExpedientes, "11", map[string]interface{}{"id": 11, "cedula": "1-234-567"})
		env.remove(t, models.CollBitacora, "12")
	}
	write()
	_, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	before := map[string]remote.Document{}
	for _, p := range env.store.Paths() {
		before[p], _ = env.store.Doc(p)
	}

	write()
	_, err = env.engine.Flush(context.Background())
	require.NoError(t, err)

	assert.Equal(t, len(before), env.store.Len())
	for p, doc := range before {
		got, ok := env.store.Doc(p)
		require.True(t, ok)
		assert.Equal(t, doc, got)
	}
}

// TestSyncEngine_noLossAcrossRestart verifies queued writes survive a restart and
// apply after reconnecting.
func TestSyncEngine_noLossAcrossRestart(t *testing.T) {
	kv := db.NewMemoryKV()
	store := memstore.New()
	store.SetOffline(true)

	first := newTestEnv(t, kv, store, nil)
	require.NoError(t, first.engine.StartSession(testAccount))
	first.upsert(t, models.CollTransactions, "1", nil)
	first.upsert(t, models.CollTransactions, "2", nil)
	_, err := first.engine.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, first.queue.Size())

	store.SetOffline(false)
	second := newTestEnv(t, kv, store, nil)
	require.Equal(t, 2, second.queue.Size())
	require.NoError(t, second.engine.StartSession(testAccount))
	_, err = second.engine.Flush(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, second.queue.Size())
	for _, id := range []string{"1", "2"} {
		_, ok := store.Doc(docPath(models.CollTransactions, id))
		assert.True(t, ok)
	}
}

// TestSyncEngine_overflowResetsAfterFullFlush verifies the overflow flag clears on success.
func TestSyncEngine_overflowResetsAfterFullFlush(t *testing.T) {
	kv := db.NewMemoryKV()
	q := queue.NewSyncQueue(kv, 1)
	require.NoError(t, q.Load())
	store := memstore.New()
	engine := NewSyncEngine(store, q, kv, nil)
	engine.afterFunc = (&timerRecorder{}).afterFunc
	require.NoError(t, engine.StartSession(testAccount))

	_, err := q.Enqueue(models.PendingWrite{Kind: models.OpUpsert, Collection: models.CollBitacora, RecordID: "1", Payload: map[string]interface{}{"id": 1}})
	require.NoError(t, err)
	_, err = q.Enqueue(models.PendingWrite{Kind: models.OpUpsert, Collection: models.CollBitacora, RecordID: "2", Payload: map[string]interface{}{"id": 2}})
	require.Error(t, err)
	require.True(t, q.Overflow())

	_, err = engine.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, q.Overflow())
}

// TestSyncEngine_callTimeout verifies a hung write fails the op instead of the flush.
func TestSyncEngine_callTimeout(t *testing.T) {
	env := newTestEnv(t, nil, nil, &EngineConfig{CallTimeout: 20 * time.Millisecond})
	require.NoError(t, env.engine.StartSession(testAccount))
	env.store.SetHook(func(ctx context.Context, op, target string) error {
		if op == memstore.OpSet && strings.HasSuffix(target, "/1") {
			time.Sleep(200 * time.Millisecond)
		}
		return nil
	})
	env.upsert(t, models.CollBitacora, "1", nil)
	env.upsert(t, models.CollBitacora, "2", nil)

	result, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, "bitacora/1", env.queue.Pending()[0].Key())
	assert.Contains(t, env.engine.Errors()[0].Message, string(apperrors.ErrSyncTimeout))
}

// TestSyncEngine_EndSession verifies sign-out stops the timer and drops local state.
func TestSyncEngine_EndSession(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	require.NoError(t, env.kv.Set(models.SnapshotKey, `{"transactions":[]}`))
	env.store.SetHook(failSetsMatching("/bitacora/1"))
	env.upsert(t, models.CollBitacora, "1", nil)
	_, _ = env.engine.Flush(context.Background())
	require.True(t, env.engine.RetryPending())

	require.NoError(t, env.engine.EndSession())
	assert.Equal(t, SyncStatusNoSession, env.engine.Status())
	assert.Equal(t, 0, env.queue.Size())
	assert.Empty(t, env.engine.Errors())
	assert.False(t, env.engine.RetryPending())
	assert.True(t, env.timers.timers[0].stopped)
	_, ok, _ := env.kv.Get(models.SnapshotKey)
	assert.False(t, ok)

	// A timer that already fired for the old session does nothing.
	pings := env.store.Calls(memstore.OpPing)
	env.timers.fireLast()
	assert.Equal(t, pings, env.store.Calls(memstore.OpPing))
}

func TestSyncEngine_Close(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.upsert(t, models.CollBitacora, "1", nil)
	env.store.SetOffline(true)
	_, _ = env.engine.Flush(context.Background())
	require.True(t, env.engine.RetryPending())

	env.engine.Close()
	assert.False(t, env.engine.RetryPending())
	assert.Equal(t, 1, env.queue.Size())

	_, _ = env.engine.Flush(context.Background())
	assert.False(t, env.engine.RetryPending())
	assert.Equal(t, 1, env.timers.count())
}

func TestSyncEngine_ClearQueue(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.store.SetHook(failSetsMatching("/bitacora/1"))
	env.upsert(t, models.CollBitacora, "1", nil)
	_, _ = env.engine.Flush(context.Background())
	require.Len(t, env.engine.Errors(), 1)

	require.NoError(t, env.engine.ClearQueue())
	assert.Equal(t, 0, env.queue.Size())
	assert.Empty(t, env.engine.Errors())
	assert.Nil(t, env.engine.LastError())
}

// TestSyncEngine_events verifies a successful flush emits started then completed.
func TestSyncEngine_events(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	handler := &testEventHandler{}
	env.engine.SetEventHandler(handler)
	require.NoError(t, env.engine.StartSession(testAccount))
	env.upsert(t, models.CollBitacora, "1", nil)

	_, err := env.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []SyncEventType{SyncEventStatus, SyncEventStarted, SyncEventCompleted}, handler.types())

	env.engine.SetStatus(SyncStatusPartialLoad)
	assert.Equal(t, SyncStatusPartialLoad, env.engine.Status())
	assert.Equal(t, SyncEventStatus, handler.types()[3])
}
