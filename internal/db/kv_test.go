package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) (*KV, string) {
	t.Helper()
	dir := t.TempDir()
	database, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewKV(database), dir
}

func TestKV_SetGetRemove(t *testing.T) {
	kv, _ := newTestKV(t)

	_, ok, err := kv.Get("pharmaPendingWrites")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set("pharmaPendingWrites", `[]`))
	v, ok, err := kv.Get("pharmaPendingWrites")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[]`, v)

	require.NoError(t, kv.Remove("pharmaPendingWrites"))
	_, ok, _ = kv.Get("pharmaPendingWrites")
	assert.False(t, ok)

	assert.NoError(t, kv.Remove("missing"))
}

// TestKV_largeValueCompressed verifies big snapshots are stored compressed and read back intact.
func TestKV_largeValueCompressed(t *testing.T) {
	kv, _ := newTestKV(t)
	big := strings.Repeat(`{"medId":"morf-15","type":"OUT","amount":1},`, 2000)

	require.NoError(t, kv.Set("pharmaControlData", big))

	var encoding string
	var size int
	require.NoError(t, kv.db.QueryRow("SELECT encoding, length(value) FROM kv WHERE key = ?", "pharmaControlData").Scan(&encoding, &size))
	assert.Equal(t, encodingSnappy, encoding)
	assert.Less(t, size, len(big))

	got, ok, err := kv.Get("pharmaControlData")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, got)
}

func TestKV_Update(t *testing.T) {
	kv, _ := newTestKV(t)

	require.NoError(t, kv.Update("counter", func(cur string, ok bool) (string, error) {
		assert.False(t, ok)
		return "1", nil
	}))
	require.NoError(t, kv.Update("counter", func(cur string, ok bool) (string, error) {
		assert.True(t, ok)
		return cur + "1", nil
	}))
	v, _, _ := kv.Get("counter")
	assert.Equal(t, "11", v)

	// fn error leaves the value untouched
	boom := errors.New("boom")
	err := kv.Update("counter", func(string, bool) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	v, _, _ = kv.Get("counter")
	assert.Equal(t, "11", v)

	// empty result removes
	require.NoError(t, kv.Update("counter", func(string, bool) (string, error) { return "", nil }))
	_, ok, _ := kv.Get("counter")
	assert.False(t, ok)
}

// TestKV_Update_twoConnections verifies read-modify-write from two handles on one file never loses an increment.
func TestKV_Update_twoConnections(t *testing.T) {
	kvA, dir := newTestKV(t)
	other, err := OpenFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	defer other.Close()
	kvB := NewKV(other)

	incr := func(kv *KV) error {
		return kv.Update("n", func(cur string, ok bool) (string, error) {
			n := 0
			if ok {
				fmt.Sscanf(cur, "%d", &n)
			}
			return fmt.Sprintf("%d", n+1), nil
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); assert.NoError(t, incr(kvA)) }()
		go func() { defer wg.Done(); assert.NoError(t, incr(kvB)) }()
	}
	wg.Wait()

	v, _, err := kvA.Get("n")
	require.NoError(t, err)
	assert.Equal(t, "40", v)
}

func TestKV_Subscribe(t *testing.T) {
	kv, _ := newTestKV(t)

	var keys []string
	var mu sync.Mutex
	unsubscribe := kv.Subscribe(func(key string) {
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
	})

	require.NoError(t, kv.Set("a", "1"))
	require.NoError(t, kv.Update("b", func(string, bool) (string, error) { return "2", nil }))
	unsubscribe()
	require.NoError(t, kv.Set("c", "3"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, keys)
}

// TestKV_Watch verifies commits from another connection are observed.
func TestKV_Watch(t *testing.T) {
	kvA, dir := newTestKV(t)
	other, err := OpenFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	defer other.Close()
	kvB := NewKV(other)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- kvA.Watch(ctx, 10*time.Millisecond, func() { fired.Add(1) })
	}()

	// Give the watcher time to read its baseline.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, kvB.Set("pharmaPendingWrites", "[]"))

	require.Eventually(t, func() bool { return fired.Load() > 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestMemoryKV(t *testing.T) {
	kv := NewMemoryKV()
	var notified int
	kv.Subscribe(func(string) { notified++ })

	require.NoError(t, kv.Set("k", "v"))
	v, ok, _ := kv.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	kv.SetFailWrites(errors.New("disk full"))
	assert.Error(t, kv.Set("k", "w"))
	assert.Error(t, kv.Update("k", func(string, bool) (string, error) { return "w", nil }))
	kv.SetFailWrites(nil)

	require.NoError(t, kv.Update("k", func(cur string, ok bool) (string, error) { return cur + "w", nil }))
	v, _, _ = kv.Get("k")
	assert.Equal(t, "vw", v)

	require.NoError(t, kv.Remove("k"))
	assert.Equal(t, 3, notified)
}
