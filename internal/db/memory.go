package db

import "sync"

// MemoryKV is a Store kept in process memory. It backs sessions that run
// without a data directory and the tests of the packages built on Store.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
	subs   subscribers
	fail   error
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

// SetFailWrites makes Set and Update return err until called with nil.
func (m *MemoryKV) SetFailWrites(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Get returns the value stored under key.
func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set stores value under key.
func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	if m.fail != nil {
		err := m.fail
		m.mu.Unlock()
		return err
	}
	m.values[key] = value
	m.mu.Unlock()
	m.subs.notify(key)
	return nil
}

// Remove deletes key.
func (m *MemoryKV) Remove(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	m.subs.notify(key)
	return nil
}

// Update performs a read-modify-write of key under the store lock.
func (m *MemoryKV) Update(key string, fn func(cur string, ok bool) (string, error)) error {
	m.mu.Lock()
	if m.fail != nil {
		err := m.fail
		m.mu.Unlock()
		return err
	}
	cur, ok := m.values[key]
	next, err := fn(cur, ok)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if next == "" {
		delete(m.values, key)
	} else {
		m.values[key] = next
	}
	m.mu.Unlock()
	m.subs.notify(key)
	return nil
}

// Subscribe registers fn for changes.
func (m *MemoryKV) Subscribe(fn func(key string)) func() {
	return m.subs.add(fn)
}
