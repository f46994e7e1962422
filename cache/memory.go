package cache

import (
	"sort"
	"sync"
)

type memEntry struct {
	seq   uint64
	bytes []byte
}

type memStore struct {
	name    string
	mutex   *sync.RWMutex
	entries map[string]memEntry
	parent  *MemStorage
}

// MemStorage keeps all stores in process memory.
// It is mostly useful for tests and for throwaway sessions.
type MemStorage struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
	order  []string
	seq    uint64
	closed bool
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m *MemStorage) Open(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	return m.open(name), nil
}

// open must be called with the mutex held.
func (m *MemStorage) open(name string) *memStore {
	if st, ok := m.stores[name]; ok {
		return st
	}
	st := &memStore{
		name:    name,
		mutex:   m.mutex,
		entries: make(map[string]memEntry),
		parent:  m,
	}
	m.stores[name] = st
	m.order = append(m.order, name)
	return st
}

func (m *MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return false, ErrStorageClosed
	}
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemStorage) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return false, ErrStorageClosed
	}
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	m.stores[name].entries = make(map[string]memEntry)
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Match(key string) ([]byte, string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, "", false, ErrStorageClosed
	}
	for _, name := range m.order {
		if entry, ok := m.stores[name].entries[key]; ok {
			return cloneBytes(entry.bytes), name, true, nil
		}
	}
	return nil, "", false, nil
}

func (m *MemStorage) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	m.stores = make(map[string]*memStore)
	m.order = nil
	return nil
}

func (st *memStore) Name() string {
	return st.name
}

func (st *memStore) Get(key string) ([]byte, bool, error) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	entry, ok := st.live().entries[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(entry.bytes), true, nil
}

func (st *memStore) Put(key string, value []byte) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	m := st.parent
	if m.closed {
		return ErrStorageClosed
	}
	// writing through a handle of a deleted store recreates it
	target := m.open(st.name)
	m.seq++
	target.entries[key] = memEntry{seq: m.seq, bytes: cloneBytes(value)}
	return nil
}

func (st *memStore) Delete(key string) (bool, error) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	live := st.live()
	if _, ok := live.entries[key]; !ok {
		return false, nil
	}
	delete(live.entries, key)
	return true, nil
}

func (st *memStore) Keys() ([]string, error) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	entries := st.live().entries
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return entries[keys[i]].seq < entries[keys[j]].seq
	})
	return keys, nil
}

func (st *memStore) Len() (int, error) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return len(st.live().entries), nil
}

// live returns the store currently registered under the handle's name.
// A handle of a deleted store sees an empty store.
// Must be called with the mutex held.
func (st *memStore) live() *memStore {
	if cur, ok := st.parent.stores[st.name]; ok {
		return cur
	}
	return st
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
