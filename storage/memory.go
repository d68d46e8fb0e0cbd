package storage

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryKV is an in-memory KV backend for tests and simulation runs,
// matching the PebbleKV adapter's semantics (linearized writes via
// batch commit, prefix iteration in key order).
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(k []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(k)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Has(k []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(k)]
	return ok, nil
}

func (m *MemoryKV) Put(k, v []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(k)] = append([]byte(nil), v...)
	return nil
}

func (m *MemoryKV) Delete(k []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(k))
	return nil
}

func (m *MemoryKV) Close() error { return nil }

func (m *MemoryKV) NewBatch() Batch {
	return &memoryBatch{kv: m}
}

func (m *MemoryKV) NewIterator(prefix []byte) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	entries := make([][2][]byte, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, [2][]byte{[]byte(k), append([]byte(nil), m.data[k]...)})
	}
	return &memoryIterator{entries: entries, pos: -1}
}

type memoryOp struct {
	del   bool
	key   []byte
	value []byte
}

type memoryBatch struct {
	kv  *MemoryKV
	ops []memoryOp
}

func (b *memoryBatch) Put(k, v []byte) error {
	b.ops = append(b.ops, memoryOp{key: append([]byte(nil), k...), value: append([]byte(nil), v...)})
	return nil
}

func (b *memoryBatch) Delete(k []byte) error {
	b.ops = append(b.ops, memoryOp{del: true, key: append([]byte(nil), k...)})
	return nil
}

func (b *memoryBatch) Write() error {
	b.kv.mu.Lock()
	defer b.kv.mu.Unlock()
	for _, op := range b.ops {
		if op.del {
			delete(b.kv.data, string(op.key))
			continue
		}
		b.kv.data[string(op.key)] = op.value
	}
	return nil
}

func (b *memoryBatch) Reset() { b.ops = b.ops[:0] }

type memoryIterator struct {
	entries [][2][]byte
	pos     int
}

func (it *memoryIterator) Next() bool {
	it.pos++
	return it.pos < len(it.entries)
}

func (it *memoryIterator) Key() []byte   { return it.entries[it.pos][0] }
func (it *memoryIterator) Value() []byte { return it.entries[it.pos][1] }
func (it *memoryIterator) Error() error  { return nil }
func (it *memoryIterator) Release()      {}
