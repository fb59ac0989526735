package backend

import (
	"sort"
	"sync"
)

// MemBackend is an in-memory Backend: one Go map per column guarded by a
// single RWMutex, with a column's keys sorted on each IterFrom call. It is
// the "ordered map in memory" external collaborator named in spec.md §1.
type MemBackend struct {
	mu      sync.RWMutex
	columns [numColumns]map[string][]byte
}

func NewMemBackend() *MemBackend {
	b := &MemBackend{}
	for i := range b.columns {
		b.columns[i] = make(map[string][]byte)
	}
	return b
}

func (b *MemBackend) Get(col Column, key []byte) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.columns[col][string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (b *MemBackend) IterFrom(col Column, key []byte) (Iterator, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m := b.columns[col]
	keys := make([]string, 0, len(m))
	for k := range m {
		if k >= string(key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), m[k]...)
	}
	return &memIterator{keys: keys, values: values, idx: -1}, nil
}

type memIterator struct {
	keys   []string
	values [][]byte
	idx    int
}

func (it *memIterator) Next() bool {
	it.idx++
	return it.idx < len(it.keys)
}

func (it *memIterator) Key() []byte   { return []byte(it.keys[it.idx]) }
func (it *memIterator) Value() []byte { return it.values[it.idx] }
func (it *memIterator) Err() error    { return nil }
func (it *memIterator) Close() error  { return nil }

func (b *MemBackend) NewBatch() WriteBatch {
	return &memBatch{backend: b}
}

type memOp struct {
	col    Column
	key    string
	value  []byte
	delete bool
}

type memBatch struct {
	backend *MemBackend
	ops     []memOp
}

func (wb *memBatch) Put(col Column, key, value []byte) {
	wb.ops = append(wb.ops, memOp{col: col, key: string(key), value: append([]byte(nil), value...)})
}

func (wb *memBatch) Delete(col Column, key []byte) {
	wb.ops = append(wb.ops, memOp{col: col, key: string(key), delete: true})
}

func (wb *memBatch) Commit() error {
	wb.backend.mu.Lock()
	defer wb.backend.mu.Unlock()
	for _, op := range wb.ops {
		if op.delete {
			delete(wb.backend.columns[op.col], op.key)
		} else {
			wb.backend.columns[op.col][op.key] = op.value
		}
	}
	return nil
}
