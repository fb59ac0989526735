package backend

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/eth2030/lvmt/lvmterrors"
	"github.com/eth2030/lvmt/log"
)

// PebbleBackend is a disk-resident Backend backed by cockroachdb/pebble,
// the "log-structured store" external collaborator named in spec.md §1.
// Columns are multiplexed into pebble's single keyspace with a one-byte
// column prefix, since pebble itself has no native column-family concept.
type PebbleBackend struct {
	db  *pebble.DB
	log *log.Logger
}

func OpenPebbleBackend(dir string, logger *log.Logger) (*PebbleBackend, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, joinIOErr(err)
	}
	return &PebbleBackend{db: db, log: logger.Module("backend.pebble")}, nil
}

func (b *PebbleBackend) Close() error {
	return b.db.Close()
}

func prefixed(col Column, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(col)
	copy(out[1:], key)
	return out
}

func (b *PebbleBackend) Get(col Column, key []byte) ([]byte, bool, error) {
	v, closer, err := b.db.Get(prefixed(col, key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, joinIOErr(err)
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, true, nil
}

func (b *PebbleBackend) IterFrom(col Column, key []byte) (Iterator, error) {
	lower := []byte{byte(col)}
	upper := []byte{byte(col) + 1}
	it, err := b.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, joinIOErr(err)
	}
	start := prefixed(col, key)
	valid := it.SeekGE(start)
	return &pebbleIterator{it: it, col: col, started: true, valid: valid}, nil
}

type pebbleIterator struct {
	it      *pebble.Iterator
	col     Column
	started bool
	valid   bool
}

func (p *pebbleIterator) Next() bool {
	if p.started {
		p.started = false
		return p.valid
	}
	return p.it.Next()
}

func (p *pebbleIterator) Key() []byte {
	k := p.it.Key()
	return append([]byte(nil), k[1:]...) // strip column prefix
}

func (p *pebbleIterator) Value() []byte {
	v, _ := p.it.ValueAndErr()
	return append([]byte(nil), v...)
}

func (p *pebbleIterator) Err() error   { return p.it.Error() }
func (p *pebbleIterator) Close() error { return p.it.Close() }

func (b *PebbleBackend) NewBatch() WriteBatch {
	return &pebbleBatch{batch: b.db.NewBatch()}
}

type pebbleBatch struct {
	batch *pebble.Batch
}

func (wb *pebbleBatch) Put(col Column, key, value []byte) {
	_ = wb.batch.Set(prefixed(col, key), value, nil)
}

func (wb *pebbleBatch) Delete(col Column, key []byte) {
	_ = wb.batch.Delete(prefixed(col, key), nil)
}

func (wb *pebbleBatch) Commit() error {
	if err := wb.batch.Commit(pebble.Sync); err != nil {
		return joinIOErr(err)
	}
	return nil
}

func joinIOErr(err error) error {
	return fmt.Errorf("%w: %v", lvmterrors.ErrIO, err)
}
