package storage

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleKV adapts a *pebble.DB to the KV interface. Grounded on
// cockroachdb/pebble directly (the teacher's indirect dependency,
// promoted here to direct use) since github.com/luxfi/database's own
// pebble adapter isn't part of the retrieved pack; the shape mirrors
// luxfi/database.Database closely enough that swapping this adapter for
// the real one is a one-file change.
type PebbleKV struct {
	db *pebble.DB
}

// NewPebble opens (creating if absent) a pebble database at dir.
func NewPebble(dir string) (*PebbleKV, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: opening pebble db at %s: %w", dir, err)
	}
	return &PebbleKV{db: db}, nil
}

func (p *PebbleKV) Get(k []byte) ([]byte, error) {
	v, closer, err := p.db.Get(k)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	if cerr := closer.Close(); cerr != nil {
		return nil, cerr
	}
	return out, nil
}

func (p *PebbleKV) Has(k []byte) (bool, error) {
	_, closer, err := p.db.Get(k)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (p *PebbleKV) Put(k, v []byte) error {
	return p.db.Set(k, v, pebble.Sync)
}

func (p *PebbleKV) Delete(k []byte) error {
	return p.db.Delete(k, pebble.Sync)
}

func (p *PebbleKV) NewBatch() Batch {
	return &pebbleBatch{db: p.db, batch: p.db.NewBatch()}
}

func (p *PebbleKV) NewIterator(prefix []byte) Iterator {
	upper := upperBound(prefix)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return &errIterator{err: err}
	}
	return &pebbleIterator{it: it, started: false}
}

func (p *PebbleKV) Close() error {
	return p.db.Close()
}

// upperBound computes the smallest key strictly greater than every key
// sharing prefix, by incrementing the last byte that isn't already 0xff
// and truncating the rest. A prefix of all 0xff bytes has no finite
// upper bound; the iterator is then unbounded above.
func upperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] == 0xff {
			out = out[:i]
			continue
		}
		out[i]++
		return out[:i+1]
	}
	return nil
}

type pebbleBatch struct {
	db    *pebble.DB
	batch *pebble.Batch
}

func (b *pebbleBatch) Put(k, v []byte) error    { return b.batch.Set(k, v, nil) }
func (b *pebbleBatch) Delete(k []byte) error    { return b.batch.Delete(k, nil) }
func (b *pebbleBatch) Write() error             { return b.batch.Commit(pebble.Sync) }
func (b *pebbleBatch) Reset()                   { b.batch.Reset() }

type pebbleIterator struct {
	it      *pebble.Iterator
	started bool
}

func (i *pebbleIterator) Next() bool {
	if !i.started {
		i.started = true
		return i.it.First()
	}
	return i.it.Next()
}

func (i *pebbleIterator) Key() []byte   { return bytes.Clone(i.it.Key()) }
func (i *pebbleIterator) Value() []byte { return bytes.Clone(i.it.Value()) }
func (i *pebbleIterator) Error() error  { return i.it.Error() }
func (i *pebbleIterator) Release()      { _ = i.it.Close() }

type errIterator struct{ err error }

func (e *errIterator) Next() bool     { return false }
func (e *errIterator) Key() []byte    { return nil }
func (e *errIterator) Value() []byte  { return nil }
func (e *errIterator) Error() error   { return e.err }
func (e *errIterator) Release()       {}
