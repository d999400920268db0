package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store using PebbleDB.
//
// Every commit is synced to the WAL: a completed sale must survive the
// register being switched off mid-festival.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		// Registers write small batches; keep the footprint modest.
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 12,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func (p *PebbleStore) Get(key string) ([]byte, error) {
	return pebbleReader{p.db}.Get(key)
}

func (p *PebbleStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	return pebbleReader{p.db}.Scan(prefix, fn)
}

func (p *PebbleStore) Set(key string, value []byte) error {
	return p.Apply(Put(key, value))
}

func (p *PebbleStore) Apply(ops ...Op) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commitLocked(ops)
}

func (p *PebbleStore) Update(fn func(r Reader) ([]Op, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops, err := fn(pebbleReader{p.db})
	if err != nil {
		return err
	}
	return p.commitLocked(ops)
}

func (p *PebbleStore) commitLocked(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	for _, op := range ops {
		var err error
		if op.Delete {
			err = wb.Delete([]byte(op.Key), nil)
		} else {
			err = wb.Set([]byte(op.Key), op.Value, nil)
		}
		if err != nil {
			return fmt.Errorf("batch %s: %w", op.Key, err)
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

type pebbleReader struct {
	db *pebble.DB
}

func (r pebbleReader) Get(key string) ([]byte, error) {
	v, closer, err := r.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (r pebbleReader) Scan(prefix string, fn func(key string, value []byte) error) error {
	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = prefixEnd([]byte(prefix))
	}
	it, err := r.db.NewIter(opts)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := string(it.Key())
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
