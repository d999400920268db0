package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store using BadgerDB. Update reads and writes in
// one badger transaction; the mutex serialises writers so a transaction
// never fails on a conflict.
type BadgerStore struct {
	mu sync.Mutex
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).
		WithSyncWrites(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func (b *BadgerStore) Get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		v, err := badgerReader{txn}.Get(key)
		out = v
		return err
	})
	return out, err
}

func (b *BadgerStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return badgerReader{txn}.Scan(prefix, fn)
	})
}

func (b *BadgerStore) Set(key string, value []byte) error {
	return b.Apply(Put(key, value))
}

func (b *BadgerStore) Apply(ops ...Op) error {
	return b.Update(func(Reader) ([]Op, error) { return ops, nil })
}

func (b *BadgerStore) Update(fn func(r Reader) ([]Op, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(txn *badger.Txn) error {
		ops, err := fn(badgerReader{txn})
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.Delete {
				err = txn.Delete([]byte(op.Key))
			} else {
				err = txn.Set([]byte(op.Key), op.Value)
			}
			if err != nil {
				return fmt.Errorf("badger %s: %w", op.Key, err)
			}
		}
		return nil
	})
}

type badgerReader struct {
	txn *badger.Txn
}

func (r badgerReader) Get(key string) ([]byte, error) {
	item, err := r.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return item.ValueCopy(nil)
}

func (r badgerReader) Scan(prefix string, fn func(key string, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := r.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(string(item.KeyCopy(nil)), v); err != nil {
			return err
		}
	}
	return nil
}
