package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"stallpos/internal/model"
)

// ErrNotFound is returned by Get when the key has never been written or was deleted.
var ErrNotFound = errors.New("store: key not found")

// Fixed keys for scalar state and snapshots.
const (
	KeyMenus        = "snapshot/menus"
	KeyCategories   = "snapshot/categories"
	KeyOrderCounter = "counter/order"
	KeySeqCounter   = "counter/seq"
)

// PendingPrefix returns the key prefix holding all records of a kind.
func PendingPrefix(kind model.Kind) string {
	return "pending/" + string(kind) + "/"
}

// PendingKey returns the key of one record.
func PendingKey(kind model.Kind, id string) string {
	return PendingPrefix(kind) + id
}

// CursorKey returns the key of the last clean sync time of a kind.
func CursorKey(kind model.Kind) string {
	return "cursor/" + string(kind)
}

// Op is one write in an atomic batch.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

func Put(key string, value []byte) Op { return Op{Key: key, Value: value} }

func Delete(key string) Op { return Op{Key: key, Delete: true} }

// Reader is the read side of a store.
type Reader interface {
	Get(key string) ([]byte, error)
	// Scan visits keys with the given prefix in ascending key order.
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// Store is the device-local durable store.
//
// Whole-value Get/Set cover scalar state and snapshots. Pending records are
// keyed per id so they can be upserted and deleted individually, and Update
// gives callers an atomic read-modify-write over any set of keys.
type Store interface {
	Reader
	Set(key string, value []byte) error
	Apply(ops ...Op) error
	// Update runs fn while holding the store's write lock and commits the
	// returned ops as one batch. Nothing is written if fn returns an error.
	Update(fn func(r Reader) ([]Op, error)) error
	Close() error
}

// InMemoryStore is a thread-safe map store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte)}
}

func (s *InMemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memReader{s.data}.Get(key)
}

func (s *InMemoryStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	keys, vals := memReader{s.data}.collect(prefix)
	s.mu.RUnlock()
	for i, k := range keys {
		if err := fn(k, vals[i]); err != nil {
			return fmt.Errorf("scan callback failed: %w", err)
		}
	}
	return nil
}

func (s *InMemoryStore) Set(key string, value []byte) error {
	return s.Apply(Put(key, value))
}

func (s *InMemoryStore) Apply(ops ...Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(ops)
	return nil
}

func (s *InMemoryStore) Update(fn func(r Reader) ([]Op, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops, err := fn(memReader{s.data})
	if err != nil {
		return err
	}
	s.applyLocked(ops)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) applyLocked(ops []Op) {
	for _, op := range ops {
		if op.Delete {
			delete(s.data, op.Key)
			continue
		}
		s.data[op.Key] = append([]byte(nil), op.Value...)
	}
}

type memReader struct {
	data map[string][]byte
}

func (r memReader) Get(key string) ([]byte, error) {
	v, ok := r.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (r memReader) Scan(prefix string, fn func(key string, value []byte) error) error {
	keys, vals := r.collect(prefix)
	for i, k := range keys {
		if err := fn(k, vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r memReader) collect(prefix string) ([]string, [][]byte) {
	var keys []string
	for k := range r.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = append([]byte(nil), r.data[k]...)
	}
	return keys, vals
}

// GetJSON decodes the value at key into dest. It reports false when the key is absent.
func GetJSON(r Reader, key string, dest any) (bool, error) {
	raw, err := r.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v into a put op.
func PutJSON(key string, v any) (Op, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return Put(key, b), nil
}

func SetJSON(s Store, key string, v any) error {
	op, err := PutJSON(key, v)
	if err != nil {
		return err
	}
	return s.Apply(op)
}

// NextCounter reads a monotonic counter and returns its next value together
// with the op that persists it. Use it inside Update.
func NextCounter(r Reader, key string) (int64, Op, error) {
	cur := int64(0)
	raw, err := r.Get(key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, Op{}, err
	default:
		n, perr := strconv.ParseInt(string(raw), 10, 64)
		if perr != nil {
			return 0, Op{}, fmt.Errorf("decode counter %s: %w", key, perr)
		}
		cur = n
	}
	next := cur + 1
	return next, Put(key, []byte(strconv.FormatInt(next, 10))), nil
}

// SyncCursor returns the last clean sync time of a kind, zero if never synced.
func SyncCursor(r Reader, kind model.Kind) (time.Time, error) {
	var ts time.Time
	if _, err := GetJSON(r, CursorKey(kind), &ts); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func SetSyncCursor(s Store, kind model.Kind, ts time.Time) error {
	return SetJSON(s, CursorKey(kind), ts.UTC())
}

// Menus returns the local menu snapshot.
func Menus(r Reader) ([]model.Menu, error) {
	var menus []model.Menu
	if _, err := GetJSON(r, KeyMenus, &menus); err != nil {
		return nil, err
	}
	return menus, nil
}

// Categories returns the local category snapshot.
func Categories(r Reader) ([]model.Category, error) {
	var cats []model.Category
	if _, err := GetJSON(r, KeyCategories, &cats); err != nil {
		return nil, err
	}
	return cats, nil
}
