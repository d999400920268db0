// Package outbox keeps locally recorded mutations until the remote store has
// confirmed them. A record is written unsynced, flipped to synced once the
// reconciler saw it remotely, and only then becomes collectable.
package outbox

import (
	"encoding/json"
	"fmt"
	"sort"

	"stallpos/internal/model"
	"stallpos/internal/store"
)

// Record is implemented by every type embedding model.Envelope.
type Record interface {
	Meta() *model.Envelope
}

// Ref identifies the revision of a record that was pushed.
type Ref struct {
	ID  string
	Rev int64
}

// Queue is the typed view of one record kind in the local store.
type Queue[T any, PT interface {
	*T
	Record
}] struct {
	st   store.Store
	kind model.Kind
}

type (
	Transactions  = Queue[model.Transaction, *model.Transaction]
	VisitorCounts = Queue[model.VisitorCount, *model.VisitorCount]
	Expenses      = Queue[model.Expense, *model.Expense]
)

func New[T any, PT interface {
	*T
	Record
}](st store.Store, kind model.Kind) *Queue[T, PT] {
	return &Queue[T, PT]{st: st, kind: kind}
}

func NewTransactions(st store.Store) *Transactions {
	return New[model.Transaction](st, model.KindTransactions)
}

func NewVisitorCounts(st store.Store) *VisitorCounts {
	return New[model.VisitorCount](st, model.KindVisitorCounts)
}

func NewExpenses(st store.Store) *Expenses {
	return New[model.Expense](st, model.KindExpenses)
}

func (q *Queue[T, PT]) Kind() model.Kind { return q.kind }

// PutOp encodes rec into the op that persists it under its id.
func (q *Queue[T, PT]) PutOp(rec *T) (store.Op, error) {
	meta := PT(rec).Meta()
	if meta.ID == "" {
		return store.Op{}, fmt.Errorf("%s record without id", q.kind)
	}
	return store.PutJSON(store.PendingKey(q.kind, meta.ID), rec)
}

// Get reads one record through r, which may be the reader of an Update.
func (q *Queue[T, PT]) Get(r store.Reader, id string) (T, bool, error) {
	var rec T
	ok, err := store.GetJSON(r, store.PendingKey(q.kind, id), &rec)
	return rec, ok, err
}

// Pending returns every stored record of the kind in creation order.
func (q *Queue[T, PT]) Pending() ([]T, error) {
	return q.All(q.st)
}

// All is Pending read through r, which may be the reader of an Update.
func (q *Queue[T, PT]) All(r store.Reader) ([]T, error) {
	return q.scan(r)
}

// Unsynced returns the records still awaiting remote confirmation, in creation order.
func (q *Queue[T, PT]) Unsynced() ([]T, error) {
	all, err := q.Pending()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for i := range all {
		if !PT(&all[i]).Meta().Synced {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Counts returns the number of stored and of unsynced records.
func (q *Queue[T, PT]) Counts() (pending int, unsynced int, err error) {
	all, err := q.Pending()
	if err != nil {
		return 0, 0, err
	}
	for i := range all {
		if !PT(&all[i]).Meta().Synced {
			unsynced++
		}
	}
	return len(all), unsynced, nil
}

// MarkSynced flips the referenced records to synced. A record whose revision
// moved on since it was pushed is left unsynced so the next pass sees the
// newer revision. Missing records are ignored. It returns how many flipped.
func (q *Queue[T, PT]) MarkSynced(refs ...Ref) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	flipped := 0
	err := q.st.Update(func(r store.Reader) ([]store.Op, error) {
		flipped = 0
		var ops []store.Op
		for _, ref := range refs {
			rec, ok, err := q.Get(r, ref.ID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			meta := PT(&rec).Meta()
			if meta.Synced || meta.Rev != ref.Rev {
				continue
			}
			meta.Synced = true
			op, err := q.PutOp(&rec)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
			flipped++
		}
		return ops, nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark %s synced: %w", q.kind, err)
	}
	return flipped, nil
}

// Collect deletes every synced record and keeps every unsynced one.
func (q *Queue[T, PT]) Collect() (int, error) {
	collected := 0
	err := q.st.Update(func(r store.Reader) ([]store.Op, error) {
		collected = 0
		recs, err := q.scan(r)
		if err != nil {
			return nil, err
		}
		var ops []store.Op
		for i := range recs {
			meta := PT(&recs[i]).Meta()
			if !meta.Synced {
				continue
			}
			ops = append(ops, store.Delete(store.PendingKey(q.kind, meta.ID)))
			collected++
		}
		return ops, nil
	})
	if err != nil {
		return 0, fmt.Errorf("collect %s: %w", q.kind, err)
	}
	return collected, nil
}

func (q *Queue[T, PT]) scan(r store.Reader) ([]T, error) {
	var out []T
	err := r.Scan(store.PendingPrefix(q.kind), func(key string, value []byte) error {
		var rec T
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return PT(&out[i]).Meta().Seq < PT(&out[j]).Meta().Seq
	})
	return out, nil
}
