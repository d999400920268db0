package store

import (
	"sync"
	"testing"
)

func TestInMemoryStore_ConcurrentCounterUpdates(t *testing.T) {
	s := NewInMemoryStore()
	var wg sync.WaitGroup
	workers, iters := 4, 250

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				err := s.Update(func(r Reader) ([]Op, error) {
					_, op, err := NextCounter(r, KeySeqCounter)
					return []Op{op}, err
				})
				if err != nil {
					t.Errorf("update err: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var last int64
	err := s.Update(func(r Reader) ([]Op, error) {
		n, _, err := NextCounter(r, KeySeqCounter)
		last = n - 1
		return nil, err
	})
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if last != int64(workers*iters) {
		t.Fatalf("lost updates: counter=%d want=%d", last, workers*iters)
	}
}
