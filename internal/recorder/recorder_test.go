package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stallpos/internal/model"
	"stallpos/internal/outbox"
	"stallpos/internal/store"
)

func newTestRecorder(t *testing.T, menus ...model.Menu) (*Recorder, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := store.SetJSON(st, store.KeyMenus, menus); err != nil {
		t.Fatalf("seed menus: %v", err)
	}
	n := 0
	var mu sync.Mutex
	r := New(st, Options{
		BranchID: "b1",
		Now:      func() time.Time { return time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC) },
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%03d", n)
		},
	})
	return r, st
}

func yakisoba(stock int64) model.Menu {
	return model.Menu{ID: "m1", BranchID: "b1", Name: "Yakisoba", Price: decimal.NewFromInt(500), TrackStock: true, StockQuantity: stock}
}

func ramune() model.Menu {
	return model.Menu{ID: "m2", BranchID: "b1", Name: "Ramune", Price: decimal.RequireFromString("150.5")}
}

func stockOf(t *testing.T, st store.Store, id string) int64 {
	t.Helper()
	menus, err := store.Menus(st)
	if err != nil {
		t.Fatalf("menus: %v", err)
	}
	for _, m := range menus {
		if m.ID == id {
			return m.StockQuantity
		}
	}
	t.Fatalf("menu %s missing", id)
	return 0
}

func TestRecordSale_PersistsAndDecrements(t *testing.T) {
	r, st := newTestRecorder(t, yakisoba(10), ramune())
	tx, err := r.RecordSale(context.Background(), SaleInput{
		Items:         []SaleLine{{MenuID: "m1", Quantity: 2}, {MenuID: "m2", Quantity: 2}},
		PaymentMethod: "cash",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if tx.Synced || tx.OrderNumber != 1 || tx.Seq != 1 || tx.BranchID != "b1" {
		t.Fatalf("unexpected envelope: %+v", tx)
	}
	if !tx.Total.Equal(decimal.RequireFromString("1301")) {
		t.Fatalf("total=%s", tx.Total)
	}
	if stockOf(t, st, "m1") != 8 {
		t.Fatalf("stock not decremented")
	}
	if stockOf(t, st, "m2") != 0 {
		t.Fatalf("untracked stock must not change")
	}

	stored, ok, err := outbox.NewTransactions(st).Get(st, tx.ID)
	if err != nil || !ok {
		t.Fatalf("stored tx missing: ok=%v err=%v", ok, err)
	}
	if stored.Synced || len(stored.Items) != 2 || *stored.Items[0].MenuID != "m1" || stored.Items[1].Name != "Ramune" {
		t.Fatalf("stored tx mismatch: %+v", stored)
	}
}

func TestRecordSale_SequentialDecrements(t *testing.T) {
	r, st := newTestRecorder(t, yakisoba(10))
	for i := 0; i < 2; i++ {
		if _, err := r.RecordSale(context.Background(), SaleInput{
			Items:         []SaleLine{{MenuID: "m1", Quantity: 3}},
			PaymentMethod: "cash",
		}); err != nil {
			t.Fatalf("sale %d: %v", i, err)
		}
	}
	if got := stockOf(t, st, "m1"); got != 4 {
		t.Fatalf("stock=%d want 4", got)
	}
}

func TestRecordSale_ConcurrentDecrementsDoNotLoseUpdates(t *testing.T) {
	r, st := newTestRecorder(t, yakisoba(100))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.RecordSale(context.Background(), SaleInput{
				Items:         []SaleLine{{MenuID: "m1", Quantity: 3}},
				PaymentMethod: "card",
			})
		}()
	}
	wg.Wait()
	if got := stockOf(t, st, "m1"); got != 40 {
		t.Fatalf("stock=%d want 40", got)
	}
	pending, _, _ := outbox.NewTransactions(st).Counts()
	if pending != 20 {
		t.Fatalf("pending=%d want 20", pending)
	}
}

func TestRecordSale_Rejections(t *testing.T) {
	cases := []struct {
		name string
		in   SaleInput
		want error
	}{
		{"unknown menu", SaleInput{Items: []SaleLine{{MenuID: "nope", Quantity: 1}}, PaymentMethod: "cash"}, ErrUnknownMenu},
		{"insufficient stock", SaleInput{Items: []SaleLine{{MenuID: "m1", Quantity: 2}, {MenuID: "m1", Quantity: 2}}, PaymentMethod: "cash"}, ErrInsufficientStock},
		{"no items", SaleInput{PaymentMethod: "cash"}, ErrInvalid},
		{"zero quantity", SaleInput{Items: []SaleLine{{MenuID: "m1"}}, PaymentMethod: "cash"}, ErrInvalid},
		{"bad payment", SaleInput{Items: []SaleLine{{MenuID: "m1", Quantity: 1}}, PaymentMethod: "iou"}, ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, st := newTestRecorder(t, yakisoba(3))
			_, err := r.RecordSale(context.Background(), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
			if stockOf(t, st, "m1") != 3 {
				t.Fatalf("rejected sale must not touch stock")
			}
			pending, _, _ := outbox.NewTransactions(st).Counts()
			if pending != 0 {
				t.Fatalf("rejected sale must not be recorded")
			}
		})
	}
}

func TestValidationFields(t *testing.T) {
	r, _ := newTestRecorder(t)
	_, err := r.RecordVisitors(context.Background(), VisitorInput{})
	fields := ValidationFields(err)
	if fields["Group"] != "required" || fields["Count"] != "ne" {
		t.Fatalf("fields=%v", fields)
	}
}

func TestCancelSale(t *testing.T) {
	r, st := newTestRecorder(t, yakisoba(10))
	tx, err := r.RecordSale(context.Background(), SaleInput{Items: []SaleLine{{MenuID: "m1", Quantity: 4}}, PaymentMethod: "qr"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := r.CancelSale(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !got.Cancelled || got.Rev != 1 {
		t.Fatalf("cancel result: %+v", got)
	}
	if stockOf(t, st, "m1") != 10 {
		t.Fatalf("stock not restored")
	}
	// second cancel is a no-op
	if _, err := r.CancelSale(context.Background(), tx.ID); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if stockOf(t, st, "m1") != 10 {
		t.Fatalf("repeat cancel restored stock twice")
	}

	if _, err := r.CancelSale(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestCancelSale_RefusesSynced(t *testing.T) {
	r, st := newTestRecorder(t, yakisoba(10))
	tx, _ := r.RecordSale(context.Background(), SaleInput{Items: []SaleLine{{MenuID: "m1", Quantity: 1}}, PaymentMethod: "cash"})
	if _, err := outbox.NewTransactions(st).MarkSynced(outbox.Ref{ID: tx.ID, Rev: tx.Rev}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := r.CancelSale(context.Background(), tx.ID); !errors.Is(err, ErrAlreadySynced) {
		t.Fatalf("want ErrAlreadySynced, got %v", err)
	}
}

func TestRecordVisitorsAndExpense(t *testing.T) {
	r, st := newTestRecorder(t)
	vc, err := r.RecordVisitors(context.Background(), VisitorInput{Group: "adults", Count: 3})
	if err != nil {
		t.Fatalf("visitors: %v", err)
	}
	if vc.Count != 3 || vc.CountedAt.IsZero() || vc.Seq != 1 {
		t.Fatalf("visitor record: %+v", vc)
	}
	ex, err := r.RecordExpense(context.Background(), ExpenseInput{Label: "ice", Amount: decimal.NewFromInt(800)})
	if err != nil {
		t.Fatalf("expense: %v", err)
	}
	if ex.Seq != 2 || !ex.SpentAt.Equal(ex.CreatedAt) {
		t.Fatalf("expense record: %+v", ex)
	}
	if _, err := r.RecordExpense(context.Background(), ExpenseInput{Label: "ice", Amount: decimal.Zero}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("zero amount should be invalid, got %v", err)
	}
	_, unsynced, _ := outbox.NewVisitorCounts(st).Counts()
	if unsynced != 1 {
		t.Fatalf("visitor unsynced=%d", unsynced)
	}
}

func TestReplaceMenus_ReappliesPendingSales(t *testing.T) {
	r, st := newTestRecorder(t, yakisoba(10))
	tx1, _ := r.RecordSale(context.Background(), SaleInput{Items: []SaleLine{{MenuID: "m1", Quantity: 2}}, PaymentMethod: "cash"})
	tx2, _ := r.RecordSale(context.Background(), SaleInput{Items: []SaleLine{{MenuID: "m1", Quantity: 5}}, PaymentMethod: "cash"})
	if _, err := r.CancelSale(context.Background(), tx2.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_ = tx1

	remote := yakisoba(20)
	if err := r.ReplaceMenus([]model.Menu{remote, ramune()}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := stockOf(t, st, "m1"); got != 18 {
		t.Fatalf("stock=%d want 18", got)
	}
}

func TestOnRecorded_Notifies(t *testing.T) {
	r, _ := newTestRecorder(t)
	got := make(chan model.Kind, 1)
	r.OnRecorded(func(k model.Kind) { got <- k })
	if _, err := r.RecordVisitors(context.Background(), VisitorInput{Group: "kids", Count: 1}); err != nil {
		t.Fatalf("visitors: %v", err)
	}
	select {
	case k := <-got:
		if k != model.KindVisitorCounts {
			t.Fatalf("kind=%s", k)
		}
	case <-time.After(time.Second):
		t.Fatalf("hook not called")
	}
}

type failingStore struct {
	store.Store
}

func (failingStore) Update(func(store.Reader) ([]store.Op, error)) error {
	return errors.New("disk full")
}

func TestRecordSale_SurfacesLocalWriteFailure(t *testing.T) {
	_, st := newTestRecorder(t, yakisoba(10))
	r := New(failingStore{st}, Options{BranchID: "b1"})
	_, err := r.RecordSale(context.Background(), SaleInput{Items: []SaleLine{{MenuID: "m1", Quantity: 1}}, PaymentMethod: "cash"})
	if err == nil {
		t.Fatalf("local write failure must surface")
	}
}
