package reconcile

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stallpos/internal/changelog"
	"stallpos/internal/model"
	"stallpos/internal/outbox"
	"stallpos/internal/recorder"
	"stallpos/internal/remote"
	"stallpos/internal/scheduler"
	"stallpos/internal/store"
)

type fixture struct {
	st  store.Store
	gw  *remote.MemoryGateway
	rec *recorder.Recorder
	eng *Engine
	jr  *memJournal
	now time.Time
}

type memJournal struct {
	mu     sync.Mutex
	events []changelog.Event
}

func (j *memJournal) Append(evs ...changelog.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, evs...)
	return nil
}

func (j *memJournal) ops(op changelog.Op) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.events {
		if e.Op == op {
			n++
		}
	}
	return n
}

func newFixture(t *testing.T, menus ...model.Menu) *fixture {
	t.Helper()
	f := &fixture{
		st:  store.NewInMemoryStore(),
		gw:  remote.NewMemoryGateway(),
		jr:  &memJournal{},
		now: time.Date(2026, 8, 1, 10, 5, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	if err := store.SetJSON(f.st, store.KeyMenus, menus); err != nil {
		t.Fatalf("seed menus: %v", err)
	}
	for _, m := range menus {
		f.gw.Seed(remote.TableMenus, remote.MenuRow(m))
	}
	n := 0
	var mu sync.Mutex
	f.rec = recorder.New(f.st, recorder.Options{
		BranchID: "b1",
		Now:      clock,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%04d", n)
		},
	})
	f.eng = New(f.st, f.gw, Options{BranchID: "b1", BucketMinutes: 15, Journal: f.jr, Menus: f.rec, Now: clock})
	return f
}

func yakisoba(stock int64) model.Menu {
	return model.Menu{ID: "m1", BranchID: "b1", Name: "Yakisoba", Price: decimal.NewFromInt(500), TrackStock: true, StockQuantity: stock}
}

func (f *fixture) sell(t *testing.T, qty int64) model.Transaction {
	t.Helper()
	tx, err := f.rec.RecordSale(context.Background(), recorder.SaleInput{
		Items:         []recorder.SaleLine{{MenuID: "m1", Quantity: qty}},
		PaymentMethod: "cash",
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	return tx
}

func (f *fixture) tap(t *testing.T, group string, count int64, at time.Time) model.VisitorCount {
	t.Helper()
	f.now = at
	vc, err := f.rec.RecordVisitors(context.Background(), recorder.VisitorInput{Group: group, Count: count})
	if err != nil {
		t.Fatalf("record visitors: %v", err)
	}
	return vc
}

func localTx(t *testing.T, st store.Store, id string) (model.Transaction, bool) {
	t.Helper()
	tx, ok, err := outbox.NewTransactions(st).Get(st, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return tx, ok
}

func TestOfflineSaleThenReconnect(t *testing.T) {
	f := newFixture(t, yakisoba(10))
	f.eng = New(f.st, f.gw, Options{BranchID: "b1", Journal: f.jr, Menus: f.rec, KeepSynced: true, Now: func() time.Time { return f.now }})
	f.gw.SetConfigured(false)

	tx := f.sell(t, 2)
	res := f.eng.ReconcileTransactions(context.Background())
	if res.Skipped != SkipOffline {
		t.Fatalf("offline pass must be skipped, got %+v", res)
	}
	stored, ok := localTx(t, f.st, tx.ID)
	if !ok || stored.Synced || len(stored.Items) != 1 || !stored.Total.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("offline record not intact: %+v", stored)
	}

	f.gw.SetConfigured(true)
	res = f.eng.ReconcileTransactions(context.Background())
	if !res.Clean() || res.Pushed != 1 {
		t.Fatalf("reconnect pass: %+v", res)
	}
	if got := f.gw.CallsTo("insert", remote.TableTransactions); got != 1 {
		t.Fatalf("header inserts=%d want 1", got)
	}
	rows := f.gw.Rows(remote.TableTransactions)
	if len(rows) != 1 || rows[0]["id"] != tx.ID {
		t.Fatalf("remote rows: %+v", rows)
	}
	stored, _ = localTx(t, f.st, tx.ID)
	if !stored.Synced {
		t.Fatalf("record not marked synced")
	}

	collected, err := outbox.NewTransactions(f.st).Collect()
	if err != nil || collected != 1 {
		t.Fatalf("collect=%d err=%v", collected, err)
	}
	if _, ok := localTx(t, f.st, tx.ID); ok {
		t.Fatalf("synced record should be collected")
	}
}

func TestIdempotentPush_HeaderAlreadyRemote(t *testing.T) {
	f := newFixture(t, yakisoba(10))
	tx := f.sell(t, 1)
	// A previous pass inserted the header, then the process died.
	f.gw.Seed(remote.TableTransactions, remote.TransactionRow(tx))

	res := f.eng.ReconcileTransactions(context.Background())
	if !res.Clean() || res.Duplicates != 1 || res.Pushed != 0 {
		t.Fatalf("pass: %+v", res)
	}
	if f.gw.CallsTo("insert", remote.TableTransactions) != 0 {
		t.Fatalf("header re-inserted")
	}
	if len(f.gw.Rows(remote.TableTransactions)) != 1 {
		t.Fatalf("duplicate remote row")
	}
	if len(f.gw.Rows(remote.TableTransactionItems)) != 1 {
		t.Fatalf("missing items should be completed")
	}
	// remote stock is only applied on a first insert
	menus, _ := f.gw.Select(context.Background(), remote.TableMenus, remote.ByID("m1"))
	if remote.AsInt64(menus[0]["stock_quantity"]) != 10 {
		t.Fatalf("duplicate path must not touch remote stock")
	}
}

func TestItemFailureIsCompletedNextPass(t *testing.T) {
	f := newFixture(t, yakisoba(10))
	tx := f.sell(t, 3)
	f.gw.FailTable(remote.TableTransactionItems, "insert")

	res := f.eng.ReconcileTransactions(context.Background())
	if res.Remaining != 1 || res.Failed != 1 || res.CursorAdvanced {
		t.Fatalf("first pass: %+v", res)
	}
	if stored, _ := localTx(t, f.st, tx.ID); stored.Synced {
		t.Fatalf("record with missing items must stay unsynced")
	}

	f.gw.Heal()
	res = f.eng.ReconcileTransactions(context.Background())
	if !res.Clean() || res.Duplicates != 1 {
		t.Fatalf("second pass: %+v", res)
	}
	if len(f.gw.Rows(remote.TableTransactionItems)) != 1 || len(f.gw.Rows(remote.TableTransactions)) != 1 {
		t.Fatalf("remote should hold exactly one header and one item")
	}
	menus, _ := f.gw.Select(context.Background(), remote.TableMenus, remote.ByID("m1"))
	if remote.AsInt64(menus[0]["stock_quantity"]) != 7 {
		t.Fatalf("remote stock=%v want 7", menus[0]["stock_quantity"])
	}
}

func TestNoDataLossUnderRepeatedFailure(t *testing.T) {
	f := newFixture(t, yakisoba(100))
	f.gw.FailTable(remote.TableTransactions, "insert")
	const passes = 4
	var ids []string
	for i := 0; i < passes; i++ {
		ids = append(ids, f.sell(t, 1).ID)
		res := f.eng.ReconcileTransactions(context.Background())
		if res.Remaining != i+1 || res.CursorAdvanced {
			t.Fatalf("pass %d: %+v", i, res)
		}
	}
	for _, id := range ids {
		if stored, ok := localTx(t, f.st, id); !ok || stored.Synced {
			t.Fatalf("record %s lost or wrongly synced", id)
		}
	}

	f.gw.Heal()
	res := f.eng.ReconcileTransactions(context.Background())
	if !res.Clean() || res.Pushed != passes || res.Collected != passes || !res.CursorAdvanced {
		t.Fatalf("recovery pass: %+v", res)
	}
	if len(f.gw.Rows(remote.TableTransactions)) != passes {
		t.Fatalf("remote rows=%d", len(f.gw.Rows(remote.TableTransactions)))
	}
}

func TestFailureIsIsolatedPerRecord(t *testing.T) {
	f := newFixture(t, yakisoba(100))
	bad := f.sell(t, 1)
	good := f.sell(t, 1)
	f.gw.FailWhen(func(c remote.Call) error {
		if c.Op == "insert" && c.Table == remote.TableTransactions && c.Rows[0]["id"] == bad.ID {
			return remote.ErrInjected
		}
		return nil
	})
	res := f.eng.ReconcileTransactions(context.Background())
	if res.Pushed != 1 || res.Failed != 1 || res.Remaining != 1 || res.Collected != 1 {
		t.Fatalf("pass: %+v", res)
	}
	if _, ok := localTx(t, f.st, good.ID); ok {
		t.Fatalf("good record should be collected")
	}
	if stored, ok := localTx(t, f.st, bad.ID); !ok || stored.Synced {
		t.Fatalf("failed record must survive unsynced")
	}
	if f.jr.ops(changelog.OpFailed) != 1 || f.jr.ops(changelog.OpPushed) != 1 {
		t.Fatalf("journal: %+v", f.jr.events)
	}
}

func TestDanglingMenuIsDegraded(t *testing.T) {
	f := newFixture(t, yakisoba(10))
	tx := f.sell(t, 2)
	if err := f.gw.Delete(context.Background(), remote.TableMenus, remote.ByID("m1")); err != nil {
		t.Fatalf("delete menu: %v", err)
	}
	res := f.eng.ReconcileTransactions(context.Background())
	if !res.Clean() || res.Degraded != 1 || res.Pushed != 1 {
		t.Fatalf("pass: %+v", res)
	}
	items := f.gw.Rows(remote.TableTransactionItems)
	if len(items) != 1 || items[0]["menu_id"] != nil || items[0]["name"] != "Yakisoba" || items[0]["unit_price"] != "500.00" {
		t.Fatalf("item not degraded to snapshot: %+v", items)
	}
	if items[0]["transaction_id"] != tx.ID {
		t.Fatalf("item lost its transaction")
	}
	if f.jr.ops(changelog.OpDegraded) != 1 {
		t.Fatalf("degraded event missing")
	}
}

func TestCancelledWhilePushedIsPatched(t *testing.T) {
	f := newFixture(t, yakisoba(10))
	tx := f.sell(t, 2)
	// Header reached the remote but the local flag did not flip.
	f.gw.Seed(remote.TableTransactions, remote.TransactionRow(tx))
	if _, err := f.rec.CancelSale(context.Background(), tx.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	res := f.eng.ReconcileTransactions(context.Background())
	if !res.Clean() {
		t.Fatalf("pass: %+v", res)
	}
	rows := f.gw.Rows(remote.TableTransactions)
	if !remote.AsBool(rows[0]["cancelled"]) {
		t.Fatalf("remote header not cancelled")
	}
}

func TestCoalescing_TwoBucketsFromThreeTaps(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	f.tap(t, "group1", 3, base.Add(5*time.Minute))
	f.tap(t, "group1", 2, base.Add(12*time.Minute))
	f.tap(t, "group1", 1, base.Add(16*time.Minute))

	res := f.eng.ReconcileVisitors(context.Background())
	if !res.Clean() || res.Buckets != 2 || res.Pushed != 3 {
		t.Fatalf("pass: %+v", res)
	}
	if got := f.gw.CallsTo("insert", remote.TableVisitorCounts); got != 2 {
		t.Fatalf("inserts=%d want 2", got)
	}
	rows := f.gw.Rows(remote.TableVisitorCounts)
	got := map[string]int64{}
	for _, r := range rows {
		b, err := remote.VisitorBucketFromRow(r)
		if err != nil {
			t.Fatalf("row: %v", err)
		}
		if b.Group != "group1" {
			t.Fatalf("group=%s", b.Group)
		}
		got[b.Start.Format("15:04")] = b.Count
	}
	if len(got) != 2 || got["10:00"] != 5 || got["10:15"] != 1 {
		t.Fatalf("buckets=%v", got)
	}
}

func TestCoalesce_DeterministicOrder(t *testing.T) {
	at := func(m int) time.Time { return time.Date(2026, 8, 1, 10, m, 0, 0, time.UTC) }
	recs := []model.VisitorCount{
		{Envelope: model.Envelope{ID: "c", BranchID: "b1", Seq: 3}, Group: "kids", Count: 1, CountedAt: at(1)},
		{Envelope: model.Envelope{ID: "a", BranchID: "b1", Seq: 1}, Group: "adults", Count: 1, CountedAt: at(20)},
		{Envelope: model.Envelope{ID: "b", BranchID: "b1", Seq: 2}, Group: "adults", Count: 4, CountedAt: at(2)},
	}
	got := Coalesce(recs, 15)
	if len(got) != 3 || got[0].Group != "adults" || got[1].Group != "kids" || got[2].Start != at(15) {
		t.Fatalf("order: %+v", got)
	}
	if got[0].Row().ID != Coalesce(recs, 15)[0].Row().ID {
		t.Fatalf("bucket id must be stable")
	}
}

func TestBucketFailureLeavesContributorsUnsynced(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	f.tap(t, "adults", 1, base.Add(time.Minute))
	f.tap(t, "adults", 1, base.Add(2*time.Minute))
	f.tap(t, "kids", 1, base.Add(3*time.Minute))
	f.gw.FailWhen(func(c remote.Call) error {
		if c.Op == "insert" && c.Table == remote.TableVisitorCounts && c.Rows[0]["group_name"] == "adults" {
			return remote.ErrInjected
		}
		return nil
	})
	res := f.eng.ReconcileVisitors(context.Background())
	if res.Remaining != 2 || res.Pushed != 1 || res.Failed != 2 {
		t.Fatalf("pass: %+v", res)
	}
	left, _ := outbox.NewVisitorCounts(f.st).Unsynced()
	if len(left) != 2 || left[0].Group != "adults" || left[1].Group != "adults" {
		t.Fatalf("contributors not preserved: %+v", left)
	}
}

func TestBucketAlreadyRemoteIsConfirmedAndRemainderPushed(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	a := f.tap(t, "adults", 2, base.Add(time.Minute))
	b := f.tap(t, "adults", 3, base.Add(2*time.Minute))

	// A previous pass inserted [a b] and died before marking them.
	prior := Coalesce([]model.VisitorCount{a, b}, 15)[0].Row()
	row, _ := remote.VisitorBucketRow(prior, f.now)
	f.gw.Seed(remote.TableVisitorCounts, row)

	c := f.tap(t, "adults", 4, base.Add(3*time.Minute))
	res := f.eng.ReconcileVisitors(context.Background())
	if !res.Clean() || res.Duplicates != 2 || res.Pushed != 1 || res.Buckets != 1 {
		t.Fatalf("pass: %+v", res)
	}
	rows := f.gw.Rows(remote.TableVisitorCounts)
	if len(rows) != 2 {
		t.Fatalf("remote rows=%d want 2", len(rows))
	}
	var total int64
	for _, r := range rows {
		vb, _ := remote.VisitorBucketFromRow(r)
		total += vb.Count
		if vb.ID != prior.ID && (len(vb.SourceIDs) != 1 || vb.SourceIDs[0] != c.ID) {
			t.Fatalf("remainder bucket sources: %v", vb.SourceIDs)
		}
	}
	if total != 9 {
		t.Fatalf("total=%d want 9", total)
	}
}

func TestCursorAdvancesOnlyOnCleanPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.eng.ReconcileExpenses(ctx)
	if !res.CursorAdvanced {
		t.Fatalf("empty pass should advance cursor: %+v", res)
	}
	first, _ := f.eng.Cursor(model.KindExpenses)
	if !first.Equal(f.now) {
		t.Fatalf("cursor=%v", first)
	}

	if _, err := f.rec.RecordExpense(ctx, recorder.ExpenseInput{Label: "ice", Amount: decimal.NewFromInt(300)}); err != nil {
		t.Fatalf("expense: %v", err)
	}
	f.gw.FailNext(1)
	f.now = f.now.Add(time.Hour)
	res = f.eng.ReconcileExpenses(ctx)
	if res.CursorAdvanced || res.Remaining != 1 {
		t.Fatalf("failed pass: %+v", res)
	}
	if cur, _ := f.eng.Cursor(model.KindExpenses); !cur.Equal(first) {
		t.Fatalf("cursor moved on a failed pass")
	}

	res = f.eng.ReconcileExpenses(ctx)
	if !res.Clean() || !res.CursorAdvanced || res.Pushed != 1 {
		t.Fatalf("recovery pass: %+v", res)
	}
}

func TestKindsAreIndependent(t *testing.T) {
	f := newFixture(t, yakisoba(10))
	f.sell(t, 1)
	f.tap(t, "adults", 1, f.now)
	f.gw.FailTable(remote.TableVisitorCounts, "")

	results := f.eng.ReconcileAll(context.Background())
	byKind := map[model.Kind]Result{}
	for _, r := range results {
		byKind[r.Kind] = r
	}
	if !byKind[model.KindTransactions].Clean() {
		t.Fatalf("transactions blocked by visitor failure: %+v", byKind[model.KindTransactions])
	}
	if byKind[model.KindVisitorCounts].Remaining != 1 {
		t.Fatalf("visitors: %+v", byKind[model.KindVisitorCounts])
	}
}

// blockingGateway parks the first Select until released.
type blockingGateway struct {
	*remote.MemoryGateway
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *blockingGateway) Select(ctx context.Context, table string, f remote.Filter) ([]remote.Row, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.MemoryGateway.Select(ctx, table, f)
}

func TestInFlightGuardSkipsOverlappingPass(t *testing.T) {
	f := newFixture(t)
	bg := &blockingGateway{MemoryGateway: f.gw, entered: make(chan struct{}), release: make(chan struct{})}
	eng := New(f.st, bg, Options{BranchID: "b1", Now: func() time.Time { return f.now }})
	if _, err := f.rec.RecordExpense(context.Background(), recorder.ExpenseInput{Label: "gas", Amount: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("expense: %v", err)
	}

	done := make(chan Result)
	go func() { done <- eng.ReconcileExpenses(context.Background()) }()
	<-bg.entered

	if res := eng.ReconcileExpenses(context.Background()); res.Skipped != SkipInFlight {
		t.Fatalf("overlapping pass should be skipped: %+v", res)
	}
	if res := eng.ReconcileTransactions(context.Background()); res.Skipped != "" {
		t.Fatalf("other kinds must not be guarded: %+v", res)
	}
	close(bg.release)
	if res := <-done; !res.Clean() || res.Pushed != 1 {
		t.Fatalf("first pass: %+v", res)
	}
}

// holdGateway blocks the first Select after hold until the returned release
// channel is closed.
type holdGateway struct {
	*remote.MemoryGateway
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func (g *holdGateway) hold() (entered, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entered, g.release = make(chan struct{}), make(chan struct{})
	return g.entered, g.release
}

func (g *holdGateway) Select(ctx context.Context, table string, f remote.Filter) ([]remote.Row, error) {
	g.mu.Lock()
	entered, release := g.entered, g.release
	g.entered, g.release = nil, nil
	g.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	return g.MemoryGateway.Select(ctx, table, f)
}

func TestManualPassDuringScheduledRetry(t *testing.T) {
	f := newFixture(t)
	hg := &holdGateway{MemoryGateway: f.gw}
	eng := New(f.st, hg, Options{BranchID: "b1", Now: func() time.Time { return f.now }})
	if _, err := f.rec.RecordExpense(context.Background(), recorder.ExpenseInput{Label: "ice", Amount: decimal.NewFromInt(300)}); err != nil {
		t.Fatalf("expense: %v", err)
	}

	clock := scheduler.NewFakeClock(f.now)
	loop := scheduler.NewLoop(eng.ForKind(model.KindExpenses), scheduler.Options{Name: "expenses", Clock: clock, RetryDelay: 30 * time.Second})
	f.gw.FailTable(remote.TableBudgetExpenses, "insert")
	loop.Trigger(scheduler.ReasonRecorded)
	if loop.State() != scheduler.RetryScheduled {
		t.Fatalf("state=%v", loop.State())
	}

	entered, release := hg.hold()
	manual := make(chan Result)
	go func() { manual <- eng.ReconcileExpenses(context.Background()) }()
	<-entered

	// The retry lands while the manual pass holds the guard.
	clock.Advance(30 * time.Second)
	if loop.State() != scheduler.RetryScheduled || clock.Pending() != 1 {
		t.Fatalf("retry abandoned: state=%v pending=%d", loop.State(), clock.Pending())
	}

	close(release)
	if res := <-manual; res.Failed != 1 {
		t.Fatalf("manual pass should have failed: %+v", res)
	}

	f.gw.Heal()
	clock.Advance(30 * time.Second)
	if loop.State() != scheduler.Idle {
		t.Fatalf("state=%v", loop.State())
	}
	if n, _ := eng.Unsynced(model.KindExpenses); n != 0 {
		t.Fatalf("unsynced=%d after retry", n)
	}
	if rows := f.gw.Rows(remote.TableBudgetExpenses); len(rows) != 1 {
		t.Fatalf("remote rows=%d", len(rows))
	}
}

func TestPullMenusReappliesPendingSales(t *testing.T) {
	f := newFixture(t, yakisoba(10))
	f.sell(t, 4)
	if err := f.gw.Update(context.Background(), remote.TableMenus, remote.ByID("m1"), remote.Row{"stock_quantity": int64(30)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	n, err := f.eng.PullMenus(context.Background(), "poll")
	if err != nil || n != 1 {
		t.Fatalf("pull n=%d err=%v", n, err)
	}
	menus, _ := store.Menus(f.st)
	if menus[0].StockQuantity != 26 {
		t.Fatalf("stock=%d want 26", menus[0].StockQuantity)
	}

	f.gw.SetConfigured(false)
	if n, err := f.eng.PullMenus(context.Background(), "poll"); n != 0 || err != nil {
		t.Fatalf("offline pull should be a no-op: n=%d err=%v", n, err)
	}
}

func TestRemoteReadsForReports(t *testing.T) {
	f := newFixture(t, yakisoba(10))
	tx := f.sell(t, 2)
	f.tap(t, "adults", 2, f.now)
	f.eng.ReconcileAll(context.Background())

	txs, err := f.eng.RemoteTransactions(context.Background())
	if err != nil || len(txs) != 1 || txs[0].ID != tx.ID || len(txs[0].Items) != 1 {
		t.Fatalf("remote txs=%+v err=%v", txs, err)
	}
	buckets, err := f.eng.RemoteVisitorBuckets(context.Background())
	if err != nil || len(buckets) != 1 || buckets[0].Count != 2 {
		t.Fatalf("remote buckets=%+v err=%v", buckets, err)
	}
}

func TestCollectNeverDropsUnconfirmedRecords(t *testing.T) {
	f := newFixture(t, yakisoba(1000))
	rng := rand.New(rand.NewSource(42))
	f.gw.FailWhen(func(c remote.Call) error {
		if rng.Intn(3) == 0 {
			return remote.ErrInjected
		}
		return nil
	})

	recorded := map[string]bool{}
	for pass := 0; pass < 30; pass++ {
		for i := rng.Intn(3); i > 0; i-- {
			recorded[f.sell(t, 1).ID] = true
		}
		f.eng.ReconcileTransactions(context.Background())

		remoteIDs := map[string]bool{}
		for _, r := range f.gw.Rows(remote.TableTransactions) {
			remoteIDs[remote.AsString(r["id"])] = true
		}
		for id := range recorded {
			stored, ok := localTx(t, f.st, id)
			if !ok && !remoteIDs[id] {
				t.Fatalf("pass %d: record %s neither local nor remote", pass, id)
			}
			if ok && stored.Synced && !remoteIDs[id] {
				t.Fatalf("pass %d: record %s marked synced without a remote header", pass, id)
			}
		}
	}

	f.gw.Heal()
	for i := 0; i < 2; i++ {
		f.eng.ReconcileTransactions(context.Background())
	}
	if n, _ := f.eng.Unsynced(model.KindTransactions); n != 0 {
		t.Fatalf("unsynced after recovery: %d", n)
	}
	if got := len(f.gw.Rows(remote.TableTransactions)); got != len(recorded) {
		t.Fatalf("remote headers=%d recorded=%d", got, len(recorded))
	}
	items := map[string]int{}
	for _, r := range f.gw.Rows(remote.TableTransactionItems) {
		items[remote.AsString(r["transaction_id"])]++
	}
	for id := range recorded {
		if items[id] != 1 {
			t.Fatalf("transaction %s has %d items", id, items[id])
		}
	}
}

func TestVisitorReportIsPartialUntilRemoteAnswers(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	f.tap(t, "adults", 3, time.Date(2026, 8, 1, 10, 2, 0, 0, time.UTC))
	f.tap(t, "adults", 2, time.Date(2026, 8, 1, 10, 20, 0, 0, time.UTC))
	f.tap(t, "kids", 1, time.Date(2026, 8, 1, 10, 21, 0, 0, time.UTC))
	ctx := context.Background()

	f.gw.SetConfigured(false)
	rep, err := f.eng.VisitorReport(ctx, day, 15, "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !rep.Partial || rep.Total != 6 || len(rep.Buckets) != 2 || rep.Buckets[1].Label != "10:15" {
		t.Fatalf("offline report: %+v", rep)
	}

	f.gw.SetConfigured(true)
	if res := f.eng.ReconcileVisitors(ctx); res.Err != nil || res.Remaining != 0 {
		t.Fatalf("reconcile: %+v", res)
	}
	rep, err = f.eng.VisitorReport(ctx, day, 15, "adults")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.Partial || rep.Total != 5 {
		t.Fatalf("confirmed report: %+v", rep)
	}

	f.gw.FailTable(remote.TableVisitorCounts, "select")
	rep, err = f.eng.VisitorReport(ctx, day, 60, "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !rep.Partial {
		t.Fatalf("failed remote read must mark the report partial: %+v", rep)
	}
}

func TestMenuSalesReportMergesAndProjects(t *testing.T) {
	f := newFixture(t, yakisoba(10))
	ctx := context.Background()
	f.sell(t, 2)
	if res := f.eng.ReconcileTransactions(ctx); res.Pushed != 1 {
		t.Fatalf("reconcile: %+v", res)
	}
	f.sell(t, 1)

	rep, err := f.eng.MenuSalesReport(ctx, f.now, time.Hour)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.Partial || len(rep.Menus) != 1 || rep.Menus[0].Quantity != 3 {
		t.Fatalf("menus: %+v", rep)
	}
	if rep.Totals.Transactions != 2 || !rep.Totals.Revenue.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("totals: %+v", rep.Totals)
	}
	if len(rep.Projections) != 1 || rep.Projections[0].MenuID != "m1" {
		t.Fatalf("projections: %+v", rep.Projections)
	}
}
