package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"stallpos/internal/config"
	"stallpos/internal/model"
	"stallpos/internal/recorder"
	"stallpos/internal/remote"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BranchID = "b1"
	cfg.DataDir = t.TempDir()
	cfg.Remote.Mode = "memory"
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestOpenPebbleWithFileJournal(t *testing.T) {
	cfg := testConfig(t)
	a, err := Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.Recorder.ReplaceMenus([]model.Menu{{ID: "m1", BranchID: "b1", Name: "Tea", Price: decimal.NewFromInt(200)}}); err != nil {
		t.Fatalf("menus: %v", err)
	}
	if _, err := a.Recorder.RecordSale(context.Background(), recorder.SaleInput{
		Items:         []recorder.SaleLine{{MenuID: "m1", Quantity: 1}},
		PaymentMethod: "cash",
	}); err != nil {
		t.Fatalf("sale: %v", err)
	}
	res := a.Engine.Reconcile(context.Background(), model.KindTransactions)
	if res.Err != nil || res.Pushed != 1 {
		t.Fatalf("reconcile: %+v", res)
	}
	if got := len(a.Gateway.(*remote.MemoryGateway).Rows(remote.TableTransactions)); got != 1 {
		t.Fatalf("remote rows=%d", got)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(a.JournalPath())
	if err != nil || info.Size() == 0 {
		t.Fatalf("journal not written: %v", err)
	}

	// Reopen sees the same store.
	b, err := Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	menus, err := b.Recorder.Menus()
	if err != nil || len(menus) != 1 {
		t.Fatalf("menus after reopen: %v %v", menus, err)
	}
}

func TestOpenOfflineRemote(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = "memory"
	cfg.Remote.Mode = "off"
	cfg.Journal.Sink = "off"
	a, err := Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Engine.Available() {
		t.Fatalf("remote off must not be available")
	}
	if a.JournalPath() != "" {
		t.Fatalf("journal path with sink off: %q", a.JournalPath())
	}
}

func TestOpenRejectsUnknownModes(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"store":   func(c *config.Config) { c.Store = "sqlite" },
		"journal": func(c *config.Config) { c.Journal.Sink = "syslog" },
		"remote":  func(c *config.Config) { c.Remote.Mode = "postgres" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mut(&cfg)
			if a, err := Open(context.Background(), cfg, quietLogger()); err == nil {
				a.Close()
				t.Fatalf("expected error")
			}
		})
	}
}

func TestBackupsThenRestorer(t *testing.T) {
	cfg := testConfig(t)
	a, err := Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if _, err := a.Recorder.RecordVisitors(context.Background(), recorder.VisitorInput{Group: "adults", Count: 2}); err != nil {
		t.Fatalf("visitors: %v", err)
	}
	m, err := a.Backups().Backup()
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if m.Unsynced != 1 || m.BranchID != "b1" {
		t.Fatalf("manifest=%+v", m)
	}
	if _, err := a.Restorer().RestoreLatest(false); err == nil {
		t.Fatalf("restore onto a non-empty store must be refused")
	}
	res, err := a.Restorer().RestoreLatest(true)
	if err != nil || res.Manifest.SnapshotID != m.SnapshotID {
		t.Fatalf("forced restore: %+v %v", res, err)
	}
}

func TestOpenBadgerStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = "badger"
	a, err := Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := a.Recorder.RecordExpense(context.Background(), recorder.ExpenseInput{Label: "ice", Amount: decimal.NewFromInt(300)}); err != nil {
		t.Fatalf("expense: %v", err)
	}
	if n, err := a.Engine.Unsynced(model.KindExpenses); err != nil || n != 1 {
		t.Fatalf("unsynced=%d err=%v", n, err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenWithUnreachableMySQLStaysUsable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.Mode = "mysql"
	cfg.Remote.Host = "127.0.0.1"
	cfg.Remote.Port = "1"
	cfg.Remote.User = "pos"
	cfg.Remote.Name = "pos"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	a, err := Open(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("open waited on the remote for %s", elapsed)
	}

	if _, err := a.Recorder.RecordExpense(ctx, recorder.ExpenseInput{Label: "ice", Amount: decimal.NewFromInt(300)}); err != nil {
		t.Fatalf("expense while remote is down: %v", err)
	}
	res := a.Engine.Reconcile(ctx, model.KindExpenses)
	if res.Failed != 1 || res.Remaining != 1 {
		t.Fatalf("push to an unreachable remote should fail and stay queued: %+v", res)
	}
	if n, _ := a.Engine.Unsynced(model.KindExpenses); n != 1 {
		t.Fatalf("unsynced=%d", n)
	}
	if err := a.Gateway.(*remote.GormGateway).Ping(ctx); err == nil {
		t.Fatalf("ping should fail against a closed port")
	}
}
