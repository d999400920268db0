// Package reconcile pushes outbox records to the remote store and confirms
// them. A pass never aborts on a single record: failures stay unsynced for
// the next pass, successes are marked and later collected.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"stallpos/internal/changelog"
	"stallpos/internal/metrics"
	"stallpos/internal/model"
	"stallpos/internal/outbox"
	"stallpos/internal/remote"
	"stallpos/internal/store"
)

type SkipReason string

const (
	SkipInFlight SkipReason = "in_flight"
	SkipOffline  SkipReason = "offline"
)

// Result summarises one pass over one kind.
type Result struct {
	Kind       model.Kind `json:"kind"`
	Scanned    int        `json:"scanned"`
	Pushed     int        `json:"pushed"`
	Duplicates int        `json:"duplicates"`
	Failed     int        `json:"failed"`
	Degraded   int        `json:"degraded"`
	Buckets    int        `json:"buckets,omitempty"`
	Collected  int        `json:"collected"`
	// Remaining counts records of this batch still unsynced after the pass.
	Remaining      int           `json:"remaining"`
	CursorAdvanced bool          `json:"cursorAdvanced"`
	Skipped        SkipReason    `json:"skipped,omitempty"`
	Err            error         `json:"-"`
	Duration       time.Duration `json:"duration"`
}

// Clean reports a pass that ran and left nothing behind.
func (r Result) Clean() bool {
	return r.Skipped == "" && r.Remaining == 0 && r.Err == nil
}

func (r Result) outcome() string {
	switch {
	case r.Skipped != "":
		return "skipped"
	case r.Clean():
		return "clean"
	default:
		return "partial"
	}
}

// MenuSink receives menu snapshots pulled from the remote store.
type MenuSink interface {
	ReplaceMenus(menus []model.Menu) error
}

type Options struct {
	BranchID      string
	BucketMinutes int
	// KeepSynced disables collection of synced records after a pass.
	KeepSynced bool
	Logger     logrus.FieldLogger
	Journal    changelog.Writer
	Metrics    *metrics.Registry
	Menus      MenuSink
	Now        func() time.Time
}

type Engine struct {
	st       store.Store
	gw       remote.Gateway
	txs      *outbox.Transactions
	visitors *outbox.VisitorCounts
	expenses *outbox.Expenses

	branchID      string
	bucketMinutes int
	gc            bool
	log           logrus.FieldLogger
	journal       changelog.Writer
	metrics       *metrics.Registry
	menus         MenuSink
	now           func() time.Time

	inflight map[model.Kind]*atomic.Bool
}

func New(st store.Store, gw remote.Gateway, opts Options) *Engine {
	e := &Engine{
		st:            st,
		gw:            gw,
		txs:           outbox.NewTransactions(st),
		visitors:      outbox.NewVisitorCounts(st),
		expenses:      outbox.NewExpenses(st),
		branchID:      opts.BranchID,
		bucketMinutes: opts.BucketMinutes,
		gc:            !opts.KeepSynced,
		log:           opts.Logger,
		journal:       opts.Journal,
		metrics:       opts.Metrics,
		menus:         opts.Menus,
		now:           opts.Now,
		inflight:      make(map[model.Kind]*atomic.Bool),
	}
	if e.bucketMinutes <= 0 {
		e.bucketMinutes = 15
	}
	if e.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		e.log = l
	}
	if e.journal == nil {
		e.journal = changelog.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	for _, k := range model.Kinds() {
		e.inflight[k] = &atomic.Bool{}
	}
	return e
}

// Available reports whether a remote store is configured.
func (e *Engine) Available() bool { return e.gw != nil && e.gw.IsConfigured() }

// Reconcile runs one pass for kind.
func (e *Engine) Reconcile(ctx context.Context, kind model.Kind) Result {
	switch kind {
	case model.KindTransactions:
		return e.ReconcileTransactions(ctx)
	case model.KindVisitorCounts:
		return e.ReconcileVisitors(ctx)
	case model.KindExpenses:
		return e.ReconcileExpenses(ctx)
	}
	return Result{Kind: kind, Err: fmt.Errorf("unknown kind %q", kind)}
}

// ReconcileAll runs one pass per kind, one after another. A failing kind
// does not stop the others.
func (e *Engine) ReconcileAll(ctx context.Context) []Result {
	out := make([]Result, 0, len(model.Kinds()))
	for _, k := range model.Kinds() {
		out = append(out, e.Reconcile(ctx, k))
	}
	return out
}

// SyncNow reconciles every kind and then refreshes the menu snapshot,
// ignoring all scheduling gates.
func (e *Engine) SyncNow(ctx context.Context) []Result {
	out := e.ReconcileAll(ctx)
	if _, err := e.PullMenus(ctx, "manual"); err != nil {
		e.log.WithError(err).Warn("menu refresh after manual sync failed")
	}
	return out
}

// Unsynced returns how many records of kind await confirmation.
func (e *Engine) Unsynced(kind model.Kind) (int, error) {
	var (
		n   int
		err error
	)
	switch kind {
	case model.KindTransactions:
		_, n, err = e.txs.Counts()
	case model.KindVisitorCounts:
		_, n, err = e.visitors.Counts()
	case model.KindExpenses:
		_, n, err = e.expenses.Counts()
	default:
		err = fmt.Errorf("unknown kind %q", kind)
	}
	return n, err
}

func (e *Engine) Cursor(kind model.Kind) (time.Time, error) {
	return store.SyncCursor(e.st, kind)
}

// pass wraps a push with the in-flight guard, collection, cursor and
// reporting shared by every kind.
func (e *Engine) pass(ctx context.Context, kind model.Kind, push func(ctx context.Context, res *Result, events *[]changelog.Event) error, collect func() (int, error)) Result {
	res := Result{Kind: kind}
	if !e.Available() {
		res.Skipped = SkipOffline
		return res
	}
	guard := e.inflight[kind]
	if !guard.CompareAndSwap(false, true) {
		res.Skipped = SkipInFlight
		e.log.WithField("kind", kind).Debug("pass already in flight; skipping")
		e.observe(res)
		return res
	}
	defer guard.Store(false)

	start := e.now()
	var events []changelog.Event
	if err := push(ctx, &res, &events); err != nil {
		res.Err = err
	}

	if e.gc {
		n, err := collect()
		if err != nil {
			e.log.WithField("kind", kind).WithError(err).Error("collect synced records failed")
			if res.Err == nil {
				res.Err = err
			}
		}
		res.Collected = n
	}

	if res.Remaining == 0 && res.Err == nil {
		if err := store.SetSyncCursor(e.st, kind, e.now()); err != nil {
			res.Err = fmt.Errorf("advance cursor: %w", err)
		} else {
			res.CursorAdvanced = true
		}
	}
	res.Duration = e.now().Sub(start)

	e.appendJournal(events)
	e.observe(res)
	return res
}

func (e *Engine) event(kind model.Kind, id string, seq int64, op changelog.Op, detail string) changelog.Event {
	return changelog.Event{
		Kind:     kind,
		RecordID: id,
		BranchID: e.branchID,
		Op:       op,
		Seq:      seq,
		TS:       e.now().Unix(),
		Detail:   detail,
	}
}

func (e *Engine) appendJournal(events []changelog.Event) {
	if len(events) == 0 {
		return
	}
	if err := e.journal.Append(events...); err != nil {
		e.log.WithError(err).WithField("events", len(events)).Warn("journal append failed")
		if e.metrics != nil {
			e.metrics.ChangelogFailed.Inc()
		}
		return
	}
	if e.metrics != nil {
		e.metrics.ChangelogAppended.Add(float64(len(events)))
	}
}

func (e *Engine) observe(res Result) {
	fields := logrus.Fields{
		"kind":       res.Kind,
		"scanned":    res.Scanned,
		"pushed":     res.Pushed,
		"duplicates": res.Duplicates,
		"failed":     res.Failed,
		"collected":  res.Collected,
		"remaining":  res.Remaining,
	}
	switch {
	case res.Err != nil:
		e.log.WithFields(fields).WithError(res.Err).Error("reconcile pass hit a local error")
	case res.Skipped != "":
	case res.Remaining > 0:
		e.log.WithFields(fields).Warn("reconcile pass left records unsynced")
	case res.Scanned > 0:
		e.log.WithFields(fields).Info("reconcile pass clean")
	}

	if e.metrics == nil {
		return
	}
	k := string(res.Kind)
	e.metrics.Passes.WithLabelValues(k, res.outcome()).Inc()
	if res.Skipped != "" {
		return
	}
	e.metrics.Pushed.WithLabelValues(k).Add(float64(res.Pushed))
	e.metrics.Duplicates.WithLabelValues(k).Add(float64(res.Duplicates))
	e.metrics.Failures.WithLabelValues(k).Add(float64(res.Failed))
	e.metrics.Collected.WithLabelValues(k).Add(float64(res.Collected))
	e.metrics.Degraded.WithLabelValues(k).Add(float64(res.Degraded))
	e.metrics.Buckets.WithLabelValues(k).Add(float64(res.Buckets))
	e.metrics.PassLatSec.WithLabelValues(k).Observe(res.Duration.Seconds())
	if n, err := e.Unsynced(res.Kind); err == nil {
		e.metrics.Pending.WithLabelValues(k).Set(float64(n))
	}
}

func (e *Engine) recordLog(kind model.Kind, id string) *logrus.Entry {
	return e.log.WithFields(logrus.Fields{"kind": kind, "record_id": id, "branch_id": e.branchID})
}
