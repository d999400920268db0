package reconcile

import (
	"context"
	"time"

	"stallpos/internal/aggregate"
	"stallpos/internal/model"
	"stallpos/internal/store"
)

type VisitorReport struct {
	BucketMinutes int                `json:"bucketMinutes"`
	Day           string             `json:"day"`
	Buckets       []aggregate.Bucket `json:"buckets"`
	Total         int64              `json:"total"`
	// Partial is set when the remote rows could not be read.
	Partial bool `json:"partial"`
}

// VisitorReport merges confirmed remote buckets with local taps for one UTC
// day. An empty group reports every group. Offline, or when the remote read
// fails, the report covers local taps only and is marked partial.
func (e *Engine) VisitorReport(ctx context.Context, day time.Time, minutes int, group string) (VisitorReport, error) {
	if minutes <= 0 {
		minutes = aggregate.DefaultBucketMinutes
	}
	local, err := e.LocalVisitorCounts()
	if err != nil {
		return VisitorReport{}, err
	}
	remoteRows, partial := []model.VisitorBucket(nil), true
	if e.Available() {
		if remoteRows, err = e.RemoteVisitorBuckets(ctx); err != nil {
			e.log.WithError(err).Warn("remote visitor read failed; reporting local taps only")
			remoteRows = nil
		} else {
			partial = false
		}
	}

	var points []aggregate.Point
	for _, p := range aggregate.MergeVisitors(local, remoteRows) {
		if aggregate.SameDay(p.At, day) {
			points = append(points, p)
		}
	}
	if group != "" {
		points = aggregate.FilterGroup(points, group)
	}
	rep := VisitorReport{
		BucketMinutes: minutes,
		Day:           day.UTC().Format("2006-01-02"),
		Buckets:       aggregate.Windowed(points, minutes),
		Partial:       partial,
	}
	for _, b := range rep.Buckets {
		rep.Total += b.Total
	}
	if rep.Buckets == nil {
		rep.Buckets = []aggregate.Bucket{}
	}
	return rep, nil
}

type MenuSalesReport struct {
	Day         string                 `json:"day"`
	Menus       []aggregate.MenuSales  `json:"menus"`
	Totals      aggregate.Totals       `json:"totals"`
	Projections []aggregate.Projection `json:"projections"`
	Partial     bool                   `json:"partial"`
}

// MenuSalesReport totals one UTC day's sales per menu and projects sell-out
// for stock-tracked menus over the last window.
func (e *Engine) MenuSalesReport(ctx context.Context, day time.Time, window time.Duration) (MenuSalesReport, error) {
	local, err := e.LocalTransactions()
	if err != nil {
		return MenuSalesReport{}, err
	}
	remoteRows, partial := []model.Transaction(nil), true
	if e.Available() {
		if remoteRows, err = e.RemoteTransactions(ctx); err != nil {
			e.log.WithError(err).Warn("remote transaction read failed; reporting local sales only")
			remoteRows = nil
		} else {
			partial = false
		}
	}
	txs := aggregate.MergeTransactions(local, remoteRows)

	menus, err := store.Menus(e.st)
	if err != nil {
		return MenuSalesReport{}, err
	}
	rep := MenuSalesReport{
		Day:         day.UTC().Format("2006-01-02"),
		Menus:       aggregate.TodayMenuSales(txs, day),
		Totals:      aggregate.DayTotals(txs, day),
		Projections: []aggregate.Projection{},
		Partial:     partial,
	}
	now := e.now()
	for _, m := range menus {
		if m.TrackStock {
			rep.Projections = append(rep.Projections, aggregate.SelloutProjection(m, txs, now, window))
		}
	}
	if rep.Menus == nil {
		rep.Menus = []aggregate.MenuSales{}
	}
	return rep, nil
}
