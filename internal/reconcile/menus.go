package reconcile

import (
	"context"
	"fmt"

	"stallpos/internal/model"
	"stallpos/internal/remote"
)

// PullMenus replaces the local menu snapshot with the branch's remote menus.
// It is a no-op offline and when the remote has no menus for the branch.
// source labels the trigger in metrics.
func (e *Engine) PullMenus(ctx context.Context, source string) (int, error) {
	if !e.Available() || e.menus == nil {
		return 0, nil
	}
	rows, err := e.gw.Select(ctx, remote.TableMenus, remote.Filter{"branch_id": e.branchID})
	if err != nil {
		return 0, fmt.Errorf("pull menus: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	menus := make([]model.Menu, 0, len(rows))
	for _, r := range rows {
		m, err := remote.MenuFromRow(r)
		if err != nil {
			return 0, err
		}
		menus = append(menus, m)
	}
	if err := e.menus.ReplaceMenus(menus); err != nil {
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.MenuRefreshes.WithLabelValues(source).Inc()
	}
	e.log.WithField("menus", len(menus)).WithField("source", source).Debug("menu snapshot refreshed")
	return len(menus), nil
}

// RemoteVisitorBuckets returns the branch's confirmed visitor rows.
func (e *Engine) RemoteVisitorBuckets(ctx context.Context) ([]model.VisitorBucket, error) {
	if !e.Available() {
		return nil, remote.ErrNotConfigured
	}
	rows, err := e.gw.Select(ctx, remote.TableVisitorCounts, remote.Filter{"branch_id": e.branchID})
	if err != nil {
		return nil, err
	}
	out := make([]model.VisitorBucket, 0, len(rows))
	for _, r := range rows {
		b, err := remote.VisitorBucketFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// RemoteTransactions returns the branch's confirmed sales with their items.
func (e *Engine) RemoteTransactions(ctx context.Context) ([]model.Transaction, error) {
	if !e.Available() {
		return nil, remote.ErrNotConfigured
	}
	headers, err := e.gw.Select(ctx, remote.TableTransactions, remote.Filter{"branch_id": e.branchID})
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, nil
	}
	ids := make([]string, len(headers))
	for i, h := range headers {
		ids[i] = remote.AsString(h["id"])
	}
	itemRows, err := e.gw.Select(ctx, remote.TableTransactionItems, remote.Filter{"transaction_id": ids})
	if err != nil {
		return nil, err
	}
	byTx := make(map[string][]remote.Row)
	for _, r := range itemRows {
		id := remote.AsString(r["transaction_id"])
		byTx[id] = append(byTx[id], r)
	}
	out := make([]model.Transaction, 0, len(headers))
	for _, h := range headers {
		tx, err := remote.TransactionFromRows(h, byTx[remote.AsString(h["id"])])
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// LocalTransactions returns every sale still held locally, synced or not.
func (e *Engine) LocalTransactions() ([]model.Transaction, error) { return e.txs.Pending() }

// LocalVisitorCounts returns every tap still held locally, synced or not.
func (e *Engine) LocalVisitorCounts() ([]model.VisitorCount, error) { return e.visitors.Pending() }
