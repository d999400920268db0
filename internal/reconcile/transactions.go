package reconcile

import (
	"context"
	"fmt"

	"stallpos/internal/changelog"
	"stallpos/internal/model"
	"stallpos/internal/outbox"
	"stallpos/internal/remote"
)

func (e *Engine) ReconcileTransactions(ctx context.Context) Result {
	return e.pass(ctx, model.KindTransactions, e.pushTransactions, e.txs.Collect)
}

func (e *Engine) pushTransactions(ctx context.Context, res *Result, events *[]changelog.Event) error {
	recs, err := e.txs.Unsynced()
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	res.Scanned = len(recs)
	if len(recs) == 0 {
		return nil
	}

	menus := e.remoteMenus(ctx, recs)
	for _, tx := range recs {
		if ctx.Err() != nil {
			res.Remaining++
			continue
		}
		op, degraded, err := e.pushTransaction(ctx, tx, menus)
		if err != nil {
			res.Failed++
			res.Remaining++
			e.recordLog(model.KindTransactions, tx.ID).WithError(err).Warn("push transaction failed")
			*events = append(*events, e.event(model.KindTransactions, tx.ID, tx.Seq, changelog.OpFailed, err.Error()))
			continue
		}
		if degraded > 0 {
			res.Degraded += degraded
			*events = append(*events, e.event(model.KindTransactions, tx.ID, tx.Seq, changelog.OpDegraded, fmt.Sprintf("%d line item(s) lost their menu", degraded)))
		}
		n, err := e.txs.MarkSynced(outbox.Ref{ID: tx.ID, Rev: tx.Rev})
		if err != nil {
			// Confirmed remotely; the next pass finds it present.
			res.Remaining++
			e.recordLog(model.KindTransactions, tx.ID).WithError(err).Error("mark transaction synced failed")
			continue
		}
		if n == 0 {
			// Changed locally while in flight; the newer revision goes next pass.
			res.Remaining++
			continue
		}
		if op == changelog.OpDuplicate {
			res.Duplicates++
		} else {
			res.Pushed++
		}
		*events = append(*events, e.event(model.KindTransactions, tx.ID, tx.Seq, op, ""))
	}
	return nil
}

// remoteMenus loads the remote rows of every menu referenced by recs in one
// query. A nil map means the lookup failed and references are left alone.
func (e *Engine) remoteMenus(ctx context.Context, recs []model.Transaction) map[string]remote.Row {
	seen := make(map[string]bool)
	var ids []string
	for _, tx := range recs {
		for _, li := range tx.Items {
			if li.MenuID != nil && !seen[*li.MenuID] {
				seen[*li.MenuID] = true
				ids = append(ids, *li.MenuID)
			}
		}
	}
	out := make(map[string]remote.Row, len(ids))
	if len(ids) == 0 {
		return out
	}
	rows, err := e.gw.Select(ctx, remote.TableMenus, remote.Filter{"id": ids})
	if err != nil {
		e.log.WithError(err).Warn("menu lookup failed; pushing references unchecked")
		return nil
	}
	for _, r := range rows {
		out[remote.AsString(r["id"])] = r
	}
	return out
}

// degrade nulls menu references missing from menus and returns how many it
// dropped. Name and unit price stay as sold.
func degrade(tx model.Transaction, menus map[string]remote.Row) (model.Transaction, int) {
	if menus == nil {
		return tx, 0
	}
	items := make([]model.LineItem, len(tx.Items))
	copy(items, tx.Items)
	n := 0
	for i := range items {
		if items[i].MenuID == nil {
			continue
		}
		if _, ok := menus[*items[i].MenuID]; !ok {
			items[i].MenuID = nil
			n++
		}
	}
	tx.Items = items
	return tx, n
}

func (e *Engine) pushTransaction(ctx context.Context, tx model.Transaction, menus map[string]remote.Row) (changelog.Op, int, error) {
	out, degraded := degrade(tx, menus)

	rows, err := e.gw.Select(ctx, remote.TableTransactions, remote.ByID(tx.ID))
	if err != nil {
		return "", 0, fmt.Errorf("existence check: %w", err)
	}
	if len(rows) > 0 {
		if err := e.completeTransaction(ctx, out, rows[0]); err != nil {
			return "", 0, err
		}
		return changelog.OpDuplicate, degraded, nil
	}

	if err := e.gw.Insert(ctx, remote.TableTransactions, remote.TransactionRow(out)); err != nil {
		if !remote.IsDuplicate(err) {
			return "", 0, fmt.Errorf("insert header: %w", err)
		}
		// Raced with another pusher: finish what it may have left.
		rows, err := e.gw.Select(ctx, remote.TableTransactions, remote.ByID(tx.ID))
		if err != nil {
			return "", 0, fmt.Errorf("re-check after duplicate header: %w", err)
		}
		if len(rows) == 0 {
			return "", 0, fmt.Errorf("header %s reported duplicate but not found", tx.ID)
		}
		if err := e.completeTransaction(ctx, out, rows[0]); err != nil {
			return "", 0, err
		}
		return changelog.OpDuplicate, degraded, nil
	}
	if !out.Cancelled {
		e.applyRemoteStock(ctx, out, menus)
	}
	if len(out.Items) > 0 {
		if err := e.gw.Insert(ctx, remote.TableTransactionItems, remote.LineItemRows(out)...); err != nil {
			return "", 0, fmt.Errorf("insert items: %w", err)
		}
	}
	return changelog.OpPushed, degraded, nil
}

// completeTransaction brings a header already present remotely in line with
// the local record: missing line items are inserted and a local
// cancellation is applied.
func (e *Engine) completeTransaction(ctx context.Context, tx model.Transaction, header remote.Row) error {
	if len(tx.Items) > 0 {
		existing, err := e.gw.Select(ctx, remote.TableTransactionItems, remote.Filter{"transaction_id": tx.ID})
		if err != nil {
			return fmt.Errorf("load items: %w", err)
		}
		have := make(map[string]bool, len(existing))
		for _, r := range existing {
			have[remote.AsString(r["id"])] = true
		}
		var missing []remote.Row
		for _, li := range tx.Items {
			if !have[li.ID] {
				missing = append(missing, remote.LineItemRow(tx.ID, li))
			}
		}
		if len(missing) > 0 {
			if err := e.gw.Insert(ctx, remote.TableTransactionItems, missing...); err != nil && !remote.IsDuplicate(err) {
				return fmt.Errorf("complete items: %w", err)
			}
		}
	}
	if tx.Cancelled && !remote.AsBool(header["cancelled"]) {
		if err := e.gw.Update(ctx, remote.TableTransactions, remote.ByID(tx.ID), remote.Row{"cancelled": true}); err != nil {
			return fmt.Errorf("apply cancellation: %w", err)
		}
	}
	return nil
}

// applyRemoteStock takes sold quantities off tracked remote menus. It runs
// once, right after the header insert; remote stock stays advisory and a
// failure here is only logged. A crash between the header insert and this
// call leaves the decrement unapplied: the next pass takes the duplicate
// path, which does not touch stock, so remote stock can drift high until the
// next menu edit.
func (e *Engine) applyRemoteStock(ctx context.Context, tx model.Transaction, menus map[string]remote.Row) {
	for _, li := range tx.Items {
		if li.MenuID == nil {
			continue
		}
		row, ok := menus[*li.MenuID]
		if !ok || !remote.AsBool(row["track_stock"]) {
			continue
		}
		next := remote.AsInt64(row["stock_quantity"]) - li.Quantity
		if next < 0 {
			next = 0
		}
		if err := e.gw.Update(ctx, remote.TableMenus, remote.ByID(*li.MenuID), remote.Row{"stock_quantity": next}); err != nil {
			e.recordLog(model.KindTransactions, tx.ID).WithError(err).WithField("menu_id", *li.MenuID).Warn("remote stock update failed")
			continue
		}
		row["stock_quantity"] = next
	}
}
