package reconcile

import (
	"context"
	"fmt"

	"stallpos/internal/changelog"
	"stallpos/internal/model"
	"stallpos/internal/outbox"
	"stallpos/internal/remote"
)

func (e *Engine) ReconcileExpenses(ctx context.Context) Result {
	return e.pass(ctx, model.KindExpenses, e.pushExpenses, e.expenses.Collect)
}

func (e *Engine) pushExpenses(ctx context.Context, res *Result, events *[]changelog.Event) error {
	recs, err := e.expenses.Unsynced()
	if err != nil {
		return fmt.Errorf("load expenses: %w", err)
	}
	res.Scanned = len(recs)
	for _, ex := range recs {
		if ctx.Err() != nil {
			res.Remaining++
			continue
		}
		op, err := e.pushExpense(ctx, ex)
		if err != nil {
			res.Failed++
			res.Remaining++
			e.recordLog(model.KindExpenses, ex.ID).WithError(err).Warn("push expense failed")
			*events = append(*events, e.event(model.KindExpenses, ex.ID, ex.Seq, changelog.OpFailed, err.Error()))
			continue
		}
		n, err := e.expenses.MarkSynced(outbox.Ref{ID: ex.ID, Rev: ex.Rev})
		if err != nil || n == 0 {
			res.Remaining++
			if err != nil {
				e.recordLog(model.KindExpenses, ex.ID).WithError(err).Error("mark expense synced failed")
			}
			continue
		}
		if op == changelog.OpDuplicate {
			res.Duplicates++
		} else {
			res.Pushed++
		}
		*events = append(*events, e.event(model.KindExpenses, ex.ID, ex.Seq, op, ""))
	}
	return nil
}

func (e *Engine) pushExpense(ctx context.Context, ex model.Expense) (changelog.Op, error) {
	rows, err := e.gw.Select(ctx, remote.TableBudgetExpenses, remote.ByID(ex.ID))
	if err != nil {
		return "", fmt.Errorf("existence check: %w", err)
	}
	if len(rows) > 0 {
		return changelog.OpDuplicate, nil
	}
	if err := e.gw.Insert(ctx, remote.TableBudgetExpenses, remote.ExpenseRow(ex)); err != nil {
		if remote.IsDuplicate(err) {
			return changelog.OpDuplicate, nil
		}
		return "", fmt.Errorf("insert: %w", err)
	}
	return changelog.OpPushed, nil
}
