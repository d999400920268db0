// Package recorder turns register actions into pending records. Every call
// persists locally before returning and never touches the network.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"stallpos/internal/changelog"
	"stallpos/internal/model"
	"stallpos/internal/outbox"
	"stallpos/internal/store"
)

var (
	ErrInvalid           = errors.New("invalid input")
	ErrUnknownMenu       = errors.New("unknown menu")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadySynced     = errors.New("record already synced")
	ErrNotFound          = errors.New("record not found")
)

type SaleLine struct {
	MenuID   string `json:"menuId" validate:"required"`
	Quantity int64  `json:"quantity" validate:"gt=0"`
}

type SaleInput struct {
	Items         []SaleLine `json:"items" validate:"required,min=1,dive"`
	PaymentMethod string     `json:"paymentMethod" validate:"required,oneof=cash card qr other"`
}

type VisitorInput struct {
	Group string `json:"group" validate:"required,max=64"`
	Count int64  `json:"count" validate:"ne=0"`
}

type ExpenseInput struct {
	Label    string          `json:"label" validate:"required,max=128"`
	Category string          `json:"category" validate:"max=64"`
	Amount   decimal.Decimal `json:"amount"`
	SpentAt  time.Time       `json:"spentAt"`
}

type Options struct {
	BranchID string
	Logger   logrus.FieldLogger
	Journal  changelog.Writer
	Now      func() time.Time
	NewID    func() string
}

type Recorder struct {
	st       store.Store
	branchID string
	txs      *outbox.Transactions
	visitors *outbox.VisitorCounts
	expenses *outbox.Expenses
	validate *validator.Validate
	log      logrus.FieldLogger
	journal  changelog.Writer
	now      func() time.Time
	newID    func() string

	mu    sync.Mutex
	hooks []func(model.Kind)
}

func New(st store.Store, opts Options) *Recorder {
	r := &Recorder{
		st:       st,
		branchID: opts.BranchID,
		txs:      outbox.NewTransactions(st),
		visitors: outbox.NewVisitorCounts(st),
		expenses: outbox.NewExpenses(st),
		validate: validator.New(),
		log:      opts.Logger,
		journal:  opts.Journal,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if r.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		r.log = l
	}
	if r.journal == nil {
		r.journal = changelog.Nop{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

func (r *Recorder) BranchID() string { return r.branchID }

// OnRecorded registers fn to be called after every successful local write.
// Hooks run on their own goroutine and are never awaited.
func (r *Recorder) OnRecorded(fn func(model.Kind)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

func (r *Recorder) RecordSale(ctx context.Context, in SaleInput) (model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return model.Transaction{}, err
	}
	if err := r.check(in); err != nil {
		return model.Transaction{}, err
	}

	now := r.now().UTC()
	tx := model.Transaction{
		Envelope:      model.Envelope{ID: r.newID(), BranchID: r.branchID, CreatedAt: now},
		PaymentMethod: in.PaymentMethod,
	}
	err := r.st.Update(func(rd store.Reader) ([]store.Op, error) {
		menus, err := store.Menus(rd)
		if err != nil {
			return nil, err
		}
		idx := indexMenus(menus)

		need := make(map[string]int64)
		items := make([]model.LineItem, 0, len(in.Items))
		for _, line := range in.Items {
			i, ok := idx[line.MenuID]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownMenu, line.MenuID)
			}
			m := menus[i]
			need[m.ID] += line.Quantity
			menuID := m.ID
			items = append(items, model.LineItem{
				ID:        r.newID(),
				MenuID:    &menuID,
				Name:      m.Name,
				UnitPrice: m.Price,
				Quantity:  line.Quantity,
			})
		}
		for id, qty := range need {
			m := &menus[idx[id]]
			if !m.TrackStock {
				continue
			}
			if m.StockQuantity < qty {
				return nil, fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientStock, m.Name, m.StockQuantity, qty)
			}
			m.StockQuantity -= qty
		}

		seq, seqOp, err := store.NextCounter(rd, store.KeySeqCounter)
		if err != nil {
			return nil, err
		}
		order, orderOp, err := store.NextCounter(rd, store.KeyOrderCounter)
		if err != nil {
			return nil, err
		}
		tx.Seq = seq
		tx.OrderNumber = order
		tx.Items = items
		tx.Total = tx.ComputeTotal()

		txOp, err := r.txs.PutOp(&tx)
		if err != nil {
			return nil, err
		}
		menuOp, err := store.PutJSON(store.KeyMenus, menus)
		if err != nil {
			return nil, err
		}
		return []store.Op{seqOp, orderOp, menuOp, txOp}, nil
	})
	if err != nil {
		return model.Transaction{}, fmt.Errorf("record sale: %w", err)
	}
	r.recorded(model.KindTransactions, tx.Envelope, changelog.OpRecorded)
	return tx, nil
}

// CancelSale cancels a sale that has not been confirmed remotely yet and
// puts its tracked stock back.
func (r *Recorder) CancelSale(ctx context.Context, id string) (model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return model.Transaction{}, err
	}
	var tx model.Transaction
	changed := false
	err := r.st.Update(func(rd store.Reader) ([]store.Op, error) {
		cur, ok, err := r.txs.Get(rd, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		tx = cur
		if tx.Synced {
			return nil, fmt.Errorf("%w: %s", ErrAlreadySynced, id)
		}
		if tx.Cancelled {
			return nil, nil
		}
		menus, err := store.Menus(rd)
		if err != nil {
			return nil, err
		}
		idx := indexMenus(menus)
		for _, li := range tx.Items {
			if li.MenuID == nil {
				continue
			}
			if i, ok := idx[*li.MenuID]; ok && menus[i].TrackStock {
				menus[i].StockQuantity += li.Quantity
			}
		}
		tx.Cancelled = true
		tx.Rev++
		changed = true
		txOp, err := r.txs.PutOp(&tx)
		if err != nil {
			return nil, err
		}
		menuOp, err := store.PutJSON(store.KeyMenus, menus)
		if err != nil {
			return nil, err
		}
		return []store.Op{menuOp, txOp}, nil
	})
	if err != nil {
		return model.Transaction{}, fmt.Errorf("cancel sale: %w", err)
	}
	if changed {
		r.recorded(model.KindTransactions, tx.Envelope, changelog.OpCancelled)
	}
	return tx, nil
}

func (r *Recorder) RecordVisitors(ctx context.Context, in VisitorInput) (model.VisitorCount, error) {
	if err := ctx.Err(); err != nil {
		return model.VisitorCount{}, err
	}
	if err := r.check(in); err != nil {
		return model.VisitorCount{}, err
	}
	now := r.now().UTC()
	vc := model.VisitorCount{
		Envelope:  model.Envelope{ID: r.newID(), BranchID: r.branchID, CreatedAt: now},
		Group:     in.Group,
		Count:     in.Count,
		CountedAt: now,
	}
	err := r.st.Update(func(rd store.Reader) ([]store.Op, error) {
		seq, seqOp, err := store.NextCounter(rd, store.KeySeqCounter)
		if err != nil {
			return nil, err
		}
		vc.Seq = seq
		op, err := r.visitors.PutOp(&vc)
		if err != nil {
			return nil, err
		}
		return []store.Op{seqOp, op}, nil
	})
	if err != nil {
		return model.VisitorCount{}, fmt.Errorf("record visitors: %w", err)
	}
	r.recorded(model.KindVisitorCounts, vc.Envelope, changelog.OpRecorded)
	return vc, nil
}

func (r *Recorder) RecordExpense(ctx context.Context, in ExpenseInput) (model.Expense, error) {
	if err := ctx.Err(); err != nil {
		return model.Expense{}, err
	}
	if err := r.check(in); err != nil {
		return model.Expense{}, err
	}
	if !in.Amount.IsPositive() {
		return model.Expense{}, fmt.Errorf("%w: amount must be positive", ErrInvalid)
	}
	now := r.now().UTC()
	spent := in.SpentAt.UTC()
	if in.SpentAt.IsZero() {
		spent = now
	}
	ex := model.Expense{
		Envelope: model.Envelope{ID: r.newID(), BranchID: r.branchID, CreatedAt: now},
		Label:    in.Label,
		Category: in.Category,
		Amount:   in.Amount,
		SpentAt:  spent,
	}
	err := r.st.Update(func(rd store.Reader) ([]store.Op, error) {
		seq, seqOp, err := store.NextCounter(rd, store.KeySeqCounter)
		if err != nil {
			return nil, err
		}
		ex.Seq = seq
		op, err := r.expenses.PutOp(&ex)
		if err != nil {
			return nil, err
		}
		return []store.Op{seqOp, op}, nil
	})
	if err != nil {
		return model.Expense{}, fmt.Errorf("record expense: %w", err)
	}
	r.recorded(model.KindExpenses, ex.Envelope, changelog.OpRecorded)
	return ex, nil
}

func (r *Recorder) Menus() ([]model.Menu, error) {
	return store.Menus(r.st)
}

func (r *Recorder) Categories() ([]model.Category, error) {
	return store.Categories(r.st)
}

// ReplaceMenus installs a fresh menu snapshot. Remote stock does not yet
// include sales still waiting in the outbox, so their quantities are taken
// off again.
func (r *Recorder) ReplaceMenus(menus []model.Menu) error {
	err := r.st.Update(func(rd store.Reader) ([]store.Op, error) {
		pending, err := r.pendingSaleQuantities(rd)
		if err != nil {
			return nil, err
		}
		next := make([]model.Menu, len(menus))
		copy(next, menus)
		for i := range next {
			if !next[i].TrackStock {
				continue
			}
			next[i].StockQuantity -= pending[next[i].ID]
			if next[i].StockQuantity < 0 {
				next[i].StockQuantity = 0
			}
		}
		op, err := store.PutJSON(store.KeyMenus, next)
		if err != nil {
			return nil, err
		}
		return []store.Op{op}, nil
	})
	if err != nil {
		return fmt.Errorf("replace menus: %w", err)
	}
	return nil
}

func (r *Recorder) ReplaceCategories(cats []model.Category) error {
	if err := store.SetJSON(r.st, store.KeyCategories, cats); err != nil {
		return fmt.Errorf("replace categories: %w", err)
	}
	return nil
}

func (r *Recorder) pendingSaleQuantities(rd store.Reader) (map[string]int64, error) {
	txs, err := r.txs.All(rd)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, tx := range txs {
		if tx.Synced || tx.Cancelled {
			continue
		}
		for _, li := range tx.Items {
			if li.MenuID != nil {
				out[*li.MenuID] += li.Quantity
			}
		}
	}
	return out, nil
}

func (r *Recorder) check(in any) error {
	if err := r.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (r *Recorder) recorded(kind model.Kind, env model.Envelope, op changelog.Op) {
	ev := changelog.Event{
		Kind:     kind,
		RecordID: env.ID,
		BranchID: env.BranchID,
		Op:       op,
		Seq:      env.Seq,
		TS:       r.now().Unix(),
	}
	if err := r.journal.Append(ev); err != nil {
		r.log.WithFields(logrus.Fields{"kind": kind, "record_id": env.ID}).WithError(err).Warn("journal append failed")
	}
	r.mu.Lock()
	hooks := append([]func(model.Kind){}, r.hooks...)
	r.mu.Unlock()
	for _, fn := range hooks {
		go fn(kind)
	}
}

// ValidationFields maps each failing field to the tag it failed, for API responses.
func ValidationFields(err error) map[string]string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		out[fe.Field()] = fe.Tag()
	}
	return out
}

func indexMenus(menus []model.Menu) map[string]int {
	idx := make(map[string]int, len(menus))
	for i, m := range menus {
		idx[m.ID] = i
	}
	return idx
}
