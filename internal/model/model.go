package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind names a queue of locally recorded records that sync to the remote store.
type Kind string

const (
	KindTransactions  Kind = "transactions"
	KindVisitorCounts Kind = "visitor_counts"
	KindExpenses      Kind = "expenses"
)

// Kinds lists every sync kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindTransactions, KindVisitorCounts, KindExpenses}
}

// Envelope is the metadata shared by every pending record.
// ID is generated on the device once and is the only dedup key between stores.
type Envelope struct {
	ID        string    `json:"id"`
	BranchID  string    `json:"branchId"`
	CreatedAt time.Time `json:"createdAt"`
	Synced    bool      `json:"synced"`
	Seq       int64     `json:"seq"`
	// Rev is bumped by every local change after creation.
	Rev int64 `json:"rev"`
}

// Meta exposes the envelope of any record embedding it.
func (e *Envelope) Meta() *Envelope { return e }

// LineItem is one row of a sale. MenuID is nil once the menu it referenced
// is gone remotely; Name and UnitPrice keep the snapshot taken at sale time.
type LineItem struct {
	ID        string          `json:"id"`
	MenuID    *string         `json:"menuId,omitempty"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int64           `json:"quantity"`
}

func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(li.Quantity))
}

// Transaction is a completed sale.
type Transaction struct {
	Envelope
	OrderNumber   int64           `json:"orderNumber"`
	Items         []LineItem      `json:"items"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"paymentMethod"`
	Cancelled     bool            `json:"cancelled"`
}

// ComputeTotal sums the line item subtotals.
func (t Transaction) ComputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, li := range t.Items {
		total = total.Add(li.Subtotal())
	}
	return total
}

// VisitorCount is a single tap on the visitor counter for a group.
type VisitorCount struct {
	Envelope
	Group     string    `json:"group"`
	Count     int64     `json:"count"`
	CountedAt time.Time `json:"countedAt"`
}

// Expense is a budget expense entered at the stall.
type Expense struct {
	Envelope
	Label    string          `json:"label"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	SpentAt  time.Time       `json:"spentAt"`
}

// Menu is a sellable item. StockQuantity is only enforced when TrackStock is set.
type Menu struct {
	ID            string          `json:"id"`
	BranchID      string          `json:"branchId"`
	CategoryID    string          `json:"categoryId,omitempty"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	TrackStock    bool            `json:"trackStock"`
	StockQuantity int64           `json:"stockQuantity"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Category groups menus on the register screen.
type Category struct {
	ID        string `json:"id"`
	BranchID  string `json:"branchId"`
	Name      string `json:"name"`
	SortOrder int    `json:"sortOrder"`
}

// VisitorBucket is the coalesced remote row for visitor taps of one group
// within one bucket. SourceIDs lists the local records folded into it.
type VisitorBucket struct {
	ID        string    `json:"id"`
	BranchID  string    `json:"branchId"`
	Group     string    `json:"group"`
	Start     time.Time `json:"start"`
	Count     int64     `json:"count"`
	SourceIDs []string  `json:"sourceIds"`
}
