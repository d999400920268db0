package aggregate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"stallpos/internal/model"
)

type MenuSales struct {
	MenuID   string          `json:"menuId,omitempty"`
	Name     string          `json:"name"`
	Quantity int64           `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
}

// TodayMenuSales sums quantities and revenue per menu for day's date,
// skipping cancelled sales. Items whose menu is gone are grouped by name.
// Sorted by quantity descending, then name.
func TodayMenuSales(txs []model.Transaction, day time.Time) []MenuSales {
	acc := make(map[string]*MenuSales)
	for _, tx := range txs {
		if tx.Cancelled || !SameDay(tx.CreatedAt, day) {
			continue
		}
		for _, li := range tx.Items {
			key := "name:" + li.Name
			id := ""
			if li.MenuID != nil {
				key = *li.MenuID
				id = *li.MenuID
			}
			ms, ok := acc[key]
			if !ok {
				ms = &MenuSales{MenuID: id, Name: li.Name, Revenue: decimal.Zero}
				acc[key] = ms
			}
			ms.Quantity += li.Quantity
			ms.Revenue = ms.Revenue.Add(li.Subtotal())
		}
	}
	out := make([]MenuSales, 0, len(acc))
	for _, ms := range acc {
		out = append(out, *ms)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Quantity != out[j].Quantity {
			return out[i].Quantity > out[j].Quantity
		}
		return out[i].Name < out[j].Name
	})
	return out
}

type Totals struct {
	Transactions int             `json:"transactions"`
	Cancelled    int             `json:"cancelled"`
	Revenue      decimal.Decimal `json:"revenue"`
}

// DayTotals counts sales on day's date. Cancelled sales add no revenue.
func DayTotals(txs []model.Transaction, day time.Time) Totals {
	t := Totals{Revenue: decimal.Zero}
	for _, tx := range txs {
		if !SameDay(tx.CreatedAt, day) {
			continue
		}
		if tx.Cancelled {
			t.Cancelled++
			continue
		}
		t.Transactions++
		t.Revenue = t.Revenue.Add(tx.Total)
	}
	return t
}

type Projection struct {
	MenuID      string     `json:"menuId"`
	Remaining   int64      `json:"remaining"`
	RatePerHour float64    `json:"ratePerHour"`
	SelloutAt   *time.Time `json:"selloutAt,omitempty"`
}

// SelloutProjection extrapolates when a tracked menu runs out from its sale
// rate over the trailing window. SelloutAt is nil when stock is untracked or
// nothing sold in the window.
func SelloutProjection(menu model.Menu, txs []model.Transaction, now time.Time, window time.Duration) Projection {
	p := Projection{MenuID: menu.ID, Remaining: menu.StockQuantity}
	if window <= 0 {
		window = time.Hour
	}
	from := now.Add(-window)
	var sold int64
	for _, tx := range txs {
		if tx.Cancelled || tx.CreatedAt.Before(from) || tx.CreatedAt.After(now) {
			continue
		}
		for _, li := range tx.Items {
			if li.MenuID != nil && *li.MenuID == menu.ID {
				sold += li.Quantity
			}
		}
	}
	p.RatePerHour = float64(sold) / window.Hours()
	if !menu.TrackStock || sold == 0 {
		return p
	}
	at := now
	if menu.StockQuantity > 0 {
		at = now.Add(time.Duration(float64(menu.StockQuantity) / p.RatePerHour * float64(time.Hour)))
	}
	p.SelloutAt = &at
	return p
}
