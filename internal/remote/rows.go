package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"stallpos/internal/model"
)

func TransactionRow(tx model.Transaction) Row {
	return Row{
		"id":             tx.ID,
		"branch_id":      tx.BranchID,
		"order_number":   tx.OrderNumber,
		"total":          tx.Total.StringFixed(2),
		"payment_method": tx.PaymentMethod,
		"cancelled":      tx.Cancelled,
		"created_at":     tx.CreatedAt.UTC(),
	}
}

func LineItemRow(txID string, li model.LineItem) Row {
	var menuID any
	if li.MenuID != nil {
		menuID = *li.MenuID
	}
	return Row{
		"id":             li.ID,
		"transaction_id": txID,
		"menu_id":        menuID,
		"name":           li.Name,
		"unit_price":     li.UnitPrice.StringFixed(2),
		"quantity":       li.Quantity,
		"subtotal":       li.Subtotal().StringFixed(2),
	}
}

func LineItemRows(tx model.Transaction) []Row {
	rows := make([]Row, 0, len(tx.Items))
	for _, li := range tx.Items {
		rows = append(rows, LineItemRow(tx.ID, li))
	}
	return rows
}

// TransactionFromRows rebuilds a confirmed sale from its header and item rows.
func TransactionFromRows(header Row, items []Row) (model.Transaction, error) {
	total, err := AsDecimal(header["total"])
	if err != nil {
		return model.Transaction{}, fmt.Errorf("transaction %v total: %w", header["id"], err)
	}
	tx := model.Transaction{
		Envelope: model.Envelope{
			ID:        AsString(header["id"]),
			BranchID:  AsString(header["branch_id"]),
			CreatedAt: AsTime(header["created_at"]),
			Synced:    true,
		},
		OrderNumber:   AsInt64(header["order_number"]),
		Total:         total,
		PaymentMethod: AsString(header["payment_method"]),
		Cancelled:     AsBool(header["cancelled"]),
	}
	for _, r := range items {
		price, err := AsDecimal(r["unit_price"])
		if err != nil {
			return model.Transaction{}, fmt.Errorf("item %v unit_price: %w", r["id"], err)
		}
		li := model.LineItem{
			ID:        AsString(r["id"]),
			Name:      AsString(r["name"]),
			UnitPrice: price,
			Quantity:  AsInt64(r["quantity"]),
		}
		if id := AsString(r["menu_id"]); id != "" {
			li.MenuID = &id
		}
		tx.Items = append(tx.Items, li)
	}
	return tx, nil
}

func VisitorBucketRow(b model.VisitorBucket, createdAt time.Time) (Row, error) {
	src, err := json.Marshal(b.SourceIDs)
	if err != nil {
		return nil, fmt.Errorf("encode source ids: %w", err)
	}
	return Row{
		"id":           b.ID,
		"branch_id":    b.BranchID,
		"group_name":   b.Group,
		"bucket_start": b.Start.UTC(),
		"count":        b.Count,
		"source_ids":   string(src),
		"created_at":   createdAt.UTC(),
	}, nil
}

func VisitorBucketFromRow(r Row) (model.VisitorBucket, error) {
	b := model.VisitorBucket{
		ID:       AsString(r["id"]),
		BranchID: AsString(r["branch_id"]),
		Group:    AsString(r["group_name"]),
		Start:    AsTime(r["bucket_start"]),
		Count:    AsInt64(r["count"]),
	}
	if raw := AsString(r["source_ids"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &b.SourceIDs); err != nil {
			return model.VisitorBucket{}, fmt.Errorf("bucket %s source ids: %w", b.ID, err)
		}
	}
	return b, nil
}

func ExpenseRow(e model.Expense) Row {
	return Row{
		"id":         e.ID,
		"branch_id":  e.BranchID,
		"label":      e.Label,
		"category":   e.Category,
		"amount":     e.Amount.StringFixed(2),
		"spent_at":   e.SpentAt.UTC(),
		"created_at": e.CreatedAt.UTC(),
	}
}

func MenuRow(m model.Menu) Row {
	var cat any
	if m.CategoryID != "" {
		cat = m.CategoryID
	}
	return Row{
		"id":             m.ID,
		"branch_id":      m.BranchID,
		"category_id":    cat,
		"name":           m.Name,
		"price":          m.Price.StringFixed(2),
		"stock_quantity": m.StockQuantity,
		"track_stock":    m.TrackStock,
		"updated_at":     m.UpdatedAt.UTC(),
	}
}

func MenuFromRow(r Row) (model.Menu, error) {
	price, err := AsDecimal(r["price"])
	if err != nil {
		return model.Menu{}, fmt.Errorf("menu %v price: %w", r["id"], err)
	}
	return model.Menu{
		ID:            AsString(r["id"]),
		BranchID:      AsString(r["branch_id"]),
		CategoryID:    AsString(r["category_id"]),
		Name:          AsString(r["name"]),
		Price:         price,
		TrackStock:    AsBool(r["track_stock"]),
		StockQuantity: AsInt64(r["stock_quantity"]),
		UpdatedAt:     AsTime(r["updated_at"]),
	}, nil
}

// The As* converters accept what either the MySQL driver or MemoryGateway
// hands back for a column.

func AsString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case *string:
		if x == nil {
			return ""
		}
		return *x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func AsInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	default:
		n, _ := strconv.ParseInt(AsString(v), 10, 64)
		return n
	}
}

func AsBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	default:
		s := AsString(v)
		return s == "1" || s == "true"
	}
}

func AsDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return x, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case int64:
		return decimal.NewFromInt(x), nil
	default:
		return decimal.NewFromString(AsString(v))
	}
}

func AsTime(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return time.Time{}
		}
		return x.UTC()
	default:
		s := AsString(v)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02 15:04:05.999999"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
		return time.Time{}
	}
}
