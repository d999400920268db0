// Package remote is the thin gateway to the branch's relational backend.
// Core code only uses the table-level operations below; each call is atomic
// on its own and nothing spans calls.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

const (
	TableTransactions     = "transactions"
	TableTransactionItems = "transaction_items"
	TableVisitorCounts    = "visitor_counts"
	TableMenus            = "menus"
	TableBudgetExpenses   = "budget_expenses"
)

var (
	ErrNotConfigured   = errors.New("remote: not configured")
	ErrUnknownTable    = errors.New("remote: unknown table")
	ErrUnfilteredWrite = errors.New("remote: update/delete without filter")
)

var tables = map[string]bool{
	TableTransactions:     true,
	TableTransactionItems: true,
	TableVisitorCounts:    true,
	TableMenus:            true,
	TableBudgetExpenses:   true,
}

// Filter is a conjunction of column equalities. A slice value means IN.
type Filter map[string]any

// Row is one table row keyed by column name.
type Row map[string]any

type Gateway interface {
	// IsConfigured reports whether a remote backend is available at all.
	// When false, callers stay in offline mode and make no other calls.
	IsConfigured() bool
	Select(ctx context.Context, table string, f Filter) ([]Row, error)
	Insert(ctx context.Context, table string, rows ...Row) error
	Update(ctx context.Context, table string, f Filter, patch Row) error
	Delete(ctx context.Context, table string, f Filter) error
}

func checkTable(table string) error {
	if !tables[table] {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

// IsDuplicate reports whether err is a MySQL duplicate-key error.
func IsDuplicate(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// ByID is the filter selecting one row by primary key.
func ByID(id string) Filter { return Filter{"id": id} }

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
