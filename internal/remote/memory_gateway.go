package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

// ErrInjected is returned by MemoryGateway calls failed on purpose.
var ErrInjected = errors.New("remote: injected failure")

type Call struct {
	Op     string
	Table  string
	Filter Filter
	Rows   []Row
}

// MemoryGateway keeps tables in process. It backs offline demos and tests,
// and mimics MySQL by rejecting a second row with the same id with error 1062.
type MemoryGateway struct {
	mu         sync.Mutex
	configured bool
	tables     map[string][]Row
	calls      []Call
	failNext   int
	failWhen   func(Call) error
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{configured: true, tables: make(map[string][]Row)}
}

func (m *MemoryGateway) SetConfigured(v bool) {
	m.mu.Lock()
	m.configured = v
	m.mu.Unlock()
}

func (m *MemoryGateway) IsConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configured
}

// FailNext makes the next n calls fail.
func (m *MemoryGateway) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// FailTable fails every call of op ("select", "insert", "update", "delete",
// or "" for any) on table until Heal.
func (m *MemoryGateway) FailTable(table, op string) {
	m.FailWhen(func(c Call) error {
		if c.Table == table && (op == "" || c.Op == op) {
			return ErrInjected
		}
		return nil
	})
}

// FailWhen installs a predicate consulted before every call.
func (m *MemoryGateway) FailWhen(fn func(Call) error) {
	m.mu.Lock()
	m.failWhen = fn
	m.mu.Unlock()
}

func (m *MemoryGateway) Heal() {
	m.mu.Lock()
	m.failNext = 0
	m.failWhen = nil
	m.mu.Unlock()
}

// Calls returns the calls made so far, failed ones included.
func (m *MemoryGateway) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsTo counts calls of op on table.
func (m *MemoryGateway) CallsTo(op, table string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Op == op && c.Table == table {
			n++
		}
	}
	return n
}

// Rows returns a copy of a table's rows.
func (m *MemoryGateway) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.tables[table]))
	for i, r := range m.tables[table] {
		out[i] = cloneRow(r)
	}
	return out
}

// Seed writes rows directly, bypassing failure injection and call tracking.
func (m *MemoryGateway) Seed(table string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], cloneRow(r))
	}
}

func (m *MemoryGateway) Select(ctx context.Context, table string, f Filter) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, Call{Op: "select", Table: table, Filter: f}); err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range m.tables[table] {
		if matches(r, f) {
			out = append(out, cloneRow(r))
		}
	}
	return out, nil
}

func (m *MemoryGateway) Insert(ctx context.Context, table string, rows ...Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, Call{Op: "insert", Table: table, Rows: rows}); err != nil {
		return err
	}
	seen := make(map[string]bool, len(m.tables[table]))
	for _, r := range m.tables[table] {
		seen[AsString(r["id"])] = true
	}
	for _, r := range rows {
		id := AsString(r["id"])
		if id != "" && seen[id] {
			return fmt.Errorf("insert %s: %w", table, &mysqlDriver.MySQLError{
				Number:  1062,
				Message: fmt.Sprintf("Duplicate entry '%s' for key 'PRIMARY'", id),
			})
		}
		seen[id] = true
	}
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], cloneRow(r))
	}
	return nil
}

func (m *MemoryGateway) Update(ctx context.Context, table string, f Filter, patch Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, Call{Op: "update", Table: table, Filter: f, Rows: []Row{patch}}); err != nil {
		return err
	}
	if len(f) == 0 {
		return ErrUnfilteredWrite
	}
	for _, r := range m.tables[table] {
		if matches(r, f) {
			for k, v := range patch {
				r[k] = v
			}
		}
	}
	return nil
}

func (m *MemoryGateway) Delete(ctx context.Context, table string, f Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, Call{Op: "delete", Table: table, Filter: f}); err != nil {
		return err
	}
	if len(f) == 0 {
		return ErrUnfilteredWrite
	}
	kept := m.tables[table][:0]
	for _, r := range m.tables[table] {
		if !matches(r, f) {
			kept = append(kept, r)
		}
	}
	m.tables[table] = kept
	return nil
}

// enter records c and applies the configured failures. Callers hold mu.
func (m *MemoryGateway) enter(ctx context.Context, c Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.configured {
		return ErrNotConfigured
	}
	if err := checkTable(c.Table); err != nil {
		return err
	}
	m.calls = append(m.calls, c)
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("%s %s: %w", c.Op, c.Table, ErrInjected)
	}
	if m.failWhen != nil {
		if err := m.failWhen(c); err != nil {
			return fmt.Errorf("%s %s: %w", c.Op, c.Table, err)
		}
	}
	return nil
}

func matches(r Row, f Filter) bool {
	for col, want := range f {
		got := AsString(r[col])
		if list, ok := toList(want); ok {
			hit := false
			for _, w := range list {
				if got == AsString(w) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
			continue
		}
		if got != AsString(want) {
			return false
		}
	}
	return true
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func cloneRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
