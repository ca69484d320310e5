// Package sqlbuilder is the shared database/sql-backed implementation of
// store.Query, parameterized by Dialect so both the Postgres and SQLite
// backends (internal/store/pg, internal/store/sqlite) share one query
// builder instead of duplicating it — the Storage Port hides the SQL
// dialect, this is where that hiding happens.
package sqlbuilder

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/chronicle/internal/errkind"
	"github.com/nextlevelbuilder/chronicle/internal/store"
)

// pageSize is the transparent pagination batch size (spec.md §4.1: "large
// selects must paginate transparently in batches of ≤1000").
const pageSize = 1000

// Dialect captures the handful of syntax differences between Postgres and
// SQLite that the Storage Port needs to hide from callers.
type Dialect struct {
	// Placeholder returns the bind-parameter marker for the i'th
	// (1-indexed) argument, e.g. "$1" for Postgres, "?" for SQLite.
	Placeholder func(i int) string
	// ILike renders a case-insensitive LIKE condition; Postgres has ILIKE
	// natively, SQLite needs LOWER(col) LIKE LOWER(?).
	ILike func(col string, argIdx int) (expr string, argTransform func(string) any)
}

// Postgres is the $-placeholder, native-ILIKE dialect.
var Postgres = Dialect{
	Placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
	ILike: func(col string, argIdx int) (string, func(string) any) {
		return fmt.Sprintf("%s ILIKE $%d", col, argIdx), func(s string) any { return s }
	},
}

// SQLite is the ?-placeholder dialect that emulates ILIKE with LOWER().
var SQLite = Dialect{
	Placeholder: func(i int) string { return "?" },
	ILike: func(col string, _ int) (string, func(string) any) {
		return fmt.Sprintf("LOWER(%s) LIKE LOWER(?)", col), func(s string) any { return s }
	},
}

// DB is the underlying *sql.DB plus dialect every table's Query is built
// against.
type DB struct {
	SQL     *sql.DB
	Dialect Dialect
}

// Query implements store.Query over a single table.
type Query struct {
	db      *DB
	table   string
	cols    []string
	filters []clause
	orFilt  []store.Filter
	orders  []store.Order
	rangeFr int
	rangeTo int
	hasRange bool
	limitN  int
	hasLimit bool
}

type clause struct {
	store.Filter
}

// Table creates a fresh Query rooted at table.
func Table(db *DB, table string) store.Query {
	return &Query{db: db, table: table}
}

func (q *Query) clone() *Query {
	c := *q
	c.filters = append([]clause(nil), q.filters...)
	c.orFilt = append([]store.Filter(nil), q.orFilt...)
	c.orders = append([]store.Order(nil), q.orders...)
	return &c
}

func (q *Query) Select(cols ...string) store.Query {
	n := q.clone()
	n.cols = cols
	return n
}

func (q *Query) addFilter(col string, op store.Op, v any) store.Query {
	n := q.clone()
	n.filters = append(n.filters, clause{store.Filter{Column: col, Op: op, Value: v}})
	return n
}

func (q *Query) Eq(col string, v any) store.Query  { return q.addFilter(col, store.OpEq, v) }
func (q *Query) Neq(col string, v any) store.Query { return q.addFilter(col, store.OpNeq, v) }
func (q *Query) Gte(col string, v any) store.Query { return q.addFilter(col, store.OpGte, v) }
func (q *Query) Lte(col string, v any) store.Query { return q.addFilter(col, store.OpLte, v) }
func (q *Query) Gt(col string, v any) store.Query  { return q.addFilter(col, store.OpGt, v) }
func (q *Query) Lt(col string, v any) store.Query  { return q.addFilter(col, store.OpLt, v) }

func (q *Query) In(col string, values ...any) store.Query {
	return q.addFilter(col, store.OpIn, values)
}

func (q *Query) ILike(col string, pattern string) store.Query {
	return q.addFilter(col, store.OpILike, pattern)
}

func (q *Query) Or(filters ...store.Filter) store.Query {
	n := q.clone()
	n.orFilt = append(n.orFilt, filters...)
	return n
}

func (q *Query) Order(col string, desc bool) store.Query {
	n := q.clone()
	n.orders = append(n.orders, store.Order{Column: col, Desc: desc})
	return n
}

func (q *Query) Range(from, to int) store.Query {
	n := q.clone()
	n.hasRange, n.rangeFr, n.rangeTo = true, from, to
	return n
}

func (q *Query) Limit(n int) store.Query {
	c := q.clone()
	c.hasLimit, c.limitN = true, n
	return c
}

// whereClause renders the filters (ANDed) and the Or group (ORed, ANDed in)
// into a SQL WHERE fragment plus its bind arguments.
func (q *Query) whereClause(argOffset int) (string, []any) {
	var parts []string
	var args []any
	idx := argOffset

	for _, f := range q.filters {
		expr, arg := q.renderFilter(f.Filter, &idx)
		parts = append(parts, expr)
		if arg != nil {
			args = append(args, arg...)
		}
	}

	if len(q.orFilt) > 0 {
		var orParts []string
		for _, f := range q.orFilt {
			expr, arg := q.renderFilter(f, &idx)
			orParts = append(orParts, expr)
			if arg != nil {
				args = append(args, arg...)
			}
		}
		parts = append(parts, "("+strings.Join(orParts, " OR ")+")")
	}

	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (q *Query) renderFilter(f store.Filter, idx *int) (string, []any) {
	switch f.Op {
	case store.OpIn:
		values, _ := f.Value.([]any)
		if len(values) == 0 {
			// An empty IN() matches nothing; render a always-false clause.
			return "1=0", nil
		}
		placeholders := make([]string, len(values))
		for i := range values {
			placeholders[i] = q.db.Dialect.Placeholder(*idx)
			*idx++
		}
		return fmt.Sprintf("%s IN (%s)", f.Column, strings.Join(placeholders, ", ")), values
	case store.OpILike:
		expr, transform := q.db.Dialect.ILike(f.Column, *idx)
		*idx++
		return expr, []any{transform(fmt.Sprint(f.Value))}
	default:
		ph := q.db.Dialect.Placeholder(*idx)
		*idx++
		sym := map[store.Op]string{
			store.OpEq: "=", store.OpNeq: "!=", store.OpGte: ">=",
			store.OpLte: "<=", store.OpGt: ">", store.OpLt: "<",
		}[f.Op]
		return fmt.Sprintf("%s %s %s", f.Column, sym, ph), []any{f.Value}
	}
}

func (q *Query) orderClause() string {
	if len(q.orders) == 0 {
		return ""
	}
	var parts []string
	for _, o := range q.orders {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, o.Column+" "+dir)
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

func (q *Query) columnsClause() string {
	if len(q.cols) == 0 {
		return "*"
	}
	return strings.Join(q.cols, ", ")
}

// Execute runs the SELECT, transparently paginating in batches of
// pageSize and stopping as soon as a page returns short.
func (q *Query) Execute(ctx context.Context) ([]store.Row, error) {
	var all []store.Row

	from, to := 0, pageSize-1
	if q.hasRange {
		from, to = q.rangeFr, q.rangeTo
	}
	explicitLimit := -1
	if q.hasLimit {
		explicitLimit = q.limitN
	}

	for {
		batchSize := to - from + 1
		if explicitLimit >= 0 && batchSize > explicitLimit-len(all) {
			batchSize = explicitLimit - len(all)
		}
		if batchSize <= 0 {
			break
		}

		where, args := q.whereClause(1)
		sqlStr := fmt.Sprintf("SELECT %s FROM %s%s%s LIMIT %d OFFSET %d",
			q.columnsClause(), q.table, where, q.orderClause(), batchSize, from)

		rows, err := q.db.SQL.QueryContext(ctx, sqlStr, args...)
		if err != nil {
			return nil, classifyDBErr(err)
		}
		page, err := scanRows(rows)
		if err != nil {
			return nil, classifyDBErr(err)
		}

		all = append(all, page...)

		if len(page) < batchSize {
			break
		}
		if explicitLimit >= 0 && len(all) >= explicitLimit {
			break
		}
		if q.hasRange {
			break // explicit Range means exactly one page, PostgREST-style
		}
		from += batchSize
		to = from + pageSize - 1
	}

	return all, nil
}

func scanRows(rows *sql.Rows) ([]store.Row, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []store.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(store.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Insert appends rows in a single statement per row (kept simple and
// idempotent-agnostic; callers needing idempotence use Upsert).
func (q *Query) Insert(ctx context.Context, rows ...store.Row) error {
	for _, r := range rows {
		cols := sortedKeys(r)
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			placeholders[i] = q.db.Dialect.Placeholder(i + 1)
			args[i] = r[c]
		}
		sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			q.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if _, err := q.db.SQL.ExecContext(ctx, sqlStr, args...); err != nil {
			return classifyDBErr(err)
		}
	}
	return nil
}

// Upsert makes every write idempotent at the row level via an ON CONFLICT
// DO UPDATE on the onConflict composite key — a store-conflict (spec.md §7)
// resolves here and the caller always sees success.
func (q *Query) Upsert(ctx context.Context, onConflict []string, rows ...store.Row) error {
	for _, r := range rows {
		cols := sortedKeys(r)
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			placeholders[i] = q.db.Dialect.Placeholder(i + 1)
			args[i] = r[c]
		}

		var setParts []string
		for _, c := range cols {
			if contains(onConflict, c) {
				continue
			}
			setParts = append(setParts, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}

		sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			q.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
			strings.Join(onConflict, ", "), strings.Join(setParts, ", "))
		if len(setParts) == 0 {
			sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
				q.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(onConflict, ", "))
		}

		if _, err := q.db.SQL.ExecContext(ctx, sqlStr, args...); err != nil {
			return classifyDBErr(err)
		}
	}
	return nil
}

func (q *Query) Update(ctx context.Context, set store.Row) error {
	cols := sortedKeys(set)
	var setParts []string
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		setParts = append(setParts, fmt.Sprintf("%s = %s", c, q.db.Dialect.Placeholder(i+1)))
		args = append(args, set[c])
	}
	where, whereArgs := q.whereClause(len(cols) + 1)
	args = append(args, whereArgs...)

	sqlStr := fmt.Sprintf("UPDATE %s SET %s%s", q.table, strings.Join(setParts, ", "), where)
	_, err := q.db.SQL.ExecContext(ctx, sqlStr, args...)
	return classifyDBErr(err)
}

func (q *Query) Delete(ctx context.Context) error {
	where, args := q.whereClause(1)
	sqlStr := fmt.Sprintf("DELETE FROM %s%s", q.table, where)
	_, err := q.db.SQL.ExecContext(ctx, sqlStr, args...)
	return classifyDBErr(err)
}

func sortedKeys(r store.Row) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// classifyDBErr sorts database errors into transient (connection/timeout),
// store-conflict (duplicate/conflict/constraint) and permanent (anything
// else) per spec.md §7. The
// driver-level detail of *which* constraint fired is intentionally not
// inspected here — that belongs to the caller reading Upsert's onConflict
// contract, not the generic port.
func classifyDBErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "broken pipe"):
		return errkind.New(errkind.KindTransient, err)
	case strings.Contains(msg, "duplicate") || strings.Contains(msg, "conflict") || strings.Contains(msg, "constraint"):
		return errkind.New(errkind.KindStoreConflict, err)
	default:
		return errkind.New(errkind.KindPermanent, err)
	}
}
