// Package store is the Storage Port (spec.md §4.1, C1): a fluent
// PostgREST-style selector over a row store, plus an object-store bucket
// client, both hiding the SQL dialect so either a local file-backed store
// (internal/store/sqlite) or a remote row store (internal/store/pg) can be
// plugged in behind the same Store interface.
package store

import "context"

// Row is one record, keyed by column name. Using a generic map (rather
// than one struct per table) keeps the port dialect-agnostic and mirrors
// the PostgREST row shape the spec describes — the model package still
// provides typed structs; callers marshal to/from Row at the boundary.
type Row map[string]any

// Store is the top-level handle callers hold: one Table selector per
// table name, one Bucket client per bucket name.
type Store interface {
	Table(name string) Query
	Bucket(name string) Bucket
	Close() error
}

// Op is a comparison operator for a Filter.
type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpGte   Op = "gte"
	OpLte   Op = "lte"
	OpGt    Op = "gt"
	OpLt    Op = "lt"
	OpIn    Op = "in"
	OpILike Op = "ilike"
)

// Filter is one condition in a Query's WHERE clause.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Query is the fluent selector returned by Store.Table. Every method
// returns a new Query so chains are safe to branch and reuse a base query.
type Query interface {
	Select(cols ...string) Query
	Eq(col string, v any) Query
	Neq(col string, v any) Query
	Gte(col string, v any) Query
	Lte(col string, v any) Query
	Gt(col string, v any) Query
	Lt(col string, v any) Query
	In(col string, values ...any) Query
	ILike(col string, pattern string) Query
	// Or adds a group of filters combined with OR, ANDed with the rest of
	// the query's filters — e.g. Or(Filter{"a", OpEq, 1}, Filter{"b", OpEq, 2}).
	Or(filters ...Filter) Query
	Order(col string, desc bool) Query
	// Range paginates like PostgREST's Range header: rows [from, to] inclusive.
	Range(from, to int) Query
	Limit(n int) Query

	// Execute fetches all rows matching the query, paginating transparently
	// in batches of at most 1000 and stopping when a short page returns —
	// callers never see the pagination.
	Execute(ctx context.Context) ([]Row, error)

	// Insert appends rows, returning permanent errors immediately and
	// retrying transient ones with exponential backoff at the port boundary.
	Insert(ctx context.Context, rows ...Row) error

	// Upsert inserts rows or updates the existing row sharing onConflict's
	// composite key, making every write idempotent at the row level.
	Upsert(ctx context.Context, onConflict []string, rows ...Row) error

	// Update applies set to every row matching the query's filters.
	Update(ctx context.Context, set Row) error

	// Delete removes every row matching the query's filters.
	Delete(ctx context.Context) error
}

// Bucket is the object-store port: buckets = {workflows, videos,
// summary-media} per spec.md §6, paths are "{bucket}/{owner}/{scope}/{file}".
type Bucket interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (url string, err error)
	PublicURL(path string) string
}
