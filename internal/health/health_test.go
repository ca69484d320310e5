package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chronicle/internal/store"
)

type fakeStore struct{ tables map[string][]store.Row }

func newFakeStore() *fakeStore { return &fakeStore{tables: map[string][]store.Row{}} }

func (s *fakeStore) Table(name string) store.Query { return &fakeQuery{s: s, table: name} }
func (s *fakeStore) Bucket(string) store.Bucket     { return nil }
func (s *fakeStore) Close() error                   { return nil }

type fakeQuery struct {
	s       *fakeStore
	table   string
	filters []store.Filter
}

func (q *fakeQuery) clone() *fakeQuery { c := *q; return &c }
func (q *fakeQuery) Select(...string) store.Query { return q }
func (q *fakeQuery) Eq(col string, v any) store.Query {
	n := q.clone()
	n.filters = append(n.filters, store.Filter{Column: col, Op: store.OpEq, Value: v})
	return n
}
func (q *fakeQuery) Neq(string, any) store.Query { return q }
func (q *fakeQuery) Gte(col string, v any) store.Query {
	n := q.clone()
	n.filters = append(n.filters, store.Filter{Column: col, Op: store.OpGte, Value: v})
	return n
}
func (q *fakeQuery) Lte(string, any) store.Query { return q }
func (q *fakeQuery) Gt(col string, v any) store.Query {
	n := q.clone()
	n.filters = append(n.filters, store.Filter{Column: col, Op: store.OpGt, Value: v})
	return n
}
func (q *fakeQuery) Lt(string, any) store.Query       { return q }
func (q *fakeQuery) In(string, ...any) store.Query    { return q }
func (q *fakeQuery) ILike(string, string) store.Query { return q }
func (q *fakeQuery) Or(...store.Filter) store.Query   { return q }
func (q *fakeQuery) Order(string, bool) store.Query   { return q }
func (q *fakeQuery) Range(int, int) store.Query       { return q }
func (q *fakeQuery) Limit(int) store.Query            { return q }

func (q *fakeQuery) matches(row store.Row) bool {
	for _, f := range q.filters {
		switch f.Op {
		case store.OpEq:
			if row[f.Column] != f.Value {
				return false
			}
		case store.OpGte:
			if t, ok := row[f.Column].(time.Time); ok {
				if tv, ok := f.Value.(time.Time); ok && t.Before(tv) {
					return false
				}
			}
		case store.OpGt:
			if n, ok := row[f.Column].(int); ok {
				if tv, ok := f.Value.(int); ok && n <= tv {
					return false
				}
			}
		}
	}
	return true
}

func (q *fakeQuery) Execute(context.Context) ([]store.Row, error) {
	var out []store.Row
	for _, r := range q.s.tables[q.table] {
		if q.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}
func (q *fakeQuery) Insert(context.Context, ...store.Row) error            { return nil }
func (q *fakeQuery) Upsert(context.Context, []string, ...store.Row) error { return nil }
func (q *fakeQuery) Update(context.Context, store.Row) error               { return nil }
func (q *fakeQuery) Delete(context.Context) error                          { return nil }

func TestCheck_AllHealthy(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.tables["messages"] = []store.Row{
		{"indexed_at": now.Add(-time.Hour), "created_at": now.Add(-time.Hour), "reaction_count": 2},
	}
	st.tables["daily_summaries"] = []store.Row{
		{"date": "2026-07-31", "status": "completed"},
	}

	issues, err := NewChecker(st).Check(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestCheck_NoIngestionSkipsReactionCheckButStillFlagsIngestion(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	st := newFakeStore()

	issues, err := NewChecker(st).Check(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, issues, 2) // ingestion + missing summary; reaction check skipped
	require.Contains(t, issues[0], "no messages indexed")
}

func TestCheck_ReactionsDeadFlagged(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.tables["messages"] = []store.Row{
		{"indexed_at": now.Add(-time.Hour), "created_at": now.Add(-48 * time.Hour), "reaction_count": 0},
	}
	st.tables["daily_summaries"] = []store.Row{{"date": "2026-07-31", "status": "completed"}}

	issues, err := NewChecker(st).Check(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Contains(t, issues[0], "no reactions")
}

func TestCheck_BeforeGateHourSkipsSummaryCheck(t *testing.T) {
	now := time.Date(2026, 7, 31, 6, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.tables["messages"] = []store.Row{
		{"indexed_at": now.Add(-time.Hour), "created_at": now.Add(-time.Hour), "reaction_count": 1},
	}

	issues, err := NewChecker(st).Check(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestCheck_MissingSummaryAfterGateHour(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.tables["messages"] = []store.Row{
		{"indexed_at": now.Add(-time.Hour), "created_at": now.Add(-time.Hour), "reaction_count": 1},
	}

	issues, err := NewChecker(st).Check(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Contains(t, issues[0], "daily summary")
}

type fakeStatus struct{}

func (fakeStatus) Uptime() time.Duration  { return 5 * time.Minute }
func (fakeStatus) Latency() time.Duration { return 42 * time.Millisecond }
func (fakeStatus) GuildCount() int        { return 3 }

func TestServer_HealthAlwaysOK(t *testing.T) {
	s := NewServer(":0", fakeStatus{})
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyIsServiceUnavailableUntilSet(t *testing.T) {
	s := NewServer(":0", fakeStatus{})

	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.SetReady(true)
	rec = httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StatusReportsProcessFacts(t *testing.T) {
	s := NewServer(":0", fakeStatus{})
	s.SetReady(true)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"guild_count":3`)
}
