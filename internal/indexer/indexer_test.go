package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chronicle/internal/gateway"
	"github.com/nextlevelbuilder/chronicle/internal/store"
)

func reactionPayload(messageID, userID string) *gateway.ReactionPayload {
	return &gateway.ReactionPayload{MessageID: messageID, UserID: userID}
}

// fakeQuery is a minimal in-memory store.Query sufficient to exercise the
// Indexer's write paths without a real database, mirroring how the
// retrieval pack's Go repos keep store tests dependency-free.
type fakeStore struct {
	tables map[string][]store.Row
}

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
func (q *fakeQuery) Neq(string, any) store.Query      { return q }
func (q *fakeQuery) Gte(string, any) store.Query      { return q }
func (q *fakeQuery) Lte(string, any) store.Query      { return q }
func (q *fakeQuery) Gt(string, any) store.Query       { return q }
func (q *fakeQuery) Lt(string, any) store.Query       { return q }
func (q *fakeQuery) In(string, ...any) store.Query    { return q }
func (q *fakeQuery) ILike(string, string) store.Query { return q }
func (q *fakeQuery) Or(...store.Filter) store.Query   { return q }
func (q *fakeQuery) Order(string, bool) store.Query   { return q }
func (q *fakeQuery) Range(int, int) store.Query       { return q }
func (q *fakeQuery) Limit(int) store.Query            { return q }

func (q *fakeQuery) matches(row store.Row) bool {
	for _, f := range q.filters {
		if row[f.Column] != f.Value {
			return false
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

func (q *fakeQuery) Insert(_ context.Context, rows ...store.Row) error {
	q.s.tables[q.table] = append(q.s.tables[q.table], rows...)
	return nil
}

func (q *fakeQuery) Upsert(_ context.Context, onConflict []string, rows ...store.Row) error {
	for _, r := range rows {
		replaced := false
		for i, existing := range q.s.tables[q.table] {
			match := true
			for _, k := range onConflict {
				if existing[k] != r[k] {
					match = false
					break
				}
			}
			if match {
				q.s.tables[q.table][i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			q.s.tables[q.table] = append(q.s.tables[q.table], r)
		}
	}
	return nil
}

func (q *fakeQuery) Update(_ context.Context, set store.Row) error {
	for i, r := range q.s.tables[q.table] {
		if q.matches(r) {
			for k, v := range set {
				q.s.tables[q.table][i][k] = v
			}
		}
	}
	return nil
}

func (q *fakeQuery) Delete(context.Context) error { return nil }

func TestApplyReaction_AddExcludesDuplicate(t *testing.T) {
	s := newFakeStore()
	s.tables["messages"] = []store.Row{{
		"message_id": "m1", "reactors": "[]", "reaction_count": 0,
	}}
	ix := New(s, nil, nil)

	ix.applyReaction(context.Background(), reactionPayload("m1", "u1"), true)
	ix.applyReaction(context.Background(), reactionPayload("m1", "u1"), true) // duplicate add, no-op

	rows, _ := s.Table("messages").Eq("message_id", "m1").Execute(context.Background())
	require.Len(t, rows, 1)
	require.Equal(t, `["u1"]`, rows[0]["reactors"])
	require.Equal(t, 2, rows[0]["reaction_count"]) // count increments per event even though the set dedupes
}

func TestApplyReaction_RemoveBoundedAtZero(t *testing.T) {
	s := newFakeStore()
	s.tables["messages"] = []store.Row{{
		"message_id": "m1", "reactors": "[]", "reaction_count": 0,
	}}
	ix := New(s, nil, nil)

	ix.applyReaction(context.Background(), reactionPayload("m1", "u1"), false)

	rows, _ := s.Table("messages").Eq("message_id", "m1").Execute(context.Background())
	require.Equal(t, 0, rows[0]["reaction_count"])
}

func TestBackfillResumeCursor_SkipsStaleRange(t *testing.T) {
	s := newFakeStore()
	now := time.Now().UTC()
	s.tables["messages"] = []store.Row{{
		"message_id": "m9", "channel_id": "c1", "created_at": now,
	}}
	ix := New(s, nil, nil)

	id, err := ix.resumeCursor(context.Background(), "c1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, "m9", id)

	id, err = ix.resumeCursor(context.Background(), "c1", now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, "", id) // stored max predates the requested start
}
