package summarizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chronicle/internal/llm"
	"github.com/nextlevelbuilder/chronicle/internal/model"
	"github.com/nextlevelbuilder/chronicle/internal/store"
)

// fakeStore is a minimal in-memory store.Store, mirroring the pattern used
// in internal/indexer's tests so this package's tests stay dependency-free.
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
	limit   int
	order   *store.Order
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
func (q *fakeQuery) Gt(string, any) store.Query  { return q }
func (q *fakeQuery) Lt(col string, v any) store.Query {
	n := q.clone()
	n.filters = append(n.filters, store.Filter{Column: col, Op: store.OpLt, Value: v})
	return n
}
func (q *fakeQuery) In(col string, values ...any) store.Query { return q }
func (q *fakeQuery) ILike(string, string) store.Query         { return q }
func (q *fakeQuery) Or(...store.Filter) store.Query           { return q }
func (q *fakeQuery) Order(col string, desc bool) store.Query {
	n := q.clone()
	n.order = &store.Order{Column: col, Desc: desc}
	return n
}
func (q *fakeQuery) Range(int, int) store.Query { return q }
func (q *fakeQuery) Limit(n int) store.Query {
	nq := q.clone()
	nq.limit = n
	return nq
}

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
		case store.OpLt:
			if t, ok := row[f.Column].(time.Time); ok {
				if tv, ok := f.Value.(time.Time); ok && !t.Before(tv) {
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

// fakePoster records posted messages instead of calling Discord.
type fakePoster struct {
	sent    []string
	threads []string
}

func (p *fakePoster) SendMessage(_ context.Context, _, content string) (string, error) {
	p.sent = append(p.sent, content)
	return "msg-id", nil
}

func (p *fakePoster) CreateThread(_ context.Context, _, name string) (string, error) {
	p.threads = append(p.threads, name)
	return "thread-id", nil
}

// fakeProvider returns canned responses in order, one per Generate call.
type fakeProvider struct {
	name      string
	responses []string
	calls     int
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Generate(context.Context, string, string, []llm.Message, llm.Options) (string, error) {
	r := p.responses[p.calls%len(p.responses)]
	p.calls++
	return r, nil
}

func TestIsEligible_RejectsByNameAndByCount(t *testing.T) {
	s := newFakeStore()
	now := time.Now().UTC()
	s.tables["messages"] = []store.Row{
		{"message_id": "m1", "channel_id": "c1", "created_at": now, "is_deleted": false},
	}
	sm := New(s, nil, nil, nil, nil, Config{MinMessages: 1})

	ok, err := sm.isEligible(context.Background(), ChannelInfo{ChannelID: "c1", Name: "general"}, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sm.isEligible(context.Background(), ChannelInfo{ChannelID: "c1", Name: "nsfw-lounge"}, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	sm2 := New(s, nil, nil, nil, nil, Config{MinMessages: 5})
	ok, err = sm2.isEligible(context.Background(), ChannelInfo{ChannelID: "c1", Name: "general"}, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChunkMessages_SplitsIntoFixedSizeGroups(t *testing.T) {
	messages := make([]model.Message, 5)
	chunks := chunkMessages(messages, 2)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 2)
	require.Len(t, chunks[1], 2)
	require.Len(t, chunks[2], 1)
}

func TestParseItems_SentinelReturnsNoItemsNoError(t *testing.T) {
	items, err := parseItems(" " + noSignificantNews + " ")
	require.NoError(t, err)
	require.Nil(t, items)
}

func TestParseItems_StripsPreambleAroundArray(t *testing.T) {
	raw := "Sure, here you go:\n[{\"title\":\"t\",\"mainText\":\"m\",\"message_id\":\"1\",\"channel_id\":\"c\"}]\nhope that helps"
	items, err := parseItems(raw)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "t", items[0].Title)
}

func TestParseItems_MissingRequiredFieldIsError(t *testing.T) {
	_, err := parseItems(`[{"title":"t"}]`)
	require.Error(t, err)
}

func TestPackBlocks_NeverSplitsASingleBlock(t *testing.T) {
	blocks := []string{"a", "b", "c"}
	out := packBlocks(blocks, 3)
	require.Equal(t, []string{"a\nb", "c"}, out)
}

func TestPackBlocks_JoinsWhenUnderLimit(t *testing.T) {
	blocks := []string{"a", "b", "c"}
	out := packBlocks(blocks, 100)
	require.Equal(t, []string{"a\nb\nc"}, out)
}

// TestPostItem_S1JumpURLsAndSeparateFileMessages mirrors spec.md §8's S1
// scenario literally: mainText followed by the item's jump URL, then each
// mainFile URL as its own follow-up message rather than packed together.
func TestPostItem_S1JumpURLsAndSeparateFileMessages(t *testing.T) {
	poster := &fakePoster{}
	sm := New(newFakeStore(), nil, poster, nil, nil, Config{GuildID: "g1"})

	item := &model.SummaryItem{
		Title:     "New ControlNet",
		MainText:  "...:",
		MainFile:  "u1,u2",
		MessageID: "1",
		ChannelID: "c1",
	}
	require.NoError(t, sm.postItem(context.Background(), "thread1", item))

	require.Len(t, poster.sent, 3)
	require.Contains(t, poster.sent[0], "## New ControlNet")
	require.Contains(t, poster.sent[0], "...:")
	require.Contains(t, poster.sent[0], model.JumpURL("g1", "c1", "1"))
	require.Equal(t, "u1", poster.sent[1])
	require.Equal(t, "u2", poster.sent[2])
}

func TestPostItem_SubTopicGetsJumpURLAndOwnFileMessage(t *testing.T) {
	poster := &fakePoster{}
	sm := New(newFakeStore(), nil, poster, nil, nil, Config{GuildID: "g1"})

	item := &model.SummaryItem{
		Title: "Top", MainText: "m", MessageID: "1", ChannelID: "c1",
		SubTopics: []model.SummarySubTopic{
			{Text: "a follow-up", File: "u3", MessageID: "2", ChannelID: "c1"},
		},
	}
	require.NoError(t, sm.postItem(context.Background(), "thread1", item))

	require.Len(t, poster.sent, 3)
	require.Contains(t, poster.sent[1], "• a follow-up")
	require.Contains(t, poster.sent[1], model.JumpURL("g1", "c1", "2"))
	require.Equal(t, "u3", poster.sent[2])
}

func TestRunChannel_PostsAndPersistsCompletedSummary(t *testing.T) {
	s := newFakeStore()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	s.tables["messages"] = []store.Row{
		{"message_id": "m1", "channel_id": "c1", "author_id": "u1", "content": "hello", "created_at": now, "is_deleted": false, "reaction_count": 0},
	}
	s.tables["members"] = []store.Row{
		{"member_id": "u1", "username": "alice", "global_name": "", "server_nick": ""},
	}

	provider := &fakeProvider{name: "anthropic", responses: []string{
		`[{"title":"Alpha","mainText":"Something happened","message_id":"m1","channel_id":"c1"}]`,
		"📨 __1 messages sent__\n- Alpha happened",
	}}
	dispatcher := llm.New(provider)
	poster := &fakePoster{}

	sm := New(s, dispatcher, poster, nil, nil, Config{Provider: "anthropic", Model: "m", MinMessages: 1, ChunkSize: 1000})
	items, err := sm.runChannel(context.Background(), ChannelInfo{ChannelID: "c1", Name: "general"}, now.Add(-24*time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Alpha", items[0].Title)

	require.NotEmpty(t, poster.threads)
	require.NotEmpty(t, poster.sent)

	rows, _ := s.Table("daily_summaries").Eq("channel_id", "c1").Execute(context.Background())
	require.Len(t, rows, 1)
	require.Equal(t, string(model.SummaryCompleted), rows[0]["status"])
}
