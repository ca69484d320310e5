package sharing

import (
	"context"
	"testing"

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
func (q *fakeQuery) Upsert(_ context.Context, _ []string, rows ...store.Row) error {
	q.s.tables[q.table] = append(q.s.tables[q.table], rows...)
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

type fakeNotifier struct{ dms map[string][]string }

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{dms: map[string][]string{}} }
func (n *fakeNotifier) SendMessage(_ context.Context, _, content string) (string, error) {
	return "m", nil
}
func (n *fakeNotifier) SendDM(_ context.Context, userID, content string) (string, error) {
	n.dms[userID] = append(n.dms[userID], content)
	return "dm", nil
}

type fakeModerator struct {
	allow bool
	err   error
}

func (m *fakeModerator) CheckText(context.Context, string, string, string) (bool, string, error) {
	return m.allow, "reason", m.err
}

type fakePublisher struct {
	name    string
	sent    []string
	fail    bool
}

func (p *fakePublisher) Name() string { return p.name }
func (p *fakePublisher) Send(_ context.Context, text string, _ []string, _, _ string) (string, error) {
	if p.fail {
		return "", assertErr
	}
	p.sent = append(p.sent, text)
	return "https://published/" + p.name, nil
}

var assertErr = fakeErr("publish failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func seedMessageAndAuthor(s *fakeStore, messageID, channelID, authorID string, sharingConsent *bool, dmPref bool) {
	s.tables["channels"] = append(s.tables["channels"], store.Row{"channel_id": channelID, "name": "generations"})
	s.tables["messages"] = append(s.tables["messages"], store.Row{
		"message_id": messageID, "channel_id": channelID, "author_id": authorID, "content": "look at this", "attachments": "[]",
	})
	row := store.Row{"member_id": authorID, "username": authorID, "dm_preference": dmPref}
	if sharingConsent != nil {
		row["sharing_consent"] = *sharingConsent
	}
	s.tables["members"] = append(s.tables["members"], row)
}

func boolPtr(b bool) *bool { return &b }

func TestTriggerReaction_PreApprovedPathSkipsConsentDM(t *testing.T) {
	s := newFakeStore()
	seedMessageAndAuthor(s, "m1", "c1", "author1", boolPtr(true), true)
	notifier := newFakeNotifier()
	moderator := &fakeModerator{allow: true}
	pub := &fakePublisher{name: "x"}

	o := New(s, notifier, moderator, []Publisher{pub}, Config{TriggerEmoji: "🔁"})
	ctx := context.Background()
	require.NoError(t, o.TriggerReaction(ctx, "🔁", "m1", "c1", "reactor1"))
	require.NoError(t, o.OnReactorComment(ctx, "reactor1", "n"))

	// Pre-approved path never sends the author a consent DM.
	require.Empty(t, notifier.dms["author1"])
	require.Len(t, pub.sent, 1)
}

func TestTriggerReaction_NSFWChannelRefusedBeforeAnyDM(t *testing.T) {
	s := newFakeStore()
	s.tables["channels"] = []store.Row{{"channel_id": "c-nsfw", "name": "nsfw-zone"}}
	s.tables["messages"] = []store.Row{{"message_id": "m1", "channel_id": "c-nsfw", "author_id": "author1", "content": "x", "attachments": "[]"}}
	notifier := newFakeNotifier()
	o := New(s, notifier, &fakeModerator{allow: true}, nil, Config{TriggerEmoji: "🔁"})

	require.NoError(t, o.TriggerReaction(context.Background(), "🔁", "m1", "c-nsfw", "reactor1"))
	require.Empty(t, notifier.dms)
}

func TestTriggerReaction_SecondTriggerWhileBusyIsRefused(t *testing.T) {
	s := newFakeStore()
	seedMessageAndAuthor(s, "m1", "c1", "author1", nil, true)
	notifier := newFakeNotifier()
	o := New(s, notifier, &fakeModerator{allow: true}, nil, Config{TriggerEmoji: "🔁"})

	require.NoError(t, o.TriggerReaction(context.Background(), "🔁", "m1", "c1", "reactor1"))
	require.NoError(t, o.TriggerReaction(context.Background(), "🔁", "m1", "c1", "reactor2"))

	require.Len(t, notifier.dms["reactor2"], 1)
	require.Contains(t, notifier.dms["reactor2"][0], "already in progress")
}

func TestFullFlow_FirstAskWithConsentAndComment(t *testing.T) {
	s := newFakeStore()
	seedMessageAndAuthor(s, "m1", "c1", "author1", nil, true)
	notifier := newFakeNotifier()
	moderator := &fakeModerator{allow: true}
	pub := &fakePublisher{name: "x"}

	o := New(s, notifier, moderator, []Publisher{pub}, Config{TriggerEmoji: "🔁"})
	ctx := context.Background()

	require.NoError(t, o.TriggerReaction(ctx, "🔁", "m1", "c1", "reactor1"))
	require.Len(t, notifier.dms["reactor1"], 1)

	require.NoError(t, o.OnReactorComment(ctx, "reactor1", "love this one"))
	require.Len(t, notifier.dms["author1"], 1) // consent prompt

	require.NoError(t, o.OnAuthorConsent(ctx, "author1", true))

	require.Len(t, pub.sent, 1)
	require.Contains(t, pub.sent[0], "love this one")
	require.Contains(t, pub.sent[0], "Generation by")
	require.NotEmpty(t, notifier.dms["reactor1"]) // published link DM
}

func TestModerate_BlockedNotifiesReactorAndAdmin(t *testing.T) {
	s := newFakeStore()
	seedMessageAndAuthor(s, "m1", "c1", "author1", boolPtr(true), true)
	notifier := newFakeNotifier()
	moderator := &fakeModerator{allow: false}
	pub := &fakePublisher{name: "x"}

	o := New(s, notifier, moderator, []Publisher{pub}, Config{TriggerEmoji: "🔁", AdminUserID: "admin1"})
	require.NoError(t, o.TriggerReaction(context.Background(), "🔁", "m1", "c1", "reactor1"))
	require.NoError(t, o.OnReactorComment(context.Background(), "reactor1", "n"))

	require.Empty(t, pub.sent)
	require.NotEmpty(t, notifier.dms["reactor1"])
	require.Len(t, notifier.dms["admin1"], 1)
	require.Contains(t, notifier.dms["admin1"][0], "Content Flagged by LLM")
	require.Contains(t, notifier.dms["admin1"][0], "decision=no")
	require.Contains(t, notifier.dms["admin1"][0], "reason=reason")
}

func TestModerate_TransportErrorFailsOpen(t *testing.T) {
	s := newFakeStore()
	seedMessageAndAuthor(s, "m1", "c1", "author1", boolPtr(true), true)
	notifier := newFakeNotifier()
	moderator := &fakeModerator{allow: false, err: assertErr}
	pub := &fakePublisher{name: "x"}

	o := New(s, notifier, moderator, []Publisher{pub}, Config{TriggerEmoji: "🔁"})
	require.NoError(t, o.TriggerReaction(context.Background(), "🔁", "m1", "c1", "reactor1"))
	require.NoError(t, o.OnReactorComment(context.Background(), "reactor1", "n"))

	require.Len(t, pub.sent, 1) // transport error treated as allow
}

func TestComposeText_NoCommentElision(t *testing.T) {
	require.Equal(t, "Generation by @artist", composeText("", "@artist"))
	require.Equal(t, "nice\n\nGeneration by @artist", composeText("nice", "@artist"))
}

func TestExtractHandle_FromURLAtAndBareForm(t *testing.T) {
	require.Equal(t, "artist", extractHandle("https://x.com/artist"))
	require.Equal(t, "artist", extractHandle("@artist"))
	require.Equal(t, "artist", extractHandle("artist"))
}
