package curator

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chronicle/internal/store"
)

// --- fake Store, mirroring internal/sharing's test fake ---

type fakeStore struct{ tables map[string][]store.Row }

func newFakeStore() *fakeStore { return &fakeStore{tables: map[string][]store.Row{}} }

func (s *fakeStore) Table(name string) store.Query { return &fakeQuery{s: s, table: name} }
func (s *fakeStore) Bucket(name string) store.Bucket { return &fakeBucket{name: name} }
func (s *fakeStore) Close() error                    { return nil }

type fakeBucket struct{ name string }

func (b *fakeBucket) Upload(_ context.Context, path string, _ []byte, _ string) (string, error) {
	return "https://bucket/" + b.name + "/" + path, nil
}
func (b *fakeBucket) PublicURL(path string) string { return "https://bucket/" + b.name + "/" + path }

type fakeQuery struct {
	s       *fakeStore
	table   string
	filters []store.Filter
}

func (q *fakeQuery) clone() *fakeQuery { c := *q; return &c }
func (q *fakeQuery) Select(...string) store.Query { return q }
func (q *fakeQuery) eqFilter(col string, v any) store.Query {
	n := q.clone()
	n.filters = append(n.filters, store.Filter{Column: col, Op: store.OpEq, Value: v})
	return n
}
func (q *fakeQuery) Eq(col string, v any) store.Query  { return q.eqFilter(col, v) }
func (q *fakeQuery) Neq(string, any) store.Query       { return q }
func (q *fakeQuery) Gte(string, any) store.Query       { return q }
func (q *fakeQuery) Lte(string, any) store.Query       { return q }
func (q *fakeQuery) Gt(string, any) store.Query        { return q }
func (q *fakeQuery) Lt(string, any) store.Query        { return q }
func (q *fakeQuery) In(string, ...any) store.Query     { return q }
func (q *fakeQuery) ILike(string, string) store.Query  { return q }
func (q *fakeQuery) Or(...store.Filter) store.Query    { return q }
func (q *fakeQuery) Order(string, bool) store.Query    { return q }
func (q *fakeQuery) Range(int, int) store.Query        { return q }
func (q *fakeQuery) Limit(int) store.Query             { return q }

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

// --- fake Notifier ---

type fakeNotifier struct {
	dms      map[string][]string
	deleted  []string
	dmChanID string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{dms: map[string][]string{}, dmChanID: "dmchan"}
}
func (n *fakeNotifier) OpenDM(context.Context, string) (string, error) { return n.dmChanID, nil }
func (n *fakeNotifier) SendMessage(_ context.Context, channelID, content string) (string, error) {
	n.dms[channelID] = append(n.dms[channelID], content)
	return "msg", nil
}
func (n *fakeNotifier) SendDM(_ context.Context, userID, content string) (string, error) {
	n.dms[userID] = append(n.dms[userID], content)
	return "dm", nil
}
func (n *fakeNotifier) DeleteMessage(_ context.Context, _, messageID string) error {
	n.deleted = append(n.deleted, messageID)
	return nil
}

// --- fake Fetcher ---

type fakeFetcher struct{ byURL map[string][]byte }

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if d, ok := f.byURL[url]; ok {
		return d, nil
	}
	return nil, errNotFound
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const errNotFound = staticErr("not found")

func seedJSONWorkflowMessage(s *fakeStore, f *fakeFetcher, messageID, channelID, authorID string) {
	s.tables["channels"] = append(s.tables["channels"], store.Row{"channel_id": channelID, "name": "generations"})
	s.tables["messages"] = append(s.tables["messages"], store.Row{
		"message_id": messageID, "channel_id": channelID, "author_id": authorID, "content": "my new workflow",
		"attachments": `[{"id":"a1","filename":"flow.json","url":"https://cdn/flow.json","content_type":"application/json"}]`,
		"created_at":  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), "is_deleted": false, "jump_url": "https://discord.com/x",
	})
	f.byURL["https://cdn/flow.json"] = []byte(`{"nodes":[]}`)
}

func TestTriggerReaction_NoWorkflowSourceIsNoop(t *testing.T) {
	s := newFakeStore()
	s.tables["channels"] = []store.Row{{"channel_id": "c1", "name": "general"}}
	s.tables["messages"] = []store.Row{{"message_id": "m1", "channel_id": "c1", "author_id": "a1", "content": "hi", "attachments": "[]"}}
	notifier := newFakeNotifier()
	c := New(s, nil, notifier, &fakeFetcher{byURL: map[string][]byte{}}, nil, Config{TriggerEmoji: "🗂️"})

	require.NoError(t, c.TriggerReaction(context.Background(), "🗂️", "m1", "c1", "curator1"))
	require.Empty(t, notifier.dms)
}

func TestTriggerReaction_OptedOutAuthorSkipsConsentDM(t *testing.T) {
	s := newFakeStore()
	f := &fakeFetcher{byURL: map[string][]byte{}}
	seedJSONWorkflowMessage(s, f, "m1", "c1", "author1")
	s.tables["members"] = []store.Row{{"member_id": "author1", "permission_to_curate": false}}
	notifier := newFakeNotifier()
	c := New(s, nil, notifier, f, nil, Config{TriggerEmoji: "🗂️"})

	require.NoError(t, c.TriggerReaction(context.Background(), "🗂️", "m1", "c1", "curator1"))

	require.Empty(t, notifier.dms["author1"])
	require.Len(t, notifier.dms["curator1"], 1)
	require.Contains(t, notifier.dms["curator1"][0], "opted out")
}

func TestTriggerReaction_SendsConsentDMAndOnAuthorReplyDeclineOptsOut(t *testing.T) {
	s := newFakeStore()
	f := &fakeFetcher{byURL: map[string][]byte{}}
	seedJSONWorkflowMessage(s, f, "m1", "c1", "author1")
	s.tables["members"] = []store.Row{{"member_id": "author1", "permission_to_curate": true}}
	notifier := newFakeNotifier()
	c := New(s, nil, notifier, f, nil, Config{TriggerEmoji: "🗂️"})
	ctx := context.Background()

	require.NoError(t, c.TriggerReaction(ctx, "🗂️", "m1", "c1", "curator1"))
	require.Len(t, notifier.dms["dmchan"], 1)

	require.NoError(t, c.OnAuthorReply(ctx, "author1", "no thanks"))

	require.Len(t, notifier.deleted, 1) // consent DM deleted
	rows, _ := s.Table("members").Eq("member_id", "author1").Execute(ctx)
	require.Len(t, rows, 1)
	require.Equal(t, false, rows[0]["permission_to_curate"])
}

func TestTriggerReaction_ConfirmUploadsWorkflowAndInsertsAsset(t *testing.T) {
	s := newFakeStore()
	f := &fakeFetcher{byURL: map[string][]byte{}}
	seedJSONWorkflowMessage(s, f, "m1", "c1", "author1")
	notifier := newFakeNotifier()
	catalog := &Catalog{Models: []CatalogEntry{{Name: "flux", Variants: []string{"dev"}}}}
	c := New(s, nil, notifier, f, catalog, Config{TriggerEmoji: "🗂️"})
	ctx := context.Background()

	require.NoError(t, c.TriggerReaction(ctx, "🗂️", "m1", "c1", "curator1"))
	require.NoError(t, c.OnAuthorReply(ctx, "author1", "yes"))

	assets, _ := s.Table("assets").Execute(ctx)
	require.Len(t, assets, 1)
	require.Equal(t, "author1", assets[0]["owner_member_id"])
	require.Equal(t, "m1", assets[0]["source_message_id"])

	media, _ := s.Table("asset_media").Execute(ctx)
	require.NotEmpty(t, media)
	var sawWorkflow bool
	for _, m := range media {
		if m["bucket"] == "workflows" {
			sawWorkflow = true
		}
	}
	require.True(t, sawWorkflow, "expected a workflows-bucket asset_media row")

	require.NotEmpty(t, notifier.dms["author1"])
	require.NotEmpty(t, notifier.dms["curator1"])
}

func TestTriggerReaction_SecondTriggerWhileBusyIsIgnored(t *testing.T) {
	s := newFakeStore()
	f := &fakeFetcher{byURL: map[string][]byte{}}
	seedJSONWorkflowMessage(s, f, "m1", "c1", "author1")
	notifier := newFakeNotifier()
	c := New(s, nil, notifier, f, nil, Config{TriggerEmoji: "🗂️"})
	ctx := context.Background()

	require.NoError(t, c.TriggerReaction(ctx, "🗂️", "m1", "c1", "curator1"))
	require.NoError(t, c.TriggerReaction(ctx, "🗂️", "m1", "c1", "curator2"))

	require.Len(t, notifier.dms["dmchan"], 1) // second trigger produced no new consent DM
}

// --- PNG embedded-workflow extraction ---

func buildPNGWithText(t *testing.T, keyword, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(pngSignature)

	writeChunk := func(chunkType string, data []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
		buf.Write(lenBuf[:])
		buf.WriteString(chunkType)
		buf.Write(data)
		crc := crc32.NewIEEE()
		crc.Write([]byte(chunkType))
		crc.Write(data)
		var crcBuf [4]byte
		binary.BigEndian.PutUint32(crcBuf[:], crc.Sum32())
		buf.Write(crcBuf[:])
	}

	payload := append([]byte(keyword), 0)
	payload = append(payload, []byte(text)...)
	writeChunk("tEXt", payload)
	writeChunk("IEND", nil)
	return buf.Bytes()
}

func TestExtractEmbeddedWorkflow_FindsTextChunk(t *testing.T) {
	data := buildPNGWithText(t, "workflow", `{"nodes":[1,2,3]}`)
	text, ok := ExtractEmbeddedWorkflow(data)
	require.True(t, ok)
	require.Equal(t, `{"nodes":[1,2,3]}`, text)
}

func TestExtractEmbeddedWorkflow_IgnoresUnrelatedKeyword(t *testing.T) {
	data := buildPNGWithText(t, "Comment", "just a caption")
	_, ok := ExtractEmbeddedWorkflow(data)
	require.False(t, ok)
}

func TestExtractEmbeddedWorkflow_RejectsNonPNG(t *testing.T) {
	_, ok := ExtractEmbeddedWorkflow([]byte("not a png"))
	require.False(t, ok)
}

// --- catalog ---

func TestCatalog_ContainsAndVariants(t *testing.T) {
	c := &Catalog{Models: []CatalogEntry{{Name: "flux", Variants: []string{"dev", "schnell"}}}}
	require.True(t, c.Contains("flux"))
	require.False(t, c.Contains("sdxl"))
	require.Equal(t, []string{"dev", "schnell"}, c.Variants("flux"))
}
