// Package indexer is the Indexer (spec.md §4.5, C5): it converts gateway
// events into idempotent store writes, batching for throughput and
// isolating single-event failures so one bad write never stalls the feed.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chronicle/internal/gateway"
	"github.com/nextlevelbuilder/chronicle/internal/model"
	"github.com/nextlevelbuilder/chronicle/internal/store"
)

// tracer and messagesIndexed are registered against the global otel
// providers (SPEC_FULL.md §2): a no-op until cmd/serve.go's
// telemetry.Setup installs real ones, since otel.Tracer/Meter return
// delegating handles that pick up whatever provider is current at
// Start()/Add() time, not at registration time.
var (
	tracer          = otel.Tracer("chronicle/indexer")
	meter           = otel.Meter("chronicle/indexer")
	messagesIndexed metric.Int64Counter
)

func init() {
	var err error
	messagesIndexed, err = meter.Int64Counter("chronicle.indexer.messages_indexed",
		metric.WithDescription("rows flushed to the store by the indexer"))
	if err != nil {
		messagesIndexed, _ = meter.Int64Counter("chronicle.indexer.messages_indexed")
	}
}

// flushSize and flushInterval implement spec.md §5's batching policy:
// "flushes on either size or 500ms timer".
const (
	flushSize     = 100
	flushInterval = 500 * time.Millisecond

	// circuitBreakerThreshold and coolOff implement spec.md §4.5's
	// failure model: "a run of N consecutive failures trips a circuit
	// breaker that pauses ingestion for a cool-off period".
	circuitBreakerThreshold = 10
	coolOff                 = 30 * time.Second
)

// job is one pending idempotent write, queued for batched flush.
type job struct {
	table      string
	onConflict []string
	row        store.Row
	eventDesc  string // for quarantine logging
}

// Indexer consumes gateway.Client.Events() and reflects them into Store.
type Indexer struct {
	store   store.Store
	gateway *gateway.Client
	onAlert func(reason string)

	// onReactionAdd is invoked after the reactor-set bookkeeping write,
	// once per ReactionAdd event, so the Sharing Orchestrator (C8) and
	// Workflow Curator (C12) can inspect the emoji without a second
	// subscriber on the single-consumer gateway event channel.
	onReactionAdd func(ctx context.Context, emoji, messageID, channelID, userID string)

	// onMessageCreate is invoked after the message is enqueued for every
	// MessageCreate event, so the Agent Loop (admin DMs), Sharing
	// Orchestrator (reactor/author DM replies) and Workflow Curator
	// (author DM replies) can all observe DM traffic without their own
	// subscriber on the single-consumer gateway event channel.
	onMessageCreate func(ctx context.Context, authorID, channelID, content string, isDM bool)

	mu                  sync.Mutex
	buffer              []job
	consecutiveFailures int
	pausedUntil         time.Time
}

// New creates an Indexer writing to st, reading gateway events from gw.
// onAlert is invoked when the circuit breaker trips (spec.md §4.5);
// cmd/serve.go passes a func that DMs the admin directly.
func New(st store.Store, gw *gateway.Client, onAlert func(reason string)) *Indexer {
	if onAlert == nil {
		onAlert = func(string) {}
	}
	return &Indexer{store: st, gateway: gw, onAlert: onAlert}
}

// OnReactionAdd registers fn to run after every ReactionAdd event's
// bookkeeping write. Only one subscriber is supported; cmd/serve.go fans
// the call out to the Sharing Orchestrator and Workflow Curator itself.
func (ix *Indexer) OnReactionAdd(fn func(ctx context.Context, emoji, messageID, channelID, userID string)) {
	ix.onReactionAdd = fn
}

// OnMessageCreate registers fn to run after every MessageCreate event's
// bookkeeping write. Only one subscriber is supported; cmd/serve.go fans
// the call out to whichever of the Agent Loop, Sharing Orchestrator, or
// Workflow Curator has an in-flight dialog with the message's author.
func (ix *Indexer) OnMessageCreate(fn func(ctx context.Context, authorID, channelID, content string, isDM bool)) {
	ix.onMessageCreate = fn
}

// Run consumes events until ctx is done, batching writes and flushing on
// size or the 500ms timer. It never returns until the event channel
// closes or ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ix.flush(context.Background())
			return ctx.Err()

		case <-ticker.C:
			ix.flush(ctx)

		case ev, ok := <-ix.gateway.Events():
			if !ok {
				ix.flush(context.Background())
				return nil
			}
			ix.waitOutCircuitBreaker(ctx)
			ix.handle(ctx, ev)
		}
	}
}

func (ix *Indexer) waitOutCircuitBreaker(ctx context.Context) {
	ix.mu.Lock()
	until := ix.pausedUntil
	ix.mu.Unlock()
	if until.IsZero() {
		return
	}
	d := time.Until(until)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// handle routes one gateway event to its store-write contract (spec.md
// §4.5's per-event table). Events whose write requires reading current
// state first (reaction recompute) are applied immediately rather than
// buffered, since they depend on a freshly-read row.
func (ix *Indexer) handle(ctx context.Context, ev gateway.Event) {
	switch ev.Type {
	case gateway.EventMessageCreate:
		ix.enqueueMessageCreate(ev.MessageCreate)
		if ix.onMessageCreate != nil && ev.MessageCreate != nil {
			p := ev.MessageCreate
			ix.onMessageCreate(ctx, p.AuthorID, p.ChannelID, p.Content, p.GuildID == "")
		}
	case gateway.EventMessageUpdate:
		ix.enqueueMessageUpdate(ev.MessageUpdate)
	case gateway.EventMessageDelete:
		ix.enqueueMessageDelete(ev.MessageDelete)
	case gateway.EventMemberUpdate:
		ix.enqueueMemberUpdate(ev.MemberUpdate)
	case gateway.EventReactionAdd:
		ix.applyReaction(ctx, ev.ReactionAdd, true)
		if ix.onReactionAdd != nil && ev.ReactionAdd != nil {
			p := ev.ReactionAdd
			ix.onReactionAdd(ctx, p.Emoji, p.MessageID, p.ChannelID, p.UserID)
		}
	case gateway.EventReactionRemove:
		ix.applyReaction(ctx, ev.ReactionRemove, false)
	}
}

func (ix *Indexer) enqueueMessageCreate(p *gateway.MessagePayload) {
	attachments, _ := json.Marshal(adaptAttachments(p.Attachments))
	embeds, _ := json.Marshal(adaptEmbeds(p.Embeds))

	ix.enqueue(job{
		table:      "channels",
		onConflict: []string{"channel_id"},
		row:        store.Row{"channel_id": p.ChannelID, "name": ""},
		eventDesc:  "channel upsert for " + p.ChannelID,
	})
	ix.enqueue(job{
		table:      "members",
		onConflict: []string{"member_id"},
		row: store.Row{
			"member_id": p.AuthorID, "username": p.AuthorName,
			"discord_created_at": time.Now().UTC(), "dm_preference": true,
		},
		eventDesc: "author upsert for " + p.AuthorID,
	})

	row := store.Row{
		"message_id": p.MessageID, "channel_id": p.ChannelID, "author_id": p.AuthorID,
		"content": p.Content, "created_at": p.CreatedAt, "attachments": string(attachments),
		"embeds": string(embeds), "reaction_count": 0, "reactors": "[]",
		"is_pinned": p.IsPinned, "is_deleted": false, "jump_url": p.JumpURL,
		"indexed_at": time.Now().UTC(),
	}
	if p.EditedAt != nil {
		row["edited_at"] = *p.EditedAt
	}
	if p.ReferenceID != nil {
		row["reference_id"] = *p.ReferenceID
	}
	if p.ThreadID != nil {
		row["thread_id"] = *p.ThreadID
	}
	ix.enqueue(job{table: "messages", onConflict: []string{"message_id"}, row: row, eventDesc: "message " + p.MessageID})
}

func (ix *Indexer) enqueueMessageUpdate(p *gateway.MessagePayload) {
	embeds, _ := json.Marshal(adaptEmbeds(p.Embeds))
	set := store.Row{"content": p.Content, "embeds": string(embeds)}
	if p.EditedAt != nil {
		set["edited_at"] = *p.EditedAt
	}
	ix.enqueueUpdate("messages", "message_id", p.MessageID, set, "message update "+p.MessageID)
}

func (ix *Indexer) enqueueMessageDelete(p *gateway.MessageDeletePayload) {
	ix.enqueueUpdate("messages", "message_id", p.MessageID, store.Row{"is_deleted": true}, "message delete "+p.MessageID)
}

func (ix *Indexer) enqueueMemberUpdate(p *gateway.MemberPayload) {
	roleIDs, _ := json.Marshal(p.RoleIDs)
	row := store.Row{
		"member_id": p.MemberID, "username": p.Username,
		"discord_created_at": p.DiscordCreatedAt, "role_ids": string(roleIDs),
	}
	if p.GlobalName != nil {
		row["global_name"] = *p.GlobalName
	}
	if p.ServerNick != nil {
		row["server_nick"] = *p.ServerNick
	}
	if p.GuildJoinDate != nil {
		row["guild_join_date"] = *p.GuildJoinDate
	}
	ix.enqueue(job{table: "members", onConflict: []string{"member_id"}, row: row, eventDesc: "member update " + p.MemberID})
}

// enqueueUpdate is a convenience wrapper since updates (unlike inserts)
// aren't expressible as a single Upsert row; they're queued in the same
// buffer but applied one Update per job at flush time, since
// store.Query.Update has no multi-row form.
func (ix *Indexer) enqueueUpdate(table, keyCol, keyVal string, set store.Row, desc string) {
	ix.enqueue(job{table: table, onConflict: nil, row: mergeKey(keyCol, keyVal, set), eventDesc: desc})
}

func mergeKey(keyCol, keyVal string, set store.Row) store.Row {
	row := store.Row{"__key_col": keyCol, "__key_val": keyVal}
	for k, v := range set {
		row[k] = v
	}
	return row
}

func (ix *Indexer) enqueue(j job) {
	ix.mu.Lock()
	ix.buffer = append(ix.buffer, j)
	full := len(ix.buffer) >= flushSize
	ix.mu.Unlock()
	if full {
		ix.flush(context.Background())
	}
}

// flush executes every buffered job. It first tries the whole batch via
// one Upsert call per table/onConflict group for throughput, falling
// back to per-row execution on failure so a single bad row only
// quarantines that row's event — spec.md §4.5 / §7 "partial batch".
func (ix *Indexer) flush(ctx context.Context) {
	ix.mu.Lock()
	jobs := ix.buffer
	ix.buffer = nil
	ix.mu.Unlock()

	if len(jobs) == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, "indexer.flush",
		oteltrace.WithAttributes(attribute.Int("chronicle.batch_size", len(jobs))))
	defer span.End()
	messagesIndexed.Add(ctx, int64(len(jobs)))

	type groupKey struct {
		table string
		nUp   bool
	}
	groups := make(map[groupKey][]job)
	var order []groupKey
	for _, j := range jobs {
		k := groupKey{table: j.table, nUp: j.onConflict != nil}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], j)
	}

	for _, k := range order {
		js := groups[k]
		if !k.nUp {
			for _, j := range js {
				ix.applyRawUpdate(ctx, j)
			}
			continue
		}

		onConflict := js[0].onConflict
		rows := make([]store.Row, len(js))
		for i, j := range js {
			rows[i] = j.row
		}
		if err := ix.store.Table(k.table).Upsert(ctx, onConflict, rows...); err != nil {
			for _, j := range js {
				ix.applySingleUpsert(ctx, j)
			}
			continue
		}
		ix.noteSuccess()
	}
}

func (ix *Indexer) applySingleUpsert(ctx context.Context, j job) {
	if err := ix.store.Table(j.table).Upsert(ctx, j.onConflict, j.row); err != nil {
		ix.quarantine(ctx, j, err)
		return
	}
	ix.noteSuccess()
}

func (ix *Indexer) applyRawUpdate(ctx context.Context, j job) {
	keyCol, _ := j.row["__key_col"].(string)
	keyVal, _ := j.row["__key_val"].(string)
	set := store.Row{}
	for k, v := range j.row {
		if k == "__key_col" || k == "__key_val" {
			continue
		}
		set[k] = v
	}
	if err := ix.store.Table(j.table).Eq(keyCol, keyVal).Update(ctx, set); err != nil {
		ix.quarantine(ctx, j, err)
		return
	}
	ix.noteSuccess()
}

func (ix *Indexer) noteSuccess() {
	ix.mu.Lock()
	ix.consecutiveFailures = 0
	ix.mu.Unlock()
}

func (ix *Indexer) quarantine(ctx context.Context, j job, writeErr error) {
	slog.Error("indexer: quarantining event", "event", j.eventDesc, "error", writeErr)
	payload, _ := json.Marshal(j.row)
	_ = ix.store.Table("quarantined_events").Insert(ctx, store.Row{
		"id":          fmt.Sprintf("%s-%d", j.eventDesc, time.Now().UnixNano()),
		"event_type":  j.table,
		"payload":     string(payload),
		"reason":      writeErr.Error(),
		"occurred_at": time.Now().UTC(),
	})

	ix.mu.Lock()
	ix.consecutiveFailures++
	trip := ix.consecutiveFailures >= circuitBreakerThreshold
	if trip {
		ix.pausedUntil = time.Now().Add(coolOff)
		ix.consecutiveFailures = 0
	}
	ix.mu.Unlock()

	if trip {
		ix.onAlert(fmt.Sprintf("indexer circuit breaker tripped after %d consecutive failures; pausing %s", circuitBreakerThreshold, coolOff))
	}
}

func adaptAttachments(as []gateway.Attachment) []model.Attachment {
	out := make([]model.Attachment, 0, len(as))
	for _, a := range as {
		m := model.Attachment{ID: a.ID, Filename: a.Filename, ContentType: a.ContentType, URL: a.URL, Size: a.Size}
		if a.Width > 0 {
			w := a.Width
			m.Width = &w
		}
		if a.Height > 0 {
			h := a.Height
			m.Height = &h
		}
		out = append(out, m)
	}
	return out
}

func adaptEmbeds(es []gateway.Embed) []model.Embed {
	out := make([]model.Embed, 0, len(es))
	for _, e := range es {
		out = append(out, model.Embed{Title: e.Title, Description: e.Description, URL: e.URL})
	}
	return out
}
