// Package gateway is the resilient Discord session (spec.md §4.4, C4):
// heartbeat/resume/reconnect riding on discordgo's own session management,
// with an explicit connection-state machine layered on top so the rest of
// the system (health checks, indexer circuit breaker) can observe it, and
// every outbound REST call routed through the Rate Limiter (C3).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chronicle/internal/model"
	"github.com/nextlevelbuilder/chronicle/internal/ratelimit"
)

// State is one of the gateway session states (spec.md §4.4).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateResuming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateResuming:
		return "resuming"
	default:
		return "disconnected"
	}
}

// workerPoolSize bounds the handler fan-out pool so a slow handler cannot
// starve the goroutine that owns the socket (spec.md §4.4 concurrency).
const workerPoolSize = 8

// eventQueueSize is the gateway event queue's configured size (spec.md §5
// Backpressure: "default 512").
const eventQueueSize = 512

// restRatePerSecond and restBurst bound steady-state outbound REST
// concurrency per Discord's global ~50 req/s budget — a token bucket
// layered under the Rate Limiter (C3)'s per-key exponential backoff: the
// bucket smooths steady-state send rate, the backoff reacts to failures
// (SPEC_FULL.md §3).
const (
	restRatePerSecond = 45
	restBurst         = 10
)

// Client wraps a discordgo.Session with an explicit state machine, a
// bounded worker pool for event dispatch, and a rate-limited REST facade.
type Client struct {
	session    *discordgo.Session
	limiter    *ratelimit.Limiter
	restTokens *rate.Limiter
	botID      string

	mu          sync.RWMutex
	state       State
	sessionID   string
	lastHeartbeatACK time.Time

	events chan Event
	jobs   chan func()

	closed atomic.Bool
}

// New creates a Client authenticated with token, requesting the intents
// the Indexer and Sharing Orchestrator need: guild messages, message
// content, reactions, and members.
func New(token string, limiter *ratelimit.Limiter) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("gateway: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent |
		discordgo.IntentsDirectMessages

	c := &Client{
		session:    session,
		limiter:    limiter,
		restTokens: rate.NewLimiter(rate.Limit(restRatePerSecond), restBurst),
		state:      StateDisconnected,
		events:     make(chan Event, eventQueueSize),
		jobs:       make(chan func(), eventQueueSize),
	}
	c.registerHandlers()
	return c, nil
}

// Events returns the subscriber stream. Consumers (Indexer, Sharing
// Orchestrator, Agent Loop) each drain independently by fanning this
// channel out themselves, or a single multiplexer does it for them —
// Client itself only guarantees in-order delivery per channel_id, per
// spec.md §5 ("within a single channel, MessageCreate events are
// processed in gateway order").
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// BotUserID returns the bot's own snowflake, populated once READY fires.
// The Indexer uses this to exclude the bot from Message.Reactors.
func (c *Client) BotUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect opens the gateway session and starts the handler worker pool.
// It blocks until either READY fires or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	for i := 0; i < workerPoolSize; i++ {
		go c.worker()
	}

	if err := c.session.Open(); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("gateway: open: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.readyOnce():
		return nil
	}
}

// readyOnce returns a channel closed the first time State becomes Ready.
// It polls rather than adding another handler registration so Connect's
// caller doesn't race AddHandlerOnce's removal.
func (c *Client) readyOnce() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(20 * time.Millisecond)
		defer t.Stop()
		for range t.C {
			if c.State() == StateReady {
				close(done)
				return
			}
		}
	}()
	return done
}

func (c *Client) worker() {
	for job := range c.jobs {
		if job == nil {
			return
		}
		job()
	}
}

// Close shuts down the gateway session and stops the worker pool.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.jobs)
	c.setState(StateDisconnected)
	return c.session.Close()
}

func (c *Client) registerHandlers() {
	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		c.mu.Lock()
		c.state = StateReady
		c.sessionID = r.SessionID
		c.botID = r.User.ID
		c.lastHeartbeatACK = time.Now()
		c.mu.Unlock()
		slog.Info("gateway ready", "session_id", r.SessionID, "bot_id", r.User.ID)
	})

	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		c.setState(StateReady)
		slog.Info("gateway resumed")
	})

	c.session.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		// discordgo's own transport auto-reconnects; per spec.md §4.4 we
		// rely on that and do not double-reconnect here. We only reflect
		// the state for health checks.
		c.setState(StateDisconnected)
		slog.Warn("gateway disconnected")
	})

	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.RateLimit) {
		slog.Warn("gateway rate limited")
	})

	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.dispatch(func() { c.emitMessageCreate(m.Message) })
	})
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
		c.dispatch(func() { c.emitMessageUpdate(m.Message) })
	})
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
		c.dispatch(func() {
			c.events <- Event{Type: EventMessageDelete, MessageDelete: &MessageDeletePayload{
				MessageID: m.ID, ChannelID: m.ChannelID,
			}}
		})
	})
	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		c.dispatch(func() {
			if r.UserID == c.BotUserID() {
				return // the bot never reacts to itself, but guard anyway
			}
			c.events <- Event{Type: EventReactionAdd, ReactionAdd: &ReactionPayload{
				MessageID: r.MessageID, ChannelID: r.ChannelID, UserID: r.UserID, Emoji: r.Emoji.Name,
			}}
		})
	})
	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
		c.dispatch(func() {
			c.events <- Event{Type: EventReactionRemove, ReactionRemove: &ReactionPayload{
				MessageID: r.MessageID, ChannelID: r.ChannelID, UserID: r.UserID, Emoji: r.Emoji.Name,
			}}
		})
	})
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MemberUpdate) {
		c.dispatch(func() { c.emitMemberUpdate(m.Member) })
	})
}

// dispatch queues job on the worker pool so a slow handler never blocks
// the goroutine discordgo uses for heartbeats (spec.md §4.4 concurrency).
func (c *Client) dispatch(job func()) {
	if c.closed.Load() {
		return
	}
	select {
	case c.jobs <- job:
	default:
		// Queue full: apply backpressure by dropping the oldest semantics
		// would violate ordering, so instead we block briefly — Discord's
		// documented backpressure behavior is to delay ACKs, which a full
		// queue here approximates by slowing event consumption.
		c.jobs <- job
	}
}

func (c *Client) emitMessageCreate(m *discordgo.Message) {
	c.events <- Event{Type: EventMessageCreate, MessageCreate: adaptMessage(m)}
}

func (c *Client) emitMessageUpdate(m *discordgo.Message) {
	c.events <- Event{Type: EventMessageUpdate, MessageUpdate: adaptMessage(m)}
}

func adaptMessage(m *discordgo.Message) *MessagePayload {
	p := &MessagePayload{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		AuthorID:  "",
		Content:   m.Content,
		JumpURL:   model.JumpURL(m.GuildID, m.ChannelID, m.ID),
	}
	if m.Author != nil {
		p.AuthorID = m.Author.ID
		p.AuthorName = m.Author.Username
	}
	if t, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
		p.CreatedAt = t
	}
	if m.EditedTimestamp != nil {
		p.EditedAt = m.EditedTimestamp
	}
	if m.MessageReference != nil {
		ref := m.MessageReference.MessageID
		p.ReferenceID = &ref
	}
	for _, a := range m.Attachments {
		p.Attachments = append(p.Attachments, Attachment{
			ID: a.ID, Filename: a.Filename, ContentType: a.ContentType,
			URL: a.URL, Size: int64(a.Size), Width: a.Width, Height: a.Height,
		})
	}
	for _, e := range m.Embeds {
		p.Embeds = append(p.Embeds, Embed{Title: e.Title, Description: e.Description, URL: e.URL})
	}
	if m.Thread != nil {
		tid := m.Thread.ID
		p.ThreadID = &tid
	}
	p.IsPinned = m.Pinned
	return p
}

func emitMemberPayload(mem *discordgo.Member) *MemberPayload {
	p := &MemberPayload{RoleIDs: mem.Roles}
	if mem.User != nil {
		p.MemberID = mem.User.ID
		p.Username = mem.User.Username
		if mem.User.GlobalName != "" {
			gn := mem.User.GlobalName
			p.GlobalName = &gn
		}
		if t, err := discordgo.SnowflakeTimestamp(mem.User.ID); err == nil {
			p.DiscordCreatedAt = t
		}
	}
	if mem.Nick != "" {
		nick := mem.Nick
		p.ServerNick = &nick
	}
	if !mem.JoinedAt.IsZero() {
		joined := mem.JoinedAt
		p.GuildJoinDate = &joined
	}
	return p
}

func (c *Client) emitMemberUpdate(mem *discordgo.Member) {
	c.events <- Event{Type: EventMemberUpdate, MemberUpdate: emitMemberPayload(mem)}
}
