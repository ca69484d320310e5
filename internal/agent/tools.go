package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chronicle/internal/model"
	"github.com/nextlevelbuilder/chronicle/internal/store"
	"github.com/nextlevelbuilder/chronicle/internal/topcontent"
)

// ShareInvoker is the narrow seam into the Sharing Orchestrator's
// pre-approved publish path (spec.md §4.9: "share_to_social ... invokes
// C8's pre-approved publish path").
type ShareInvoker interface {
	SharePreApproved(ctx context.Context, messageID, actorID string) error
}

// TopContentQuerier is the narrow seam into the Top-Content Selector.
type TopContentQuerier interface {
	Query(ctx context.Context, p topcontent.Params) ([]topcontent.Item, error)
}

// RefreshPort is the narrow seam into the Indexer's URL refresh.
type RefreshPort interface {
	Refresh(ctx context.Context, messageID string) ([]model.Attachment, error)
}

// StatusProvider reports process liveness for get_bot_status, implemented
// by the wiring layer (cmd/) which owns the gateway session and process
// start time.
type StatusProvider interface {
	Uptime() time.Duration
	Latency() time.Duration
	GuildCount() int
}

// shareTool implements share_to_social.
type shareTool struct {
	share   ShareInvoker
	adminID string
}

func (shareTool) Name() string { return "share_to_social" }
func (t shareTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		MessageID   string `json:"message_id"`
		MessageLink string `json:"message_link"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	id := p.MessageID
	if id == "" {
		id = lastPathSegment(p.MessageLink)
	}
	if id == "" {
		return "", fmt.Errorf("message_id or message_link required")
	}
	if err := t.share.SharePreApproved(ctx, id, t.adminID); err != nil {
		return "", err
	}
	return "shared", nil
}

func lastPathSegment(url string) string {
	parts := strings.Split(strings.TrimRight(url, "/"), "/")
	return parts[len(parts)-1]
}

// topMessagesTool implements get_top_messages.
type topMessagesTool struct{ selector TopContentQuerier }

func (topMessagesTool) Name() string { return "get_top_messages" }
func (t topMessagesTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		ChannelID    string `json:"channel_id"`
		Days         int    `json:"days"`
		MinReactions int    `json:"min_reactions"`
		Limit        int    `json:"limit"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
	}
	if p.Days == 0 {
		p.Days = 7
	}
	if p.MinReactions == 0 {
		p.MinReactions = 3
	}
	if p.Limit == 0 {
		p.Limit = 20
	}

	end := time.Now().UTC()
	items, err := t.selector.Query(ctx, topcontent.Params{
		ChannelID: p.ChannelID, Start: end.Add(-time.Duration(p.Days) * 24 * time.Hour), End: end,
		MinUniqueReactors: p.MinReactions, Limit: p.Limit,
	})
	if err != nil {
		return "", err
	}
	return marshalResult(items)
}

// searchContentTool implements search_content, an ILIKE query via the
// storage port.
type searchContentTool struct{ store store.Store }

func (searchContentTool) Name() string { return "search_content" }
func (t searchContentTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Query string `json:"query"`
		Days  int    `json:"days"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if p.Query == "" {
		return "", fmt.Errorf("query required")
	}
	if p.Days == 0 {
		p.Days = 30
	}
	if p.Limit == 0 {
		p.Limit = 20
	}

	since := time.Now().UTC().Add(-time.Duration(p.Days) * 24 * time.Hour)
	rows, err := t.store.Table("messages").
		ILike("content", "%"+p.Query+"%").
		Gte("created_at", since).
		Eq("is_deleted", false).
		Order("created_at", true).
		Limit(p.Limit).
		Execute(ctx)
	if err != nil {
		return "", err
	}
	return marshalResult(rows)
}

// messageContextTool implements get_message_context: the target message,
// its replies (reference_id == message_id), and its channel neighbors.
type messageContextTool struct{ store store.Store }

func (messageContextTool) Name() string { return "get_message_context" }
func (t messageContextTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		MessageID  string `json:"message_id"`
		Surrounding int   `json:"surrounding"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if p.MessageID == "" {
		return "", fmt.Errorf("message_id required")
	}
	if p.Surrounding == 0 {
		p.Surrounding = 5
	}

	target, err := t.store.Table("messages").Eq("message_id", p.MessageID).Execute(ctx)
	if err != nil {
		return "", err
	}
	if len(target) == 0 {
		return "", fmt.Errorf("message %s not found", p.MessageID)
	}
	channelID := str(target[0]["channel_id"])

	replies, err := t.store.Table("messages").Eq("reference_id", p.MessageID).Execute(ctx)
	if err != nil {
		return "", err
	}

	at := target[0]["created_at"]
	before, err := t.store.Table("messages").Eq("channel_id", channelID).Lt("created_at", at).
		Order("created_at", true).Limit(p.Surrounding).Execute(ctx)
	if err != nil {
		return "", err
	}
	after, err := t.store.Table("messages").Eq("channel_id", channelID).Gt("created_at", at).
		Order("created_at", false).Limit(p.Surrounding).Execute(ctx)
	if err != nil {
		return "", err
	}
	neighbors := append(before, after...)

	return marshalResult(map[string]any{"message": target[0], "replies": replies, "neighbors": neighbors})
}

// activeChannelsTool implements get_active_channels, ranking channels by
// 24h message volume.
type activeChannelsTool struct{ store store.Store }

func (activeChannelsTool) Name() string { return "get_active_channels" }
func (t activeChannelsTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Days int `json:"days"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &p); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
	}
	if p.Days == 0 {
		p.Days = 1
	}
	since := time.Now().UTC().Add(-time.Duration(p.Days) * 24 * time.Hour)

	rows, err := t.store.Table("messages").Gte("created_at", since).Eq("is_deleted", false).Execute(ctx)
	if err != nil {
		return "", err
	}
	counts := make(map[string]int)
	for _, r := range rows {
		counts[str(r["channel_id"])]++
	}

	var out []rankedChannel
	for id, c := range counts {
		out = append(out, rankedChannel{ChannelID: id, Count: c})
	}
	sortRankedDesc(out)
	return marshalResult(out)
}

// rankedChannel is one get_active_channels result entry.
type rankedChannel struct {
	ChannelID string `json:"channel_id"`
	Count     int    `json:"message_count"`
}

func sortRankedDesc(out []rankedChannel) {
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Count > out[j-1].Count; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
}

// memberInfoTool implements get_member_info.
type memberInfoTool struct{ store store.Store }

func (memberInfoTool) Name() string { return "get_member_info" }
func (t memberInfoTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}

	q := t.store.Table("members")
	switch {
	case p.UserID != "":
		q = q.Eq("member_id", p.UserID)
	case p.Username != "":
		q = q.Eq("username", p.Username)
	default:
		return "", fmt.Errorf("user_id or username required")
	}

	rows, err := q.Execute(ctx)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("member not found")
	}
	return marshalResult(rows[0])
}

// botStatusTool implements get_bot_status.
type botStatusTool struct{ status StatusProvider }

func (botStatusTool) Name() string { return "get_bot_status" }
func (t botStatusTool) Execute(context.Context, json.RawMessage) (string, error) {
	return marshalResult(map[string]any{
		"uptime_seconds":   t.status.Uptime().Seconds(),
		"latency_ms":       t.status.Latency().Milliseconds(),
		"guild_count":      t.status.GuildCount(),
	})
}

// refreshMediaTool implements refresh_media.
type refreshMediaTool struct{ indexer RefreshPort }

func (refreshMediaTool) Name() string { return "refresh_media" }
func (t refreshMediaTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	attachments, err := t.indexer.Refresh(ctx, p.MessageID)
	if err != nil {
		return "", err
	}
	return marshalResult(attachments)
}

// NewCatalog builds the fixed tool catalog spec.md §4.9 names, wired to
// the concrete ports the wiring layer provides.
func NewCatalog(st store.Store, share ShareInvoker, selector TopContentQuerier, refresh RefreshPort, status StatusProvider, adminID string) []Tool {
	return []Tool{
		shareTool{share: share, adminID: adminID},
		topMessagesTool{selector: selector},
		searchContentTool{store: st},
		messageContextTool{store: st},
		activeChannelsTool{store: st},
		memberInfoTool{store: st},
		botStatusTool{status: status},
		refreshMediaTool{indexer: refresh},
	}
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
