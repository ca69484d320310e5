// Package topcontent is the Top-Content Selector (spec.md §4.7, C7): it
// ranks video attachments by unique reactor count over a window and posts
// the result as a header message plus an overflow thread.
package topcontent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chronicle/internal/model"
	"github.com/nextlevelbuilder/chronicle/internal/store"
)

// videoExt matches the attachment filenames the selector considers video
// content (spec.md §4.7: "*.mp4|*.mov|*.webm").
var videoExt = regexp.MustCompile(`(?i)\.(mp4|mov|webm)$`)

// defaultMinUniqueReactors and defaultLimit are spec.md §4.7's defaults.
const (
	defaultMinUniqueReactors = 3
	defaultLimit             = 5
)

// Poster is the subset of posting capability the selector needs.
type Poster interface {
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	CreateThread(ctx context.Context, channelID, name string) (string, error)
}

// Item is one ranked result (spec.md §4.7's returned shape).
type Item struct {
	Message        *model.Message
	ChannelID      string
	ChannelName    string
	AuthorDisplay  string
	UniqueReactors int
	FirstVideoURL  string
	JumpURL        string
}

// Params selects the window and filter for a Query call.
type Params struct {
	ChannelID         string // empty means "all monitored channels except NSFW"
	Start, End        time.Time
	MinUniqueReactors int
	Limit             int
}

// Selector ranks and posts top video content.
type Selector struct {
	store  store.Store
	poster Poster
}

// New creates a Selector.
func New(st store.Store, poster Poster) *Selector {
	return &Selector{store: st, poster: poster}
}

// Query implements spec.md §4.7's ranking algorithm: messages in-window
// with a video attachment, filtered by NSFW channel name and the
// min-unique-reactors threshold, sorted desc by unique reactor count with
// a created_at desc tiebreak, capped at limit.
func (s *Selector) Query(ctx context.Context, p Params) ([]Item, error) {
	if p.MinUniqueReactors == 0 {
		p.MinUniqueReactors = defaultMinUniqueReactors
	}
	if p.Limit == 0 {
		p.Limit = defaultLimit
	}

	q := s.store.Table("messages").
		Gte("created_at", p.Start).Lt("created_at", p.End).
		Eq("is_deleted", false)
	if p.ChannelID != "" {
		q = q.Eq("channel_id", p.ChannelID)
	}

	rows, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}

	channelNames, err := s.loadChannelNames(ctx)
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, r := range rows {
		channelID := str(r["channel_id"])
		name := channelNames[channelID]
		if strings.Contains(strings.ToLower(name), "nsfw") {
			continue
		}

		var attachments []model.Attachment
		if raw, ok := r["attachments"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &attachments)
		}
		videoURL := firstVideoURL(attachments)
		if videoURL == "" {
			continue
		}

		var reactors []string
		if raw, ok := r["reactors"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &reactors)
		}
		if len(reactors) < p.MinUniqueReactors {
			continue
		}

		createdAt, _ := r["created_at"].(time.Time)
		msg := &model.Message{
			MessageID: str(r["message_id"]), ChannelID: channelID, AuthorID: str(r["author_id"]),
			Content: str(r["content"]), CreatedAt: createdAt, Attachments: attachments,
			Reactors: reactors, JumpURL: str(r["jump_url"]),
		}
		items = append(items, Item{
			Message: msg, ChannelID: channelID, ChannelName: name,
			AuthorDisplay: s.displayName(ctx, msg.AuthorID), UniqueReactors: len(reactors),
			FirstVideoURL: videoURL, JumpURL: msg.JumpURL,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].UniqueReactors != items[j].UniqueReactors {
			return items[i].UniqueReactors > items[j].UniqueReactors
		}
		return items[i].Message.CreatedAt.After(items[j].Message.CreatedAt)
	})

	if len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items, nil
}

// PostForChannel implements the Summarizer's TopContentSelector seam: rank
// one channel's window and post the result into its summary thread
// (spec.md §4.6: "append its output within the same thread").
func (s *Selector) PostForChannel(ctx context.Context, channelID, threadID string, start, end time.Time) error {
	items, err := s.Query(ctx, Params{ChannelID: channelID, Start: start, End: end})
	if err != nil {
		return fmt.Errorf("topcontent query: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	return s.post(ctx, threadID, items)
}

// post implements spec.md §4.7's posting shape: a header naming the top
// item inline, then a thread hosting entries 2..N.
func (s *Selector) post(ctx context.Context, parentChannelID string, items []Item) error {
	header := headerLine(items[0])
	if _, err := s.poster.SendMessage(ctx, parentChannelID, header); err != nil {
		return fmt.Errorf("post header: %w", err)
	}
	if len(items) == 1 {
		return nil
	}

	threadID, err := s.poster.CreateThread(ctx, parentChannelID, "Top Generations")
	if err != nil {
		return fmt.Errorf("create overflow thread: %w", err)
	}
	for _, item := range items[1:] {
		if _, err := s.poster.SendMessage(ctx, threadID, itemLine(item)); err != nil {
			return fmt.Errorf("post overflow item: %w", err)
		}
	}
	return nil
}

// headerLine matches spec.md §4.7's literal header text: "Top
// Generation(s) in #channel" is the header itself, not a pluralization.
func headerLine(item Item) string {
	return fmt.Sprintf("**Top Generation(s) in #%s**\n%s\n%s", item.ChannelName, item.FirstVideoURL, item.JumpURL)
}

func itemLine(item Item) string {
	return fmt.Sprintf("**%s** (%d reactors)\n%s\n%s", item.AuthorDisplay, item.UniqueReactors, item.FirstVideoURL, item.JumpURL)
}

func firstVideoURL(attachments []model.Attachment) string {
	for _, a := range attachments {
		if videoExt.MatchString(a.Filename) {
			return a.URL
		}
	}
	return ""
}

func (s *Selector) loadChannelNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.store.Table("channels").Select("channel_id", "name").Execute(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(rows))
	for _, r := range rows {
		names[str(r["channel_id"])] = str(r["name"])
	}
	return names, nil
}

func (s *Selector) displayName(ctx context.Context, authorID string) string {
	rows, err := s.store.Table("members").Eq("member_id", authorID).Limit(1).Execute(ctx)
	if err != nil || len(rows) == 0 {
		return authorID
	}
	name := str(rows[0]["username"])
	if gn := str(rows[0]["global_name"]); gn != "" {
		name = gn
	}
	if sn := str(rows[0]["server_nick"]); sn != "" {
		name = sn
	}
	return name
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
