// Package summarizer is the Summarizer (spec.md §4.6, C6): a scheduled
// per-channel and aggregate daily news generator built on the LLM
// Dispatcher, posting threaded results back to Discord under strict
// length and ordering rules, with partial-failure isolation per channel.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chronicle/internal/llm"
	"github.com/nextlevelbuilder/chronicle/internal/model"
	"github.com/nextlevelbuilder/chronicle/internal/store"
)

// tracer and the completed/failed counters register against the global
// otel providers (SPEC_FULL.md §2); see internal/indexer's identical
// pattern for why no explicit wiring is needed at construction time.
var (
	tracer             = otel.Tracer("chronicle/summarizer")
	meter              = otel.Meter("chronicle/summarizer")
	summariesCompleted metric.Int64Counter
	summariesFailed    metric.Int64Counter
)

func init() {
	summariesCompleted, _ = meter.Int64Counter("chronicle.summarizer.completed",
		metric.WithDescription("per-channel daily summaries that reached status=completed"))
	summariesFailed, _ = meter.Int64Counter("chronicle.summarizer.failed",
		metric.WithDescription("per-channel daily summaries that reached status=failed"))
}

// imageExt matches the file extensions the Moderation Port's image checker
// covers (spec.md §4.11's check_image is image-specific; videos are never
// submitted — mirrors the original content moderator's is_image test).
var imageExt = regexp.MustCompile(`(?i)\.(jpe?g|png|webp|gif)$`)

// windowEndHour anchors the 24h eligibility window at 07:00 UTC (spec.md
// §4.6 and the canonical reading of §9's Open Question on window anchoring).
const windowEndHour = 7

// Poster is the subset of the Gateway Client the Summarizer needs to post
// results — kept as a narrow local interface so tests don't need a real
// Discord session.
type Poster interface {
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	CreateThread(ctx context.Context, channelID, name string) (string, error)
}

// Config tunes the eligibility thresholds and concurrency ceiling.
type Config struct {
	Provider           string
	Model              string
	MinMessages        int // default 25
	ChunkSize          int // default 1000
	ChannelConcurrency int // default 4 (spec.md §5)
	GuildID            string
	SummaryChannelID   string // aggregate post destination
}

// TopContentSelector is implemented by internal/topcontent; kept as a
// narrow interface here so the Summarizer doesn't import that package's
// posting side-effects directly.
type TopContentSelector interface {
	PostForChannel(ctx context.Context, channelID string, threadID string, start, end time.Time) error
}

// ImageModerator is implemented by internal/moderation. Kept narrow (just
// the block/allow question) so the Summarizer doesn't depend on the
// moderator's submit/poll transport details — spec.md §4.11: "Used by the
// Summarizer to strip media references from full_summary JSON prior to
// distribution".
type ImageModerator interface {
	CheckImage(ctx context.Context, url string) (blocked bool, err error)
}

// Summarizer produces DailySummary rows and posts their content.
type Summarizer struct {
	store      store.Store
	dispatcher *llm.Dispatcher
	poster     Poster
	topContent TopContentSelector
	moderator  ImageModerator
	cfg        Config
}

// New creates a Summarizer. topContent and moderator may be nil to skip the
// Top-Content Selector step and image moderation respectively (e.g. in
// tests, or when a moderation provider isn't configured).
func New(st store.Store, dispatcher *llm.Dispatcher, poster Poster, topContent TopContentSelector, moderator ImageModerator, cfg Config) *Summarizer {
	if cfg.MinMessages == 0 {
		cfg.MinMessages = 25
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChannelConcurrency == 0 {
		cfg.ChannelConcurrency = 4
	}
	return &Summarizer{store: st, dispatcher: dispatcher, poster: poster, topContent: topContent, moderator: moderator, cfg: cfg}
}

// RunDaily runs the full daily cycle for the 24h window ending at
// windowEndHour UTC on date: eligibility, per-channel summarization
// (concurrent, capped at cfg.ChannelConcurrency), then the aggregate
// summary once every channel summary has finished (spec.md §5: "the
// aggregate summary waits on all channel summaries").
func (s *Summarizer) RunDaily(ctx context.Context, date time.Time, monitoredChannels []ChannelInfo) error {
	end := time.Date(date.Year(), date.Month(), date.Day(), windowEndHour, 0, 0, 0, time.UTC)
	start := end.Add(-24 * time.Hour)

	eligible := make([]ChannelInfo, 0, len(monitoredChannels))
	for _, ch := range monitoredChannels {
		ok, err := s.isEligible(ctx, ch, start, end)
		if err != nil {
			slog.Error("summarizer: eligibility check failed", "channel_id", ch.ChannelID, "error", err)
			continue
		}
		if ok {
			eligible = append(eligible, ch)
		}
	}

	sem := make(chan struct{}, s.cfg.ChannelConcurrency)
	var wg sync.WaitGroup
	results := make([]*model.SummaryItem, 0)
	var mu sync.Mutex

	for _, ch := range eligible {
		ch := ch
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			// Each channel is wrapped so a failure never aborts others
			// (spec.md §4.6 "Partial failure").
			items, err := s.runChannel(ctx, ch, start, end)
			if err != nil {
				slog.Error("summarizer: channel summary failed", "channel_id", ch.ChannelID, "error", err)
				return
			}
			mu.Lock()
			results = append(results, items...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if s.cfg.SummaryChannelID != "" {
		if err := s.runAggregate(ctx, date, results); err != nil {
			slog.Error("summarizer: aggregate summary failed", "error", err)
		}
	}

	return nil
}

// ChannelInfo is the minimal channel shape the Summarizer needs from the
// monitor set; populated by the caller (internal/scheduler) from Channel
// rows plus config.
type ChannelInfo struct {
	ChannelID string
	Name      string
}

// isEligible applies spec.md §4.6's three eligibility rules: ≥MinMessages
// in-window, not NSFW by name, and part of the monitor set (already
// filtered by the caller, so this only re-checks the count and NSFW-name
// rules — callers pass only monitored channels into RunDaily).
func (s *Summarizer) isEligible(ctx context.Context, ch ChannelInfo, start, end time.Time) (bool, error) {
	if strings.Contains(strings.ToLower(ch.Name), "nsfw") {
		return false, nil
	}
	rows, err := s.store.Table("messages").
		Select("message_id").
		Eq("channel_id", ch.ChannelID).
		Gte("created_at", start).
		Lt("created_at", end).
		Eq("is_deleted", false).
		Execute(ctx)
	if err != nil {
		return false, err
	}
	return len(rows) >= s.cfg.MinMessages, nil
}

// runChannel executes the six-step per-channel algorithm (spec.md §4.6)
// and returns the final items for the aggregate step, after posting.
func (s *Summarizer) runChannel(ctx context.Context, ch ChannelInfo, start, end time.Time) ([]*model.SummaryItem, error) {
	ctx, span := tracer.Start(ctx, "summarizer.run_channel",
		oteltrace.WithAttributes(attribute.String("chronicle.channel_id", ch.ChannelID)))
	defer span.End()

	date := end.Format("2006-01-02")

	if done, err := s.alreadyCompleted(ctx, date, ch.ChannelID); err != nil {
		return nil, err
	} else if done {
		slog.Info("summarizer: skipping already-completed summary", "channel_id", ch.ChannelID, "date", date)
		return nil, nil
	}

	messages, err := s.loadMessages(ctx, ch.ChannelID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	items, rawOutput, err := s.summarizeChunks(ctx, ch, messages)
	if err != nil {
		s.markFailed(ctx, date, ch.ChannelID, rawOutput, err)
		summariesFailed.Add(ctx, 1)
		return nil, err
	}

	if s.moderator != nil {
		s.filterModeratedMedia(ctx, items)
	}

	fullJSON, _ := json.Marshal(items)

	threadID, err := s.findOrCreateSummaryThread(ctx, ch, end)
	if err != nil {
		s.markFailed(ctx, date, ch.ChannelID, string(fullJSON), err)
		summariesFailed.Add(ctx, 1)
		return nil, fmt.Errorf("summary thread: %w", err)
	}

	if err := s.postItems(ctx, threadID, end, items); err != nil {
		s.markFailed(ctx, date, ch.ChannelID, string(fullJSON), err)
		summariesFailed.Add(ctx, 1)
		return nil, fmt.Errorf("post items: %w", err)
	}

	if s.topContent != nil {
		if err := s.topContent.PostForChannel(ctx, ch.ChannelID, threadID, start, end); err != nil {
			slog.Error("summarizer: top-content post failed", "channel_id", ch.ChannelID, "error", err)
		}
	}

	shortSummary, err := s.postShortSummary(ctx, ch, threadID, messages, items)
	if err != nil {
		slog.Error("summarizer: short summary failed", "channel_id", ch.ChannelID, "error", err)
	}

	if err := s.store.Table("daily_summaries").Upsert(ctx, []string{"date", "channel_id"}, store.Row{
		"date": date, "channel_id": ch.ChannelID, "full_summary": string(fullJSON),
		"short_summary": shortSummary, "thread_id": threadID, "status": string(model.SummaryCompleted),
		"updated_at": time.Now().UTC(),
	}); err != nil {
		summariesFailed.Add(ctx, 1)
		return nil, fmt.Errorf("persist summary: %w", err)
	}

	summariesCompleted.Add(ctx, 1)
	return items, nil
}

// filterModeratedMedia strips any MainFile/SubTopic.File URL that the
// Moderation Port flags, so full_summary never distributes blocked images.
// Only image URLs are checked (spec.md §4.11's check_image is image-only);
// moderation transport errors fail open, leaving the URL in place.
func (s *Summarizer) filterModeratedMedia(ctx context.Context, items []*model.SummaryItem) {
	for _, item := range items {
		if imageExt.MatchString(item.MainFile) {
			if blocked, err := s.moderator.CheckImage(ctx, item.MainFile); err == nil && blocked {
				slog.Info("summarizer: blocked mainFile from moderation", "title", item.Title)
				item.MainFile = ""
			}
		}
		for i := range item.SubTopics {
			sub := &item.SubTopics[i]
			if imageExt.MatchString(sub.File) {
				if blocked, err := s.moderator.CheckImage(ctx, sub.File); err == nil && blocked {
					slog.Info("summarizer: blocked subtopic file from moderation")
					sub.File = ""
				}
			}
		}
	}
}

func (s *Summarizer) alreadyCompleted(ctx context.Context, date, channelID string) (bool, error) {
	rows, err := s.store.Table("daily_summaries").
		Eq("date", date).Eq("channel_id", channelID).Eq("status", string(model.SummaryCompleted)).
		Execute(ctx)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *Summarizer) markFailed(ctx context.Context, date, channelID, raw string, err error) {
	errMsg := err.Error()
	if werr := s.store.Table("daily_summaries").Upsert(ctx, []string{"date", "channel_id"}, store.Row{
		"date": date, "channel_id": channelID, "full_summary": raw,
		"status": string(model.SummaryFailed), "error": errMsg, "updated_at": time.Now().UTC(),
	}); werr != nil {
		slog.Error("summarizer: failed to persist failure record", "channel_id", channelID, "error", werr)
	}
}

func (s *Summarizer) loadMessages(ctx context.Context, channelID string, start, end time.Time) ([]model.Message, error) {
	rows, err := s.store.Table("messages").
		Eq("channel_id", channelID).
		Gte("created_at", start).Lt("created_at", end).
		Eq("is_deleted", false).
		Order("created_at", false).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	return rowsToMessages(rows), nil
}

func rowsToMessages(rows []store.Row) []model.Message {
	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m := model.Message{
			MessageID: str(r["message_id"]), ChannelID: str(r["channel_id"]), AuthorID: str(r["author_id"]),
			Content: str(r["content"]), JumpURL: str(r["jump_url"]), ReactionCount: asInt(r["reaction_count"]),
		}
		if t, ok := r["created_at"].(time.Time); ok {
			m.CreatedAt = t
		}
		var attachments []model.Attachment
		if raw, ok := r["attachments"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &attachments)
		}
		m.Attachments = attachments
		var reactors []string
		if raw, ok := r["reactors"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &reactors)
		}
		m.Reactors = reactors
		out = append(out, m)
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
