package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chronicle/internal/llm"
	"github.com/nextlevelbuilder/chronicle/internal/model"
	"github.com/nextlevelbuilder/chronicle/internal/store"
)

// maxMessageChars is Discord's effective message length the Summarizer
// targets when splitting output (spec.md §4.6: "Cap each outgoing
// message at ≤1900 characters").
const maxMessageChars = 1900

// findOrCreateSummaryThread returns channel's monthly summary thread,
// named `#<channel> - Monthly Summary - <Month, YYYY>` (spec.md §4.6),
// creating it if this is the channel's first summary this month, and
// persisting the thread id onto the Channel row for reuse within the
// month (subsequent days append to the same thread).
func (s *Summarizer) findOrCreateSummaryThread(ctx context.Context, ch ChannelInfo, windowEnd time.Time) (string, error) {
	monthKey := windowEnd.Format("2006-01")
	rows, err := s.store.Table("channels").Eq("channel_id", ch.ChannelID).Execute(ctx)
	if err != nil {
		return "", err
	}
	if len(rows) > 0 {
		if threadMonth, _ := rows[0]["summary_thread_month"].(string); threadMonth == monthKey {
			if tid, ok := rows[0]["summary_thread_id"].(string); ok && tid != "" {
				return tid, nil
			}
		}
	}

	name := fmt.Sprintf("#%s - Monthly Summary - %s", ch.Name, windowEnd.Format("January, 2006"))
	threadID, err := s.poster.CreateThread(ctx, ch.ChannelID, name)
	if err != nil {
		return "", err
	}

	if err := s.store.Table("channels").Eq("channel_id", ch.ChannelID).Update(ctx, store.Row{
		"summary_thread_id": threadID, "summary_thread_month": monthKey,
	}); err != nil {
		return "", err
	}
	return threadID, nil
}

// postItems posts the date headline then each item in order, one message
// per item or subtopic block (spec.md §4.6 "Per-channel posting"); a
// block longer than maxMessageChars is sent whole, not split. If there are no
// items (NO SIGNIFICANT NEWS), a single line is posted instead of silence
// (spec.md §7 "User-visible failures").
func (s *Summarizer) postItems(ctx context.Context, threadID string, windowEnd time.Time, items []*model.SummaryItem) error {
	headline := fmt.Sprintf("**%s**", windowEnd.Format("January 2, 2006"))
	if _, err := s.poster.SendMessage(ctx, threadID, headline); err != nil {
		return fmt.Errorf("post headline: %w", err)
	}

	if len(items) == 0 {
		_, err := s.poster.SendMessage(ctx, threadID, "no significant activity")
		return err
	}

	for _, item := range items {
		if err := s.postItem(ctx, threadID, item); err != nil {
			return err
		}
	}
	return nil
}

// postItem posts one item's mainText followed by the item's jump URL, then
// the mainFile URLs (one per message), then each subtopic as "• text
// jump_url" followed by its own file URLs (spec.md §4.6). File URLs are
// never folded into the packing pass: each is its own message, matching S1
// ("two follow-up messages containing u1 and u2").
func (s *Summarizer) postItem(ctx context.Context, threadID string, item *model.SummaryItem) error {
	mainJump := model.JumpURL(s.cfg.GuildID, item.ChannelID, item.MessageID)
	mainBlock := fmt.Sprintf("## %s\n%s\n%s", item.Title, item.MainText, mainJump)
	if err := s.sendBlock(ctx, threadID, mainBlock, item.Title); err != nil {
		return err
	}
	if err := s.sendFileURLs(ctx, threadID, item.MainFile, item.Title); err != nil {
		return err
	}

	for _, sub := range item.SubTopics {
		subJump := model.JumpURL(s.cfg.GuildID, sub.ChannelID, sub.MessageID)
		subBlock := fmt.Sprintf("• %s\n%s", sub.Text, subJump)
		if err := s.sendBlock(ctx, threadID, subBlock, item.Title); err != nil {
			return err
		}
		if err := s.sendFileURLs(ctx, threadID, sub.File, item.Title); err != nil {
			return err
		}
	}
	return nil
}

// sendBlock posts a single text block as one message. packBlocks never
// splits a single block, so a block longer than maxMessageChars is not
// cut down to the cap.
func (s *Summarizer) sendBlock(ctx context.Context, threadID, block, itemTitle string) error {
	for _, batch := range packBlocks([]string{block}, maxMessageChars) {
		if _, err := s.poster.SendMessage(ctx, threadID, batch); err != nil {
			return fmt.Errorf("post item %q: %w", itemTitle, err)
		}
	}
	return nil
}

// sendFileURLs posts each comma-split URL in files as its own message.
func (s *Summarizer) sendFileURLs(ctx context.Context, threadID, files, itemTitle string) error {
	if files == "" {
		return nil
	}
	for _, u := range strings.Split(files, ",") {
		if u = strings.TrimSpace(u); u != "" {
			if _, err := s.poster.SendMessage(ctx, threadID, u); err != nil {
				return fmt.Errorf("post item %q file: %w", itemTitle, err)
			}
		}
	}
	return nil
}

// packBlocks greedily joins blocks with newlines into messages no longer
// than limit, never splitting a single block across two messages (spec.md
// §4.6: "break only on item/subtopic boundaries").
func packBlocks(blocks []string, limit int) []string {
	var out []string
	var cur strings.Builder
	for _, b := range blocks {
		if cur.Len() > 0 && cur.Len()+1+len(b) > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(b)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// postShortSummary implements spec.md §4.6's second LLM call: a 3-bullet
// digest with a mandated first line, posted to the channel (not the
// thread) with a jump link back to the thread.
func (s *Summarizer) postShortSummary(ctx context.Context, ch ChannelInfo, threadID string, messages []model.Message, items []*model.SummaryItem) (string, error) {
	fullJSON, _ := marshalItems(items)
	prompt := fmt.Sprintf(
		"Write a 3-bullet digest of today's activity in #%s. The FIRST line must be exactly "+
			"\"\U0001F4E8 __%d messages sent__\" (using the literal count, %d). Base the bullets on this summary JSON:\n\n%s",
		ch.Name, len(messages), len(messages), fullJSON)

	short, err := s.dispatcher.Generate(ctx, s.cfg.Provider, s.cfg.Model, "You write terse Discord-ready digests.",
		[]llm.Message{llm.TextMessage("user", prompt)}, llm.Options{MaxTokens: 512})
	if err != nil {
		return "", err
	}

	jumpURL := fmt.Sprintf("https://discord.com/channels/%s/%s", s.cfg.GuildID, threadID)
	if _, err := s.poster.SendMessage(ctx, ch.ChannelID, short+"\n"+jumpURL); err != nil {
		return short, err
	}
	return short, nil
}

func marshalItems(items []*model.SummaryItem) (string, error) {
	if len(items) == 0 {
		return noSignificantNews, nil
	}
	b, err := json.Marshal(items)
	return string(b), err
}

// runAggregate implements spec.md §4.6's aggregate summary: concatenate
// per-channel JSON outputs, ask the dispatcher to pick the top 3–5
// cross-channel items, and post to the single global summary channel.
func (s *Summarizer) runAggregate(ctx context.Context, date time.Time, allItems []*model.SummaryItem) error {
	if len(allItems) == 0 {
		_, err := s.poster.SendMessage(ctx, s.cfg.SummaryChannelID, "no significant activity")
		return err
	}

	concatenated, _ := marshalItems(allItems)
	prompt := "Pick the top 3-5 cross-channel items from the following combined summary JSON, " +
		"preserving each item's structure exactly. Return ONLY the resulting JSON array:\n\n" + concatenated

	raw, err := s.dispatcher.Generate(ctx, s.cfg.Provider, s.cfg.Model, systemPrompt,
		[]llm.Message{llm.TextMessage("user", prompt)}, llm.Options{MaxTokens: 4096})
	if err != nil {
		return fmt.Errorf("aggregate generate: %w", err)
	}

	items, err := parseItems(raw)
	if err != nil {
		return fmt.Errorf("aggregate parse: %w", err)
	}

	headline := fmt.Sprintf("**%s — Server Summary**", date.Format("January 2, 2006"))
	headlineID, err := s.poster.SendMessage(ctx, s.cfg.SummaryChannelID, headline)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := s.postItem(ctx, s.cfg.SummaryChannelID, item); err != nil {
			return err
		}
	}
	backlink := fmt.Sprintf("https://discord.com/channels/%s/%s/%s", s.cfg.GuildID, s.cfg.SummaryChannelID, headlineID)
	_, err = s.poster.SendMessage(ctx, s.cfg.SummaryChannelID, backlink)
	return err
}
