package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chronicle/internal/llm"
	"github.com/nextlevelbuilder/chronicle/internal/model"
)

const systemPrompt = `You summarize a Discord channel's daily activity into news items.
Return ONLY a JSON array (no prose before or after) of items shaped exactly as:
[{"title": string, "mainText": string, "mainFile": string (optional, comma-separated URLs), "message_id": string, "channel_id": string, "subTopics": [{"text": string, "file": string (optional), "message_id": string, "channel_id": string}]}]
If nothing in the provided messages is worth reporting, return exactly the token ` + noSignificantNews + ` and nothing else.`

// buildChunkPrompt renders one chunk of messages into the user-turn block
// format specified by spec.md §4.6 step 2, optionally prefixed with prior
// chunk outputs as de-duplication context (step 3). authorNames resolves
// each message's author_id to its display name (spec.md §4.6 step 1).
func buildChunkPrompt(channelName string, chunk []model.Message, authorNames map[string]string, priorOutputs []string) string {
	var b strings.Builder
	if len(priorOutputs) > 0 {
		b.WriteString("Topics already covered in earlier chunks of this same day — do not duplicate them:\n")
		for _, p := range priorOutputs {
			b.WriteString(p)
			b.WriteString("\n")
		}
		b.WriteString("\n---\n\n")
	}

	fmt.Fprintf(&b, "Channel: #%s\n\n", channelName)
	for _, m := range chunk {
		name := authorNames[m.AuthorID]
		if name == "" {
			name = m.AuthorID
		}
		fmt.Fprintf(&b, "[=== Message from %s ===]\n", name)
		fmt.Fprintf(&b, "Time: %s\n", m.CreatedAt.Format("2006-01-02T15:04:05Z"))
		fmt.Fprintf(&b, "Content: %s\n", m.Content)
		fmt.Fprintf(&b, "Reactions: %d\n", m.ReactionCount)
		if len(m.Attachments) > 0 {
			names := make([]string, len(m.Attachments))
			for i, a := range m.Attachments {
				names[i] = fmt.Sprintf("%s: %s", a.Filename, a.URL)
			}
			fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
		}
		fmt.Fprintf(&b, "Message ID: %s\n", m.MessageID)
		fmt.Fprintf(&b, "Channel ID: %s\n\n", m.ChannelID)
	}
	return b.String()
}

// chunkMessages splits messages into groups of at most size, preserving
// chronological order (spec.md §4.6 step 2).
func chunkMessages(messages []model.Message, size int) [][]model.Message {
	if len(messages) == 0 {
		return nil
	}
	var chunks [][]model.Message
	for i := 0; i < len(messages); i += size {
		end := i + size
		if end > len(messages) {
			end = len(messages)
		}
		chunks = append(chunks, messages[i:end])
	}
	return chunks
}

// summarizeChunks implements spec.md §4.6 steps 1–6 for one channel:
// chunk, prompt per chunk (with de-dup context), merge multi-chunk
// output, then validate. Returns the raw (possibly invalid) LLM output
// alongside any error so the caller can persist it on failure.
func (s *Summarizer) summarizeChunks(ctx context.Context, ch ChannelInfo, messages []model.Message) ([]*model.SummaryItem, string, error) {
	chunks := chunkMessages(messages, s.cfg.ChunkSize)
	if len(chunks) == 0 {
		return nil, "", nil
	}

	authorNames, err := s.resolveAuthorNames(ctx, messages)
	if err != nil {
		return nil, "", fmt.Errorf("resolve author names: %w", err)
	}

	var rawOutputs []string
	for _, chunk := range chunks {
		prompt := buildChunkPrompt(ch.Name, chunk, authorNames, rawOutputs)
		out, err := s.dispatcher.Generate(ctx, s.cfg.Provider, s.cfg.Model, systemPrompt,
			[]llm.Message{llm.TextMessage("user", prompt)}, llm.Options{MaxTokens: 4096})
		if err != nil {
			return nil, "", fmt.Errorf("chunk generate: %w", err)
		}
		rawOutputs = append(rawOutputs, out)
	}

	finalRaw := rawOutputs[0]
	if len(rawOutputs) > 1 {
		merged, err := s.mergeChunkOutputs(ctx, rawOutputs)
		if err != nil {
			return nil, strings.Join(rawOutputs, "\n---\n"), fmt.Errorf("merge: %w", err)
		}
		finalRaw = merged
	}

	items, err := parseItems(finalRaw)
	if err != nil {
		// One retry: ask the model to fix its own output before giving up
		// (spec.md §4.6 step 6: "If invalid after retry, mark failed").
		retryPrompt := "Your previous response was not valid JSON matching the required shape. " +
			"Re-emit ONLY the corrected JSON array (or " + noSignificantNews + "):\n\n" + finalRaw
		retried, genErr := s.dispatcher.Generate(ctx, s.cfg.Provider, s.cfg.Model, systemPrompt,
			[]llm.Message{llm.TextMessage("user", retryPrompt)}, llm.Options{MaxTokens: 4096})
		if genErr != nil {
			return nil, finalRaw, fmt.Errorf("validate retry: %w", err)
		}
		items, err = parseItems(retried)
		if err != nil {
			return nil, retried, fmt.Errorf("invalid summary JSON after retry: %w", err)
		}
		finalRaw = retried
	}

	return items, finalRaw, nil
}

// resolveAuthorNames looks up display names for every distinct author in
// messages (spec.md §4.6 step 1: "author display names resolved").
func (s *Summarizer) resolveAuthorNames(ctx context.Context, messages []model.Message) (map[string]string, error) {
	ids := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		ids[m.AuthorID] = struct{}{}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values := make([]any, 0, len(ids))
	for id := range ids {
		values = append(values, id)
	}

	rows, err := s.store.Table("members").Select("member_id", "username", "global_name", "server_nick").
		In("member_id", values...).Execute(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(rows))
	for _, r := range rows {
		name := str(r["username"])
		if gn := str(r["global_name"]); gn != "" {
			name = gn
		}
		if sn := str(r["server_nick"]); sn != "" {
			name = sn
		}
		names[str(r["member_id"])] = name
	}
	return names, nil
}

// mergeChunkOutputs asks the dispatcher to merge multiple chunk outputs
// into the top 3–5 items, preserving item structure (spec.md §4.6 step 5).
func (s *Summarizer) mergeChunkOutputs(ctx context.Context, rawOutputs []string) (string, error) {
	var b strings.Builder
	b.WriteString("Merge the following chunk outputs into the top 3-5 most significant items overall. " +
		"Preserve each item's JSON structure exactly; return ONLY the merged JSON array:\n\n")
	for i, out := range rawOutputs {
		fmt.Fprintf(&b, "--- Chunk %d output ---\n%s\n\n", i+1, out)
	}
	return s.dispatcher.Generate(ctx, s.cfg.Provider, s.cfg.Model, systemPrompt,
		[]llm.Message{llm.TextMessage("user", b.String())}, llm.Options{MaxTokens: 4096})
}
