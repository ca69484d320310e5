package indexer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/chronicle/internal/model"
)

// Refresh implements the URL-refresh sub-protocol (spec.md §4.5): CDN
// URLs are ephemeral, so this fetches the current message via REST,
// replaces the stored attachment URLs, and returns the fresh ones.
func (ix *Indexer) Refresh(ctx context.Context, messageID string) ([]model.Attachment, error) {
	rows, err := ix.store.Table("messages").Select("channel_id").Eq("message_id", messageID).Execute(ctx)
	if err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("indexer: refresh: message %s not found: %w", messageID, err)
	}
	channelID, _ := rows[0]["channel_id"].(string)

	fresh, err := ix.gateway.FetchMessage(ctx, channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("indexer: refresh: fetch %s: %w", messageID, err)
	}

	attachments := adaptAttachments(fresh.Attachments)
	encoded, _ := json.Marshal(attachments)
	if err := ix.store.Table("messages").Eq("message_id", messageID).Update(ctx, map[string]any{
		"attachments": string(encoded),
	}); err != nil {
		return nil, fmt.Errorf("indexer: refresh: store %s: %w", messageID, err)
	}

	return attachments, nil
}

// RefreshBatch processes a ranked shortlist of message ids — e.g. the
// Top-Content Selector's top-N reacted posts for a month — refreshing
// each independently so one failure doesn't abort the batch.
func (ix *Indexer) RefreshBatch(ctx context.Context, messageIDs []string) map[string][]model.Attachment {
	out := make(map[string][]model.Attachment, len(messageIDs))
	for _, id := range messageIDs {
		attachments, err := ix.Refresh(ctx, id)
		if err != nil {
			continue
		}
		out[id] = attachments
	}
	return out
}
