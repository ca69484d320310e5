package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/chronicle/internal/store"
)

const backfillPageSize = 100

// Backfill pages channel history oldest→newest in channelID across
// [start, end], batching inserts in groups of backfillPageSize with
// ON-CONFLICT DO UPDATE semantics (spec.md §4.5). It is resumable: on
// restart it resumes from the max created_at already stored for this
// channel, so re-running over the same range is a no-op for rows
// already indexed.
func (ix *Indexer) Backfill(ctx context.Context, channelID string, start, end time.Time) error {
	afterID, err := ix.resumeCursor(ctx, channelID, start)
	if err != nil {
		return fmt.Errorf("indexer: backfill resume cursor: %w", err)
	}
	if afterID == "" {
		// A snowflake's top bits are milliseconds since the Discord epoch
		// (2015-01-01), so this id places the `after` cursor at start.
		ms := start.UnixMilli() - 1420070400000
		if ms < 0 {
			ms = 0
		}
		afterID = strconv.FormatInt(ms<<22, 10)
	}

	total := 0
	for {
		page, err := ix.gateway.HistoryPage(ctx, channelID, afterID, backfillPageSize)
		if err != nil {
			return fmt.Errorf("indexer: backfill page after %s: %w", afterID, err)
		}
		if len(page) == 0 {
			break
		}

		rows := make([]store.Row, 0, len(page))
		for _, m := range page {
			if m.CreatedAt.After(end) {
				continue
			}
			attachments, _ := json.Marshal(adaptAttachments(m.Attachments))
			embeds, _ := json.Marshal(adaptEmbeds(m.Embeds))
			row := store.Row{
				"message_id": m.MessageID, "channel_id": m.ChannelID, "author_id": m.AuthorID,
				"content": m.Content, "created_at": m.CreatedAt, "attachments": string(attachments),
				"embeds": string(embeds), "reaction_count": 0, "reactors": "[]",
				"is_pinned": m.IsPinned, "is_deleted": false, "jump_url": m.JumpURL,
				"indexed_at": time.Now().UTC(),
			}
			rows = append(rows, row)
		}

		if len(rows) > 0 {
			if err := ix.store.Table("messages").Upsert(ctx, []string{"message_id"}, rows...); err != nil {
				return fmt.Errorf("indexer: backfill upsert batch: %w", err)
			}
		}

		total += len(page)
		if total%1000 < backfillPageSize {
			slog.Info("indexer: backfill progress", "channel_id", channelID, "indexed", total)
		}

		last := page[len(page)-1]
		if last.CreatedAt.After(end) || len(page) < backfillPageSize {
			break
		}
		afterID = last.MessageID
	}

	return nil
}

// resumeCursor returns the message id to resume HistoryPage's `after`
// cursor from: the id of the message with the max created_at already
// stored for channelID, or "" if none or if the stored max predates
// start (Backfill then places the cursor at start).
func (ix *Indexer) resumeCursor(ctx context.Context, channelID string, start time.Time) (string, error) {
	rows, err := ix.store.Table("messages").
		Select("message_id", "created_at").
		Eq("channel_id", channelID).
		Order("created_at", true).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	createdAt, _ := rows[0]["created_at"].(time.Time)
	if createdAt.Before(start) {
		return "", nil
	}
	id, _ := rows[0]["message_id"].(string)
	return id, nil
}
