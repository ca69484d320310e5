package indexer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nextlevelbuilder/chronicle/internal/gateway"
)

// applyReaction recomputes Message.Reactors and Reaction_count for one
// add/remove event (spec.md §4.5). Reaction events aren't ordered across
// users (spec.md §5), so this reads-modifies-writes the current row
// rather than buffering a delta, keeping the canonical reactor set
// convergent under idempotent, unordered application.
func (ix *Indexer) applyReaction(ctx context.Context, p *gateway.ReactionPayload, add bool) {
	if p == nil {
		return
	}
	messageID := p.MessageID
	userID := p.UserID
	if ix.gateway != nil && userID == ix.gateway.BotUserID() {
		return // the bot's own reactions never appear in Reactors (spec.md §3 invariant)
	}

	rows, err := ix.store.Table("messages").Select("message_id", "reactors", "reaction_count").Eq("message_id", messageID).Execute(ctx)
	if err != nil || len(rows) == 0 {
		slog.Warn("indexer: reaction on unknown message", "message_id", messageID, "error", err)
		return
	}
	row := rows[0]

	var reactors []string
	if raw, ok := row["reactors"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &reactors)
	}
	count := asInt(row["reaction_count"])

	reactors = setAddOrRemove(reactors, userID, add)
	if add {
		count++
	} else {
		count--
		if count < 0 {
			count = 0
		}
	}

	encoded, _ := json.Marshal(reactors)
	if err := ix.store.Table("messages").Eq("message_id", messageID).Update(ctx, map[string]any{
		"reactors":       string(encoded),
		"reaction_count": count,
	}); err != nil {
		slog.Error("indexer: failed to apply reaction", "message_id", messageID, "error", err)
	}
}

func setAddOrRemove(set []string, id string, add bool) []string {
	idx := -1
	for i, v := range set {
		if v == id {
			idx = i
			break
		}
	}
	if add {
		if idx >= 0 {
			return set
		}
		return append(set, id)
	}
	if idx < 0 {
		return set
	}
	return append(set[:idx], set[idx+1:]...)
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
