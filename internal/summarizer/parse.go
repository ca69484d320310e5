package summarizer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chronicle/internal/model"
)

// noSignificantNews is the literal sentinel the LLM returns when a chunk
// has nothing worth reporting (spec.md §4.6 step 4).
const noSignificantNews = "[NO SIGNIFICANT NEWS]"

// extractJSONPayload implements the Design Notes' two-stage parser,
// stage one: locate the outermost JSON array by bracket scanning so any
// preamble the model adds is stripped, per spec.md §4.6 step 4 ("any
// preamble is stripped by locating the first `[` and last `]`").
func extractJSONPayload(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == noSignificantNews {
		return trimmed, nil
	}
	first := strings.IndexByte(trimmed, '[')
	last := strings.LastIndexByte(trimmed, ']')
	if first == -1 || last == -1 || last < first {
		return "", fmt.Errorf("summarizer: no JSON array found in output")
	}
	return trimmed[first : last+1], nil
}

// parseItems implements stage two: structurally validate fields. Failures
// are data, not errors — the caller stores the raw output and marks the
// summary failed rather than retrying indefinitely (spec.md §7 "LLM format").
func parseItems(raw string) ([]*model.SummaryItem, error) {
	payload, err := extractJSONPayload(raw)
	if err != nil {
		return nil, err
	}
	if payload == noSignificantNews {
		return nil, nil
	}

	var items []*model.SummaryItem
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("summarizer: invalid summary JSON: %w", err)
	}
	for i, it := range items {
		if it.Title == "" || it.MainText == "" {
			return nil, fmt.Errorf("summarizer: item %d missing required title/mainText", i)
		}
	}
	return items, nil
}
