package sharing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/chronicle/internal/llm"
)

// LLMModerator implements Moderator over the LLM Dispatcher. The original
// content moderator (WaveSpeed's submit/poll API, reused as-is by
// internal/moderation for images) never covered text — a reactor's
// comment and the shared message content are judged by prompting the
// same dispatcher the Summarizer and Workflow Curator already use,
// mirroring curator.Curator.classify's single-call, line-based reply
// convention rather than asking for structured JSON the model might
// malform.
type LLMModerator struct {
	dispatcher *llm.Dispatcher
	provider   string
}

// NewLLMModerator creates an LLMModerator routing through provider.
func NewLLMModerator(dispatcher *llm.Dispatcher, provider string) *LLMModerator {
	return &LLMModerator{dispatcher: dispatcher, provider: provider}
}

// CheckText asks model whether messageContent (plus the reactor's own
// comment, if any) is safe to publish externally. A transport error is
// returned rather than swallowed so the caller can fail open per
// spec.md §4.8; a well-formed reply that doesn't start with "allow" is
// treated as a block.
func (m *LLMModerator) CheckText(ctx context.Context, model, reactorComment, messageContent string) (bool, string, error) {
	system := "You are a content safety gate for a Discord community's public social media posts. " +
		"Reply with exactly two lines: the first is either \"allow\" or \"block\", the second is a short reason."
	prompt := fmt.Sprintf("Message content:\n%s\n\nReactor's comment (context, may be empty):\n%s", messageContent, reactorComment)

	out, err := m.dispatcher.Generate(ctx, m.provider, model, system,
		[]llm.Message{llm.TextMessage("user", prompt)}, llm.Options{MaxTokens: 64})
	if err != nil {
		return false, "", fmt.Errorf("sharing: moderation call failed: %w", err)
	}

	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	verdict := strings.ToLower(strings.TrimSpace(lines[0]))
	reason := ""
	if len(lines) > 1 {
		reason = strings.TrimSpace(lines[1])
	}
	if !strings.HasPrefix(verdict, "allow") {
		slog.Info("sharing: moderator blocked content", "reason", reason)
		return false, reason, nil
	}
	return true, reason, nil
}
