// Package agent is the Agent Loop (spec.md §4.9, C9): a tool-use loop that
// handles DMs from the single privileged admin user, routing a fixed tool
// catalog through the LLM Dispatcher.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chronicle/internal/llm"
)

// tracer registers against the global otel providers (SPEC_FULL.md §2); see
// internal/indexer's identical pattern for why no explicit wiring is needed
// at construction time.
var tracer = otel.Tracer("chronicle/agent")

// maxTurns bounds per-user history; spec.md §4.9: "capped to 2×MAX_TURNS
// entries to bound prompt growth".
const maxTurns = 20
const maxHistoryEntries = 2 * maxTurns

// iterationCap is spec.md §4.9 step 3(c): "iteration cap (≤50)".
const iterationCap = 50

// Tool is one entry of the fixed catalog (spec.md §4.9). Args is the raw
// JSON object the model supplied; Execute returns the text fed back to the
// model as the next turn's tool result.
type Tool interface {
	Name() string
	Execute(ctx context.Context, args json.RawMessage) (result string, err error)
}

// Notifier delivers the admin's final reply messages.
type Notifier interface {
	SendDM(ctx context.Context, userID, content string) (string, error)
}

// Config tunes the model and provider used for the admin's tool-use turns.
type Config struct {
	Provider string
	Model    string
	AdminID  string
}

// Agent runs the tool-use loop for one admin user.
type Agent struct {
	dispatcher *llm.Dispatcher
	notifier   Notifier
	tools      map[string]Tool
	cfg        Config

	histories map[string][]llm.Message
}

// New creates an Agent with the given tool catalog.
func New(dispatcher *llm.Dispatcher, notifier Notifier, tools []Tool, cfg Config) *Agent {
	reg := make(map[string]Tool, len(tools))
	for _, t := range tools {
		reg[t.Name()] = t
	}
	return &Agent{dispatcher: dispatcher, notifier: notifier, tools: reg, cfg: cfg, histories: map[string][]llm.Message{}}
}

// toolCall is the structured-JSON protocol this Agent expects per turn: the
// model emits exactly one tool invocation as its entire response, since the
// underlying Dispatcher only returns stripped text (no native tool_use
// blocks) — see internal/llm's Provider.Generate doc comment.
type toolCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// HandleMessage implements spec.md §4.9 steps 1–3 for one incoming admin DM.
func (a *Agent) HandleMessage(ctx context.Context, userID, content string) error {
	if userID != a.cfg.AdminID {
		return nil
	}

	history := a.histories[userID]
	history = append(history, llm.TextMessage("user", content))

	for i := 0; i < iterationCap; i++ {
		done, err := a.runIteration(ctx, userID, i, &history)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	slog.Warn("agent: iteration cap reached without reply/end_turn", "user_id", userID)
	a.trimAndStore(userID, history)
	return nil
}

// runIteration runs one tool-use turn under its own span (SPEC_FULL.md §2:
// "one span per agent-loop tool-use iteration"). It returns done=true once
// the turn produced a reply or an explicit end_turn, in which case
// HandleMessage's loop stops; otherwise history has grown by one model turn
// and the loop continues.
func (a *Agent) runIteration(ctx context.Context, userID string, i int, history *[]llm.Message) (done bool, err error) {
	ctx, span := tracer.Start(ctx, "agent.tool_use_iteration",
		oteltrace.WithAttributes(
			attribute.String("chronicle.user_id", userID),
			attribute.Int("chronicle.iteration", i),
		))
	defer span.End()

	raw, err := a.dispatcher.Generate(ctx, a.cfg.Provider, a.cfg.Model, systemPrompt(), *history, llm.Options{MaxTokens: 2048})
	if err != nil {
		return false, fmt.Errorf("agent: generate: %w", err)
	}
	*history = append(*history, llm.TextMessage("assistant", raw))

	call, perr := parseToolCall(raw)
	if perr != nil {
		// Malformed tool call: feed the parse error back so the model can
		// self-correct, rather than surfacing it to the admin.
		*history = append(*history, llm.TextMessage("user", "Your last response was not a valid tool call: "+perr.Error()))
		return false, nil
	}

	span.SetAttributes(attribute.String("chronicle.tool", call.Tool))

	switch call.Tool {
	case "reply":
		a.trimAndStore(userID, *history)
		return true, a.sendReply(ctx, userID, call.Args)
	case "end_turn":
		a.trimAndStore(userID, *history)
		return true, nil
	default:
		tool, ok := a.tools[call.Tool]
		if !ok {
			*history = append(*history, llm.TextMessage("user", fmt.Sprintf("Unknown tool %q.", call.Tool)))
			return false, nil
		}
		result, execErr := tool.Execute(ctx, call.Args)
		if execErr != nil {
			*history = append(*history, llm.TextMessage("user", fmt.Sprintf("Tool %q error (is_error: true): %s", call.Tool, execErr.Error())))
			return false, nil
		}
		*history = append(*history, llm.TextMessage("user", fmt.Sprintf("Tool %q result: %s", call.Tool, result)))
		return false, nil
	}
}

func (a *Agent) trimAndStore(userID string, history []llm.Message) {
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
	}
	a.histories[userID] = history
}

func (a *Agent) sendReply(ctx context.Context, userID string, args json.RawMessage) error {
	var payload struct {
		Messages []string `json:"messages"`
		Message  string   `json:"message"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("agent: parse reply args: %w", err)
	}
	messages := payload.Messages
	if payload.Message != "" {
		messages = append(messages, payload.Message)
	}
	for _, m := range messages {
		if _, err := a.notifier.SendDM(ctx, userID, m); err != nil {
			return fmt.Errorf("agent: send reply: %w", err)
		}
	}
	return nil
}

// parseToolCall implements the same two-stage brace-scan-then-validate
// parsing the Summarizer uses for its JSON output (spec.md §9 Design
// Notes), applied here to a single tool-call object instead of an array.
func parseToolCall(raw string) (*toolCall, error) {
	trimmed := strings.TrimSpace(raw)
	first := strings.IndexByte(trimmed, '{')
	last := strings.LastIndexByte(trimmed, '}')
	if first == -1 || last == -1 || last < first {
		return nil, fmt.Errorf("no JSON object found")
	}
	var call toolCall
	if err := json.Unmarshal([]byte(trimmed[first:last+1]), &call); err != nil {
		return nil, fmt.Errorf("invalid tool call JSON: %w", err)
	}
	if call.Tool == "" {
		return nil, fmt.Errorf("missing \"tool\" field")
	}
	return &call, nil
}

func systemPrompt() string {
	return `You are the admin assistant for a Discord community bot. Respond with EXACTLY ONE JSON object per turn, shaped as {"tool": "<name>", "args": {...}}, and nothing else.

Available tools:
- reply(messages: string[] | message: string) — send one or more messages to the admin and stop.
- end_turn(reason?: string) — stop without sending anything.
- share_to_social(message_id: string) — publish a message via the pre-approved social sharing path.
- get_top_messages(channel_id?: string, days?: number, min_reactions?: number, limit?: number, has_media?: bool)
- search_content(query: string, days?: number, limit?: number)
- get_message_context(message_id: string, surrounding?: number)
- get_active_channels(days?: number)
- get_member_info(user_id?: string, username?: string)
- get_bot_status()
- refresh_media(message_id: string)

After you call a tool other than reply or end_turn, you will be given its result and may call another tool or reply.`
}
