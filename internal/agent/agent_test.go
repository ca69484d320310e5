package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chronicle/internal/llm"
)

type fakeProvider struct {
	name      string
	responses []string
	calls     int
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Generate(context.Context, string, string, []llm.Message, llm.Options) (string, error) {
	r := p.responses[p.calls]
	p.calls++
	return r, nil
}

type fakeNotifier struct{ sent []string }

func (n *fakeNotifier) SendDM(_ context.Context, _, content string) (string, error) {
	n.sent = append(n.sent, content)
	return "m", nil
}

type echoTool struct{ calls int }

func (echoTool) Name() string { return "echo" }
func (t *echoTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	t.calls++
	return string(args), nil
}

func TestHandleMessage_ReplyTerminatesLoop(t *testing.T) {
	provider := &fakeProvider{name: "anthropic", responses: []string{
		`{"tool": "reply", "args": {"message": "done"}}`,
	}}
	notifier := &fakeNotifier{}
	a := New(llm.New(provider), notifier, nil, Config{Provider: "anthropic", Model: "m", AdminID: "admin1"})

	require.NoError(t, a.HandleMessage(context.Background(), "admin1", "status?"))
	require.Equal(t, []string{"done"}, notifier.sent)
}

func TestHandleMessage_EndTurnSendsNothing(t *testing.T) {
	provider := &fakeProvider{name: "anthropic", responses: []string{
		`{"tool": "end_turn", "args": {}}`,
	}}
	notifier := &fakeNotifier{}
	a := New(llm.New(provider), notifier, nil, Config{Provider: "anthropic", Model: "m", AdminID: "admin1"})

	require.NoError(t, a.HandleMessage(context.Background(), "admin1", "nvm"))
	require.Empty(t, notifier.sent)
}

func TestHandleMessage_ToolResultLoopsBackToModel(t *testing.T) {
	tool := &echoTool{}
	provider := &fakeProvider{name: "anthropic", responses: []string{
		`{"tool": "echo", "args": {"x": 1}}`,
		`{"tool": "reply", "args": {"message": "echoed"}}`,
	}}
	notifier := &fakeNotifier{}
	a := New(llm.New(provider), notifier, []Tool{tool}, Config{Provider: "anthropic", Model: "m", AdminID: "admin1"})

	require.NoError(t, a.HandleMessage(context.Background(), "admin1", "echo please"))
	require.Equal(t, 1, tool.calls)
	require.Equal(t, []string{"echoed"}, notifier.sent)
}

func TestHandleMessage_IgnoresNonAdminUsers(t *testing.T) {
	provider := &fakeProvider{name: "anthropic", responses: []string{}}
	notifier := &fakeNotifier{}
	a := New(llm.New(provider), notifier, nil, Config{Provider: "anthropic", Model: "m", AdminID: "admin1"})

	require.NoError(t, a.HandleMessage(context.Background(), "someone-else", "hi"))
	require.Empty(t, notifier.sent)
	require.Equal(t, 0, provider.calls)
}

func TestParseToolCall_StripsPreambleAroundObject(t *testing.T) {
	call, err := parseToolCall("Sure: {\"tool\": \"end_turn\", \"args\": {}} thanks")
	require.NoError(t, err)
	require.Equal(t, "end_turn", call.Tool)
}

func TestParseToolCall_MissingToolIsError(t *testing.T) {
	_, err := parseToolCall(`{"args": {}}`)
	require.Error(t, err)
}
