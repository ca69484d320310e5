package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chronicle/internal/ratelimit"
)

const anthropicAPIBase = "https://api.anthropic.com/v1"
const anthropicAPIVersion = "2023-06-01"

// AnthropicProvider implements Provider for Claude models, transformed from
// the teacher's internal/providers/anthropic.go down to the single Chat
// call this system needs (no streaming: summarization and moderation
// prompts are one-shot).
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *ratelimit.Limiter
}

func NewAnthropicProvider(apiKey string, limiter *ratelimit.Limiter) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: anthropicAPIBase,
		client:  &http.Client{Timeout: 120 * time.Second},
		limiter: limiter,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Generate(ctx context.Context, model, system string, messages []Message, opts Options) (string, error) {
	body := p.buildBody(model, system, messages, opts)

	resp, err := ratelimit.Execute(ctx, p.limiter, "anthropic:"+model, func() (*anthropicResponse, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: generate: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func (p *AnthropicProvider) buildBody(model, system string, messages []Message, opts Options) map[string]any {
	maxTokens := 4096
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	var msgs []map[string]any
	for _, m := range messages {
		if m.Role == "system" {
			if system == "" {
				system = m.Text
			}
			continue
		}
		msgs = append(msgs, map[string]any{"role": m.Role, "content": contentPayload(m)})
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   msgs,
	}
	if system != "" {
		body["system"] = system
	}
	if opts.HasTemp {
		body["temperature"] = opts.Temperature
	}
	return body
}

func contentPayload(m Message) any {
	if len(m.Blocks) == 0 {
		return m.Text
	}
	var blocks []map[string]any
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockImage:
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": b.MimeType,
					"data":       b.Data,
				},
			})
		default:
			blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
		}
	}
	return blocks
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body map[string]any) (*anthropicResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		httpErr := &HTTPError{
			Provider:   "anthropic",
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		return nil, httpErr.Classify()
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return &out, nil
}

type anthropicResponse struct {
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
