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

// OpenAIProvider implements Provider for OpenAI-compatible chat-completions
// APIs, transformed from the teacher's internal/providers/openai.go.
type OpenAIProvider struct {
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
	limiter      *ratelimit.Limiter
}

func NewOpenAIProvider(apiKey, apiBase, defaultModel string, limiter *ratelimit.Limiter) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		limiter:      limiter,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// usesMaxCompletionTokens reports whether model requires the newer
// max_completion_tokens parameter instead of max_tokens (reasoning models).
func usesMaxCompletionTokens(model string) bool {
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "gpt-5")
}

func (p *OpenAIProvider) Generate(ctx context.Context, model, system string, messages []Message, opts Options) (string, error) {
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildBody(model, system, messages, opts)

	resp, err := ratelimit.Execute(ctx, p.limiter, "openai:"+model, func() (*openAIResponse, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return "", fmt.Errorf("openai: generate: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *OpenAIProvider) buildBody(model, system string, messages []Message, opts Options) map[string]any {
	var msgs []map[string]any
	if system != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": system})
	}
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		msgs = append(msgs, map[string]any{"role": m.Role, "content": openAIContentPayload(m)})
	}

	body := map[string]any{"model": model, "messages": msgs}

	maxTokens := 4096
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	if usesMaxCompletionTokens(model) {
		body["max_completion_tokens"] = maxTokens
	} else {
		body["max_tokens"] = maxTokens
	}
	if opts.HasTemp && !usesMaxCompletionTokens(model) {
		body["temperature"] = opts.Temperature
	}
	return body
}

func openAIContentPayload(m Message) any {
	if len(m.Blocks) == 0 {
		return m.Text
	}
	var blocks []map[string]any
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockImage:
			url := b.URL
			if url == "" {
				url = "data:" + b.MimeType + ";base64," + b.Data
			}
			blocks = append(blocks, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": url},
			})
		default:
			blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
		}
	}
	return blocks
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body map[string]any) (*openAIResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		httpErr := &HTTPError{
			Provider:   "openai",
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		return nil, httpErr.Classify()
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &out, nil
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
