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

const geminiAPIBase = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider implements Provider for Google's Gemini generateContent
// API, transformed from the teacher's internal/providers/openai_gemini.go.
type GeminiProvider struct {
	apiKey       string
	defaultModel string
	client       *http.Client
	limiter      *ratelimit.Limiter
}

func NewGeminiProvider(apiKey, defaultModel string, limiter *ratelimit.Limiter) *GeminiProvider {
	return &GeminiProvider{
		apiKey:       apiKey,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		limiter:      limiter,
	}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Generate(ctx context.Context, model, system string, messages []Message, opts Options) (string, error) {
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildBody(system, messages, opts)
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", geminiAPIBase, model, p.apiKey)

	resp, err := ratelimit.Execute(ctx, p.limiter, "gemini:"+model, func() (*geminiResponse, error) {
		return p.doRequest(ctx, url, body)
	})
	if err != nil {
		return "", fmt.Errorf("gemini: generate: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty candidates in response")
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		out.WriteString(part.Text)
	}
	return strings.TrimSpace(out.String()), nil
}

func (p *GeminiProvider) buildBody(system string, messages []Message, opts Options) map[string]any {
	var contents []map[string]any
	for _, m := range messages {
		if m.Role == "system" {
			if system == "" {
				system = m.Text
			}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": geminiParts(m),
		})
	}

	body := map[string]any{"contents": contents}
	if system != "" {
		body["systemInstruction"] = map[string]any{"parts": []map[string]any{{"text": system}}}
	}

	genConfig := map[string]any{}
	if opts.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = opts.MaxTokens
	}
	if opts.HasTemp {
		genConfig["temperature"] = opts.Temperature
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}
	return body
}

func geminiParts(m Message) []map[string]any {
	if len(m.Blocks) == 0 {
		return []map[string]any{{"text": m.Text}}
	}
	var parts []map[string]any
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockImage:
			parts = append(parts, map[string]any{
				"inlineData": map[string]any{"mimeType": b.MimeType, "data": b.Data},
			})
		default:
			parts = append(parts, map[string]any{"text": b.Text})
		}
	}
	return parts
}

func (p *GeminiProvider) doRequest(ctx context.Context, url string, body map[string]any) (*geminiResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		httpErr := &HTTPError{
			Provider:   "gemini",
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		return nil, httpErr.Classify()
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	return &out, nil
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}
