// Package moderation implements the Moderation Port (spec.md §4.11, C11):
// submit-then-poll image safety checks against a remote moderator,
// transformed from the original Python content moderator's WaveSpeed
// submit/poll flow into this system's HTTP-provider idiom
// (internal/llm's AnthropicProvider: net/http.Client + ratelimit.Execute +
// errkind classification).
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/chronicle/internal/errkind"
	"github.com/nextlevelbuilder/chronicle/internal/ratelimit"
)

// pollBudget is spec.md §4.11's fixed polling window: "polls until complete
// or until a 60s budget elapses".
const pollBudget = 60 * time.Second
const pollInterval = 500 * time.Millisecond
const submitTimeout = 30 * time.Second

// Result is check_image's return shape (spec.md §4.11).
type Result struct {
	Block      bool
	Categories map[string]any
	Error      string
}

// Checker submits image-moderation jobs to a remote moderator and polls for
// a verdict.
type Checker struct {
	apiKey      string
	submitURL   string
	resultURL   string
	client      *http.Client
	limiter     *ratelimit.Limiter
	pollBudget  time.Duration
	pollInterval time.Duration
}

// Option configures a Checker.
type Option func(*Checker)

// WithPollBudget overrides the default 60s poll budget (tests only).
func WithPollBudget(d time.Duration) Option { return func(c *Checker) { c.pollBudget = d } }

// WithPollInterval overrides the default 500ms poll spacing (tests only).
func WithPollInterval(d time.Duration) Option { return func(c *Checker) { c.pollInterval = d } }

// New creates a Checker against the given submit/result endpoints. An empty
// apiKey disables moderation; CheckImage then always returns an unblocked,
// fail-open result (mirrors is_enabled() in the original content moderator).
func New(apiKey, submitURL, resultURL string, limiter *ratelimit.Limiter, opts ...Option) *Checker {
	c := &Checker{
		apiKey:       apiKey,
		submitURL:    submitURL,
		resultURL:    resultURL,
		client:       &http.Client{Timeout: submitTimeout},
		limiter:      limiter,
		pollBudget:   pollBudget,
		pollInterval: pollInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether moderation is configured.
func (c *Checker) Enabled() bool { return c.apiKey != "" }

// CheckImageBlocked adapts CheckImage to the narrow (bool, error) shape the
// Summarizer's ImageModerator interface expects, discarding the category
// detail callers there don't need.
func (c *Checker) CheckImageBlocked(ctx context.Context, url string) (bool, error) {
	result, err := c.CheckImage(ctx, url)
	return result.Block, err
}

// SummaryAdapter satisfies the Summarizer's ImageModerator interface
// (CheckImage(ctx, url) (bool, error)) over a Checker, whose own CheckImage
// returns the richer Result type the Sharing Orchestrator's callers want.
type SummaryAdapter struct{ *Checker }

func (a SummaryAdapter) CheckImage(ctx context.Context, url string) (bool, error) {
	return a.Checker.CheckImageBlocked(ctx, url)
}

// CheckImage submits url for moderation and polls for a verdict, failing
// open (Block: false) on any transport error, malformed response, or poll
// timeout — spec.md §4.11: "Timeouts are fail-open (don't block)".
func (c *Checker) CheckImage(ctx context.Context, url string) (Result, error) {
	if !c.Enabled() {
		return Result{Block: false}, nil
	}

	requestID, err := c.submit(ctx, url)
	if err != nil {
		return Result{Block: false, Error: err.Error()}, nil
	}

	result, err := c.poll(ctx, requestID)
	if err != nil {
		return Result{Block: false, Error: err.Error()}, nil
	}
	return evaluate(result), nil
}

func (c *Checker) submit(ctx context.Context, imageURL string) (string, error) {
	body, err := json.Marshal(map[string]any{"enable_sync_mode": false, "image": imageURL})
	if err != nil {
		return "", fmt.Errorf("moderation: marshal submit request: %w", err)
	}

	resp, err := ratelimit.Execute(ctx, c.limiter, "moderation:submit", func() (*submitResponse, error) {
		return c.doJSON(ctx, http.MethodPost, c.submitURL, body)
	})
	if err != nil {
		return "", fmt.Errorf("moderation: submit: %w", err)
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("moderation: submit response had no request id")
	}
	return resp.Data.ID, nil
}

func (c *Checker) poll(ctx context.Context, requestID string) (*pollResult, error) {
	deadline := time.Now().Add(c.pollBudget)
	url := fmt.Sprintf(c.resultURL, requestID)

	for time.Now().Before(deadline) {
		resp, err := ratelimit.Execute(ctx, c.limiter, "moderation:poll", func() (*pollResponse, error) {
			return c.doJSONPoll(ctx, url)
		})
		if err != nil {
			return nil, fmt.Errorf("moderation: poll: %w", err)
		}

		switch resp.Data.Status {
		case "completed":
			return &resp.Data, nil
		case "failed":
			return nil, fmt.Errorf("moderation: remote job failed: %s", resp.Data.Error)
		default:
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}
	}
	return nil, fmt.Errorf("moderation: poll timed out after %s", c.pollBudget)
}

func (c *Checker) doJSON(ctx context.Context, method, url string, body []byte) (*submitResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("moderation: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errkind.New(errkind.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, string(b))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("moderation: decode submit response: %w", err)
	}
	return &out, nil
}

func (c *Checker) doJSONPoll(ctx context.Context, url string) (*pollResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("moderation: create poll request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errkind.New(errkind.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, string(b))
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("moderation: decode poll response: %w", err)
	}
	return &out, nil
}

func classifyStatus(status int, body string) error {
	err := fmt.Errorf("moderation: http %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return errkind.New(errkind.KindTransient, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errkind.New(errkind.KindAuth, err)
	default:
		return errkind.New(errkind.KindPermanent, err)
	}
}

type submitResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type pollResponse struct {
	Data pollResult `json:"data"`
}

type pollResult struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Outputs []any  `json:"outputs"`
}

// evaluate mirrors the original content moderator's _evaluate_result: block
// if any category in the first output resolves to true or exceeds 0.5.
func evaluate(result *pollResult) Result {
	categories := map[string]any{}
	if len(result.Outputs) > 0 {
		switch first := result.Outputs[0].(type) {
		case map[string]any:
			categories = first
		case string:
			var parsed map[string]any
			if json.Unmarshal([]byte(first), &parsed) == nil {
				categories = parsed
			}
		}
	}

	block := false
	for _, v := range categories {
		switch val := v.(type) {
		case bool:
			if val {
				block = true
			}
		case float64:
			if val > 0.5 {
				block = true
			}
		}
	}
	return Result{Block: block, Categories: categories}
}
