// Package publish implements the Publisher port the Sharing Orchestrator
// (internal/sharing, C8) fans confirmed shares out to. spec.md scopes the
// publisher platforms themselves out — no platform SDK appears anywhere in
// the retrieval pack, so each platform is represented by a generic webhook
// publisher rather than a bespoke API client; see DESIGN.md.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// requestTimeout bounds every outbound webhook call, matching the Gateway
// Client's restTimeout discipline of giving every network call a deadline.
const requestTimeout = 15 * time.Second

// payload is the JSON body posted to a platform's webhook: enough for a
// receiving automation (Zapier, IFTTT, a thin in-house relay) to mint the
// actual platform post and hand back a URL the orchestrator never sees.
type payload struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	MessageID string   `json:"source_message_id"`
	UserID    string   `json:"user_id"`
}

type webhookResponse struct {
	URL string `json:"url"`
}

// WebhookPublisher sends one platform's shares to a configured webhook URL.
// It's the pack's substitute for the dropped per-platform SDKs: every
// target (X, Instagram, TikTok, YouTube) speaks the same thin JSON contract
// rather than each needing its own dependency.
type WebhookPublisher struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookPublisher creates a Publisher for name that posts to url. A
// zero-value url means the platform is unconfigured; Send then fails
// immediately rather than silently no-oping, so sharing.go's per-publisher
// failure path (DM the reactor, keep going) still fires correctly.
func NewWebhookPublisher(name, url string) *WebhookPublisher {
	return &WebhookPublisher{name: name, url: url, client: &http.Client{Timeout: requestTimeout}}
}

func (p *WebhookPublisher) Name() string { return p.name }

// Send posts text/mediaURLs to the platform's webhook and returns the URL
// it reports back, satisfying internal/sharing.Publisher.
func (p *WebhookPublisher) Send(ctx context.Context, text string, mediaURLs []string, messageID, userID string) (string, error) {
	if p.url == "" {
		return "", fmt.Errorf("publish: %s: no webhook configured", p.name)
	}

	body, err := json.Marshal(payload{Text: text, MediaURLs: mediaURLs, MessageID: messageID, UserID: userID})
	if err != nil {
		return "", fmt.Errorf("publish: %s: encode payload: %w", p.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("publish: %s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("publish: %s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("publish: %s: webhook returned status %d", p.name, resp.StatusCode)
	}

	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("publish: %s: decode response: %w", p.name, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("publish: %s: webhook response carried no url", p.name)
	}
	return out.URL, nil
}

// BuildFromConfig constructs one WebhookPublisher per platform with a
// non-empty webhook URL configured, in the fixed platform order spec.md's
// social-handle fields imply (twitter, instagram, tiktok, youtube).
func BuildFromConfig(urls PlatformURLs) []Publisher {
	var out []Publisher
	add := func(name, url string) {
		if url != "" {
			out = append(out, NewWebhookPublisher(name, url))
		}
	}
	add("twitter", urls.Twitter)
	add("instagram", urls.Instagram)
	add("tiktok", urls.TikTok)
	add("youtube", urls.YouTube)
	return out
}

// PlatformURLs carries one webhook URL per supported platform, sourced
// from internal/config.
type PlatformURLs struct {
	Twitter   string
	Instagram string
	TikTok    string
	YouTube   string
}

// Publisher mirrors internal/sharing.Publisher so BuildFromConfig doesn't
// need to import the sharing package just to name its return type.
type Publisher interface {
	Name() string
	Send(ctx context.Context, text string, mediaURLs []string, messageID, userID string) (url string, err error)
}
