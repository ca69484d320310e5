// Package llm is the provider-agnostic chat completion dispatcher (spec.md
// §4.2, C2). It never speaks Discord and never touches the store — callers
// pass fully-formed prompts and get back a stripped string.
package llm

import "context"

// ContentBlockType distinguishes text from image content in a Message.
type ContentBlockType string

const (
	BlockText  ContentBlockType = "text"
	BlockImage ContentBlockType = "image"
)

// ContentBlock is one multimodal piece of a Message's content.
type ContentBlock struct {
	Type     ContentBlockType `json:"type"`
	Text     string           `json:"text,omitempty"`
	MimeType string           `json:"mime_type,omitempty"` // image blocks
	Data     string           `json:"data,omitempty"`      // base64, image blocks
	URL      string           `json:"url,omitempty"`       // image blocks, when provider accepts URLs
}

// Message is one turn of the conversation. Content is either a single text
// string (Text != "") or a list of multimodal Blocks — never both.
type Message struct {
	Role   string // "system", "user", "assistant"
	Text   string
	Blocks []ContentBlock
}

// TextMessage is a convenience constructor for a plain text turn.
func TextMessage(role, text string) Message { return Message{Role: role, Text: text} }

// Options carries per-call tuning knobs. Zero values mean "provider default".
type Options struct {
	MaxTokens   int
	Temperature float64
	HasTemp     bool // Temperature only applied when explicitly set
}

// Provider is implemented once per upstream LLM vendor.
type Provider interface {
	// Generate issues one chat completion call and returns the stripped
	// text response. Non-string / malformed provider responses are
	// coerced to a string or returned as an error — never silently dropped.
	Generate(ctx context.Context, model, system string, messages []Message, opts Options) (string, error)
	Name() string
}

// Dispatcher routes a Generate call to one of the registered providers by
// name. It is the single seam the rest of the system uses to reach an LLM.
type Dispatcher struct {
	providers map[string]Provider
}

// New creates a Dispatcher over the given providers, keyed by Provider.Name().
func New(providers ...Provider) *Dispatcher {
	d := &Dispatcher{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		d.providers[p.Name()] = p
	}
	return d
}

// Generate routes to the named provider. Unknown provider names are a
// programmer error and return immediately without retry.
func (d *Dispatcher) Generate(ctx context.Context, provider, model, system string, messages []Message, opts Options) (string, error) {
	p, ok := d.providers[provider]
	if !ok {
		return "", &UnknownProviderError{Provider: provider}
	}
	return p.Generate(ctx, model, system, messages, opts)
}

// UnknownProviderError is returned when Dispatcher.Generate is asked for a
// provider that was never registered.
type UnknownProviderError struct{ Provider string }

func (e *UnknownProviderError) Error() string { return "llm: unknown provider " + e.Provider }
