package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chronicle/internal/ratelimit"
)

func TestAnthropicProvider_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicBlock{{Type: "text", Text: "  hello world  "}},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("key", ratelimit.New(ratelimit.WithMaxAttempts(2)))
	p.baseURL = srv.URL

	out, err := p.Generate(context.Background(), "claude-x", "sys", []Message{TextMessage("user", "hi")}, Options{})
	require.NoError(t, err)
	require.Equal(t, "hello world", out)
}

func TestAnthropicProvider_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("key", ratelimit.New(ratelimit.WithMaxAttempts(3), ratelimit.WithBaseDelay(time.Millisecond)))
	p.baseURL = srv.URL

	_, err := p.Generate(context.Background(), "claude-x", "sys", []Message{TextMessage("user", "hi")}, Options{})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestAnthropicProvider_RetriesOn5xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicBlock{{Type: "text", Text: "ok"}}})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("key", ratelimit.New(ratelimit.WithMaxAttempts(3), ratelimit.WithBaseDelay(time.Millisecond)))
	p.baseURL = srv.URL

	out, err := p.Generate(context.Background(), "claude-x", "sys", []Message{TextMessage("user", "hi")}, Options{})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 2, calls)
}

func TestDispatcher_RoutesToNamedProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicBlock{{Type: "text", Text: "claude says hi"}}})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("key", ratelimit.New())
	p.baseURL = srv.URL
	d := New(p)

	out, err := d.Generate(context.Background(), "anthropic", "claude-x", "sys", []Message{TextMessage("user", "hi")}, Options{})
	require.NoError(t, err)
	require.Equal(t, "claude says hi", out)

	_, err = d.Generate(context.Background(), "nonexistent", "model", "sys", nil, Options{})
	require.Error(t, err)
	var unknown *UnknownProviderError
	require.ErrorAs(t, err, &unknown)
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, 0.0, ParseRetryAfter(""))
	require.Equal(t, 5.0, ParseRetryAfter("5"))
	require.Equal(t, 0.0, ParseRetryAfter("-1"))
}
