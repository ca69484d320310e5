package moderation

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

func newTestLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.WithMaxAttempts(1))
}

func TestCheckImage_DisabledWithoutAPIKeyFailsOpen(t *testing.T) {
	c := New("", "http://unused", "http://unused", newTestLimiter())
	result, err := c.CheckImage(context.Background(), "https://example.com/a.png")
	require.NoError(t, err)
	require.False(t, result.Block)
}

func TestCheckImage_BlocksOnFlaggedCategory(t *testing.T) {
	polls := 0
	submitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "req-1"}})
	}))
	defer submitSrv.Close()

	pollSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "processing"
		if polls >= 2 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"status":  status,
				"outputs": []any{map[string]any{"nsfw": true}},
			},
		})
	}))
	defer pollSrv.Close()

	c := New("test-key", submitSrv.URL, pollSrv.URL+"/%s", newTestLimiter(),
		WithPollBudget(2*time.Second), WithPollInterval(10*time.Millisecond))

	result, err := c.CheckImage(context.Background(), "https://example.com/a.png")
	require.NoError(t, err)
	require.True(t, result.Block)
	require.Equal(t, true, result.Categories["nsfw"])
}

func TestCheckImage_AllowsWhenNoCategoryFlagged(t *testing.T) {
	submitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "req-2"}})
	}))
	defer submitSrv.Close()

	pollSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"status":  "completed",
				"outputs": []any{map[string]any{"nsfw": false, "violence": 0.1}},
			},
		})
	}))
	defer pollSrv.Close()

	c := New("test-key", submitSrv.URL, pollSrv.URL+"/%s", newTestLimiter(),
		WithPollBudget(2*time.Second), WithPollInterval(10*time.Millisecond))

	result, err := c.CheckImage(context.Background(), "https://example.com/b.png")
	require.NoError(t, err)
	require.False(t, result.Block)
}

func TestCheckImage_PollTimeoutFailsOpen(t *testing.T) {
	submitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "req-3"}})
	}))
	defer submitSrv.Close()

	pollSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "processing"}})
	}))
	defer pollSrv.Close()

	c := New("test-key", submitSrv.URL, pollSrv.URL+"/%s", newTestLimiter(),
		WithPollBudget(30*time.Millisecond), WithPollInterval(10*time.Millisecond))

	result, err := c.CheckImage(context.Background(), "https://example.com/c.png")
	require.NoError(t, err)
	require.False(t, result.Block)
	require.NotEmpty(t, result.Error)
}

func TestCheckImage_SubmitErrorFailsOpen(t *testing.T) {
	submitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer submitSrv.Close()

	c := New("test-key", submitSrv.URL, submitSrv.URL+"/%s", newTestLimiter())
	result, err := c.CheckImage(context.Background(), "https://example.com/d.png")
	require.NoError(t, err)
	require.False(t, result.Block)
	require.NotEmpty(t, result.Error)
}
