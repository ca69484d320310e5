package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWebhookPublisher_SendReturnsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		require.Equal(t, "hello", p.Text)
		require.Equal(t, "m1", p.MessageID)
		_ = json.NewEncoder(w).Encode(webhookResponse{URL: "https://x.example/post/1"})
	}))
	defer srv.Close()

	pub := NewWebhookPublisher("twitter", srv.URL)
	url, err := pub.Send(context.Background(), "hello", []string{"https://img"}, "m1", "u1")
	require.NoError(t, err)
	require.Equal(t, "https://x.example/post/1", url)
	require.Equal(t, "twitter", pub.Name())
}

func TestWebhookPublisher_SendFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher("instagram", srv.URL)
	_, err := pub.Send(context.Background(), "hello", nil, "m1", "u1")
	require.Error(t, err)
}

func TestWebhookPublisher_SendFailsWhenUnconfigured(t *testing.T) {
	pub := NewWebhookPublisher("tiktok", "")
	_, err := pub.Send(context.Background(), "hello", nil, "m1", "u1")
	require.Error(t, err)
}

func TestBuildFromConfig_OnlyConfiguredPlatforms(t *testing.T) {
	pubs := BuildFromConfig(PlatformURLs{Twitter: "https://hook/x", YouTube: "https://hook/yt"})
	require.Len(t, pubs, 2)
	require.Equal(t, "twitter", pubs[0].Name())
	require.Equal(t, "youtube", pubs[1].Name())
}
