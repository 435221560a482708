package llmclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewGoogleClient_RequiresKey(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.APIKey = ""
	client, err := NewGoogleClient(context.Background(), cfg, 0, zaptest.NewLogger(t))
	assert.Nil(t, client)
	assert.ErrorContains(t, err, "API Key is required")
}

func TestGoogleClient_Generate(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "gemini-test:generateContent"), r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeCandidate(t, w, "patched")
	}))
	t.Cleanup(server.Close)

	cfg := getValidLLMConfig()
	cfg.Provider = "genai"
	cfg.Endpoint = server.URL
	client, err := NewGoogleClient(context.Background(), cfg, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	client.backoffFactory = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	out, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "patched", out)
	assert.Equal(t, int32(2), calls.Load())
	assert.NoError(t, client.Close())
}
