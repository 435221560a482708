package llmclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
)

// -- Test Setup Helpers --

func getValidLLMConfig() config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:    config.ProviderGemini,
		Model:       "gemini-test",
		APIKey:      "test-key",
		APITimeout:  5 * time.Second,
		Temperature: 0.2,
	}
}

// setupGeminiClient points a GeminiClient at a mock HTTP server with instant retries.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *observer.ObservedLogs) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(cfg, 2, zap.New(loggerCore))
	require.NoError(t, err)
	client.backoffFactory = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return client, observedLogs
}

func writeCandidate(t *testing.T, w http.ResponseWriter, text string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	_, err := io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":`+jsonString(t, text)+`}],"role":"model"},"finishReason":"STOP"}],`+
		`"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4,"totalTokenCount":7}}`)
	require.NoError(t, err)
}

func jsonString(t *testing.T, s string) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}

func testRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		SystemPrompt: "You fix code.",
		UserPrompt:   "Fix this.",
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	}
}

// -- Test Cases --

func TestNewGeminiClient(t *testing.T) {
	cfg := getValidLLMConfig()
	client, err := NewGeminiClient(cfg, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-test:generateContent", client.endpoint)
	assert.Equal(t, DefaultMaxRetries, client.maxRetries)
	assert.Equal(t, cfg.APITimeout, client.httpClient.Timeout)

	cfg.APIKey = ""
	_, err = NewGeminiClient(cfg, 0, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "API key is required")
}

func TestGeminiGenerate_Success(t *testing.T) {
	var got geminiRequestPayload
	client, logs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		writeCandidate(t, w, `{"patch":""}`)
	})

	out, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"patch":""}`, out)

	require.Len(t, got.Contents, 1)
	assert.Equal(t, "Fix this.", got.Contents[0].Parts[0].Text)
	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "You fix code.", got.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "application/json", got.GenerationConfig.ResponseMimeType)
	assert.InDelta(t, 0.2, got.GenerationConfig.Temperature, 1e-6)
	assert.Equal(t, 1, logs.FilterMessage("LLM generation complete (Gemini)").Len())
}

func TestGeminiGenerate_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeCandidate(t, w, "ok")
	})

	out, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGeminiGenerate_RetryCap(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Generate(context.Background(), testRequest())
	assert.ErrorContains(t, err, "status 429")
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestGeminiGenerate_PermanentErrors(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name:    "bad request",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) },
			want:    "status 400",
		},
		{
			name: "safety block",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`)
			},
			want: "blocked",
		},
		{
			name:    "no candidates",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, `{"candidates":[]}`) },
			want:    "no candidates",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tc.handler(w, r)
			})
			_, err := client.Generate(context.Background(), testRequest())
			assert.ErrorContains(t, err, tc.want)
			assert.Equal(t, int32(1), calls.Load(), "permanent errors are not retried")
		})
	}
}

func TestGeminiGenerate_ContextCancelled(t *testing.T) {
	client, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeCandidate(t, w, "late")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Generate(ctx, testRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, client.Close())
}
