package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-autofix/internal/config"
)

type fakeMarker struct {
	paths []string
	err   error
}

func (f *fakeMarker) MarkDirty(ctx context.Context, paths ...string) error {
	f.paths = append(f.paths, paths...)
	return f.err
}

const pushPayload = `{
  "ref": "refs/heads/main",
  "after": "0123456789abcdef0123456789abcdef01234567",
  "commits": [
    {"id": "1", "added": ["pkg/new.go", "docs/readme.md"], "modified": ["pkg/old.go"], "removed": ["pkg/gone.go"]},
    {"id": "2", "modified": ["pkg/old.go", "../escape.go", "web/app.ts"]}
  ],
  "head_commit": {"id": "2", "modified": ["web/app.ts"]}
}`

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newRequest(event, body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	return req
}

func TestPushMarksFilesDirty(t *testing.T) {
	root := t.TempDir()
	marker := &fakeMarker{}
	h := NewHandler(config.WebhookConfig{Secret: "s3cret"}, root, marker, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest("push", pushPayload, sign("s3cret", pushPayload)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"marked":3`)

	assert.Equal(t, []string{
		filepath.Join(root, "pkg", "new.go"),
		filepath.Join(root, "pkg", "old.go"),
		filepath.Join(root, "web", "app.ts"),
	}, marker.paths)

	select {
	case <-h.Triggers():
	default:
		t.Fatal("push did not trigger a scan")
	}
}

func TestRejectsBadSignature(t *testing.T) {
	marker := &fakeMarker{}
	h := NewHandler(config.WebhookConfig{Secret: "s3cret"}, t.TempDir(), marker, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest("push", pushPayload, sign("wrong", pushPayload)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, marker.paths)
}

func TestIgnoresOtherEventsAndMethods(t *testing.T) {
	marker := &fakeMarker{}
	h := NewHandler(config.WebhookConfig{}, t.TempDir(), marker, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest("ping", `{"zen":"keep it simple"}`, ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, marker.paths)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMarkFailureAndRateLimit(t *testing.T) {
	marker := &fakeMarker{err: errors.New("db down")}
	h := NewHandler(config.WebhookConfig{RateLimit: 0.001}, t.TempDir(), marker, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest("push", pushPayload, ""))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	limited := 0
	for i := 0; i < 15; i++ {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, newRequest("ping", `{}`, ""))
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited)
}
