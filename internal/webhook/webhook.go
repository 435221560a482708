// Package webhook receives repository push notifications and marks the pushed
// files dirty so the next scan revisits them regardless of their cached hash.
package webhook

import (
	"context"
	"net/http"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/go-github/v58/github"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

const maxBodyBytes = 1 << 20

// Marker flags files for rescanning.
type Marker interface {
	MarkDirty(ctx context.Context, paths ...string) error
}

// Handler serves the push webhook.
type Handler struct {
	root    string
	secret  []byte
	marker  Marker
	limiter *rate.Limiter
	logger  *zap.Logger
	// trigger coalesces scan requests; one pending signal is enough.
	trigger chan struct{}
}

// NewHandler creates a handler for pushes to the repository checked out at root.
func NewHandler(cfg config.WebhookConfig, root string, marker Marker, logger *zap.Logger) *Handler {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Handler{
		root:    root,
		secret:  []byte(cfg.Secret),
		marker:  marker,
		limiter: rate.NewLimiter(limit, 10),
		logger:  logger.Named("webhook"),
		trigger: make(chan struct{}, 1),
	}
}

// Triggers receives a value after each push that marked files dirty.
func (h *Handler) Triggers() <-chan struct{} { return h.trigger }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.limiter.Allow() {
		h.logger.Warn("Rate limit exceeded", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.logger.Warn("Invalid webhook signature", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}
	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		h.logger.Warn("Failed to parse webhook", zap.Error(err))
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	marked := 0
	switch e := event.(type) {
	case *github.PushEvent:
		paths := h.pushedFiles(e)
		if len(paths) > 0 {
			if err := h.marker.MarkDirty(r.Context(), paths...); err != nil {
				h.logger.Error("Failed to mark pushed files dirty", zap.Error(err))
				http.Error(w, "Internal error", http.StatusInternalServerError)
				return
			}
			marked = len(paths)
			select {
			case h.trigger <- struct{}{}:
			default:
			}
		}
		h.logger.Info("Push received",
			zap.String("ref", e.GetRef()), zap.String("head", e.GetAfter()), zap.Int("files_marked", marked))
	default:
		h.logger.Debug("Ignoring event type", zap.String("type", github.WebHookType(r)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "marked": marked})
}

// pushedFiles returns the absolute paths of added or modified source files.
// Paths escaping the root are ignored.
func (h *Handler) pushedFiles(e *github.PushEvent) []string {
	seen := map[string]bool{}
	add := func(files []string) {
		for _, f := range files {
			clean := path.Clean(f)
			if clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
				continue
			}
			if syntax.DetectLanguage(clean) == "" {
				continue
			}
			seen[filepath.Join(h.root, filepath.FromSlash(clean))] = true
		}
	}
	for _, c := range e.Commits {
		add(c.Added)
		add(c.Modified)
	}
	if hc := e.GetHeadCommit(); hc != nil {
		add(hc.Added)
		add(hc.Modified)
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
