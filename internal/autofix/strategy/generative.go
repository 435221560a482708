package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/engine"
	"github.com/xkilldash9x/scalpel-autofix/internal/llmutil"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
)

const generativeSystemPrompt = `You are a senior engineer fixing one defect reported by a static analyzer.
Produce the smallest change that removes the reported issue without altering unrelated behavior.
Respond with a single JSON object and nothing else:
{"explanation": "<one sentence>", "confidence": <number between 0 and 1>, "patch": "<unified diff>"}
The patch must be a unified diff against the file path given, using "--- a/<path>" and "+++ b/<path>" headers, and must modify only that file.
If you cannot fix the issue safely, return an empty patch.`

// generativeResponse is the JSON shape the model is asked for.
type generativeResponse struct {
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
	Patch       string  `json:"patch"`
}

// Generative asks an external model for a patch. Its output is untrusted: the
// patch must parse, target only the issue's file and apply cleanly before it
// becomes a candidate.
type Generative struct {
	llm     schemas.LLMClient
	limiter *rate.Limiter
	timeout time.Duration
	context int
	logger  *zap.Logger
}

// NewGenerative creates the generative strategy. A non-positive rate limit
// disables throttling.
func NewGenerative(llm schemas.LLMClient, cfg config.GenerativeConfig, logger *zap.Logger) *Generative {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	contextLines := cfg.ContextLines
	if contextLines <= 0 {
		contextLines = 40
	}
	return &Generative{
		llm:     llm,
		limiter: limiter,
		timeout: cfg.Timeout,
		context: contextLines,
		logger:  logger.Named("generative"),
	}
}

func (s *Generative) Name() schemas.StrategyName { return schemas.StrategyGenerative }

func (s *Generative) Propose(ctx context.Context, issue *schemas.Issue, target Target) (*Candidate, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: generativeSystemPrompt,
		UserPrompt:   s.prompt(issue, target.Content),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature:     0.1,
			ForceJSONFormat: true,
		},
	}

	var raw string
	// The model call can take a while; let other files use the slot.
	err := engine.LeaseFrom(ctx).Detach(ctx, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		var err error
		raw, err = s.llm.Generate(ctx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := llmutil.ParseJSONResponse[generativeResponse](raw)
	if err != nil {
		s.logger.Warn("Discarding unparseable model response", zap.String("issue_id", issue.ID), zap.Error(err))
		return nil, nil
	}
	text := llmutil.CleanPatch(resp.Patch)
	if text == "" {
		s.logger.Debug("Model declined to fix the issue", zap.String("issue_id", issue.ID), zap.String("explanation", resp.Explanation))
		return nil, nil
	}

	changes, err := patch.Apply(text, func(path string) ([]byte, error) {
		if path != issue.FilePath {
			return nil, fmt.Errorf("patch touches %s outside the issue file", path)
		}
		return target.Content, nil
	})
	if err != nil {
		s.logger.Warn("Discarding model patch that does not apply", zap.String("issue_id", issue.ID), zap.Error(err))
		return nil, nil
	}
	if len(changes) != 1 {
		s.logger.Warn("Discarding model patch with multiple file sections", zap.String("issue_id", issue.ID), zap.Int("files", len(changes)))
		return nil, nil
	}
	// Re-render so hunk headers and context match what was actually applied.
	return newCandidate(s.Name(), issue, target.Content, changes[0].After, resp.Confidence, resp.Explanation)
}

// prompt shows the issue and a numbered window of the file around it.
func (s *Generative) prompt(issue *schemas.Issue, content []byte) string {
	lines := strings.Split(string(content), "\n")
	start := max(issue.Span.StartLine-1-s.context, 0)
	end := min(max(issue.Span.EndLine, issue.Span.StartLine)+s.context, len(lines))

	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\nLanguage: %s\n", issue.FilePath, issue.Language)
	fmt.Fprintf(&b, "Issue: [%s] %s (severity %s, category %s)\n", issue.Rule, issue.Message, issue.Severity, issue.Category)
	fmt.Fprintf(&b, "Location: line %d, column %d\n\n", issue.Span.StartLine, issue.Span.StartColumn)
	fmt.Fprintf(&b, "Code (lines %d-%d):\n", start+1, end)
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%5d | %s\n", i+1, lines[i])
	}
	return b.String()
}
