package llmclient

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
)

// GoogleClient implements schemas.LLMClient with the Google Gen AI SDK.
type GoogleClient struct {
	client     *genai.Client
	config     config.LLMModelConfig
	logger     *zap.Logger
	maxRetries int
	// backoffFactory is swapped in tests to avoid real sleeps.
	backoffFactory func() backoff.BackOff
}

// NewGoogleClient creates an SDK backed client. Endpoint overrides the API base URL.
func NewGoogleClient(ctx context.Context, cfg config.LLMModelConfig, maxRetries int, logger *zap.Logger) (*GoogleClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Google/Gemini API Key is required")
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GoogleClient{
		client:     client,
		config:     cfg,
		logger:     logger.Named("llm_client.genai"),
		maxRetries: maxRetries,
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
	}, nil
}

// Generate calls GenerateContent, retrying failures that are not caused by ctx.
func (c *GoogleClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	genCfg := c.generationConfig(req)
	var text string
	operation := func() error {
		callCtx := ctx
		if c.config.APITimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.config.APITimeout)
			defer cancel()
		}
		startTime := time.Now()
		resp, err := c.client.Models.GenerateContent(callCtx, c.config.Model, genai.Text(req.UserPrompt), genCfg)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("GenerateContent failed, retrying...", zap.Error(err))
			return fmt.Errorf("genai generate content: %w", err)
		}
		out := resp.Text()
		if out == "" {
			return backoff.Permanent(fmt.Errorf("genai returned no text"))
		}
		fields := []zap.Field{zap.Duration("duration", time.Since(startTime))}
		if resp.UsageMetadata != nil {
			fields = append(fields, zap.Int32("total_tokens", resp.UsageMetadata.TotalTokenCount))
		}
		c.logger.Info("LLM generation complete (genai)", fields...)
		text = out
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.backoffFactory(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return "", err
	}
	return text, nil
}

func (c *GoogleClient) generationConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	temperature := c.config.Temperature
	if req.Options.Temperature > 0 {
		temperature = float32(req.Options.Temperature)
	}
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if c.config.TopP > 0 {
		cfg.TopP = genai.Ptr(c.config.TopP)
	}
	if c.config.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(c.config.TopK))
	}
	if c.config.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.ForceJSONFormat {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// Close releases nothing; the SDK client has no Close method.
func (c *GoogleClient) Close() error { return nil }
