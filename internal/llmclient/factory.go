// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
)

// NewClient builds the tier router from the configured fast and powerful models.
func NewClient(ctx context.Context, cfg config.LLMRouterConfig, maxRetries int, logger *zap.Logger) (schemas.LLMClient, error) {
	fast, err := newModelClient(ctx, cfg, cfg.DefaultFastModel, maxRetries, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fast tier client: %w", err)
	}
	powerful, err := newModelClient(ctx, cfg, cfg.DefaultPowerfulModel, maxRetries, logger)
	if err != nil {
		_ = fast.Close()
		return nil, fmt.Errorf("failed to create powerful tier client: %w", err)
	}
	return NewLLMRouter(logger, fast, powerful)
}

func newModelClient(ctx context.Context, cfg config.LLMRouterConfig, name string, maxRetries int, logger *zap.Logger) (schemas.LLMClient, error) {
	if name == "" {
		return nil, fmt.Errorf("no default model configured")
	}
	model, ok := cfg.Models[name]
	if !ok {
		return nil, fmt.Errorf("model %q is not defined under llm.models", name)
	}
	if model.Model == "" {
		model.Model = name
	}
	switch model.Provider {
	case config.ProviderGemini, "":
		return NewGeminiClient(model, maxRetries, logger)
	case config.ProviderGenAISDK:
		return NewGoogleClient(ctx, model, maxRetries, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			model.Provider, config.ProviderGemini, config.ProviderGenAISDK)
	}
}
