package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Scanner() config.ScannerConfig {
	args := m.Called()
	return args.Get(0).(config.ScannerConfig)
}

func (m *MockConfig) Autofix() config.AutofixConfig {
	args := m.Called()
	return args.Get(0).(config.AutofixConfig)
}

func (m *MockConfig) LLM() config.LLMRouterConfig {
	args := m.Called()
	return args.Get(0).(config.LLMRouterConfig)
}

func (m *MockConfig) Notify() config.NotifyConfig {
	args := m.Called()
	return args.Get(0).(config.NotifyConfig)
}

func (m *MockConfig) Webhook() config.WebhookConfig {
	args := m.Called()
	return args.Get(0).(config.WebhookConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

func (m *MockConfig) StateDir() string {
	args := m.Called()
	return args.String(0)
}

// --- Setters ---

func (m *MockConfig) SetEngineWorkerConcurrency(w int) {
	m.Called(w)
}

func (m *MockConfig) SetAutoApply(b bool) {
	m.Called(b)
}

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

var _ schemas.LLMClient = (*MockLLMClient)(nil)

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// Close provides a mock function for releasing the client.
func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
