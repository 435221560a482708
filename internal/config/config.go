package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Scanner() ScannerConfig
	Autofix() AutofixConfig
	LLM() LLMRouterConfig
	Notify() NotifyConfig
	Webhook() WebhookConfig
	Metrics() MetricsConfig
	StateDir() string

	// Setters used by CLI flag overrides.
	SetEngineWorkerConcurrency(int)
	SetAutoApply(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig  `mapstructure:"database" yaml:"database"`
	EngineCfg   EngineConfig    `mapstructure:"engine" yaml:"engine"`
	ScannerCfg  ScannerConfig   `mapstructure:"scanner" yaml:"scanner"`
	AutofixCfg  AutofixConfig   `mapstructure:"autofix" yaml:"autofix"`
	LLMCfg      LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	NotifyCfg   NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	WebhookCfg  WebhookConfig   `mapstructure:"webhook" yaml:"webhook"`
	MetricsCfg  MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	// StateDirPath holds backups, the similarity index and the sqlite database.
	StateDirPath string `mapstructure:"state_dir" yaml:"state_dir"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Scanner() ScannerConfig   { return c.ScannerCfg }
func (c *Config) Autofix() AutofixConfig   { return c.AutofixCfg }
func (c *Config) LLM() LLMRouterConfig     { return c.LLMCfg }
func (c *Config) Notify() NotifyConfig     { return c.NotifyCfg }
func (c *Config) Webhook() WebhookConfig   { return c.WebhookCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }
func (c *Config) StateDir() string         { return c.StateDirPath }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }
func (c *Config) SetAutoApply(b bool)              { c.AutofixCfg.AutoApply = b }

// LoggerConfig holds the configuration for the global zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Driver is one of "postgres", "sqlite" or "memory".
	Driver     string `mapstructure:"driver" yaml:"driver"`
	URL        string `mapstructure:"url" yaml:"url"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// EngineConfig configures the worker pool.
type EngineConfig struct {
	QueueSize          int           `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerConcurrency  int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout" yaml:"default_task_timeout"`
}

// ScannerConfig controls file selection and detector execution.
type ScannerConfig struct {
	IgnoreDirs         []string      `mapstructure:"ignore_dirs" yaml:"ignore_dirs"`
	MaxFileSizeBytes   int64         `mapstructure:"max_file_size_bytes" yaml:"max_file_size_bytes"`
	DetectorTimeout    time.Duration `mapstructure:"detector_timeout" yaml:"detector_timeout"`
	SeverityFloor      string        `mapstructure:"severity_floor" yaml:"severity_floor"`
	RecentCommits      int           `mapstructure:"recent_commits" yaml:"recent_commits"`
	HealthThreshold    float64       `mapstructure:"health_threshold" yaml:"health_threshold"`
	Detectors          []string      `mapstructure:"detectors" yaml:"detectors"`
	CrashLogPath       string        `mapstructure:"crash_log_path" yaml:"crash_log_path"`
	SecretsAllowlisted []string      `mapstructure:"secrets_allowlisted" yaml:"secrets_allowlisted"`
}

// AutofixConfig holds settings for the remediation pipeline.
type AutofixConfig struct {
	AutoApply bool `mapstructure:"auto_apply" yaml:"auto_apply"`
	// AutoApplyThreshold is the calibrated confidence at or above which a
	// validated fix is committed without review.
	AutoApplyThreshold float64 `mapstructure:"auto_apply_threshold" yaml:"auto_apply_threshold"`
	// Floors maps strategy names to the minimum calibrated confidence.
	Floors       map[string]float64 `mapstructure:"floors" yaml:"floors"`
	DefaultFloor float64            `mapstructure:"default_floor" yaml:"default_floor"`
	Strategies   []string           `mapstructure:"strategies" yaml:"strategies"`

	MaxValidationFailures int `mapstructure:"max_validation_failures" yaml:"max_validation_failures"`

	Calibration CalibrationConfig `mapstructure:"calibration" yaml:"calibration"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring" yaml:"monitoring"`
	Gates       GatesConfig       `mapstructure:"gates" yaml:"gates"`
	Backup      BackupConfig      `mapstructure:"backup" yaml:"backup"`
	Similarity  SimilarityConfig  `mapstructure:"similarity" yaml:"similarity"`
	Generative  GenerativeConfig  `mapstructure:"generative" yaml:"generative"`
	Escalation  EscalationConfig  `mapstructure:"escalation" yaml:"escalation"`
}

// FloorFor returns the configured floor for a strategy, falling back to the default.
func (a AutofixConfig) FloorFor(strategy string) float64 {
	if f, ok := a.Floors[strategy]; ok {
		return f
	}
	return a.DefaultFloor
}

// CalibrationConfig tunes the confidence calibrator.
type CalibrationConfig struct {
	MinObservations int `mapstructure:"min_observations" yaml:"min_observations"`
	Window          int `mapstructure:"window" yaml:"window"`
}

// MonitoringConfig bounds the post-apply observation window.
type MonitoringConfig struct {
	Window      time.Duration `mapstructure:"window" yaml:"window"`
	CleanPasses int           `mapstructure:"clean_passes" yaml:"clean_passes"`
}

// GatesConfig controls which validation gates run and how.
type GatesConfig struct {
	TypeCheck bool          `mapstructure:"type_check" yaml:"type_check"`
	Lint      bool          `mapstructure:"lint" yaml:"lint"`
	Tests     bool          `mapstructure:"tests" yaml:"tests"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Commands maps a language to lint/test command templates. "{file}" is
	// replaced with the scratch file path.
	LintCommands map[string]string `mapstructure:"lint_commands" yaml:"lint_commands"`
	TestCommands map[string]string `mapstructure:"test_commands" yaml:"test_commands"`
}

// BackupConfig controls backup retention.
type BackupConfig struct {
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// SimilarityConfig tunes the codebase-similarity strategy.
type SimilarityConfig struct {
	MinSimilarity float64 `mapstructure:"min_similarity" yaml:"min_similarity"`
	Dimensions    int     `mapstructure:"dimensions" yaml:"dimensions"`
	Neighbors     int     `mapstructure:"neighbors" yaml:"neighbors"`
}

// GenerativeConfig configures the external model strategy.
type GenerativeConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	ContextLines int           `mapstructure:"context_lines" yaml:"context_lines"`
}

// EscalationConfig configures the specialized handlers.
type EscalationConfig struct {
	Handlers         []string `mapstructure:"handlers" yaml:"handlers"`
	MaxRelatedFiles  int      `mapstructure:"max_related_files" yaml:"max_related_files"`
	SecurityMinScore float64  `mapstructure:"security_min_score" yaml:"security_min_score"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini   LLMProvider = "gemini"
	ProviderGenAISDK LLMProvider = "genai"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// NotifyConfig configures notification sinks.
type NotifyConfig struct {
	BufferSize int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	NATSURL    string `mapstructure:"nats_url" yaml:"nats_url"`
	Subject    string `mapstructure:"subject" yaml:"subject"`
}

// WebhookConfig configures the repository-hosting webhook receiver.
type WebhookConfig struct {
	Addr      string  `mapstructure:"addr" yaml:"addr"`
	Secret    string  `mapstructure:"secret" yaml:"secret"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-autofix")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	v.SetDefault("state_dir", "~/.scalpel-autofix")

	// -- Database --
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "autofix.db")

	// -- Engine --
	v.SetDefault("engine.queue_size", 1000)
	v.SetDefault("engine.worker_concurrency", runtime.NumCPU())
	v.SetDefault("engine.default_task_timeout", "10m")

	// -- Scanner --
	v.SetDefault("scanner.ignore_dirs", []string{".git", "vendor", "node_modules", ".scalpel-autofix"})
	v.SetDefault("scanner.max_file_size_bytes", 1<<20)
	v.SetDefault("scanner.detector_timeout", "10s")
	v.SetDefault("scanner.severity_floor", "low")
	v.SetDefault("scanner.recent_commits", 20)
	v.SetDefault("scanner.health_threshold", 0.5)
	v.SetDefault("scanner.detectors", []string{"syntax", "secrets", "rules"})

	// -- Autofix --
	v.SetDefault("autofix.auto_apply", true)
	v.SetDefault("autofix.auto_apply_threshold", 0.7)
	v.SetDefault("autofix.default_floor", 0.6)
	v.SetDefault("autofix.strategies", []string{"pattern_match", "codebase_similarity", "contextual", "generative"})
	v.SetDefault("autofix.max_validation_failures", 3)
	v.SetDefault("autofix.calibration.min_observations", 20)
	v.SetDefault("autofix.calibration.window", 500)
	v.SetDefault("autofix.monitoring.window", "0s")
	v.SetDefault("autofix.monitoring.clean_passes", 1)
	v.SetDefault("autofix.gates.type_check", true)
	v.SetDefault("autofix.gates.lint", true)
	v.SetDefault("autofix.gates.tests", true)
	v.SetDefault("autofix.gates.timeout", "5m")
	v.SetDefault("autofix.backup.retention", "168h")
	v.SetDefault("autofix.similarity.min_similarity", 0.35)
	v.SetDefault("autofix.similarity.dimensions", 256)
	v.SetDefault("autofix.similarity.neighbors", 3)
	v.SetDefault("autofix.generative.enabled", false)
	v.SetDefault("autofix.generative.timeout", "90s")
	v.SetDefault("autofix.generative.max_retries", 3)
	v.SetDefault("autofix.generative.rate_limit", 1.0)
	v.SetDefault("autofix.generative.context_lines", 40)
	v.SetDefault("autofix.escalation.handlers", []string{"security", "dependency"})
	v.SetDefault("autofix.escalation.max_related_files", 5)
	v.SetDefault("autofix.escalation.security_min_score", 0.6)

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")

	// -- Notify --
	v.SetDefault("notify.buffer_size", 256)
	v.SetDefault("notify.subject", "scalpel.autofix.events")

	// -- Webhook & Metrics --
	v.SetDefault("webhook.addr", ":8088")
	v.SetDefault("webhook.rate_limit", 5.0)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9108")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("webhook.secret", "SCALPEL_AUTOFIX_WEBHOOK_SECRET")
	_ = v.BindEnv("database.url", "SCALPEL_AUTOFIX_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Model keys live in a map, which viper's env binding does not reach.
	for name, m := range cfg.LLMCfg.Models {
		if m.APIKey == "" {
			m.APIKey = os.Getenv("GEMINI_API_KEY")
			cfg.LLMCfg.Models[name] = m
		}
	}

	stateDir, err := homedir.Expand(cfg.StateDirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand state_dir: %w", err)
	}
	cfg.StateDirPath = stateDir
	if cfg.DatabaseCfg.SQLitePath != "" && !filepath.IsAbs(cfg.DatabaseCfg.SQLitePath) {
		cfg.DatabaseCfg.SQLitePath = filepath.Join(stateDir, cfg.DatabaseCfg.SQLitePath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	switch c.DatabaseCfg.Driver {
	case "postgres":
		if c.DatabaseCfg.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseCfg.Driver)
	}
	if c.ScannerCfg.DetectorTimeout <= 0 {
		return fmt.Errorf("scanner.detector_timeout must be positive")
	}
	if err := c.AutofixCfg.Validate(); err != nil {
		return fmt.Errorf("autofix configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the Autofix configuration.
func (a *AutofixConfig) Validate() error {
	if a.AutoApplyThreshold < 0.0 || a.AutoApplyThreshold > 1.0 {
		return fmt.Errorf("auto_apply_threshold must be between 0.0 and 1.0")
	}
	if a.DefaultFloor < 0.0 || a.DefaultFloor > 1.0 {
		return fmt.Errorf("default_floor must be between 0.0 and 1.0")
	}
	for name, f := range a.Floors {
		if f < 0.0 || f > 1.0 {
			return fmt.Errorf("floor for %s must be between 0.0 and 1.0", name)
		}
	}
	if a.MaxValidationFailures <= 0 {
		return fmt.Errorf("max_validation_failures must be a positive integer")
	}
	if a.Calibration.MinObservations < 0 || a.Calibration.Window <= 0 {
		return fmt.Errorf("calibration window must be positive and min_observations non-negative")
	}
	if a.Monitoring.Window < 0 || a.Monitoring.CleanPasses < 0 {
		return fmt.Errorf("monitoring window must not be negative")
	}
	return nil
}
