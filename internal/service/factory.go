package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/applier"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/calibrate"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/escalation"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/learning"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/strategy"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/detector"
	"github.com/xkilldash9x/scalpel-autofix/internal/scanner"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
)

// Detector and handler names accepted in the configuration.
const (
	DetectorRules   = "rules"
	DetectorSecrets = "secrets"
	DetectorSyntax  = "syntax"

	HandlerSecurity   = "security"
	HandlerDependency = "dependency"
)

// ComponentFactory creates the set of components a command runs against.
// The abstraction lets commands be tested without a database or a model.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create builds the store, the detectors, the strategy chain, escalation, the
// applier and the learning loop, and wires them into a pipeline.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	stateDir := cfg.StateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		initializationErr = fmt.Errorf("failed to create state directory: %w", err)
		return nil, initializationErr
	}

	// 1. Store
	st, err := OpenStore(ctx, cfg.Database(), stateDir, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = st

	// 2. LLM client, only when something will call it.
	if needsLLM(cfg) {
		llm, err := InitializeLLMClient(ctx, cfg, logger)
		switch {
		case err != nil && cfg.Autofix().Generative.Enabled:
			initializationErr = err
			return nil, initializationErr
		case err != nil:
			logger.Warn("LLM client unavailable; dependency escalation disabled.", zap.Error(err))
		default:
			components.LLM = llm
		}
	}

	// 3. Calibration
	autofixCfg := cfg.Autofix()
	calibrator := calibrate.New(autofixCfg.Calibration, st, logger)
	if err := calibrator.Load(ctx); err != nil {
		initializationErr = fmt.Errorf("failed to load calibration: %w", err)
		return nil, initializationErr
	}
	components.Calibrator = calibrator

	// 4. Detectors and scanner
	registry, err := buildRegistry(cfg.Scanner(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	changes := scanner.NewGitChanges(logger, cfg.Scanner().RecentCommits)
	scan := scanner.New(cfg.Scanner(), registry, st, changes, logger)

	// 5. Strategies
	strategies, similarity, err := buildStrategies(ctx, cfg, st, components.LLM, stateDir, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Similarity = similarity
	chain := autofix.NewChain(autofixCfg, calibrator, logger, strategies...)

	// 6. Escalation
	router := escalation.NewRouter(logger, buildHandlers(cfg, components.LLM, logger)...)

	// 7. Applier
	app, err := applier.New(autofixCfg, stateDir, logger, applier.WithGates(applier.DefaultGates(autofixCfg.Gates, logger)...))
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize applier: %w", err)
		return nil, initializationErr
	}
	components.Applier = app

	// 8. Learning feeds new templates to the similarity index.
	var indexer learning.Indexer
	if similarity != nil {
		indexer = similarity
	}
	components.Learner = learning.New(st, calibrator, indexer, logger)

	// 9. Notifications
	bus, nc, err := NewNotifier(cfg.Notify(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize notifier: %w", err)
		return nil, initializationErr
	}
	components.Bus = bus
	components.nc = nc

	// 10. Pipeline
	pipeline, err := autofix.NewPipeline(cfg, autofix.Deps{
		Store:      st,
		Scanner:    scan,
		Chain:      chain,
		Router:     router,
		Applier:    app,
		Learner:    components.Learner,
		Calibrator: calibrator,
		Notifier:   bus,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create pipeline: %w", err)
		return nil, initializationErr
	}
	components.Pipeline = pipeline

	logger.Info("All pipeline components initialized.",
		zap.Strings("strategies", strategyNames(chain.Names())),
		zap.Int("handlers", len(router.Handlers())))
	return components, nil
}

// needsLLM reports whether a configured component calls the model.
func needsLLM(cfg config.Interface) bool {
	if cfg.Autofix().Generative.Enabled {
		return true
	}
	for _, h := range cfg.Autofix().Escalation.Handlers {
		if h == HandlerDependency {
			return true
		}
	}
	return false
}

// buildRegistry creates the detectors named in cfg; all of them when none
// are named.
func buildRegistry(cfg config.ScannerConfig, logger *zap.Logger) (*detector.Registry, error) {
	names := cfg.Detectors
	if len(names) == 0 {
		names = []string{DetectorRules, DetectorSecrets, DetectorSyntax}
	}
	detectors := make([]detector.Detector, 0, len(names))
	for _, name := range names {
		switch name {
		case DetectorRules:
			detectors = append(detectors, detector.NewRulesDetector())
		case DetectorSecrets:
			d, err := detector.NewSecretsDetector(cfg.SecretsAllowlisted)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize secrets detector: %w", err)
			}
			detectors = append(detectors, d)
		case DetectorSyntax:
			detectors = append(detectors, detector.NewSyntaxDetector())
		default:
			return nil, fmt.Errorf("unknown detector: %s", name)
		}
	}
	return detector.NewRegistry(logger, cfg.DetectorTimeout, detectors...), nil
}

// buildStrategies creates the strategies in configured order. The similarity
// strategy is also returned so learning can index into it.
func buildStrategies(ctx context.Context, cfg config.Interface, st store.Repository, llm schemas.LLMClient, stateDir string, logger *zap.Logger) ([]strategy.Strategy, *strategy.Similarity, error) {
	autofixCfg := cfg.Autofix()
	var (
		out        []strategy.Strategy
		similarity *strategy.Similarity
	)
	for _, name := range autofixCfg.Strategies {
		switch schemas.StrategyName(name) {
		case schemas.StrategyPatternMatch:
			out = append(out, strategy.NewPatternMatch(st, logger))
		case schemas.StrategySimilarity:
			s, err := strategy.NewSimilarity(autofixCfg.Similarity, filepath.Join(stateDir, "similarity"), st, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize similarity index: %w", err)
			}
			if err := s.Warm(ctx); err != nil {
				logger.Warn("Could not warm the similarity index.", zap.Error(err))
			}
			similarity = s
			out = append(out, s)
		case schemas.StrategyContextual:
			out = append(out, strategy.NewContextual(logger))
		case schemas.StrategyGenerative:
			if !autofixCfg.Generative.Enabled {
				logger.Debug("Generative strategy listed but disabled.")
				continue
			}
			if llm == nil {
				return nil, nil, errors.New("generative strategy is enabled but no LLM model is configured")
			}
			out = append(out, strategy.NewGenerative(llm, autofixCfg.Generative, logger))
		default:
			return nil, nil, fmt.Errorf("unknown strategy: %s", name)
		}
	}
	return out, similarity, nil
}

// buildHandlers creates the escalation handlers named in cfg. The dependency
// handler is skipped without a model.
func buildHandlers(cfg config.Interface, llm schemas.LLMClient, logger *zap.Logger) []escalation.Handler {
	autofixCfg := cfg.Autofix()
	var out []escalation.Handler
	for _, name := range autofixCfg.Escalation.Handlers {
		switch name {
		case HandlerSecurity:
			recheck := []detector.Detector{detector.NewRulesDetector()}
			if d, err := detector.NewSecretsDetector(cfg.Scanner().SecretsAllowlisted); err == nil {
				recheck = append(recheck, d)
			} else {
				logger.Warn("Security handler runs without the secrets recheck.", zap.Error(err))
			}
			out = append(out, escalation.NewSecurity(autofixCfg.Escalation, logger, recheck...))
		case HandlerDependency:
			if llm == nil {
				logger.Info("Dependency handler needs an LLM model; skipping.")
				continue
			}
			out = append(out, escalation.NewDependency(llm, autofixCfg, cfg.Scanner().IgnoreDirs, logger))
		default:
			logger.Warn("Unknown escalation handler ignored.", zap.String("handler", name))
		}
	}
	return out
}

func strategyNames(names []schemas.StrategyName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}
