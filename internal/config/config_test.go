package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Greater(t, cfg.Engine().WorkerConcurrency, 0)
	assert.Equal(t, "sqlite", cfg.Database().Driver)
	assert.Equal(t, 10*time.Second, cfg.Scanner().DetectorTimeout)
	assert.Equal(t, 0.6, cfg.Autofix().DefaultFloor)
	assert.Equal(t, 0.7, cfg.Autofix().AutoApplyThreshold)
	assert.Equal(t, 20, cfg.Autofix().Calibration.MinObservations)
	assert.Equal(t, []string{"pattern_match", "codebase_similarity", "contextual", "generative"}, cfg.Autofix().Strategies)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM().DefaultPowerfulModel)
}

func TestFloorFor(t *testing.T) {
	a := AutofixConfig{DefaultFloor: 0.6, Floors: map[string]float64{"generative": 0.8}}
	assert.Equal(t, 0.8, a.FloorFor("generative"))
	assert.Equal(t, 0.6, a.FloorFor("contextual"))
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		require.NoError(t, cfg.Validate())

		invalidEngine := *cfg
		invalidEngine.EngineCfg.WorkerConcurrency = 0
		err := invalidEngine.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "engine.worker_concurrency must be a positive integer")

		pgWithoutURL := *cfg
		pgWithoutURL.DatabaseCfg.Driver = "postgres"
		err = pgWithoutURL.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "database.url is required")

		unknownDriver := *cfg
		unknownDriver.DatabaseCfg.Driver = "mongo"
		assert.Error(t, unknownDriver.Validate())
	})

	t.Run("Autofix Validation", func(t *testing.T) {
		valid := NewDefaultConfig().AutofixCfg
		require.NoError(t, valid.Validate())

		badThreshold := valid
		badThreshold.AutoApplyThreshold = 1.5
		assert.ErrorContains(t, badThreshold.Validate(), "auto_apply_threshold")

		badFloor := valid
		badFloor.Floors = map[string]float64{"contextual": -0.1}
		assert.ErrorContains(t, badFloor.Validate(), "floor for contextual")

		badFailures := valid
		badFailures.MaxValidationFailures = 0
		assert.ErrorContains(t, badFailures.Validate(), "max_validation_failures")
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	stateDir := t.TempDir()
	v := viper.New()
	SetDefaults(v)
	v.Set("state_dir", stateDir)
	v.Set("autofix.floors", map[string]interface{}{"generative": 0.75})
	v.Set("llm.models", map[string]interface{}{
		"gemini-2.5-pro": map[string]interface{}{"provider": "gemini", "model": "gemini-2.5-pro"},
	})
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, stateDir, cfg.StateDir())
	assert.Equal(t, filepath.Join(stateDir, "autofix.db"), cfg.Database().SQLitePath)
	assert.Equal(t, 0.75, cfg.Autofix().FloorFor("generative"))
	assert.Equal(t, "test-key", cfg.LLM().Models["gemini-2.5-pro"].APIKey)
}

func TestNewConfigFromViper_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("state_dir", t.TempDir())
	v.Set("engine.worker_concurrency", -1)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetEngineWorkerConcurrency(3)
	cfg.SetAutoApply(false)
	assert.Equal(t, 3, cfg.Engine().WorkerConcurrency)
	assert.False(t, cfg.Autofix().AutoApply)
}
