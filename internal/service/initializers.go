package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/llmclient"
	"github.com/xkilldash9x/scalpel-autofix/internal/notify"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
	"github.com/xkilldash9x/scalpel-autofix/internal/store/memstore"
	"github.com/xkilldash9x/scalpel-autofix/internal/store/sqlitestore"
)

// Store drivers accepted in database.driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// poolConnector opens a postgres pool; swapped out in tests.
var poolConnector = func(ctx context.Context, url string) (store.DBPool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	return pool, nil
}

// OpenStore opens the repository selected by cfg. Relative sqlite paths are
// resolved under stateDir.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, stateDir string, logger *zap.Logger) (store.Repository, error) {
	switch cfg.Driver {
	case DriverPostgres:
		if cfg.URL == "" {
			return nil, fmt.Errorf("database URL is not configured (hint: check SCALPEL_DATABASE_URL)")
		}
		pool, err := poolConnector(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		st, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		logger.Info("Using PostgreSQL store.")
		return st, nil

	case DriverSQLite, "":
		path := cfg.SQLitePath
		if path == "" {
			path = "autofix.db"
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(stateDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		st, err := sqlitestore.Open(ctx, path, logger)
		if err != nil {
			return nil, err
		}
		logger.Debug("Using SQLite store.", zap.String("path", path))
		return st, nil

	case DriverMemory:
		logger.Warn("Using the in-memory store. Issues, patterns and calibration are lost on exit.")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
}

// InitializeLLMClient creates the model client, or returns nil when no model
// is configured.
func InitializeLLMClient(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.LLMClient, error) {
	llmCfg := cfg.LLM()
	if llmCfg.DefaultFastModel == "" && llmCfg.DefaultPowerfulModel == "" {
		return nil, nil
	}
	client, err := llmclient.NewClient(ctx, llmCfg, cfg.Autofix().Generative.MaxRetries, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return client, nil
}

// natsConnector is replaced in tests.
var natsConnector = notify.ConnectNATS

// NewNotifier builds the event bus with a log sink and, when a NATS URL is
// configured, a NATS sink. The returned connection may be nil.
func NewNotifier(cfg config.NotifyConfig, logger *zap.Logger) (*notify.Bus, *nats.Conn, error) {
	bus := notify.NewBus(logger, cfg.BufferSize)
	if err := bus.AddSink(notify.NewLogSink(logger)); err != nil {
		bus.Shutdown()
		return nil, nil, err
	}
	if cfg.NATSURL == "" {
		return bus, nil, nil
	}

	nc, err := natsConnector(cfg.NATSURL, logger)
	if err != nil {
		bus.Shutdown()
		return nil, nil, err
	}
	if err := bus.AddSink(notify.NewNATSSink(nc, cfg.Subject)); err != nil {
		bus.Shutdown()
		nc.Close()
		return nil, nil, err
	}
	logger.Info("Publishing events to NATS.", zap.String("subject", cfg.Subject))
	return bus, nc, nil
}
