package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/notify"
	"github.com/xkilldash9x/scalpel-autofix/internal/store"
	"github.com/xkilldash9x/scalpel-autofix/internal/store/memstore"
	"github.com/xkilldash9x/scalpel-autofix/internal/store/sqlitestore"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	t.Run("memory", func(t *testing.T) {
		st, err := OpenStore(ctx, config.DatabaseConfig{Driver: DriverMemory}, t.TempDir(), logger)
		require.NoError(t, err)
		defer st.Close()
		assert.IsType(t, &memstore.Store{}, st)
	})

	t.Run("sqlite resolves relative paths under the state dir", func(t *testing.T) {
		stateDir := filepath.Join(t.TempDir(), "state")
		st, err := OpenStore(ctx, config.DatabaseConfig{Driver: DriverSQLite, SQLitePath: "db/autofix.db"}, stateDir, logger)
		require.NoError(t, err)
		defer st.Close()
		assert.IsType(t, &sqlitestore.Store{}, st)
		assert.FileExists(t, filepath.Join(stateDir, "db", "autofix.db"))
	})

	t.Run("postgres requires a URL", func(t *testing.T) {
		_, err := OpenStore(ctx, config.DatabaseConfig{Driver: DriverPostgres}, t.TempDir(), logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database URL is not configured")
	})

	t.Run("postgres ping failure closes the pool", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		original := poolConnector
		poolConnector = func(context.Context, string) (store.DBPool, error) { return mockPool, nil }
		defer func() { poolConnector = original }()

		_, err = OpenStore(ctx, config.DatabaseConfig{Driver: DriverPostgres, URL: "postgres://x"}, t.TempDir(), logger)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := OpenStore(ctx, config.DatabaseConfig{Driver: "oracle"}, t.TempDir(), logger)
		assert.Error(t, err)
	})
}

func TestInitializeLLMClientWithoutModels(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.LLMCfg = config.LLMRouterConfig{}

	client, err := InitializeLLMClient(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, client)
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNewNotifier(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("log only", func(t *testing.T) {
		bus, nc, err := NewNotifier(config.NotifyConfig{BufferSize: 8}, logger)
		require.NoError(t, err)
		assert.Nil(t, nc)
		require.NoError(t, bus.Publish(context.Background(), notify.Event{Type: notify.EventIssueApplied}))
		bus.Shutdown()
	})

	t.Run("publishes to NATS", func(t *testing.T) {
		server := startTestNATSServer(t)
		bus, nc, err := NewNotifier(config.NotifyConfig{BufferSize: 8, NATSURL: server.ClientURL(), Subject: "autofix.test"}, logger)
		require.NoError(t, err)
		require.NotNil(t, nc)
		defer nc.Close()

		listener, err := nats.Connect(server.ClientURL())
		require.NoError(t, err)
		defer listener.Close()
		sub, err := listener.SubscribeSync("autofix.test.>")
		require.NoError(t, err)
		require.NoError(t, listener.Flush())

		issue := &schemas.Issue{ID: "i-1", Project: "demo", FilePath: "a.go"}
		require.NoError(t, bus.Publish(context.Background(), notify.IssueEvent(notify.EventIssueApplied, issue, schemas.StrategyContextual, "applied")))
		bus.Shutdown()
		require.NoError(t, nc.Flush())

		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		assert.Contains(t, string(msg.Data), "i-1")
	})

	t.Run("connection failure", func(t *testing.T) {
		original := natsConnector
		natsConnector = func(string, *zap.Logger) (*nats.Conn, error) { return nil, errors.New("refused") }
		defer func() { natsConnector = original }()

		_, _, err := NewNotifier(config.NotifyConfig{NATSURL: "nats://127.0.0.1:1"}, logger)
		assert.Error(t, err)
	})
}
