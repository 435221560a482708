// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
)

// syncBuffer adapts a bytes.Buffer into a WriteSyncer.
type syncBuffer struct{ bytes.Buffer }

func (s *syncBuffer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("console output is colorized and named", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &syncBuffer{}
		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "autofix",
			Colors:      config.ColorConfig{Info: "green"},
		}, buf)

		GetLogger().Info("hello")
		Sync()

		out := buf.String()
		assert.Contains(t, out, colorGreen+"INFO"+colorReset)
		assert.Contains(t, out, "autofix.")
		assert.Contains(t, out, "hello")
	})

	t.Run("json output and file sink", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		logFile := filepath.Join(t.TempDir(), "app.log")
		buf := &syncBuffer{}
		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "svc", LogFile: logFile, MaxSize: 1}, buf)

		GetLogger().Warn("written", zap.String("k", "v"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "v", entry["k"])

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"written"`)
	})

	t.Run("initialization happens once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		first := &syncBuffer{}
		second := &syncBuffer{}
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, first)
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, second)

		GetLogger().Info("only once")
		assert.Contains(t, first.String(), "only once")
		assert.Empty(t, second.String())
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &syncBuffer{}
		Initialize(config.LoggerConfig{Level: "loud", Format: "json"}, buf)
		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	logger := GetLogger()
	require.NotNil(t, logger)
	assert.True(t, strings.HasSuffix(logger.Name(), "fallback"))
}

func TestIssueFields(t *testing.T) {
	assert.Nil(t, IssueFields(nil))

	fields := IssueFields(&schemas.Issue{
		ID:          "i-1",
		FilePath:    "main.go",
		Rule:        "nil-dereference",
		Fingerprint: "0123456789abcdef0123",
		State:       schemas.StateDetected,
	})
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	assert.Equal(t, "0123456789ab", enc.Fields["fingerprint"])
	assert.Equal(t, "main.go", enc.Fields["file"])
	assert.Equal(t, "detected", enc.Fields["state"])
}
