package main

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
}

func TestHandlePanic(t *testing.T) {
	defer resetMocks()

	t.Run("writes the trace and exits with status 2", func(t *testing.T) {
		var written string
		osWriteFile = func(name string, data []byte, _ os.FileMode) error {
			assert.Equal(t, panicLogFile, name)
			written = string(data)
			return nil
		}
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 2, code)
		require.NotEmpty(t, written)
		assert.Contains(t, written, "panic: boom")
		assert.Contains(t, written, "goroutine")
	})

	t.Run("still exits when the log cannot be written", func(t *testing.T) {
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only") }
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("boom")
		}()
		assert.Equal(t, 2, code)
	})

	t.Run("no panic is a no-op", func(t *testing.T) {
		osExit = func(int) { t.Fatal("unexpected exit") }
		func() {
			defer handlePanic()
		}()
	})
}
