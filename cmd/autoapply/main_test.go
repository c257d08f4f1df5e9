package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetMocks restores the original function implementations.
func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(context.Canceled))
	assert.Equal(t, 0, exitCode(fmt.Errorf("run: %w", context.Canceled)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestHandlePanic(t *testing.T) {
	t.Cleanup(resetMocks)

	t.Run("No Panic", func(t *testing.T) {
		resetMocks()
		exited := false
		osExit = func(int) { exited = true }

		func() {
			defer handlePanic()
		}()
		assert.False(t, exited)
	})

	t.Run("Writes Panic Log", func(t *testing.T) {
		resetMocks()
		var (
			writtenName string
			written     []byte
			code        = -1
		)
		osWriteFile = func(name string, data []byte, perm os.FileMode) error {
			writtenName = name
			written = data
			return nil
		}
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("simulated crash")
		}()

		assert.Equal(t, panicLogFile, writtenName)
		require.NotEmpty(t, written)
		assert.Contains(t, string(written), "panic: simulated crash")
		assert.Contains(t, string(written), "goroutine")
		assert.Equal(t, 2, code)
	})

	t.Run("Log Write Failure", func(t *testing.T) {
		resetMocks()
		code := -1
		osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only filesystem") }
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic(errors.New("simulated crash"))
		}()

		assert.Equal(t, 2, code)
	})
}
