package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoapply/internal/store"
)

func TestComponentsShutdown_Empty(t *testing.T) {
	c := &Components{logger: zaptest.NewLogger(t)}
	assert.NotPanics(t, c.Shutdown)
	assert.NotPanics(t, (&Components{}).Shutdown)
}

func TestComponentsShutdown_LogsBrowserError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	br := &stubBrowser{err: errors.New("chrome hung")}
	st := &closeCountingStore{Store: store.NewMemory()}

	c := &Components{Browser: br, Store: st, logger: zap.New(core)}
	c.Shutdown()

	assert.Equal(t, int32(1), br.shutdowns.Load())
	assert.Equal(t, int32(1), st.closes.Load())
	assert.Equal(t, 1, logs.FilterMessage("Error during browser shutdown.").Len())
}
