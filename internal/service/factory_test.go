package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/mocks"
	"github.com/xkilldash9x/autoapply/internal/orchestrator"
	"github.com/xkilldash9x/autoapply/internal/store"
)

func testFactory(st schemas.Store, llm schemas.LLMClient, br BrowserDriver) *concreteFactory {
	return &concreteFactory{
		newStore: func(context.Context, config.DatabaseConfig, string, *zap.Logger) (schemas.Store, error) {
			return st, nil
		},
		newLLM: func(context.Context, config.OracleConfig, *zap.Logger) (schemas.LLMClient, error) {
			return llm, nil
		},
		newBrowser: func(context.Context, config.BrowserConfig, *zap.Logger) (BrowserDriver, error) {
			return br, nil
		},
	}
}

func TestCreate_WiresPipeline(t *testing.T) {
	cfg := config.NewDefaultConfig()
	llm := new(mocks.MockLLMClient)
	llm.On("Close").Return(nil)
	br := &stubBrowser{}
	st := &closeCountingStore{Store: store.NewMemory()}

	components, err := testFactory(st, llm, br).Create(context.Background(), cfg, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, components.TaskEngine)
	require.NotNil(t, components.Orchestrator)
	require.NotNil(t, components.Oracle)
	require.NotNil(t, components.Profiles)
	assert.Same(t, st, components.Store)

	// The orchestrator must be able to seed work through the wired store.
	id, err := components.Orchestrator.StartWorkflow(context.Background(), orchestrator.StartRequest{
		JobURLs: []string{"https://jobs.example.com/1"}, ProfileRef: "ada",
	})
	require.NoError(t, err)
	snap, err := components.Orchestrator.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.StageCounts[schemas.StageReachabilityCheck][schemas.TaskPending])

	components.Shutdown()
	assert.Equal(t, int32(1), br.shutdowns.Load())
	assert.Equal(t, int32(1), st.closes.Load())
	llm.AssertCalled(t, "Close")
}

func TestCreate_FailureShutsDownPartialComponents(t *testing.T) {
	st := &closeCountingStore{Store: store.NewMemory()}
	f := testFactory(st, nil, nil)
	f.newLLM = func(context.Context, config.OracleConfig, *zap.Logger) (schemas.LLMClient, error) {
		return nil, errors.New("gemini API key is required")
	}

	components, err := f.Create(context.Background(), config.NewDefaultConfig(), Options{}, zap.NewNop())
	assert.Nil(t, components)
	assert.ErrorContains(t, err, "API key")
	assert.Equal(t, int32(1), st.closes.Load(), "store opened before the failure is closed")
}

func TestCreate_BrowserFailure(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Close").Return(nil)
	f := testFactory(store.NewMemory(), llm, nil)
	f.newBrowser = func(context.Context, config.BrowserConfig, *zap.Logger) (BrowserDriver, error) {
		return nil, errors.New("chrome not found")
	}

	_, err := f.Create(context.Background(), config.NewDefaultConfig(), Options{}, zap.NewNop())
	assert.ErrorContains(t, err, "failed to initialize browser manager")
	llm.AssertCalled(t, "Close")
	llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestCreate_NilArguments(t *testing.T) {
	_, err := NewComponentFactory().Create(context.Background(), nil, Options{}, zap.NewNop())
	assert.Error(t, err)
	_, err = NewComponentFactory().Create(context.Background(), config.NewDefaultConfig(), Options{}, nil)
	assert.Error(t, err)
}
