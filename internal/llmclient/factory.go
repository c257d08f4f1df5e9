package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
)

// NewClient builds the tiered oracle client from configuration. Each tier uses
// its entry in oracle.llm.models when present, otherwise the default model name
// with the shared oracle.api_key.
func NewClient(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fast, err := newTierClient(ctx, cfg, cfg.LLM.DefaultFastModel, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fast tier client: %w", err)
	}
	powerful, err := newTierClient(ctx, cfg, cfg.LLM.DefaultPowerfulModel, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create powerful tier client: %w", err)
	}
	return NewLLMRouter(logger, fast, powerful)
}

// resolveModelConfig returns the model config for name with defaults applied.
func resolveModelConfig(cfg config.OracleConfig, name string) config.LLMModelConfig {
	modelCfg, ok := cfg.LLM.Models[name]
	if !ok {
		modelCfg = config.LLMModelConfig{Model: name}
	}
	if modelCfg.Provider == "" {
		modelCfg.Provider = config.ProviderGemini
	}
	if modelCfg.Model == "" {
		modelCfg.Model = name
	}
	if modelCfg.APIKey == "" {
		modelCfg.APIKey = cfg.APIKey
	}
	if modelCfg.APITimeout == 0 {
		modelCfg.APITimeout = cfg.CallTimeout
	}
	return modelCfg
}

func newTierClient(ctx context.Context, cfg config.OracleConfig, name string, logger *zap.Logger) (schemas.LLMClient, error) {
	if name == "" {
		return nil, fmt.Errorf("no model configured")
	}
	modelCfg := resolveModelConfig(cfg, name)
	switch modelCfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, modelCfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", modelCfg.Provider, config.ProviderGemini)
	}
}
