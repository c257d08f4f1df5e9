// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/llmclient"
	"github.com/xkilldash9x/autoapply/internal/store"
)

// Store kinds accepted by InitializeStore.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// InitializeStore opens the configured store. An empty kind selects Postgres
// when a database URL is configured and the in-memory store otherwise.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, kind string, logger *zap.Logger) (schemas.Store, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		kind = StoreMemory
		if cfg.URL != "" {
			kind = StorePostgres
		}
	}

	switch kind {
	case StoreMemory:
		logger.Warn("Using the in-memory store; workflow state will be lost on exit.")
		return store.NewMemory(), nil
	case StorePostgres:
		if cfg.URL == "" {
			return nil, fmt.Errorf("database URL is not configured (hint: check AUTOAPPLY_DATABASE_URL)")
		}
		pg, err := InitializePostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", kind)
	}
}

// InitializePostgres connects to the configured database without migrating it.
func InitializePostgres(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*store.Postgres, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is not configured (hint: check AUTOAPPLY_DATABASE_URL)")
	}
	logger.Info("Connecting to PostgreSQL.")
	pg, err := store.Connect(ctx, cfg.URL, cfg.MaxConns, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database store: %w", err)
	}
	return pg, nil
}

// InitializeLLMClient creates the tiered oracle transport from configuration.
func InitializeLLMClient(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	llmClient, err := llmclient.NewClient(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize LLM client. The decision oracle is unavailable.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return llmClient, nil
}
