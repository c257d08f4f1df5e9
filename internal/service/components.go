// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/engine"
	"github.com/xkilldash9x/autoapply/internal/oracle"
	"github.com/xkilldash9x/autoapply/internal/orchestrator"
)

// BrowserDriver is a schemas.BrowserDriver that owns a browser process.
type BrowserDriver interface {
	schemas.BrowserDriver
	Shutdown(ctx context.Context) error
}

// Components holds all the initialized services required to run workflows.
// This struct centralizes the lifecycle management of pipeline dependencies.
type Components struct {
	Store        schemas.Store
	Browser      BrowserDriver
	LLM          schemas.LLMClient
	Oracle       *oracle.Client
	Profiles     schemas.ProfileProvider
	TaskEngine   *engine.TaskEngine
	Orchestrator *orchestrator.Orchestrator

	logger *zap.Logger
}

// Shutdown gracefully closes all components, ensuring resources are released in the correct order.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop the engine first so no new stage executions start. In-flight
	// tasks are settled before Stop returns.
	if c.TaskEngine != nil {
		c.TaskEngine.Stop()
		logger.Debug("Task engine stopped.")
	}

	// 2. Shut down the browser.
	if c.Browser != nil {
		// Use a separate context with a timeout for shutdown to ensure it completes
		// even if the main application context was canceled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.Browser.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser shut down.")
		}
	}

	// 3. Close the oracle transport.
	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			logger.Warn("Error closing LLM client.", zap.Error(err))
		}
	}
	if c.Oracle != nil {
		logger.Info("Oracle usage",
			zap.Int64("invocations", c.Oracle.Invocations()),
			zap.Int64("degraded", c.Oracle.Degraded()),
		)
	}

	// 4. Close the store last; the engine persists outcomes up to the moment it stops.
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Warn("Error closing store.", zap.Error(err))
		} else {
			logger.Debug("Store closed.")
		}
	}

	logger.Info("All components shut down successfully.")
}
