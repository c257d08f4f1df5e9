// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/browser"
	"github.com/xkilldash9x/autoapply/internal/classifier"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/engine"
	"github.com/xkilldash9x/autoapply/internal/formmapper"
	"github.com/xkilldash9x/autoapply/internal/oracle"
	"github.com/xkilldash9x/autoapply/internal/orchestrator"
	"github.com/xkilldash9x/autoapply/internal/profile"
	"github.com/xkilldash9x/autoapply/internal/resolver"
	"github.com/xkilldash9x/autoapply/internal/submitter"
	"github.com/xkilldash9x/autoapply/internal/worker"
	"github.com/xkilldash9x/autoapply/internal/worker/adapters"
)

// Options selects optional parts of the component graph.
type Options struct {
	// StoreKind is "memory" or "postgres"; empty picks from the config.
	StoreKind string
}

// ComponentFactory defines the interface for creating the set of components
// needed to run workflows. This abstraction is the key to making the CLI
// commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, opts Options, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
// The constructor hooks are replaced in tests.
type concreteFactory struct {
	newStore   func(ctx context.Context, cfg config.DatabaseConfig, kind string, logger *zap.Logger) (schemas.Store, error)
	newLLM     func(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (schemas.LLMClient, error)
	newBrowser func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (BrowserDriver, error)
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{
		newStore: InitializeStore,
		newLLM:   InitializeLLMClient,
		newBrowser: func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (BrowserDriver, error) {
			return browser.NewManager(ctx, cfg, logger)
		},
	}
}

// Create handles the full dependency injection of the pipeline. The returned
// engine is not started.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, opts Options, logger *zap.Logger) (*Components, error) {
	if cfg == nil || logger == nil {
		return nil, fmt.Errorf("config and logger are required")
	}
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Store
	st, err := f.newStore(ctx, cfg.Database(), opts.StoreKind, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = st
	logger.Debug("Store initialized.")

	// 2. Oracle
	llm, err := f.newLLM(ctx, cfg.Oracle(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.LLM = llm
	decisionOracle, err := oracle.New(llm, cfg.Oracle(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create decision oracle: %w", err)
		return nil, initializationErr
	}
	components.Oracle = decisionOracle
	logger.Debug("Decision oracle initialized.")

	// 3. Browser
	driver, err := f.newBrowser(ctx, cfg.Browser(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize browser manager: %w", err)
		return nil, initializationErr
	}
	components.Browser = driver
	logger.Debug("Browser manager initialized.")

	// 4. Pipeline stages
	res, err := resolver.New(decisionOracle, cfg.Resolver(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create obstruction resolver: %w", err)
		return nil, initializationErr
	}
	pageClassifier, err := classifier.New(driver, res, decisionOracle, cfg.Classifier(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create page classifier: %w", err)
		return nil, initializationErr
	}
	mapper, err := formmapper.New(driver, res, decisionOracle, cfg.FormMapper(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create form mapper: %w", err)
		return nil, initializationErr
	}
	sub, err := submitter.New(driver, res, decisionOracle, cfg.Submitter(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create submitter: %w", err)
		return nil, initializationErr
	}
	profiles := profile.NewFileProvider(cfg.Profile().Dir, logger)
	components.Profiles = profiles
	logger.Debug("Pipeline stages initialized.")

	// 5. Monolithic Worker
	taskWorker, err := worker.NewMonolithicWorker(logger,
		worker.WithHandler(schemas.StageReachabilityCheck, adapters.NewReachabilityAdapter(pageClassifier)),
		worker.WithHandler(schemas.StageFormMapping, adapters.NewMappingAdapter(mapper, profiles)),
		worker.WithHandler(schemas.StageSubmission, adapters.NewSubmissionAdapter(sub)),
	)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create monolithic worker: %w", err)
		return nil, initializationErr
	}

	// 6. Task Engine
	taskEngine, err := engine.New(cfg, logger, st, taskWorker)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize task engine: %w", err)
		return nil, initializationErr
	}
	components.TaskEngine = taskEngine

	// 7. Orchestrator, registered as the engine's completion listener.
	orch, err := orchestrator.New(cfg, logger, st, taskEngine)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	taskEngine.SetListener(orch)
	components.Orchestrator = orch

	logger.Info("All components initialized successfully.")
	return components, nil
}
