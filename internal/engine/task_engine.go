// internal/engine/task_engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/observability"
)

const (
	defaultConcurrency  = 4
	defaultTaskTimeout  = 5 * time.Minute
	defaultPollInterval = 500 * time.Millisecond
	persistTimeout      = 30 * time.Second
)

// -- Interfaces for Dependency Inversion --

// Worker defines the interface for any component that can process a task.
// This allows us to easily swap in different worker implementations or mocks.
type Worker interface {
	ProcessTask(ctx context.Context, task *schemas.Task) schemas.Outcome
}

// Listener is told about every task that reached a terminal status, after the
// status has been persisted.
type Listener interface {
	HandleTaskFinished(ctx context.Context, task *schemas.Task) error
}

// TaskEngine pulls dispatchable tasks from the store and runs them on a
// bounded pool of workers. It owns the retry policy: handlers only say
// whether a failure is transient.
type TaskEngine struct {
	cfg    config.Interface
	logger *zap.Logger
	store  schemas.Store
	worker Worker
	retry  RetryPolicy
	now    func() time.Time

	listenerMu sync.RWMutex
	listener   Listener

	wake chan struct{}

	// stateLock protects the running state of the engine.
	stateLock sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// Option configures a TaskEngine.
type Option func(*TaskEngine)

// WithClock replaces time.Now. Tests use it to control NotBefore.
func WithClock(now func() time.Time) Option {
	return func(e *TaskEngine) { e.now = now }
}

// WithListener sets the completion listener at construction time.
func WithListener(l Listener) Option {
	return func(e *TaskEngine) { e.listener = l }
}

// New creates a new TaskEngine.
func New(cfg config.Interface, logger *zap.Logger, store schemas.Store, worker Worker, opts ...Option) (*TaskEngine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if worker == nil {
		return nil, errors.New("worker cannot be nil")
	}

	ec := cfg.Engine()
	e := &TaskEngine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "task_engine")),
		store:  store,
		worker: worker,
		retry:  RetryPolicy{Base: ec.RetryBaseDelay, Max: ec.RetryMaxDelay},
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetListener replaces the completion listener. The orchestrator registers
// itself here because it is built after the engine.
func (e *TaskEngine) SetListener(l Listener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listener = l
}

// Notify wakes an idle worker so newly created tasks start without waiting
// for the next poll.
func (e *TaskEngine) Notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the worker pool. Workers run until ctx is cancelled or Stop
// is called.
func (e *TaskEngine) Start(ctx context.Context) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.isRunning {
		e.logger.Warn("TaskEngine.Start called, but engine is already running.")
		return
	}

	concurrency := e.cfg.Engine().WorkerConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	e.cancel = cancel
	e.group = g
	e.isRunning = true

	e.logger.Info("Starting task engine worker pool", zap.Int("concurrency", concurrency))
	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			e.runWorker(gctx, workerID)
			return nil
		})
	}
}

// Stop cancels the workers and waits for in-flight tasks to be settled.
func (e *TaskEngine) Stop() {
	e.stateLock.Lock()
	if !e.isRunning {
		e.stateLock.Unlock()
		return
	}
	cancel, g := e.cancel, e.group
	e.stateLock.Unlock()

	e.logger.Info("Stopping task engine... waiting for workers to finish.")
	cancel()
	_ = g.Wait()

	e.stateLock.Lock()
	e.isRunning = false
	e.cancel = nil
	e.group = nil
	e.stateLock.Unlock()
	e.logger.Info("Task engine stopped gracefully.")
}

// runWorker is the main loop for a single worker goroutine.
func (e *TaskEngine) runWorker(ctx context.Context, workerID int) {
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker goroutine started")

	poll := e.cfg.Engine().PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		task, err := e.store.ClaimNextTask(ctx, e.now())
		switch {
		case err == nil:
			e.process(ctx, task, logger)
			continue
		case ctx.Err() != nil:
			logger.Debug("Context cancelled, worker shutting down.")
			return
		case !errors.Is(err, schemas.ErrNoTaskAvailable):
			logger.Error("Failed to claim task", zap.Error(err))
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(poll)
		select {
		case <-ctx.Done():
			logger.Debug("Context cancelled, worker shutting down.")
			return
		case <-e.wake:
		case <-timer.C:
		}
	}
}

// process executes one claimed task and records its outcome.
func (e *TaskEngine) process(ctx context.Context, task *schemas.Task, logger *zap.Logger) {
	logger = logger.With(observability.TaskFields(task)...)
	logger.Info("Processing task")

	timeout := e.cfg.Engine().DefaultTaskTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	start := e.now()
	out := e.execute(taskCtx, task, logger)
	cancel()

	// Use a background context for persistence so the outcome is recorded
	// even when the engine is shutting down.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), persistTimeout)
	defer persistCancel()

	e.settle(persistCtx, task, out, ctx.Err() != nil, logger)
	logger.Info("Task settled",
		zap.String("status", string(task.Status)),
		zap.Stringer("outcome", out.Kind),
		zap.Duration("duration", e.now().Sub(start)),
	)

	if task.Status.IsTerminal() {
		e.listenerMu.RLock()
		l := e.listener
		e.listenerMu.RUnlock()
		if l != nil {
			if err := l.HandleTaskFinished(persistCtx, task); err != nil {
				logger.Error("Completion listener failed", zap.Error(err))
			}
		}
	}
}

// execute runs the worker, converting a panic into a transient failure.
func (e *TaskEngine) execute(ctx context.Context, task *schemas.Task, logger *zap.Logger) (out schemas.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Stage handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = schemas.Transient(fmt.Errorf("stage handler panicked: %v", r))
		}
	}()
	return e.worker.ProcessTask(ctx, task)
}

// settle applies the task state machine to out and persists the task.
// shuttingDown refunds the attempt of a transient failure caused by engine
// shutdown. A retry is dropped when the workflow has been cancelled.
func (e *TaskEngine) settle(ctx context.Context, task *schemas.Task, out schemas.Outcome, shuttingDown bool, logger *zap.Logger) {
	now := e.now()
	task.UpdatedAt = now
	task.Result = out.Result
	task.Error = out.ErrorString()

	switch out.Kind {
	case schemas.OutcomeSuccess:
		task.Status = schemas.TaskCompleted
	case schemas.OutcomeTransient:
		switch {
		case shuttingDown:
			task.Status = schemas.TaskPending
			task.Attempt--
			task.NotBefore = now
		case task.Attempt < task.MaxAttempts:
			task.Status = schemas.TaskPending
			task.NotBefore = now.Add(e.retry.Delay(task.Attempt))
		default:
			task.Status = schemas.TaskFailed
			logger.Warn("Transient failure with no attempts left", zap.Error(out.Err))
		}
	default:
		task.Status = schemas.TaskFailed
		logger.Warn("Terminal failure", zap.Error(out.Err))
	}

	if task.Status == schemas.TaskPending {
		requeued, err := e.store.RequeueTask(ctx, task)
		if err != nil {
			logger.Error("Failed to requeue task", zap.Error(err))
			return
		}
		if requeued {
			if !shuttingDown {
				logger.Warn("Transient failure; task requeued", zap.Error(out.Err), zap.Time("not_before", task.NotBefore))
			}
			return
		}
		logger.Info("Workflow cancelled; retry dropped", zap.Error(out.Err))
		if shuttingDown {
			task.Attempt++
		}
		task.Status = schemas.TaskFailed
		task.Error = "workflow cancelled: " + task.Error
	}

	if err := e.store.UpdateTask(ctx, task); err != nil {
		logger.Error("Failed to persist task outcome", zap.Error(err))
	}
}
