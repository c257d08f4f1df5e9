package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
)

// Handler executes one pipeline stage for one task.
type Handler interface {
	Name() string
	Handle(ctx context.Context, task *schemas.Task) schemas.Outcome
}

// MonolithicWorker processes tasks in-process.
// It serves as a central dispatcher, routing stage tasks to the appropriate
// adapter based on the task's stage.
type MonolithicWorker struct {
	logger   *zap.Logger
	registry map[schemas.Stage]Handler
}

// Option is a function that configures a MonolithicWorker.
type Option func(*MonolithicWorker)

// WithHandler registers h for stage, replacing any earlier registration.
func WithHandler(stage schemas.Stage, h Handler) Option {
	return func(w *MonolithicWorker) {
		w.registry[stage] = h
	}
}

// NewMonolithicWorker initializes and returns a new worker instance.
func NewMonolithicWorker(logger *zap.Logger, opts ...Option) (*MonolithicWorker, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	w := &MonolithicWorker{
		logger:   logger.With(zap.String("component", "worker")),
		registry: make(map[schemas.Stage]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	if len(w.registry) == 0 {
		return nil, errors.New("worker needs at least one stage handler")
	}
	for stage, h := range w.registry {
		if h == nil {
			return nil, fmt.Errorf("nil handler registered for stage %s", stage)
		}
	}
	w.logger.Info("Stage handlers registered", zap.Int("count", len(w.registry)))
	return w, nil
}

// Handles reports whether a handler is registered for stage.
func (w *MonolithicWorker) Handles(stage schemas.Stage) bool {
	_, ok := w.registry[stage]
	return ok
}

// ProcessTask executes a single task by delegating to the handler for its
// stage. A task for an unregistered stage is a terminal failure.
func (w *MonolithicWorker) ProcessTask(ctx context.Context, task *schemas.Task) schemas.Outcome {
	h, ok := w.registry[task.Stage]
	if !ok {
		return schemas.Terminal(fmt.Errorf("no handler registered for stage '%s'", task.Stage), nil)
	}

	logger := w.logger.With(zap.String("task_id", task.ID), zap.String("handler", h.Name()))
	logger.Debug("Dispatching task to handler", zap.Int("attempt", task.Attempt))

	out := h.Handle(ctx, task)

	logger.Debug("Handler finished", zap.Stringer("outcome", out.Kind))
	return out
}
