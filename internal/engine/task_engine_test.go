// internal/engine/task_engine_test.go
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Helpers --

type workerFunc func(ctx context.Context, task *schemas.Task) schemas.Outcome

func (f workerFunc) ProcessTask(ctx context.Context, task *schemas.Task) schemas.Outcome {
	return f(ctx, task)
}

// recordingListener collects every finished task.
type recordingListener struct {
	mu       sync.Mutex
	finished []*schemas.Task
}

func (l *recordingListener) HandleTaskFinished(_ context.Context, task *schemas.Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, task.Clone())
	return nil
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.finished)
}

func testConfig(concurrency int) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.EngineCfg.WorkerConcurrency = concurrency
	cfg.EngineCfg.PollInterval = 5 * time.Millisecond
	cfg.EngineCfg.DefaultTaskTimeout = 5 * time.Second
	cfg.EngineCfg.RetryBaseDelay = time.Millisecond
	cfg.EngineCfg.RetryMaxDelay = 4 * time.Millisecond
	return cfg
}

func seed(t *testing.T, s schemas.Store, wfID string, tasks ...*schemas.Task) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.CreateWorkflow(ctx, &schemas.Workflow{ID: wfID, ProfileRef: "ada", Status: schemas.WorkflowRunning, CreatedAt: now, UpdatedAt: now}))
	for _, task := range tasks {
		require.NoError(t, s.CreateTask(ctx, task))
	}
}

func pendingTask(id, wfID string, stage schemas.Stage) *schemas.Task {
	now := time.Now()
	return &schemas.Task{
		ID: id, WorkflowID: wfID, JobID: "job-" + id, Stage: stage, Priority: stage.Priority(),
		MaxAttempts: 3, Status: schemas.TaskPending, NotBefore: now.Add(-time.Second),
		Payload:   schemas.TaskPayload{URL: "https://jobs.example.com/" + id},
		CreatedAt: now, UpdatedAt: now,
	}
}

func newEngine(t *testing.T, cfg config.Interface, s schemas.Store, w Worker, l Listener) *TaskEngine {
	t.Helper()
	e, err := New(cfg, zaptest.NewLogger(t), s, w, WithListener(l))
	require.NoError(t, err)
	return e
}

// -- Test Suite --

func TestNew_Validation(t *testing.T) {
	cfg := testConfig(1)
	s := store.NewMemory()
	w := workerFunc(func(context.Context, *schemas.Task) schemas.Outcome { return schemas.Success(nil) })

	_, err := New(nil, zap.NewNop(), s, w)
	assert.EqualError(t, err, "config cannot be nil")
	_, err = New(cfg, nil, s, w)
	assert.EqualError(t, err, "logger cannot be nil")
	_, err = New(cfg, zap.NewNop(), nil, w)
	assert.EqualError(t, err, "store cannot be nil")
	_, err = New(cfg, zap.NewNop(), s, nil)
	assert.EqualError(t, err, "worker cannot be nil")
}

// TestTaskEngine_Success verifies that a successful task is completed, its
// result stored, and the listener told exactly once.
func TestTaskEngine_Success(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "wf", pendingTask("t1", "wf", schemas.StageReachabilityCheck))
	result := &schemas.TaskResult{Classification: &schemas.Classification{Verdict: schemas.VerdictNoApplication}}
	listener := &recordingListener{}

	e := newEngine(t, testConfig(2), s, workerFunc(func(context.Context, *schemas.Task) schemas.Outcome {
		return schemas.Success(result)
	}), listener)
	e.Start(context.Background())
	defer e.Stop()

	require.Eventually(t, func() bool { return listener.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	got, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskCompleted, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Empty(t, got.Error)
	assert.Equal(t, schemas.VerdictNoApplication, got.Result.Classification.Verdict)
}

// TestTaskEngine_TransientExhaustsAttempts covers a task that always times out:
// it runs exactly MaxAttempts times and then fails for good.
func TestTaskEngine_TransientExhaustsAttempts(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "wf", pendingTask("t1", "wf", schemas.StageReachabilityCheck))
	listener := &recordingListener{}
	var calls atomic.Int32

	e := newEngine(t, testConfig(2), s, workerFunc(func(context.Context, *schemas.Task) schemas.Outcome {
		calls.Add(1)
		return schemas.Transient(schemas.ErrNavigationTimeout)
	}), listener)
	e.Start(context.Background())

	require.Eventually(t, func() bool { return listener.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give a misbehaving engine the chance to run the task again.
	time.Sleep(50 * time.Millisecond)
	e.Stop()

	assert.Equal(t, int32(3), calls.Load())
	got, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskFailed, got.Status)
	assert.Equal(t, 3, got.Attempt)
	assert.Contains(t, got.Error, "timed out")
}

func TestTaskEngine_TerminalIsNotRetried(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "wf", pendingTask("t1", "wf", schemas.StageFormMapping))
	listener := &recordingListener{}
	var calls atomic.Int32

	e := newEngine(t, testConfig(1), s, workerFunc(func(context.Context, *schemas.Task) schemas.Outcome {
		calls.Add(1)
		return schemas.Terminal(schemas.ErrUnreachable, nil)
	}), listener)
	e.Start(context.Background())
	require.Eventually(t, func() bool { return listener.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	e.Stop()

	assert.Equal(t, int32(1), calls.Load())
	got, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)
}

// TestTaskEngine_PanicIsTransient verifies a panicking handler does not take
// the worker down and the task succeeds on its retry.
func TestTaskEngine_PanicIsTransient(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "wf", pendingTask("t1", "wf", schemas.StageSubmission))
	listener := &recordingListener{}

	e := newEngine(t, testConfig(1), s, workerFunc(func(_ context.Context, task *schemas.Task) schemas.Outcome {
		if task.Attempt == 1 {
			panic("nil session")
		}
		return schemas.Success(&schemas.TaskResult{Submission: &schemas.SubmissionResult{Submitted: true}})
	}), listener)
	e.Start(context.Background())
	require.Eventually(t, func() bool { return listener.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	e.Stop()

	got, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskCompleted, got.Status)
	assert.Equal(t, 2, got.Attempt)
}

// TestTaskEngine_CancelledWorkflowIsNotRequeued cancels the workflow while its
// task is running; the transient failure must not be retried.
func TestTaskEngine_CancelledWorkflowIsNotRequeued(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "wf", pendingTask("t1", "wf", schemas.StageReachabilityCheck))
	listener := &recordingListener{}

	e := newEngine(t, testConfig(1), s, workerFunc(func(ctx context.Context, _ *schemas.Task) schemas.Outcome {
		wf, err := s.GetWorkflow(ctx, "wf")
		if err == nil {
			wf.Status = schemas.WorkflowCancelled
			_ = s.UpdateWorkflow(ctx, wf)
		}
		return schemas.Transient(errors.New("connection reset"))
	}), listener)
	e.Start(context.Background())
	require.Eventually(t, func() bool { return listener.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	e.Stop()

	got, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskFailed, got.Status)
	assert.Equal(t, "workflow cancelled: connection reset", got.Error)
}

func TestTaskEngine_DispatchOrder(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "wf",
		pendingTask("r1", "wf", schemas.StageReachabilityCheck),
		pendingTask("m1", "wf", schemas.StageFormMapping),
		pendingTask("r2", "wf", schemas.StageReachabilityCheck),
		pendingTask("s1", "wf", schemas.StageSubmission),
	)
	listener := &recordingListener{}
	var mu sync.Mutex
	var order []string

	e := newEngine(t, testConfig(1), s, workerFunc(func(_ context.Context, task *schemas.Task) schemas.Outcome {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return schemas.Success(nil)
	}), listener)
	e.Start(context.Background())
	require.Eventually(t, func() bool { return listener.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	e.Stop()

	assert.Equal(t, []string{"s1", "m1", "r1", "r2"}, order)
}

// TestTaskEngine_ShutdownRefundsAttempt stops the engine while a task is in
// flight. The interrupted attempt is given back so the task can run again
// after a restart.
func TestTaskEngine_ShutdownRefundsAttempt(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "wf", pendingTask("t1", "wf", schemas.StageFormMapping))
	listener := &recordingListener{}
	started := make(chan struct{})

	e := newEngine(t, testConfig(1), s, workerFunc(func(ctx context.Context, _ *schemas.Task) schemas.Outcome {
		close(started)
		<-ctx.Done()
		return schemas.Transient(ctx.Err())
	}), listener)
	e.Start(context.Background())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task was never dispatched")
	}
	e.Stop()

	got, err := s.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskPending, got.Status)
	assert.Zero(t, got.Attempt)
	assert.Zero(t, listener.count())
}

func TestTaskEngine_StartStopIdempotent(t *testing.T) {
	e := newEngine(t, testConfig(2), store.NewMemory(), workerFunc(func(context.Context, *schemas.Task) schemas.Outcome {
		return schemas.Success(nil)
	}), nil)

	e.Stop()
	e.Start(context.Background())
	e.Start(context.Background())
	e.Notify()
	e.Notify()
	e.Stop()
	e.Stop()
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 10 * time.Second}
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, p.Delay(tc.attempt), "attempt %d", tc.attempt)
	}

	assert.Equal(t, defaultRetryBaseDelay, RetryPolicy{}.Delay(1))
}
