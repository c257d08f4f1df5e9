package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/orchestrator"
)

// seedRunningWorkflow stores a RUNNING workflow with one job waiting for its
// reachability check.
func seedRunningWorkflow(t *testing.T, st schemas.Store) (*schemas.Workflow, *schemas.Task) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	wf := &schemas.Workflow{ID: "wf-1", ProfileRef: "ada", TotalJobs: 1, Status: schemas.WorkflowRunning, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	job := &schemas.Job{ID: "job-1", WorkflowID: wf.ID, URL: "https://jobs.example.com/1", Stage: schemas.StageReachabilityCheck, Outcome: schemas.JobPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateJob(ctx, job))
	task := &schemas.Task{
		ID: "task-1", WorkflowID: wf.ID, JobID: job.ID,
		Stage: schemas.StageReachabilityCheck, Priority: schemas.StageReachabilityCheck.Priority(),
		Payload: schemas.TaskPayload{URL: job.URL}, MaxAttempts: 3,
		Status: schemas.TaskPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTask(ctx, task))
	return wf, task
}

func TestStatusCmd_PrintsSnapshot(t *testing.T) {
	a, _, st, _ := newTestApp(happyWorker)
	wf, _ := seedRunningWorkflow(t, st)

	stdout, _, err := executeCommand(t, a, "status", "--workflow-id", wf.ID)
	require.NoError(t, err)

	var snapshot orchestrator.StatusSnapshot
	require.NoError(t, json.Unmarshal([]byte(stdout), &snapshot), stdout)
	assert.Equal(t, wf.ID, snapshot.Workflow.ID)
	assert.Equal(t, schemas.WorkflowRunning, snapshot.Workflow.Status)
	assert.Equal(t, 1, snapshot.StageCounts[schemas.StageReachabilityCheck][schemas.TaskPending])
	require.Len(t, snapshot.Jobs, 1)
	assert.Equal(t, 1, st.closes, "store is released after the command")
}

func TestStatusCmd_NotFound(t *testing.T) {
	a, _, _, _ := newTestApp(happyWorker)

	_, _, err := executeCommand(t, a, "status", "--workflow-id", "missing")
	require.Error(t, err)
	assert.EqualError(t, err, "workflow missing not found")
}

func TestStatusCmd_StoreUnavailable(t *testing.T) {
	a, _, _, _ := newTestApp(happyWorker)
	a.openStore = func(ctx context.Context, _ config.DatabaseConfig, kind string, _ *zap.Logger) (schemas.Store, error) {
		assert.Equal(t, "postgres", kind)
		return nil, errors.New("database URL is not configured")
	}

	_, _, err := executeCommand(t, a, "status", "--workflow-id", "wf-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open store")
}

func TestCancelCmd(t *testing.T) {
	a, _, st, _ := newTestApp(happyWorker)
	wf, task := seedRunningWorkflow(t, st)

	stdout, _, err := executeCommand(t, a, "cancel", "--workflow-id", wf.ID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Workflow wf-1 cancelled.")

	ctx := context.Background()
	got, err := st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.WorkflowCancelled, got.Status)

	gotTask, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskFailed, gotTask.Status)
	assert.Equal(t, "workflow cancelled", gotTask.Error)

	job, err := st.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	assert.Equal(t, schemas.JobCancelled, job.Outcome)
}

func TestCancelCmd_FinishedWorkflow(t *testing.T) {
	a, _, st, _ := newTestApp(happyWorker)
	wf, _ := seedRunningWorkflow(t, st)
	wf.Status = schemas.WorkflowCompleted
	require.NoError(t, st.UpdateWorkflow(context.Background(), wf))

	_, _, err := executeCommand(t, a, "cancel", "--workflow-id", wf.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrWorkflowFinished)
}

func TestMigrateCmd(t *testing.T) {
	a, _, _, mig := newTestApp(happyWorker)

	stdout, _, err := executeCommand(t, a, "migrate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Schema applied.")
	assert.Equal(t, 1, mig.migrated)
	assert.Equal(t, 1, mig.closed)
}

func TestMigrateCmd_Failure(t *testing.T) {
	a, _, _, mig := newTestApp(happyWorker)
	mig.migrateErr = errors.New("permission denied for schema public")

	_, _, err := executeCommand(t, a, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply schema: permission denied")
	assert.Equal(t, 1, mig.closed, "connection is closed even when the schema fails")
}
