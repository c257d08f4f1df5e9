package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/orchestrator"
)

func TestApplyCmd_RunsWorkflow(t *testing.T) {
	a, factory, _, _ := newTestApp(happyWorker)

	stdout, _, err := executeCommand(t, a,
		"apply", "https://jobs.example.com/1", "https://jobs.example.com/2",
		"--profile", "ada", "--criteria", "backend go", "--store", "memory",
	)
	require.NoError(t, err)

	var snapshot orchestrator.StatusSnapshot
	require.NoError(t, json.Unmarshal([]byte(stdout), &snapshot), stdout)
	require.NotNil(t, snapshot.Workflow)
	assert.Equal(t, schemas.WorkflowCompleted, snapshot.Workflow.Status)
	assert.Equal(t, 2, snapshot.Workflow.TotalJobs)
	assert.Equal(t, 2, snapshot.Workflow.Succeeded)
	assert.Equal(t, "ada", snapshot.Workflow.ProfileRef)
	assert.Equal(t, "backend go", snapshot.Workflow.Criteria)
	require.Len(t, snapshot.Jobs, 2)
	for _, job := range snapshot.Jobs {
		assert.Equal(t, schemas.JobSubmitted, job.Outcome)
	}
	assert.Equal(t, 2, snapshot.StageCounts[schemas.StageSubmission][schemas.TaskCompleted])

	assert.Equal(t, "memory", factory.gotOpts.StoreKind)
}

func TestApplyCmd_FlagsOverrideConfig(t *testing.T) {
	a, factory, _, _ := newTestApp(happyWorker)
	t.Setenv("AUTOAPPLY_ENGINE_MAX_ATTEMPTS", "4")

	_, _, err := executeCommand(t, a,
		"apply", "https://jobs.example.com/1", "--profile", "ada",
		"--concurrency", "7", "--headless=false",
	)
	require.NoError(t, err)

	cfg := factory.gotCfg
	require.NotNil(t, cfg)
	assert.Equal(t, 7, cfg.Engine().WorkerConcurrency, "flag beats config file")
	assert.Equal(t, 4, cfg.Engine().MaxAttempts, "environment beats config file")
	assert.False(t, cfg.Browser().Headless)
}

func TestApplyCmd_FactoryFailure(t *testing.T) {
	a, factory, _, _ := newTestApp(happyWorker)
	factory.err = errors.New("chrome not found")

	stdout, _, err := executeCommand(t, a, "apply", "https://jobs.example.com/1", "--profile", "ada")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize components: chrome not found")
	assert.Empty(t, stdout)
}

func TestApplyCmd_InvalidURL(t *testing.T) {
	a, _, _, _ := newTestApp(happyWorker)

	_, _, err := executeCommand(t, a, "apply", "not a url", "--profile", "ada")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid start request")
}

func TestRunApply_CancelledContext(t *testing.T) {
	var (
		once    sync.Once
		factory *fakeFactory
	)
	blocked := make(chan struct{})
	stuck := workerFunc(func(ctx context.Context, task *schemas.Task) schemas.Outcome {
		// Interrupt only once seeding is over so the run ends as a cancellation.
		factory.mu.Lock()
		st := factory.created.Store
		factory.mu.Unlock()
		for {
			wf, err := st.GetWorkflow(ctx, task.WorkflowID)
			if err != nil || wf.Status != schemas.WorkflowInitializing {
				break
			}
			time.Sleep(time.Millisecond)
		}
		once.Do(func() { close(blocked) })
		<-ctx.Done()
		return schemas.Transient(ctx.Err())
	})
	a, factory, _, _ := newTestApp(stuck)
	a.cfg = newFastConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-blocked
		cancel()
	}()

	out := new(bytes.Buffer)
	err := a.runApply(ctx, out, []string{"https://jobs.example.com/1"}, applyOptions{profile: "ada"})
	require.ErrorIs(t, err, context.Canceled)

	var snapshot orchestrator.StatusSnapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snapshot), out.String())
	assert.Equal(t, schemas.WorkflowCancelled, snapshot.Workflow.Status)
}

func TestCollectURLs(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "urls.txt")
	require.NoError(t, os.WriteFile(file, []byte(`
# saved searches
https://jobs.example.com/2
https://jobs.example.com/1

  https://jobs.example.com/3
`), 0o600))

	urls, err := collectURLs([]string{"https://jobs.example.com/1", " "}, file)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://jobs.example.com/1",
		"https://jobs.example.com/2",
		"https://jobs.example.com/3",
	}, urls)

	_, err = collectURLs(nil, filepath.Join(dir, "missing.txt"))
	assert.ErrorContains(t, err, "failed to open urls file")

	_, err = collectURLs([]string{"  ", "# nothing"}, "")
	assert.ErrorContains(t, err, "no job URLs given")
}
