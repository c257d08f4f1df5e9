// File: internal/orchestrator/orchestrator.go
// Description: Manages the lifecycle of an application workflow. It seeds
// reachability tasks, advances each job through the pipeline as tasks finish,
// and keeps the workflow's counters and status in step with its jobs.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
)

const (
	cancelledDetail = "workflow cancelled"
	seedConcurrency = 8
	waitPoll        = time.Second
)

// ErrWorkflowFinished is returned when cancelling a workflow that already
// reached a terminal status.
var ErrWorkflowFinished = errors.New("workflow already finished")

// Notifier is told when new tasks are ready for dispatch.
type Notifier interface {
	Notify()
}

// StartRequest describes a new workflow.
type StartRequest struct {
	JobURLs    []string `json:"job_urls" validate:"required,min=1,dive,required,url"`
	ProfileRef string   `json:"profile_ref" validate:"required"`
	UserRef    string   `json:"user_ref,omitempty"`
	Criteria   string   `json:"criteria,omitempty"`
}

// StatusSnapshot is a point-in-time view of a workflow.
type StatusSnapshot struct {
	Workflow    *schemas.Workflow                            `json:"workflow"`
	StageCounts map[schemas.Stage]map[schemas.TaskStatus]int `json:"stage_counts"`
	Jobs        []*schemas.Job                               `json:"jobs"`
}

// Orchestrator manages the high-level lifecycle of a workflow.
// It is injected with the store and the engine's notifier.
type Orchestrator struct {
	cfg      config.Interface
	logger   *zap.Logger
	store    schemas.Store
	notifier Notifier
	validate *validator.Validate
	now      func() time.Time

	// mu serializes job transitions and counter updates.
	mu sync.Mutex

	waitersMu sync.Mutex
	waiters   map[string]chan struct{}
}

// New creates a new Orchestrator.
func New(cfg config.Interface, logger *zap.Logger, store schemas.Store, notifier Notifier) (*Orchestrator, error) {
	if cfg == nil ||
		logger == nil ||
		store == nil ||
		notifier == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		store:    store,
		notifier: notifier,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		waiters:  make(map[string]chan struct{}),
	}, nil
}

// StartWorkflow creates a workflow with one job and one REACHABILITY_CHECK
// task per URL. If seeding fails the workflow is marked FAILED and the error is
// returned together with the workflow ID.
func (o *Orchestrator) StartWorkflow(ctx context.Context, req StartRequest) (string, error) {
	for i := range req.JobURLs {
		req.JobURLs[i] = strings.TrimSpace(req.JobURLs[i])
	}
	req.ProfileRef = strings.TrimSpace(req.ProfileRef)
	if err := o.validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid start request: %w", err)
	}

	now := o.now()
	wf := &schemas.Workflow{
		ID:         uuid.NewString(),
		UserRef:    req.UserRef,
		ProfileRef: req.ProfileRef,
		Criteria:   req.Criteria,
		TotalJobs:  len(req.JobURLs),
		Status:     schemas.WorkflowInitializing,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	logger := o.logger.With(zap.String("workflow_id", wf.ID))
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return "", fmt.Errorf("failed to create workflow: %w", err)
	}
	logger.Info("Seeding workflow", zap.Int("jobs", wf.TotalJobs), zap.String("profile_ref", wf.ProfileRef))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(seedConcurrency)
	for _, url := range req.JobURLs {
		url := url
		g.Go(func() error { return o.seedJob(gctx, wf, url) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("Seeding failed, marking workflow FAILED", zap.Error(err))
		o.failSeeding(wf.ID, err)
		return wf.ID, fmt.Errorf("failed to seed workflow %s: %w", wf.ID, err)
	}

	o.mu.Lock()
	err := o.markRunning(ctx, wf.ID)
	o.mu.Unlock()
	if err != nil {
		o.failSeeding(wf.ID, err)
		return wf.ID, fmt.Errorf("failed to start workflow %s: %w", wf.ID, err)
	}

	o.notifier.Notify()
	logger.Info("Workflow running")
	return wf.ID, nil
}

func (o *Orchestrator) seedJob(ctx context.Context, wf *schemas.Workflow, url string) error {
	now := o.now()
	job := &schemas.Job{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		URL:        url,
		Stage:      schemas.StageReachabilityCheck,
		Outcome:    schemas.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job for %s: %w", url, err)
	}
	task := o.newTask(wf.ID, job.ID, schemas.StageReachabilityCheck, schemas.TaskPayload{
		URL:        url,
		ProfileRef: wf.ProfileRef,
	})
	if err := o.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task for %s: %w", url, err)
	}
	return nil
}

// markRunning moves an INITIALIZING workflow to RUNNING. Tasks may already
// have finished the workflow while it was being seeded; that status is kept.
func (o *Orchestrator) markRunning(ctx context.Context, id string) error {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != schemas.WorkflowInitializing {
		return nil
	}
	wf.Status = schemas.WorkflowRunning
	wf.UpdatedAt = o.now()
	return o.store.UpdateWorkflow(ctx, wf)
}

// failSeeding records a seeding failure. It runs on a fresh context because
// the caller's context is often the reason seeding failed.
func (o *Orchestrator) failSeeding(id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	const detail = "workflow seeding failed"
	if err := o.failPending(ctx, id, detail, schemas.JobFailed); err != nil {
		o.logger.Warn("Could not fail seeded tasks", zap.String("workflow_id", id), zap.Error(err))
	}
	if err := o.finalizeOpenJobs(ctx, id, detail, schemas.JobFailed); err != nil {
		o.logger.Warn("Could not finalize seeded jobs", zap.String("workflow_id", id), zap.Error(err))
	}
	o.failWorkflow(ctx, id, cause)
}

// finalizeOpenJobs gives every job that has no task left to run the given
// outcome.
func (o *Orchestrator) finalizeOpenJobs(ctx context.Context, id, detail string, outcome schemas.JobOutcome) error {
	jobs, err := o.store.ListJobs(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := o.store.ListTasksByWorkflow(ctx, id)
	if err != nil {
		return err
	}
	running := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			running[t.JobID] = true
		}
	}
	for _, job := range jobs {
		if job.Outcome.IsTerminal() || running[job.ID] {
			continue
		}
		job.Outcome = outcome
		job.Detail = detail
		job.UpdatedAt = o.now()
		if err := o.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// failWorkflow marks a workflow FAILED with cause as its error.
func (o *Orchestrator) failWorkflow(ctx context.Context, id string, cause error) {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		o.logger.Error("Could not load workflow to mark it failed", zap.String("workflow_id", id), zap.Error(err))
		return
	}
	if wf.Status == schemas.WorkflowCancelled {
		return
	}
	wf.Status = schemas.WorkflowFailed
	wf.Error = cause.Error()
	if err := o.refresh(ctx, wf); err != nil {
		o.logger.Warn("Could not recount jobs of failed workflow", zap.String("workflow_id", id), zap.Error(err))
		if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
			o.logger.Error("Could not mark workflow failed", zap.String("workflow_id", id), zap.Error(err))
			return
		}
	}
	o.signal(id)
}

// HandleTaskFinished advances the task's job after the task reached a terminal
// status, then refreshes the workflow's counters and status. A store failure
// here is fatal to the workflow.
func (o *Orchestrator) HandleTaskFinished(ctx context.Context, task *schemas.Task) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.advance(ctx, task); err != nil {
		err = fmt.Errorf("failed to advance job %s after %s: %w", task.JobID, task.Stage, err)
		o.logger.Error("Workflow bookkeeping failed", zap.String("workflow_id", task.WorkflowID), zap.Error(err))
		o.failWorkflow(ctx, task.WorkflowID, err)
		return err
	}
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, task *schemas.Task) error {
	wf, err := o.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	job, err := o.store.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	logger := o.logger.With(
		zap.String("workflow_id", wf.ID),
		zap.String("job_id", job.ID),
		zap.String("stage", string(task.Stage)),
	)

	if !job.Outcome.IsTerminal() {
		next, payload, outcome, detail := transition(task, wf)
		switch {
		case next == "" || !wf.Status.IsTerminal():
		case wf.Status == schemas.WorkflowCancelled:
			next, outcome, detail = "", schemas.JobCancelled, cancelledDetail
		default:
			next, outcome, detail = "", schemas.JobFailed, "workflow "+strings.ToLower(string(wf.Status))
		}

		job.UpdatedAt = o.now()
		if next != "" {
			payload.URL = job.URL
			payload.ProfileRef = wf.ProfileRef
			if err := o.store.CreateTask(ctx, o.newTask(wf.ID, job.ID, next, payload)); err != nil {
				return err
			}
			job.Stage = next
			logger.Info("Job advanced", zap.String("next_stage", string(next)))
		} else {
			job.Outcome = outcome
			job.Detail = detail
			logger.Info("Job finished", zap.String("outcome", string(outcome)), zap.String("detail", detail))
		}
		if err := o.store.UpdateJob(ctx, job); err != nil {
			return err
		}
		if next != "" {
			o.notifier.Notify()
		}
	}

	return o.refresh(ctx, wf)
}

// transition decides what follows a finished task: either the next stage and
// its payload, or the job's final outcome.
func transition(task *schemas.Task, wf *schemas.Workflow) (schemas.Stage, schemas.TaskPayload, schemas.JobOutcome, string) {
	var res schemas.TaskResult
	if task.Result != nil {
		res = *task.Result
	}

	if task.Status != schemas.TaskCompleted {
		switch {
		case wf.Status == schemas.WorkflowCancelled || strings.HasPrefix(task.Error, cancelledDetail):
			return "", schemas.TaskPayload{}, schemas.JobCancelled, cancelledDetail
		case res.Classification != nil && res.Classification.Verdict == schemas.VerdictUnreachable:
			return "", schemas.TaskPayload{}, schemas.JobUnreachable, task.Error
		default:
			return "", schemas.TaskPayload{}, schemas.JobFailed, task.Error
		}
	}

	switch task.Stage {
	case schemas.StageReachabilityCheck:
		cls := res.Classification
		if cls == nil {
			return "", schemas.TaskPayload{}, schemas.JobFailed, "reachability check recorded no classification"
		}
		if cls.Verdict != schemas.VerdictHasApplication {
			return "", schemas.TaskPayload{}, schemas.JobNoApplication, cls.Rationale
		}
		return schemas.StageFormMapping, schemas.TaskPayload{
			TargetURL:      cls.TargetURL,
			TargetSelector: cls.TargetSelector,
		}, "", ""

	case schemas.StageFormMapping:
		m := res.Mapping
		if m == nil {
			return "", schemas.TaskPayload{}, schemas.JobFailed, "form mapping recorded no result"
		}
		if !m.CanAutoFill {
			return "", schemas.TaskPayload{}, schemas.JobManualFallback, m.Reason
		}
		return schemas.StageSubmission, schemas.TaskPayload{
			TargetURL:      task.Payload.TargetURL,
			TargetSelector: task.Payload.TargetSelector,
			Fields:         m.Fields,
		}, "", ""

	case schemas.StageSubmission:
		detail := ""
		if res.Submission != nil {
			detail = res.Submission.FinalURL
		}
		return "", schemas.TaskPayload{}, schemas.JobSubmitted, detail
	}
	return "", schemas.TaskPayload{}, schemas.JobFailed, fmt.Sprintf("unknown stage %q", task.Stage)
}

// refresh recomputes the counters from job outcomes and finalizes the
// workflow once every job is terminal.
func (o *Orchestrator) refresh(ctx context.Context, wf *schemas.Workflow) error {
	jobs, err := o.store.ListJobs(ctx, wf.ID)
	if err != nil {
		return err
	}

	succeeded, failed, anyFailure := 0, 0, false
	for _, j := range jobs {
		switch {
		case j.Outcome.IsSuccess():
			succeeded++
		case j.Outcome.IsTerminal():
			failed++
			anyFailure = anyFailure || j.Outcome.IsFailure()
		}
	}
	wf.Succeeded = succeeded
	wf.Failed = failed
	wf.Processed = succeeded + failed

	finished := false
	if !wf.Status.IsTerminal() && len(jobs) == wf.TotalJobs && wf.Processed == wf.TotalJobs {
		wf.Status = finalStatus(succeeded, failed, anyFailure)
		finished = true
	}
	wf.UpdatedAt = o.now()
	if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	if finished {
		o.logger.Info("Workflow finished",
			zap.String("workflow_id", wf.ID),
			zap.String("status", string(wf.Status)),
			zap.Int("succeeded", succeeded),
			zap.Int("failed", failed),
		)
		o.signal(wf.ID)
	}
	return nil
}

func finalStatus(succeeded, notSubmitted int, anyFailure bool) schemas.WorkflowStatus {
	switch {
	case notSubmitted == 0:
		return schemas.WorkflowCompleted
	case succeeded > 0:
		return schemas.WorkflowPartiallyFailed
	case anyFailure:
		return schemas.WorkflowFailed
	default:
		// Every job ended in a valid content-absence outcome.
		return schemas.WorkflowCompleted
	}
}

// CancelWorkflow stops further dispatch for a workflow. Pending tasks are
// failed and their jobs cancelled; in-flight tasks finish but are not
// followed by another stage.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	if wf.Status == schemas.WorkflowCancelled {
		return nil
	}
	if wf.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrWorkflowFinished, id, wf.Status)
	}

	wf.Status = schemas.WorkflowCancelled
	wf.UpdatedAt = o.now()
	if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("failed to cancel workflow %s: %w", id, err)
	}
	o.logger.Info("Workflow cancelled", zap.String("workflow_id", id))
	o.signal(id)

	if err := o.failPending(ctx, id, cancelledDetail, schemas.JobCancelled); err != nil {
		return fmt.Errorf("failed to stop pending tasks of %s: %w", id, err)
	}
	return o.refresh(ctx, wf)
}

// failPending fails every PENDING task of a workflow and finalizes its job
// with outcome. Callers hold o.mu.
func (o *Orchestrator) failPending(ctx context.Context, id, detail string, outcome schemas.JobOutcome) error {
	tasks, err := o.store.ListTasksByWorkflow(ctx, id)
	if err != nil {
		return err
	}
	now := o.now()
	for _, t := range tasks {
		if t.Status != schemas.TaskPending {
			continue
		}
		t.Status = schemas.TaskFailed
		t.Error = detail
		t.UpdatedAt = now
		if err := o.store.UpdateTask(ctx, t); err != nil {
			return err
		}
		job, err := o.store.GetJob(ctx, t.JobID)
		if err != nil {
			return err
		}
		if job.Outcome.IsTerminal() {
			continue
		}
		job.Outcome = outcome
		job.Detail = detail
		job.UpdatedAt = now
		if err := o.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// GetStatus returns a snapshot of the workflow, its per-stage task counts and
// its jobs in creation order.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*StatusSnapshot, error) {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	tasks, err := o.store.ListTasksByWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of %s: %w", id, err)
	}
	jobs, err := o.store.ListJobs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of %s: %w", id, err)
	}
	return &StatusSnapshot{
		Workflow:    wf,
		StageCounts: stageCounts(tasks),
		Jobs:        jobs,
	}, nil
}

func stageCounts(tasks []*schemas.Task) map[schemas.Stage]map[schemas.TaskStatus]int {
	counts := make(map[schemas.Stage]map[schemas.TaskStatus]int, len(schemas.AllStages))
	for _, s := range schemas.AllStages {
		counts[s] = make(map[schemas.TaskStatus]int)
	}
	for _, t := range tasks {
		if counts[t.Stage] == nil {
			counts[t.Stage] = make(map[schemas.TaskStatus]int)
		}
		counts[t.Stage][t.Status]++
	}
	return counts
}

// Wait blocks until the workflow reaches a terminal status or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*schemas.Workflow, error) {
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()

	for {
		done := o.waiter(id)
		wf, err := o.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
		}
		if wf.Status.IsTerminal() {
			return wf, nil
		}
		select {
		case <-ctx.Done():
			return wf, ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) waiter(id string) <-chan struct{} {
	o.waitersMu.Lock()
	defer o.waitersMu.Unlock()
	ch, ok := o.waiters[id]
	if !ok {
		ch = make(chan struct{})
		o.waiters[id] = ch
	}
	return ch
}

// signal wakes everyone waiting on id.
func (o *Orchestrator) signal(id string) {
	o.waitersMu.Lock()
	defer o.waitersMu.Unlock()
	if ch, ok := o.waiters[id]; ok {
		close(ch)
		delete(o.waiters, id)
	}
}

func (o *Orchestrator) newTask(workflowID, jobID string, stage schemas.Stage, payload schemas.TaskPayload) *schemas.Task {
	now := o.now()
	maxAttempts := o.cfg.Engine().MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &schemas.Task{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		JobID:       jobID,
		Stage:       stage,
		Priority:    stage.Priority(),
		Payload:     payload,
		MaxAttempts: maxAttempts,
		Status:      schemas.TaskPending,
		NotBefore:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
