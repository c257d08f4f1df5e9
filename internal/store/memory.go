package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/autoapply/api/schemas"
)

// ErrClosed is returned by a Memory store after Close.
var ErrClosed = errors.New("store is closed")

// Memory is an in-process schemas.Store. All records are copied on the way
// in and out, so callers never share state with the store.
type Memory struct {
	mu        sync.Mutex
	workflows map[string]*schemas.Workflow
	jobs      map[string]*schemas.Job
	jobOrder  map[string][]string
	tasks     map[string]*schemas.Task
	seq       int64
	closed    bool
}

var _ schemas.Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows: make(map[string]*schemas.Workflow),
		jobs:      make(map[string]*schemas.Job),
		jobOrder:  make(map[string][]string),
		tasks:     make(map[string]*schemas.Task),
	}
}

// lock acquires the store after checking ctx and the closed flag. The caller
// must unlock on a nil return.
func (m *Memory) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Memory) CreateWorkflow(ctx context.Context, wf *schemas.Workflow) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return fmt.Errorf("workflow %s already exists", wf.ID)
	}
	c := *wf
	m.workflows[wf.ID] = &c
	return nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id string) (*schemas.Workflow, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, schemas.ErrNotFound)
	}
	c := *wf
	return &c, nil
}

func (m *Memory) UpdateWorkflow(ctx context.Context, wf *schemas.Workflow) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; !ok {
		return fmt.Errorf("workflow %s: %w", wf.ID, schemas.ErrNotFound)
	}
	c := *wf
	m.workflows[wf.ID] = &c
	return nil
}

func (m *Memory) CreateJob(ctx context.Context, job *schemas.Job) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.workflows[job.WorkflowID]; !ok {
		return fmt.Errorf("workflow %s: %w", job.WorkflowID, schemas.ErrNotFound)
	}
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	c := *job
	m.jobs[job.ID] = &c
	m.jobOrder[job.WorkflowID] = append(m.jobOrder[job.WorkflowID], job.ID)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*schemas.Job, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, schemas.ErrNotFound)
	}
	c := *job
	return &c, nil
}

func (m *Memory) UpdateJob(ctx context.Context, job *schemas.Job) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, schemas.ErrNotFound)
	}
	c := *job
	m.jobs[job.ID] = &c
	return nil
}

func (m *Memory) ListJobs(ctx context.Context, workflowID string) ([]*schemas.Job, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	ids := m.jobOrder[workflowID]
	jobs := make([]*schemas.Job, 0, len(ids))
	for _, id := range ids {
		c := *m.jobs[id]
		jobs = append(jobs, &c)
	}
	return jobs, nil
}

func (m *Memory) CreateTask(ctx context.Context, task *schemas.Task) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.jobs[task.JobID]; !ok {
		return fmt.Errorf("job %s: %w", task.JobID, schemas.ErrNotFound)
	}
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	m.seq++
	task.Seq = m.seq
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*schemas.Task, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, schemas.ErrNotFound)
	}
	return task.Clone(), nil
}

func (m *Memory) UpdateTask(ctx context.Context, task *schemas.Task) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	existing, ok := m.tasks[task.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", task.ID, schemas.ErrNotFound)
	}
	c := task.Clone()
	c.Seq = existing.Seq
	m.tasks[task.ID] = c
	return nil
}

func (m *Memory) RequeueTask(ctx context.Context, task *schemas.Task) (bool, error) {
	if err := m.lock(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	existing, ok := m.tasks[task.ID]
	if !ok {
		return false, fmt.Errorf("task %s: %w", task.ID, schemas.ErrNotFound)
	}
	if wf, ok := m.workflows[task.WorkflowID]; ok && wf.Status == schemas.WorkflowCancelled {
		return false, nil
	}
	c := task.Clone()
	c.Seq = existing.Seq
	c.Status = schemas.TaskPending
	m.tasks[task.ID] = c
	return true, nil
}

func (m *Memory) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*schemas.Task, error) {
	return m.listTasks(ctx, func(t *schemas.Task) bool { return t.WorkflowID == workflowID })
}

func (m *Memory) ListTasksByJob(ctx context.Context, jobID string) ([]*schemas.Task, error) {
	return m.listTasks(ctx, func(t *schemas.Task) bool { return t.JobID == jobID })
}

func (m *Memory) listTasks(ctx context.Context, keep func(*schemas.Task) bool) ([]*schemas.Task, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []*schemas.Task
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) ClaimNextTask(ctx context.Context, now time.Time) (*schemas.Task, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var best *schemas.Task
	for _, t := range m.tasks {
		if !t.Dispatchable(now) {
			continue
		}
		if wf, ok := m.workflows[t.WorkflowID]; ok && wf.Status == schemas.WorkflowCancelled {
			continue
		}
		if best == nil || outranks(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, schemas.ErrNoTaskAvailable
	}
	best.Status = schemas.TaskInProgress
	best.Attempt++
	best.UpdatedAt = now
	return best.Clone(), nil
}

// Close makes every later call fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// outranks orders tasks by priority, then FIFO by sequence.
func outranks(a, b *schemas.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}
