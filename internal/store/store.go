// Package store persists workflows, job records and tasks.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
)

//go:embed schema.sql
var schemaSQL string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Postgres implements schemas.Store on PostgreSQL.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Store = (*Postgres)(nil)

// Connect opens a pool for databaseURL and verifies it.
func Connect(ctx context.Context, databaseURL string, maxConns int32, logger *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.log.Info("Database schema applied.")
	return nil
}

// Close releases the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// -- Workflows --

const workflowColumns = `id, user_ref, profile_ref, criteria, total_jobs, processed, succeeded, failed, status, error, created_at, updated_at`

func (s *Postgres) CreateWorkflow(ctx context.Context, wf *schemas.Workflow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		wf.ID, wf.UserRef, wf.ProfileRef, wf.Criteria, wf.TotalJobs, wf.Processed, wf.Succeeded, wf.Failed,
		string(wf.Status), wf.Error, wf.CreatedAt.UTC(), wf.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

func (s *Postgres) GetWorkflow(ctx context.Context, id string) (*schemas.Workflow, error) {
	var wf schemas.Workflow
	var status string
	err := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id).Scan(
		&wf.ID, &wf.UserRef, &wf.ProfileRef, &wf.Criteria, &wf.TotalJobs, &wf.Processed, &wf.Succeeded, &wf.Failed,
		&status, &wf.Error, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", id, schemas.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	wf.Status = schemas.WorkflowStatus(status)
	return &wf, nil
}

func (s *Postgres) UpdateWorkflow(ctx context.Context, wf *schemas.Workflow) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET total_jobs = $2, processed = $3, succeeded = $4, failed = $5, status = $6, error = $7, updated_at = $8
		 WHERE id = $1`,
		wf.ID, wf.TotalJobs, wf.Processed, wf.Succeeded, wf.Failed, string(wf.Status), wf.Error, wf.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", wf.ID, schemas.ErrNotFound)
	}
	return nil
}

// -- Jobs --

const jobColumns = `id, workflow_id, url, stage, outcome, detail, created_at, updated_at`

func (s *Postgres) CreateJob(ctx context.Context, job *schemas.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.WorkflowID, job.URL, string(job.Stage), string(job.Outcome), job.Detail,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*schemas.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, schemas.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Postgres) UpdateJob(ctx context.Context, job *schemas.Job) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET stage = $2, outcome = $3, detail = $4, updated_at = $5 WHERE id = $1`,
		job.ID, string(job.Stage), string(job.Outcome), job.Detail, job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, schemas.ErrNotFound)
	}
	return nil
}

func (s *Postgres) ListJobs(ctx context.Context, workflowID string) ([]*schemas.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE workflow_id = $1 ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*schemas.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*schemas.Job, error) {
	var job schemas.Job
	var stage, outcome string
	if err := row.Scan(&job.ID, &job.WorkflowID, &job.URL, &stage, &outcome, &job.Detail, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Stage = schemas.Stage(stage)
	job.Outcome = schemas.JobOutcome(outcome)
	return &job, nil
}

// -- Tasks --

const taskColumns = `id, seq, workflow_id, job_id, stage, priority, payload, attempt, max_attempts, status, not_before, result, error, created_at, updated_at`

// claimSQL takes the best dispatchable task under a row lock that concurrent
// claimers skip, so a task is handed out at most once per attempt.
const claimSQL = `
UPDATE tasks SET status = $2, attempt = attempt + 1, updated_at = $1
WHERE id = (
    SELECT t.id FROM tasks t
    JOIN workflows w ON w.id = t.workflow_id
    WHERE t.status = $3
      AND t.not_before <= $1
      AND t.attempt < t.max_attempts
      AND w.status <> $4
    ORDER BY t.priority DESC, t.seq ASC
    LIMIT 1
    FOR UPDATE OF t SKIP LOCKED
)
RETURNING ` + taskColumns

func (s *Postgres) CreateTask(ctx context.Context, task *schemas.Task) error {
	payload, result, err := encodeTask(task)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, workflow_id, job_id, stage, priority, payload, attempt, max_attempts, status, not_before, result, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING seq`,
		task.ID, task.WorkflowID, task.JobID, string(task.Stage), task.Priority, payload, task.Attempt, task.MaxAttempts,
		string(task.Status), task.NotBefore.UTC(), result, task.Error, task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
	).Scan(&task.Seq)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*schemas.Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, schemas.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (s *Postgres) UpdateTask(ctx context.Context, task *schemas.Task) error {
	payload, result, err := encodeTask(task)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET payload = $2, attempt = $3, max_attempts = $4, status = $5, not_before = $6, result = $7, error = $8, updated_at = $9
		 WHERE id = $1`,
		task.ID, payload, task.Attempt, task.MaxAttempts, string(task.Status), task.NotBefore.UTC(), result, task.Error, task.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", task.ID, schemas.ErrNotFound)
	}
	return nil
}

// requeueSQL holds a share lock on the workflow row, so a concurrent cancel
// either commits first and the requeue matches nothing, or waits until the
// PENDING row is visible to its cleanup.
const requeueSQL = `
UPDATE tasks SET attempt = $2, status = $3, not_before = $4, result = $5, error = $6, updated_at = $7
WHERE id = $1
  AND EXISTS (
    SELECT 1 FROM workflows w
    WHERE w.id = tasks.workflow_id AND w.status <> $8
    FOR SHARE
  )`

func (s *Postgres) RequeueTask(ctx context.Context, task *schemas.Task) (bool, error) {
	_, result, err := encodeTask(task)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, requeueSQL,
		task.ID, task.Attempt, string(schemas.TaskPending), task.NotBefore.UTC(), result, task.Error, task.UpdatedAt.UTC(),
		string(schemas.WorkflowCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("failed to requeue task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*schemas.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workflow_id = $1 ORDER BY seq`, workflowID)
}

func (s *Postgres) ListTasksByJob(ctx context.Context, jobID string) ([]*schemas.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY seq`, jobID)
}

func (s *Postgres) ClaimNextTask(ctx context.Context, now time.Time) (*schemas.Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, claimSQL,
		now.UTC(), string(schemas.TaskInProgress), string(schemas.TaskPending), string(schemas.WorkflowCancelled)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, schemas.ErrNoTaskAvailable
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, nil
}

func (s *Postgres) listTasks(ctx context.Context, query string, arg string) ([]*schemas.Task, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*schemas.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (*schemas.Task, error) {
	var t schemas.Task
	var stage, status string
	var payload, result []byte
	err := row.Scan(
		&t.ID, &t.Seq, &t.WorkflowID, &t.JobID, &stage, &t.Priority, &payload, &t.Attempt, &t.MaxAttempts,
		&status, &t.NotBefore, &result, &t.Error, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Stage = schemas.Stage(stage)
	t.Status = schemas.TaskStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of task %s: %w", t.ID, err)
		}
	}
	if len(result) > 0 && string(result) != "null" {
		t.Result = new(schemas.TaskResult)
		if err := json.Unmarshal(result, t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// encodeTask returns the JSONB columns of task. A nil result encodes as SQL NULL.
func encodeTask(task *schemas.Task) (payload, result []byte, err error) {
	payload, err = json.Marshal(task.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode task payload: %w", err)
	}
	if task.Result != nil {
		result, err = json.Marshal(task.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode task result: %w", err)
		}
	}
	return payload, result, nil
}
