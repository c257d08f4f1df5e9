package schemas

import "time"

// -- Workflow Schemas --

// WorkflowStatus is the top-level state of a workflow.
type WorkflowStatus string

const (
	WorkflowInitializing    WorkflowStatus = "INITIALIZING"
	WorkflowRunning         WorkflowStatus = "RUNNING"
	WorkflowCompleted       WorkflowStatus = "COMPLETED"
	WorkflowPartiallyFailed WorkflowStatus = "PARTIALLY_FAILED"
	WorkflowFailed          WorkflowStatus = "FAILED"
	WorkflowCancelled       WorkflowStatus = "CANCELLED"
)

func (s WorkflowStatus) String() string { return string(s) }

// IsTerminal reports whether the workflow has stopped progressing.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowPartiallyFailed, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// Workflow is one job-application campaign.
type Workflow struct {
	ID         string         `json:"id"`
	UserRef    string         `json:"user_ref,omitempty"`
	ProfileRef string         `json:"profile_ref"`
	Criteria   string         `json:"criteria,omitempty"`
	TotalJobs  int            `json:"total_jobs"`
	Processed  int            `json:"processed"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Status     WorkflowStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// JobOutcome is the per-job terminal (or pending) result.
type JobOutcome string

const (
	JobPending        JobOutcome = "PENDING"
	JobSubmitted      JobOutcome = "SUBMITTED"
	JobUnreachable    JobOutcome = "UNREACHABLE"
	JobNoApplication  JobOutcome = "NO_APPLICATION"
	JobManualFallback JobOutcome = "MANUAL_FALLBACK"
	JobFailed         JobOutcome = "FAILED"
	JobCancelled      JobOutcome = "CANCELLED"
)

func (o JobOutcome) String() string { return string(o) }

// IsTerminal reports whether the job has left the pipeline.
func (o JobOutcome) IsTerminal() bool {
	return o != "" && o != JobPending
}

// IsSuccess reports whether the job ended with a submitted application.
func (o JobOutcome) IsSuccess() bool { return o == JobSubmitted }

// IsFailure reports whether the job ended because of an infrastructure or
// reachability failure, as opposed to a valid content-absence outcome.
func (o JobOutcome) IsFailure() bool {
	return o == JobFailed || o == JobUnreachable
}

// Job is the per-job outcome record of a workflow.
type Job struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	URL        string     `json:"url"`
	Stage      Stage      `json:"stage"`
	Outcome    JobOutcome `json:"outcome"`
	Detail     string     `json:"detail,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
