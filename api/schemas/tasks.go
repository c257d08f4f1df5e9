package schemas

import "time"

// -- Task Schemas --

// Stage identifies the pipeline stage a task executes for a single job.
type Stage string

const (
	StageReachabilityCheck Stage = "REACHABILITY_CHECK"
	StageFormMapping       Stage = "FORM_MAPPING"
	StageSubmission        Stage = "SUBMISSION"
)

func (s Stage) String() string { return string(s) }

// Priority returns the dispatch priority of a stage. Later stages outrank earlier
// ones so jobs already deep in the pipeline drain before new jobs start.
func (s Stage) Priority() int {
	switch s {
	case StageSubmission:
		return 30
	case StageFormMapping:
		return 20
	case StageReachabilityCheck:
		return 10
	default:
		return 0
	}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageReachabilityCheck, StageFormMapping, StageSubmission:
		return true
	}
	return false
}

// AllStages lists stages in pipeline order.
var AllStages = []Stage{StageReachabilityCheck, StageFormMapping, StageSubmission}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether a task in this status will never be dispatched again.
// A transient failure with attempts remaining is stored as PENDING, so a stored
// FAILED is always terminal.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskPayload carries the stage-specific input of a task.
type TaskPayload struct {
	// URL is the job posting URL. Present for every stage.
	URL string `json:"url"`
	// TargetURL and TargetSelector locate the application entry point
	// discovered by the reachability check.
	TargetURL      string `json:"target_url,omitempty"`
	TargetSelector string `json:"target_selector,omitempty"`
	// ProfileRef names the candidate profile used for mapping and submission.
	ProfileRef string `json:"profile_ref,omitempty"`
	// Fields holds the mapped fields a SUBMISSION task should fill.
	Fields []FieldMapping `json:"fields,omitempty"`
}

// TaskResult holds the stage-specific outcome recorded on a task.
// Exactly one member is set, matching the task's stage.
type TaskResult struct {
	Classification *Classification   `json:"classification,omitempty"`
	Mapping        *MappingResult    `json:"mapping,omitempty"`
	Submission     *SubmissionResult `json:"submission,omitempty"`
}

// Task represents one unit of work for one job at one pipeline stage.
type Task struct {
	ID          string      `json:"id"`
	WorkflowID  string      `json:"workflow_id"`
	JobID       string      `json:"job_id"`
	Stage       Stage       `json:"stage"`
	Priority    int         `json:"priority"`
	Seq         int64       `json:"seq"`
	Payload     TaskPayload `json:"payload"`
	Attempt     int         `json:"attempt"`
	MaxAttempts int         `json:"max_attempts"`
	Status      TaskStatus  `json:"status"`
	NotBefore   time.Time   `json:"not_before"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Dispatchable reports whether the task may be claimed at the given instant.
func (t *Task) Dispatchable(now time.Time) bool {
	return t.Status == TaskPending && t.Attempt < t.MaxAttempts && !t.NotBefore.After(now)
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload.Fields != nil {
		c.Payload.Fields = append([]FieldMapping(nil), t.Payload.Fields...)
	}
	if t.Result != nil {
		r := *t.Result
		if r.Classification != nil {
			cl := *r.Classification
			r.Classification = &cl
		}
		if r.Mapping != nil {
			m := *r.Mapping
			m.Fields = append([]FieldMapping(nil), r.Mapping.Fields...)
			m.MissingRequired = append([]string(nil), r.Mapping.MissingRequired...)
			r.Mapping = &m
		}
		if r.Submission != nil {
			s := *r.Submission
			r.Submission = &s
		}
		c.Result = &r
	}
	return &c
}

// -- Stage Results --

// Verdict is the Page Classifier's conclusion about a job page.
type Verdict string

const (
	VerdictUnreachable    Verdict = "UNREACHABLE"
	VerdictHasApplication Verdict = "HAS_APPLICATION"
	VerdictNoApplication  Verdict = "NO_APPLICATION"
)

// Classification is the result of a REACHABILITY_CHECK.
type Classification struct {
	Verdict         Verdict `json:"verdict"`
	TargetURL       string  `json:"target_url,omitempty"`
	TargetSelector  string  `json:"target_selector,omitempty"`
	Confidence      float64 `json:"confidence"`
	Rationale       string  `json:"rationale,omitempty"`
	DialogsHandled  int     `json:"dialogs_handled"`
	StillObstructed bool    `json:"still_obstructed"`
	Detail          string  `json:"detail,omitempty"`
}

// MappingResult is the result of a FORM_MAPPING.
type MappingResult struct {
	Fields          []FieldMapping `json:"fields"`
	CanAutoFill     bool           `json:"can_auto_fill"`
	Reason          string         `json:"reason,omitempty"`
	MissingRequired []string       `json:"missing_required,omitempty"`
	// Confidence is the minimum confidence across required fields, or 0 when
	// there are none.
	Confidence float64 `json:"confidence"`
}

// SubmissionResult is the result of a SUBMISSION.
type SubmissionResult struct {
	Submitted      bool   `json:"submitted"`
	FieldsFilled   int    `json:"fields_filled"`
	SubmitSelector string `json:"submit_selector,omitempty"`
	FinalURL       string `json:"final_url,omitempty"`
	// Unconfirmed is set when the submit click went through but the page
	// could not be checked afterwards.
	Unconfirmed bool `json:"unconfirmed,omitempty"`
}
