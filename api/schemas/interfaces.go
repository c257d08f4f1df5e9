package schemas

import (
	"context"
	"time"
)

// -- Store Interface --

// Store is the persistence boundary for workflows, per-job outcome records and
// tasks. Implementations must make ClaimNextTask atomic: no two callers may
// ever receive the same task for the same attempt.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *Workflow) error

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	ListJobs(ctx context.Context, workflowID string) ([]*Job, error)

	// CreateTask persists a new task and assigns its Seq.
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*Task, error)
	ListTasksByJob(ctx context.Context, jobID string) ([]*Task, error)

	// ClaimNextTask picks the highest priority dispatchable task (ties by Seq),
	// skipping tasks of cancelled workflows, marks it IN_PROGRESS and increments
	// its attempt count in one atomic step. Returns ErrNoTaskAvailable when idle.
	ClaimNextTask(ctx context.Context, now time.Time) (*Task, error)

	// RequeueTask persists task back as PENDING unless its workflow has been
	// cancelled, checked in the same atomic step as the write. It reports
	// false, leaving the stored task untouched, when the workflow is cancelled.
	RequeueTask(ctx context.Context, task *Task) (bool, error)

	Close() error
}

// -- Browser Interfaces --

// BrowserDriver opens isolated browser sessions.
type BrowserDriver interface {
	// Open creates a new session and navigates it to url. Failures wrap
	// ErrNavigationTimeout or ErrUnreachable.
	Open(ctx context.Context, url string) (BrowserSession, error)
}

// BrowserSession is a single page owned by exactly one stage execution.
type BrowserSession interface {
	ID() string
	// URL returns the current page URL.
	URL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	DOMSnapshot(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Close() error
}

// -- LLM Interfaces --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Prefers a faster, potentially less capable model.
	TierPowerful ModelTier = "powerful" // Prefers a more capable, potentially slower model.
)

// GenerationOptions controls the text generation process of the LLM.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
}

// ImagePart is an inline image sent alongside the prompt.
type ImagePart struct {
	MIMEType string
	Data     []byte
}

// GenerationRequest encapsulates a complete request to the LLM, including the
// system and user prompts, any images, the desired model tier, and options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Images       []ImagePart       `json:"-"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model, abstracting the specifics of the underlying provider (e.g., Gemini).
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Close() error
}

// -- Profile Interface --

// ProfileProvider resolves a profile reference to candidate data.
type ProfileProvider interface {
	GetProfile(ctx context.Context, ref string) (*Profile, error)
}
