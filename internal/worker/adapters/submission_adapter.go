// internal/worker/adapters/submission_adapter.go
package adapters

import (
	"context"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/submitter"
)

// FormSubmitter is the subset of submitter.Submitter the adapter needs.
type FormSubmitter interface {
	Submit(ctx context.Context, req submitter.SubmitRequest) schemas.Outcome
}

// SubmissionAdapter runs SUBMISSION tasks with the fields mapped by the
// preceding FORM_MAPPING task.
type SubmissionAdapter struct {
	baseAdapter
	submitter FormSubmitter
}

// NewSubmissionAdapter creates a new adapter instance.
func NewSubmissionAdapter(s FormSubmitter) *SubmissionAdapter {
	return &SubmissionAdapter{
		baseAdapter: baseAdapter{name: "Submission Adapter"},
		submitter:   s,
	}
}

// Handle is the bridge function called by the worker.
func (a *SubmissionAdapter) Handle(ctx context.Context, task *schemas.Task) schemas.Outcome {
	if err := requireURL(task); err != nil {
		return schemas.Terminal(err, nil)
	}
	return a.submitter.Submit(ctx, submitter.SubmitRequest{
		JobURL:         task.Payload.URL,
		TargetURL:      task.Payload.TargetURL,
		TargetSelector: task.Payload.TargetSelector,
		Fields:         task.Payload.Fields,
	})
}
