// internal/worker/adapters/reachability_adapter.go
package adapters

import (
	"context"

	"github.com/xkilldash9x/autoapply/api/schemas"
)

// PageClassifier is the subset of classifier.Classifier the adapter needs.
type PageClassifier interface {
	Classify(ctx context.Context, jobURL string) schemas.Outcome
}

// ReachabilityAdapter runs REACHABILITY_CHECK tasks through the page classifier.
type ReachabilityAdapter struct {
	baseAdapter
	classifier PageClassifier
}

// NewReachabilityAdapter creates a new adapter instance.
func NewReachabilityAdapter(c PageClassifier) *ReachabilityAdapter {
	return &ReachabilityAdapter{
		baseAdapter: baseAdapter{name: "Reachability Adapter"},
		classifier:  c,
	}
}

// Handle is the bridge function called by the worker.
func (a *ReachabilityAdapter) Handle(ctx context.Context, task *schemas.Task) schemas.Outcome {
	if err := requireURL(task); err != nil {
		return schemas.Terminal(err, nil)
	}
	return a.classifier.Classify(ctx, task.Payload.URL)
}
