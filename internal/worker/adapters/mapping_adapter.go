// internal/worker/adapters/mapping_adapter.go
package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/formmapper"
)

// FormMapper is the subset of formmapper.Mapper the adapter needs.
type FormMapper interface {
	Map(ctx context.Context, req formmapper.MapRequest) schemas.Outcome
}

// MappingAdapter runs FORM_MAPPING tasks. It resolves the task's profile
// reference before handing the form to the mapper.
type MappingAdapter struct {
	baseAdapter
	mapper   FormMapper
	profiles schemas.ProfileProvider
}

// NewMappingAdapter creates a new adapter instance.
func NewMappingAdapter(m FormMapper, profiles schemas.ProfileProvider) *MappingAdapter {
	return &MappingAdapter{
		baseAdapter: baseAdapter{name: "Form Mapping Adapter"},
		mapper:      m,
		profiles:    profiles,
	}
}

// Handle is the bridge function called by the worker. An unknown profile is
// terminal; any other lookup failure may clear up on retry.
func (a *MappingAdapter) Handle(ctx context.Context, task *schemas.Task) schemas.Outcome {
	if err := requireURL(task); err != nil {
		return schemas.Terminal(err, nil)
	}
	profile, err := a.profiles.GetProfile(ctx, task.Payload.ProfileRef)
	if err != nil {
		err = fmt.Errorf("failed to load profile %q: %w", task.Payload.ProfileRef, err)
		if errors.Is(err, schemas.ErrProfileNotFound) {
			return schemas.Terminal(err, nil)
		}
		return schemas.Transient(err)
	}
	return a.mapper.Map(ctx, formmapper.MapRequest{
		JobURL:         task.Payload.URL,
		TargetURL:      task.Payload.TargetURL,
		TargetSelector: task.Payload.TargetSelector,
		Profile:        profile,
	})
}
