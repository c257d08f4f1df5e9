// internal/worker/adapters/helpers.go
package adapters

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/autoapply/api/schemas"
)

// baseAdapter carries the name every adapter reports to the worker.
type baseAdapter struct {
	name string
}

func (b baseAdapter) Name() string { return b.name }

// requireURL rejects tasks whose payload lost its job URL.
func requireURL(task *schemas.Task) error {
	if task.Payload.URL == "" {
		return fmt.Errorf("task %s: %w", task.ID, errMissingURL)
	}
	return nil
}

var errMissingURL = errors.New("payload has no job url")
