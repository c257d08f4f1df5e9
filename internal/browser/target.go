package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/autoapply/api/schemas"
)

// Target locates an application form: either a direct URL or a control on
// the job page that leads to it.
type Target struct {
	JobURL    string
	TargetURL string
	Selector  string
}

// OpenTarget opens the apply target through driver. With no TargetURL it
// opens JobURL and clicks Selector, then waits settle for the form to appear.
// On error no session is left open.
func OpenTarget(ctx context.Context, driver schemas.BrowserDriver, t Target, settle time.Duration) (schemas.BrowserSession, error) {
	if t.TargetURL != "" {
		return driver.Open(ctx, t.TargetURL)
	}
	if t.JobURL == "" || t.Selector == "" {
		return nil, errors.New("apply target needs a target URL or a job URL and selector")
	}

	session, err := driver.Open(ctx, t.JobURL)
	if err != nil {
		return nil, err
	}
	if err := session.Click(ctx, t.Selector); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to activate apply target: %w", err)
	}
	if settle > 0 {
		timer := time.NewTimer(settle)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			_ = session.Close()
			return nil, ctx.Err()
		}
	}
	return session, nil
}
