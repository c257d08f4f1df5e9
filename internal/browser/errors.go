package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/autoapply/api/schemas"
)

// Chrome net error codes that mean the page might load on a later attempt.
var transientNetErrors = []string{
	"net::ERR_TIMED_OUT",
	"net::ERR_CONNECTION_TIMED_OUT",
	"net::ERR_NETWORK_CHANGED",
	"net::ERR_INTERNET_DISCONNECTED",
	"net::ERR_CONNECTION_RESET",
}

// classifyNavigationError maps a failed navigation onto the schemas sentinel
// errors. navCtx is the context that carried the navigation timeout.
func classifyNavigationError(navCtx context.Context, target string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", schemas.ErrNavigationTimeout, target, err)
	}
	msg := err.Error()
	for _, code := range transientNetErrors {
		if strings.Contains(msg, code) {
			return fmt.Errorf("%w: %s: %s", schemas.ErrNavigationTimeout, target, code)
		}
	}
	if strings.Contains(msg, "net::ERR_") {
		return fmt.Errorf("%w: %s: %v", schemas.ErrUnreachable, target, err)
	}
	return fmt.Errorf("navigation to %s failed: %w", target, err)
}

// classifyStatus turns a non-2xx main document status into ErrUnreachable.
func classifyStatus(target string, status int64) error {
	if status == 0 || (status >= 200 && status < 300) {
		return nil
	}
	return fmt.Errorf("%w: %s returned HTTP %d", schemas.ErrUnreachable, target, status)
}
