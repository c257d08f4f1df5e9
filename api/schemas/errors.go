package schemas

import "errors"

// Sentinel errors shared across component boundaries. Match with errors.Is.
var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNoTaskAvailable is returned by ClaimNextTask when nothing is dispatchable.
	ErrNoTaskAvailable = errors.New("no dispatchable task")

	// ErrNavigationTimeout marks a browser call that exceeded its deadline. Transient.
	ErrNavigationTimeout = errors.New("browser navigation timed out")
	// ErrUnreachable marks a page that failed to load: DNS, refused connection, non-2xx. Terminal.
	ErrUnreachable = errors.New("page unreachable")
	// ErrElementNotFound marks a selector that matched nothing visible in time.
	ErrElementNotFound = errors.New("element not found")
	// ErrSessionClosed is returned by a session used after Close.
	ErrSessionClosed = errors.New("browser session closed")

	// ErrProfileNotFound is returned by profile providers for unknown references.
	ErrProfileNotFound = errors.New("profile not found")
)
