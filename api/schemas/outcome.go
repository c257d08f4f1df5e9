package schemas

import "fmt"

// OutcomeKind tags how a stage execution ended.
type OutcomeKind int

const (
	// OutcomeSuccess means the stage produced a result. Content-absence results
	// such as NO_APPLICATION are successes.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeTransient means an infrastructure failure that may succeed on retry.
	OutcomeTransient
	// OutcomeTerminal means the stage failed in a way retrying cannot fix.
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the tagged result every stage handler returns. Expected branches
// are expressed here rather than as Go errors.
type Outcome struct {
	Kind   OutcomeKind
	Result *TaskResult
	Err    error
}

// Success wraps a stage result.
func Success(result *TaskResult) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// Transient wraps a retryable failure.
func Transient(err error) Outcome {
	return Outcome{Kind: OutcomeTransient, Err: err}
}

// Terminal wraps a non-retryable failure. result may carry a partial stage result
// (for example an UNREACHABLE classification).
func Terminal(err error, result *TaskResult) Outcome {
	return Outcome{Kind: OutcomeTerminal, Err: err, Result: result}
}

// ErrorString returns the failure text, or "" for successes.
func (o Outcome) ErrorString() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
