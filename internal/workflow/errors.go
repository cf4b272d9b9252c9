package workflow

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying run failures. Only transient call failures
// that survive the retry, and invariant violations inside the state machine
// itself, abort a run; everything else is absorbed locally.
var (
	// ErrTransientCall marks a reasoning-service or tool call that failed
	// even after its single retry.
	ErrTransientCall = errors.New("transient call failed after retry")

	// ErrMalformedResponse marks unparsable structured output. It is never
	// escalated; stages substitute their documented default object instead.
	ErrMalformedResponse = errors.New("malformed reasoning response")

	// ErrEmptyResult marks a retrieval pass that produced zero documents.
	// Validation always answers replan for it.
	ErrEmptyResult = errors.New("no documents retrieved")

	// ErrToolExecution marks a single failed tool call. It never aborts a
	// turn; registries record it in-band in the tool's result, and it is
	// exported only so callers can classify those in-band failures.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrLoopBoundExceeded marks an exhausted replan, refinement, or
	// critique budget. Not a failure; the run completes degraded.
	ErrLoopBoundExceeded = errors.New("iteration bound exhausted")

	// ErrFatalOrchestrator marks an undefined transition or other broken
	// invariant inside the state machine.
	ErrFatalOrchestrator = errors.New("orchestrator invariant violation")
)

func transientErr(stage string, err error) error {
	return fmt.Errorf("%s: %w: %v", stage, ErrTransientCall, err)
}

func fatalErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFatalOrchestrator, fmt.Sprintf(format, args...))
}
