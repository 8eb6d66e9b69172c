// Package atomerr defines the error taxonomy shared by every action-engine
// package: compilation failures, binding failures, illegal transitions,
// execution failures, and aggregated failures from parallel revert/retry.
package atomerr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by storage adapters when a requested checkpoint
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrMaxAttemptsExceeded reports that a retry controller's subgraph has
// been re-driven more times than its policy allows. No package in this
// module returns it: the completer falls back to reverting instead.
var ErrMaxAttemptsExceeded = errors.New("retry attempts exceeded")

// ErrBackpressureTimeout is returned when the schedule frontier stays full
// longer than Options.BackpressureTimeout.
var ErrBackpressureTimeout = errors.New("frontier backpressure timeout")

// ErrMaxStepsExceeded is returned when a MachineBuilder run crosses its
// configured step budget without reaching GAME_OVER.
var ErrMaxStepsExceeded = errors.New("run exceeded max steps")

// CompilationFailure is a static error in graph shape: a cycle, a duplicate
// symbol provider, or a reference to an unknown atom kind. It is always
// surfaced before execution starts.
type CompilationFailure struct {
	Message string
	Nodes   []string
	Cause   error
}

func (e *CompilationFailure) Error() string {
	if len(e.Nodes) == 0 {
		return "compilation failed: " + e.Message
	}
	return fmt.Sprintf("compilation failed: %s (nodes: %s)", e.Message, strings.Join(e.Nodes, ", "))
}

func (e *CompilationFailure) Unwrap() error { return e.Cause }

// DependencyFailure is raised at argument-binding time when a required
// symbol cannot be resolved from storage, injected values, or rebinds.
// It becomes an atom failure rather than halting the engine.
type DependencyFailure struct {
	AtomName string
	Symbol   string
}

func (e *DependencyFailure) Error() string {
	return fmt.Sprintf("atom %s: missing required symbol %q", e.AtomName, e.Symbol)
}

// InvalidState is raised when an action attempts a state transition the
// transition checker rejects. It is fatal: it terminates the workflow.
type InvalidState struct {
	AtomName string
	From     string
	To       string
}

func (e *InvalidState) Error() string {
	return fmt.Sprintf("atom %s: illegal transition %s -> %s", e.AtomName, e.From, e.To)
}

// ExecutionFailure captures a failure raised by user task/retry code. It is
// never re-raised into the engine loop; it is persisted and drives the
// revert/retry flow.
type ExecutionFailure struct {
	AtomName string
	TypeName string
	Message  string
	Cause    error
}

func (e *ExecutionFailure) Error() string {
	if e.AtomName != "" {
		return fmt.Sprintf("atom %s failed: %s: %s", e.AtomName, e.TypeName, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.TypeName, e.Message)
}

func (e *ExecutionFailure) Unwrap() error { return e.Cause }

// NewExecutionFailure wraps an arbitrary error raised by task/retry code
// into an ExecutionFailure, recording the dynamic type name for
// observability.
func NewExecutionFailure(atomName string, cause error) *ExecutionFailure {
	return &ExecutionFailure{
		AtomName: atomName,
		TypeName: fmt.Sprintf("%T", cause),
		Message:  cause.Error(),
		Cause:    cause,
	}
}

// WrappedFailure aggregates multiple failures encountered concurrently, for
// example during a parallel revert of several atoms at once.
type WrappedFailure struct {
	Failures []error
}

func (e *WrappedFailure) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%d failures: [%s]", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *WrappedFailure) Unwrap() []error { return e.Failures }
