// Package atomaction implements the uniform action contract every atom
// exposes to the rest of the engine: change its recorded state (firing a
// notification), resolve its arguments and submit it to the executor, and
// apply a completed future's outcome back into storage. Task atoms and
// retry-controller atoms share this contract through the Action interface;
// retry controllers additionally expose the failure-verdict consultation
// the completer needs.
package atomaction

import (
	"context"
	"errors"

	"github.com/flowstack/atomflow/atomerr"
	"github.com/flowstack/atomflow/atomstate"
	"github.com/flowstack/atomflow/executor"
	"github.com/flowstack/atomflow/flow"
	"github.com/flowstack/atomflow/notify"
	"github.com/flowstack/atomflow/storage"
)

// Action is the contract every atom's action implements, dispatched on by
// runtime-cache lookup and invoked by the schedulers.
type Action interface {
	Name() string
	Kind() atomstate.Kind

	// ChangeState transitions the atom in storage and fires the matching
	// notification. It does not validate the transition itself — callers
	// (the engine, acting on the analyzer's readiness check, and the
	// completer) are expected to have already confirmed it's legal via
	// atomstate.CanTransition.
	ChangeState(ctx context.Context, runID string, newState atomstate.State) error

	// ScheduleExecute resolves the atom's arguments and submits its forward
	// work to exec, returning a future for the result envelope.
	ScheduleExecute(ctx context.Context, runID string, exec executor.Adapter) (*executor.Future, error)
	// ScheduleRevert resolves the atom's arguments plus its prior
	// result/failure and submits its compensating work to exec.
	ScheduleRevert(ctx context.Context, runID string, exec executor.Adapter) (*executor.Future, error)

	// CompleteExecute applies a resolved forward-execution envelope: saves
	// the result (and binds any provided symbols) or the failure, and sets
	// the matching terminal state.
	CompleteExecute(ctx context.Context, runID string, env executor.Envelope) error
	// CompleteRevert applies a resolved revert envelope.
	CompleteRevert(ctx context.Context, runID string, env executor.Envelope) error
}

// RetryController extends Action with the failure-verdict consultation a
// retry controller offers the completer.
type RetryController interface {
	Action
	OnFailure(failure error) flow.RetryVerdict
	MaxAttempts() int
}

// resolveArgs builds a task's argument map from its Spec: injected
// constants first, then each required symbol fetched from storage (through
// its rebind alias, if any). A missing required symbol is a
// DependencyFailure, not a Go error — the caller turns it into an atom
// failure rather than halting the engine.
func resolveArgs(ctx context.Context, store storage.Adapter, runID, atomName string, spec flow.Spec) (map[string]any, error) {
	args := make(map[string]any, len(spec.Requires)+len(spec.Inject))
	for k, v := range spec.Inject {
		args[k] = v
	}
	for _, req := range spec.Requires {
		key := req
		if rebound, ok := spec.Rebind[req]; ok {
			key = rebound
		}
		value, ok, err := store.Fetch(ctx, runID, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &atomerr.DependencyFailure{AtomName: atomName, Symbol: key}
		}
		args[req] = value
	}
	return args, nil
}

func stateEventKind(s atomstate.State) (notify.EventKind, bool) {
	switch s {
	case atomstate.Running:
		return notify.Executing, true
	case atomstate.Success:
		return notify.Success, true
	case atomstate.Failure:
		return notify.Failure, true
	case atomstate.Reverting:
		return notify.Reverting, true
	case atomstate.Reverted:
		return notify.Reverted, true
	case atomstate.Retrying:
		return notify.Retrying, true
	default:
		return 0, false
	}
}

func changeState(ctx context.Context, store storage.Adapter, emitter notify.Emitter, runID, atomName string, newState atomstate.State) error {
	if err := store.SetAtomState(ctx, runID, atomName, newState); err != nil {
		return err
	}
	if kind, ok := stateEventKind(newState); ok {
		emitter.Emit(notify.Event{RunID: runID, AtomName: atomName, Kind: kind})
	}
	return nil
}

func failureFromMessage(message string) error {
	return errors.New(message)
}
