// Package storage is the persistence boundary the engine consumes: per-atom
// state and intention, results and failures, injected/bound values for
// argument resolution, and full-run checkpoints for resumption. Memory,
// SQLite, and MySQL adapters are provided; all three implement the same
// Adapter interface so the engine is indifferent to which one is wired in.
package storage

import (
	"context"
	"time"

	"github.com/flowstack/atomflow/atomstate"
)

// AtomStatus is the (state, intention) pair the analyzer treats as the unit
// of truth for an atom.
type AtomStatus struct {
	State     atomstate.State
	Intention atomstate.Intention
}

// Checkpoint is a full, resumable snapshot of one run's bookkeeping: every
// atom's status, result, and failure, plus the bound/injected values
// accumulated so far. Label is empty for automatic checkpoints and set for
// user-named ones.
type Checkpoint struct {
	RunID          string
	StepID         int
	Statuses       map[string]AtomStatus
	Results        map[string]any
	Failures       map[string]string
	Bindings       map[string]any
	IdempotencyKey string
	Label          string
	Timestamp      time.Time
}

// Adapter is the storage boundary consumed by the engine loop, the
// analyzer, and the completer. All methods are scoped to a runID so a
// single adapter instance can back many concurrent runs.
type Adapter interface {
	// AtomState returns an atom's current lifecycle state.
	AtomState(ctx context.Context, runID, atomName string) (atomstate.State, error)
	// AtomIntention returns what the engine currently wants the atom to do.
	AtomIntention(ctx context.Context, runID, atomName string) (atomstate.Intention, error)
	// AtomStatuses batches AtomState+AtomIntention lookups for the analyzer's
	// per-pass frontier scan.
	AtomStatuses(ctx context.Context, runID string, atomNames []string) (map[string]AtomStatus, error)
	// SetAtomState persists a new state for an atom.
	SetAtomState(ctx context.Context, runID, atomName string, state atomstate.State) error
	// SetAtomIntention persists a new intention for an atom.
	SetAtomIntention(ctx context.Context, runID, atomName string, intent atomstate.Intention) error

	// SaveResult persists an atom's successful execution result.
	SaveResult(ctx context.Context, runID, atomName string, result any) error
	// SaveFailure persists an atom's failure, formatted for later inspection.
	SaveFailure(ctx context.Context, runID, atomName string, failure error) error
	// Result returns a previously saved result, if any.
	Result(ctx context.Context, runID, atomName string) (value any, ok bool, err error)
	// Failure returns a previously saved failure message, if any.
	Failure(ctx context.Context, runID, atomName string) (message string, ok bool, err error)

	// Fetch resolves a bound symbol by storage key, for argument binding
	// (requires/rebind/inject resolution).
	Fetch(ctx context.Context, runID, key string) (value any, ok bool, err error)
	// Bind records a value under a storage key, making it fetchable by
	// downstream atoms' requires/rebind entries.
	Bind(ctx context.Context, runID, key string, value any) error

	// SaveCheckpoint persists a full run snapshot. Returns an error if
	// checkpoint.IdempotencyKey is non-empty and already used.
	SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error
	// LoadCheckpoint retrieves the most recently saved checkpoint for a run,
	// or the one matching label if non-empty. Returns ErrNotFound (atomerr)
	// if none exists.
	LoadCheckpoint(ctx context.Context, runID, label string) (Checkpoint, error)
}
