package atomaction

import (
	"context"

	"github.com/flowstack/atomflow/atomstate"
	"github.com/flowstack/atomflow/executor"
	"github.com/flowstack/atomflow/flow"
	"github.com/flowstack/atomflow/notify"
	"github.com/flowstack/atomflow/storage"
)

// RetryAction is the Action for a flow.Retry controller atom. A controller
// performs no work of its own — entering it (forward or in revert) is a
// transparent pass-through gate guarding the subgraph it owns — but it
// additionally answers on_failure for the completer.
type RetryAction struct {
	retry   flow.Retry
	store   storage.Adapter
	emitter notify.Emitter
}

// NewRetryAction builds the action wrapping retry.
func NewRetryAction(retry flow.Retry, store storage.Adapter, emitter notify.Emitter) *RetryAction {
	return &RetryAction{retry: retry, store: store, emitter: emitter}
}

func (a *RetryAction) Name() string         { return a.retry.Name() }
func (a *RetryAction) Kind() atomstate.Kind { return atomstate.KindRetry }

func (a *RetryAction) ChangeState(ctx context.Context, runID string, newState atomstate.State) error {
	return changeState(ctx, a.store, a.emitter, runID, a.Name(), newState)
}

func (a *RetryAction) ScheduleExecute(ctx context.Context, runID string, exec executor.Adapter) (*executor.Future, error) {
	return exec.Submit(ctx, a.Name(), atomstate.KindRetry, func(context.Context) (any, error) {
		return nil, nil
	})
}

func (a *RetryAction) ScheduleRevert(ctx context.Context, runID string, exec executor.Adapter) (*executor.Future, error) {
	return exec.Submit(ctx, a.Name(), atomstate.KindRetry, func(context.Context) (any, error) {
		return nil, nil
	})
}

func (a *RetryAction) CompleteExecute(ctx context.Context, runID string, env executor.Envelope) error {
	if env.Failure != nil {
		if err := a.store.SaveFailure(ctx, runID, a.Name(), env.Failure); err != nil {
			return err
		}
		return a.ChangeState(ctx, runID, atomstate.Failure)
	}
	return a.ChangeState(ctx, runID, atomstate.Success)
}

func (a *RetryAction) CompleteRevert(ctx context.Context, runID string, env executor.Envelope) error {
	if env.Failure != nil {
		if err := a.store.SaveFailure(ctx, runID, a.Name(), env.Failure); err != nil {
			return err
		}
		return a.ChangeState(ctx, runID, atomstate.Failure)
	}
	return a.ChangeState(ctx, runID, atomstate.Reverted)
}

// OnFailure delegates to the wrapped controller's verdict.
func (a *RetryAction) OnFailure(failure error) flow.RetryVerdict { return a.retry.OnFailure(failure) }

// MaxAttempts delegates to the wrapped controller's attempt bound.
func (a *RetryAction) MaxAttempts() int { return a.retry.MaxAttempts() }
