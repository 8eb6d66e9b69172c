package atomaction

import (
	"context"

	"github.com/flowstack/atomflow/atomstate"
	"github.com/flowstack/atomflow/executor"
	"github.com/flowstack/atomflow/flow"
	"github.com/flowstack/atomflow/notify"
	"github.com/flowstack/atomflow/storage"
)

// TaskAction is the Action for a flow.Task atom.
type TaskAction struct {
	task    flow.Task
	store   storage.Adapter
	emitter notify.Emitter
}

// NewTaskAction builds the action wrapping task, persisting through store
// and notifying through emitter.
func NewTaskAction(task flow.Task, store storage.Adapter, emitter notify.Emitter) *TaskAction {
	return &TaskAction{task: task, store: store, emitter: emitter}
}

func (a *TaskAction) Name() string         { return a.task.Name() }
func (a *TaskAction) Kind() atomstate.Kind { return atomstate.KindTask }

func (a *TaskAction) ChangeState(ctx context.Context, runID string, newState atomstate.State) error {
	return changeState(ctx, a.store, a.emitter, runID, a.Name(), newState)
}

func (a *TaskAction) ScheduleExecute(ctx context.Context, runID string, exec executor.Adapter) (*executor.Future, error) {
	args, err := resolveArgs(ctx, a.store, runID, a.Name(), a.task.Spec())
	if err != nil {
		return nil, err
	}
	return exec.Submit(ctx, a.Name(), atomstate.KindTask, func(ctx context.Context) (any, error) {
		return a.task.Execute(ctx, args)
	})
}

func (a *TaskAction) ScheduleRevert(ctx context.Context, runID string, exec executor.Adapter) (*executor.Future, error) {
	args, err := resolveArgs(ctx, a.store, runID, a.Name(), a.task.Spec())
	if err != nil {
		return nil, err
	}

	result, _, err := a.store.Result(ctx, runID, a.Name())
	if err != nil {
		return nil, err
	}
	var failure error
	if message, ok, err := a.store.Failure(ctx, runID, a.Name()); err != nil {
		return nil, err
	} else if ok {
		failure = failureFromMessage(message)
	}

	return exec.Submit(ctx, a.Name(), atomstate.KindTask, func(ctx context.Context) (any, error) {
		return nil, a.task.Revert(ctx, args, result, failure)
	})
}

func (a *TaskAction) CompleteExecute(ctx context.Context, runID string, env executor.Envelope) error {
	if env.Failure != nil {
		if err := a.store.SaveFailure(ctx, runID, a.Name(), env.Failure); err != nil {
			return err
		}
		return a.ChangeState(ctx, runID, atomstate.Failure)
	}

	for _, symbol := range a.task.Spec().Provides {
		if err := a.store.Bind(ctx, runID, symbol, env.Value); err != nil {
			return err
		}
	}
	if err := a.store.SaveResult(ctx, runID, a.Name(), env.Value); err != nil {
		return err
	}
	return a.ChangeState(ctx, runID, atomstate.Success)
}

func (a *TaskAction) CompleteRevert(ctx context.Context, runID string, env executor.Envelope) error {
	if env.Failure != nil {
		if err := a.store.SaveFailure(ctx, runID, a.Name(), env.Failure); err != nil {
			return err
		}
		return a.ChangeState(ctx, runID, atomstate.Failure)
	}
	return a.ChangeState(ctx, runID, atomstate.Reverted)
}
