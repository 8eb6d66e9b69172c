package atomaction

import (
	"context"
	"errors"
	"testing"

	"github.com/flowstack/atomflow/atomstate"
	"github.com/flowstack/atomflow/executor"
	"github.com/flowstack/atomflow/flow"
	"github.com/flowstack/atomflow/notify"
	"github.com/flowstack/atomflow/storage"
)

type addTask struct{}

func (addTask) Name() string { return "add" }
func (addTask) Spec() flow.Spec {
	return flow.Spec{Requires: []string{"x", "y"}, Provides: []string{"sum"}}
}
func (addTask) Execute(_ context.Context, args map[string]any) (any, error) {
	return args["x"].(int) + args["y"].(int), nil
}
func (addTask) Revert(context.Context, map[string]any, any, error) error { return nil }

type failingTask struct{}

func (failingTask) Name() string           { return "fail" }
func (failingTask) Spec() flow.Spec        { return flow.Spec{} }
func (failingTask) Execute(context.Context, map[string]any) (any, error) {
	return nil, errors.New("card declined")
}
func (failingTask) Revert(context.Context, map[string]any, any, error) error { return nil }

func newExec(t *testing.T) executor.Adapter {
	t.Helper()
	e, err := executor.NewPoolExecutor(2)
	if err != nil {
		t.Fatalf("NewPoolExecutor: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestTaskAction_ScheduleExecuteResolvesArgsAndBinds(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAdapter()
	_ = store.Bind(ctx, "r1", "x", 2)
	_ = store.Bind(ctx, "r1", "y", 3)

	a := NewTaskAction(addTask{}, store, notify.NullEmitter{})
	exec := newExec(t)

	fut, err := a.ScheduleExecute(ctx, "r1", exec)
	if err != nil {
		t.Fatalf("ScheduleExecute: %v", err)
	}
	env, err := fut.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if err := a.CompleteExecute(ctx, "r1", env); err != nil {
		t.Fatalf("CompleteExecute: %v", err)
	}

	state, err := store.AtomState(ctx, "r1", "add")
	if err != nil || state != atomstate.Success {
		t.Fatalf("expected SUCCESS, got %v (err=%v)", state, err)
	}
	sum, ok, err := store.Fetch(ctx, "r1", "sum")
	if err != nil || !ok || sum != 5 {
		t.Fatalf("expected bound sum=5, got %v ok=%v err=%v", sum, ok, err)
	}
}

func TestTaskAction_MissingRequiredSymbolIsDependencyFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAdapter()
	a := NewTaskAction(addTask{}, store, notify.NullEmitter{})
	exec := newExec(t)

	_, err := a.ScheduleExecute(ctx, "r1", exec)
	if err == nil {
		t.Fatal("expected DependencyFailure for unbound x/y")
	}
}

func TestTaskAction_CompleteExecuteOnFailureSetsFailureState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAdapter()
	a := NewTaskAction(failingTask{}, store, notify.NullEmitter{})
	exec := newExec(t)

	fut, err := a.ScheduleExecute(ctx, "r1", exec)
	if err != nil {
		t.Fatalf("ScheduleExecute: %v", err)
	}
	env, err := fut.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if err := a.CompleteExecute(ctx, "r1", env); err != nil {
		t.Fatalf("CompleteExecute: %v", err)
	}

	state, err := store.AtomState(ctx, "r1", "fail")
	if err != nil || state != atomstate.Failure {
		t.Fatalf("expected FAILURE, got %v (err=%v)", state, err)
	}
	message, ok, err := store.Failure(ctx, "r1", "fail")
	if err != nil || !ok || message == "" {
		t.Fatalf("expected saved failure message, got %q ok=%v err=%v", message, ok, err)
	}
}

func TestTaskAction_CompleteRevertSetsReverted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAdapter()
	a := NewTaskAction(addTask{}, store, notify.NullEmitter{})

	if err := a.CompleteRevert(ctx, "r1", executor.Envelope{AtomName: "add"}); err != nil {
		t.Fatalf("CompleteRevert: %v", err)
	}
	state, err := store.AtomState(ctx, "r1", "add")
	if err != nil || state != atomstate.Reverted {
		t.Fatalf("expected REVERTED, got %v (err=%v)", state, err)
	}
}

type fakeRetry struct{ verdict flow.RetryVerdict }

func (r fakeRetry) Name() string                      { return "r" }
func (r fakeRetry) Spec() flow.Spec                    { return flow.Spec{} }
func (r fakeRetry) OnFailure(error) flow.RetryVerdict  { return r.verdict }
func (r fakeRetry) MaxAttempts() int                   { return 2 }

func TestRetryAction_OnFailureDelegatesToController(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAdapter()
	a := NewRetryAction(fakeRetry{verdict: flow.VerdictRetry}, store, notify.NullEmitter{})

	if got := a.OnFailure(errors.New("boom")); got != flow.VerdictRetry {
		t.Errorf("expected VerdictRetry, got %v", got)
	}
	if a.MaxAttempts() != 2 {
		t.Errorf("expected MaxAttempts 2, got %d", a.MaxAttempts())
	}

	exec := newExec(t)
	fut, err := a.ScheduleExecute(ctx, "r1", exec)
	if err != nil {
		t.Fatalf("ScheduleExecute: %v", err)
	}
	env, err := fut.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if err := a.CompleteExecute(ctx, "r1", env); err != nil {
		t.Fatalf("CompleteExecute: %v", err)
	}
	state, err := store.AtomState(ctx, "r1", "r")
	if err != nil || state != atomstate.Success {
		t.Fatalf("expected controller pass-through to SUCCESS, got %v (err=%v)", state, err)
	}
}
