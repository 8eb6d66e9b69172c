package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowstack/atomflow/atomstate"
	"github.com/flowstack/atomflow/compile"
	"github.com/flowstack/atomflow/executor"
	"github.com/flowstack/atomflow/flow"
	"github.com/flowstack/atomflow/notify"
	"github.com/flowstack/atomflow/storage"
)

type recordingTask struct {
	name     string
	provides []string
	requires []string
	calls    *int
	failFor  int // number of leading calls that fail; 0 = never fails
}

func (t recordingTask) Name() string { return t.name }
func (t recordingTask) Spec() flow.Spec {
	return flow.Spec{Requires: t.requires, Provides: t.provides}
}

func (t recordingTask) Execute(_ context.Context, _ map[string]any) (any, error) {
	if t.calls != nil {
		*t.calls++
	}
	if t.calls != nil && *t.calls <= t.failFor {
		return nil, errors.New("transient failure")
	}
	return t.name + "-result", nil
}

func (t recordingTask) Revert(context.Context, map[string]any, any, error) error { return nil }

type alwaysFailTask struct {
	name     string
	requires []string
}

func (t alwaysFailTask) Name() string         { return t.name }
func (t alwaysFailTask) Spec() flow.Spec      { return flow.Spec{Requires: t.requires} }
func (t alwaysFailTask) Execute(context.Context, map[string]any) (any, error) {
	return nil, errors.New("card declined")
}
func (t alwaysFailTask) Revert(context.Context, map[string]any, any, error) error { return nil }

type boundedRetry struct {
	name string
	max  int
}

func (r boundedRetry) Name() string         { return r.name }
func (r boundedRetry) Spec() flow.Spec      { return flow.Spec{} }
func (r boundedRetry) OnFailure(error) flow.RetryVerdict { return flow.VerdictRetry }
func (r boundedRetry) MaxAttempts() int     { return r.max }

func newHarness(t *testing.T, root *flow.Flow) (*MachineBuilder, storage.Adapter, *compile.Graph) {
	t.Helper()
	g, err := compile.Compile(root)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	store := storage.NewMemoryAdapter()
	exec, err := executor.NewPoolExecutor(4)
	if err != nil {
		t.Fatalf("NewPoolExecutor: %v", err)
	}
	t.Cleanup(exec.Close)

	mb, err := New(g, store, notify.NullEmitter{}, exec, WithRunWallClockBudget(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mb, store, g
}

func TestMachineBuilder_LinearSuccess(t *testing.T) {
	root := flow.NewFlow("root", flow.Linear)
	root.Add(recordingTask{name: "a", provides: []string{"x"}})
	root.Add(recordingTask{name: "b", requires: []string{"x"}})
	mb, store, _ := newHarness(t, root)

	verdict, err := mb.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != Success {
		t.Fatalf("expected SUCCESS, got %s", verdict)
	}
	for _, name := range []string{"a", "b"} {
		state, _ := store.AtomState(context.Background(), "r1", name)
		if state != atomstate.Success {
			t.Errorf("expected %s SUCCESS, got %s", name, state)
		}
	}
}

func TestMachineBuilder_UnorderedParallelSuccess(t *testing.T) {
	root := flow.NewFlow("root", flow.Unordered)
	root.Add(recordingTask{name: "a"})
	root.Add(recordingTask{name: "b"})
	mb, store, _ := newHarness(t, root)

	verdict, err := mb.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != Success {
		t.Fatalf("expected SUCCESS, got %s", verdict)
	}
	for _, name := range []string{"a", "b"} {
		state, _ := store.AtomState(context.Background(), "r1", name)
		if state != atomstate.Success {
			t.Errorf("expected %s SUCCESS, got %s", name, state)
		}
	}
}

func TestMachineBuilder_FailurePropagatesRevertToPredecessor(t *testing.T) {
	root := flow.NewFlow("root", flow.Linear)
	root.Add(recordingTask{name: "a", provides: []string{"x"}})
	root.Add(alwaysFailTask{name: "b", requires: []string{"x"}})
	mb, store, _ := newHarness(t, root)

	verdict, err := mb.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != Reverted {
		t.Fatalf("expected REVERTED (b's failure was fully compensated), got %s", verdict)
	}
	bState, _ := store.AtomState(context.Background(), "r1", "b")
	if bState != atomstate.Failure {
		t.Errorf("expected b FAILURE, got %s", bState)
	}
	aState, _ := store.AtomState(context.Background(), "r1", "a")
	if aState != atomstate.Reverted {
		t.Errorf("expected a REVERTED, got %s", aState)
	}
}

// TestMachineBuilder_FailureStrandsDownstreamAtomPending mirrors
// analyzer.TestIterNextAtoms_FailureYieldsGlobalRevertFrontier at the engine
// level (spec.md §8 scenario 3): a -> b_fail -> c. c never becomes ready for
// either execute or revert and sits at PENDING forever, which must not be
// mistaken for a deadlock: the overall verdict is REVERTED, since a's
// failure-triggered revert is the only outcome c's predecessor chain had.
func TestMachineBuilder_FailureStrandsDownstreamAtomPending(t *testing.T) {
	root := flow.NewFlow("root", flow.Linear)
	root.Add(recordingTask{name: "a", provides: []string{"x"}})
	root.Add(alwaysFailTask{name: "b", requires: []string{"x"}})
	root.Add(recordingTask{name: "c", requires: []string{"x"}})
	mb, store, _ := newHarness(t, root)

	verdict, err := mb.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != Reverted {
		t.Fatalf("expected REVERTED, got %s", verdict)
	}
	aState, _ := store.AtomState(context.Background(), "r1", "a")
	if aState != atomstate.Reverted {
		t.Errorf("expected a REVERTED, got %s", aState)
	}
	bState, _ := store.AtomState(context.Background(), "r1", "b")
	if bState != atomstate.Failure {
		t.Errorf("expected b FAILURE, got %s", bState)
	}
	cState, _ := store.AtomState(context.Background(), "r1", "c")
	if cState != atomstate.Pending {
		t.Errorf("expected c to stay PENDING (never readied), got %s", cState)
	}
}

func TestMachineBuilder_RetryReDriveSucceedsOnSecondAttempt(t *testing.T) {
	aCalls, bCalls := 0, 0
	body := flow.NewFlow("body", flow.Linear)
	body.Add(recordingTask{name: "a", provides: []string{"x"}, calls: &aCalls})
	body.Add(recordingTask{name: "b", requires: []string{"x"}, calls: &bCalls, failFor: 1})
	root := flow.NewFlow("root", flow.Linear)
	root.Add(flow.NewRetryBlock(boundedRetry{name: "r", max: 2}, body))
	mb, store, _ := newHarness(t, root)

	verdict, err := mb.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != Success {
		t.Fatalf("expected SUCCESS, got %s", verdict)
	}
	if aCalls != 2 || bCalls != 2 {
		t.Errorf("expected both atoms to execute twice, got a=%d b=%d", aCalls, bCalls)
	}
	for _, name := range []string{"a", "b", "r"} {
		state, _ := store.AtomState(context.Background(), "r1", name)
		if state != atomstate.Success {
			t.Errorf("expected %s SUCCESS, got %s", name, state)
		}
	}
}

func TestMachineBuilder_EdgeDeciderSkipsTargetAtom(t *testing.T) {
	root := flow.NewFlow("root", flow.Unordered)
	root.Add(recordingTask{name: "a"})
	root.Add(recordingTask{name: "b"})
	root.Link("a", "b", flow.WithDecider(func(map[string]any) bool { return false }))
	mb, store, _ := newHarness(t, root)

	verdict, err := mb.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != Success {
		t.Fatalf("expected SUCCESS (ignored atoms count as settled), got %s", verdict)
	}
	bState, _ := store.AtomState(context.Background(), "r1", "b")
	if bState != atomstate.Ignore {
		t.Errorf("expected b IGNORE, got %s", bState)
	}
}

func TestMachineBuilder_FlowDepthDeciderIgnoresWholeFlow(t *testing.T) {
	inner := flow.NewFlow("inner", flow.Linear)
	inner.Add(recordingTask{name: "x"})
	inner.Add(recordingTask{name: "y"})

	root := flow.NewFlow("root", flow.Unordered)
	root.Add(recordingTask{name: "gate"})
	root.Add(inner)
	root.Link("gate", "inner", flow.WithDecider(func(map[string]any) bool { return false }), flow.WithDepth(flow.FlowDepth))

	mb, store, _ := newHarness(t, root)

	verdict, err := mb.Run(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict != Success {
		t.Fatalf("expected SUCCESS, got %s", verdict)
	}
	for _, name := range []string{"x", "y"} {
		state, _ := store.AtomState(context.Background(), "r1", name)
		if state != atomstate.Ignore {
			t.Errorf("expected %s IGNORE, got %s", name, state)
		}
	}
}
