package complete

import (
	"context"
	"errors"
	"testing"

	"github.com/flowstack/atomflow/analyzer"
	"github.com/flowstack/atomflow/atomstate"
	"github.com/flowstack/atomflow/compile"
	"github.com/flowstack/atomflow/decider"
	"github.com/flowstack/atomflow/executor"
	"github.com/flowstack/atomflow/flow"
	"github.com/flowstack/atomflow/notify"
	"github.com/flowstack/atomflow/runtimecache"
	"github.com/flowstack/atomflow/schedule"
	"github.com/flowstack/atomflow/storage"
)

type stubTask struct {
	name     string
	provides []string
	requires []string
}

func (t stubTask) Name() string { return t.name }
func (t stubTask) Spec() flow.Spec {
	return flow.Spec{Requires: t.requires, Provides: t.provides}
}
func (t stubTask) Execute(context.Context, map[string]any) (any, error) { return "ok", nil }
func (t stubTask) Revert(context.Context, map[string]any, any, error) error { return nil }

// countingRetry retries up to max-1 times before giving up, counting
// on_failure consultations.
type countingRetry struct {
	name  string
	max   int
	calls int
}

func (r *countingRetry) Name() string    { return r.name }
func (r *countingRetry) Spec() flow.Spec { return flow.Spec{} }
func (r *countingRetry) OnFailure(error) flow.RetryVerdict {
	r.calls++
	if r.calls <= r.max-1 {
		return flow.VerdictRetry
	}
	return flow.VerdictRevert
}
func (r *countingRetry) MaxAttempts() int { return r.max }

func buildGraph(t *testing.T, root *flow.Flow) *compile.Graph {
	t.Helper()
	g, err := compile.Compile(root)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return g
}

func TestCompleter_NoRetryAncestorMarksAllAncestorsForRevert(t *testing.T) {
	root := flow.NewFlow("root", flow.Linear)
	root.Add(stubTask{name: "a", provides: []string{"x"}})
	root.Add(stubTask{name: "b", requires: []string{"x"}})
	g := buildGraph(t, root)

	store := storage.NewMemoryAdapter()
	cache, err := runtimecache.Build(g, store, notify.NullEmitter{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c := New(g, store, notify.NullEmitter{}, cache)

	ctx := context.Background()
	env := executor.Envelope{AtomName: "b", Kind: atomstate.KindTask, Failure: errors.New("boom")}
	if err := c.Complete(ctx, "r1", schedule.PhaseExecute, env); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	state, err := store.AtomState(ctx, "r1", "b")
	if err != nil || state != atomstate.Failure {
		t.Fatalf("expected b FAILURE, got %v err %v", state, err)
	}
	intent, err := store.AtomIntention(ctx, "r1", "a")
	if err != nil || intent != atomstate.IntentRevert {
		t.Fatalf("expected a intention REVERT, got %v err %v", intent, err)
	}
}

func TestCompleter_RetryVerdictResetsSubgraphAndIncrementsCounter(t *testing.T) {
	body := flow.NewFlow("body", flow.Linear)
	body.Add(stubTask{name: "a"})
	body.Add(stubTask{name: "b"})
	controller := &countingRetry{name: "r", max: 2}
	root := flow.NewFlow("root", flow.Linear)
	root.Add(flow.NewRetryBlock(controller, body))
	g := buildGraph(t, root)

	store := storage.NewMemoryAdapter()
	cache, err := runtimecache.Build(g, store, notify.NullEmitter{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c := New(g, store, notify.NullEmitter{}, cache)

	ctx := context.Background()
	if err := store.SetAtomState(ctx, "r1", "r", atomstate.Running); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	env := executor.Envelope{AtomName: "b", Kind: atomstate.KindTask, Failure: errors.New("card declined")}
	if err := c.Complete(ctx, "r1", schedule.PhaseExecute, env); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	for _, name := range []string{"a", "b"} {
		state, err := store.AtomState(ctx, "r1", name)
		if err != nil || state != atomstate.Pending {
			t.Errorf("expected %s reset to PENDING, got %v err %v", name, state, err)
		}
		intent, err := store.AtomIntention(ctx, "r1", name)
		if err != nil || intent != atomstate.IntentExecute {
			t.Errorf("expected %s intention EXECUTE, got %v err %v", name, intent, err)
		}
	}

	rState, err := store.AtomState(ctx, "r1", "r")
	if err != nil || rState != atomstate.Pending {
		t.Fatalf("expected controller reset to PENDING, got %v err %v", rState, err)
	}

	attempts, err := c.retryAttempts(ctx, "r1", "r")
	if err != nil || attempts != 1 {
		t.Fatalf("expected retry counter 1, got %d err %v", attempts, err)
	}
}

func TestCompleter_RetryExhaustionFallsBackToRevert(t *testing.T) {
	body := flow.NewFlow("body", flow.Linear)
	body.Add(stubTask{name: "a"})
	controller := &countingRetry{name: "r", max: 1} // never allows RETRY
	root := flow.NewFlow("root", flow.Linear)
	root.Add(flow.NewRetryBlock(controller, body))
	g := buildGraph(t, root)

	store := storage.NewMemoryAdapter()
	cache, err := runtimecache.Build(g, store, notify.NullEmitter{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c := New(g, store, notify.NullEmitter{}, cache)

	ctx := context.Background()
	env := executor.Envelope{AtomName: "a", Kind: atomstate.KindTask, Failure: errors.New("boom")}
	if err := c.Complete(ctx, "r1", schedule.PhaseExecute, env); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	intent, err := store.AtomIntention(ctx, "r1", "r")
	if err != nil || intent != atomstate.IntentRevert {
		t.Fatalf("expected controller intention REVERT, got %v err %v", intent, err)
	}
}

func TestCompleter_ApplyDeciderBlocksAndMarksIgnore(t *testing.T) {
	root := flow.NewFlow("root", flow.Linear)
	root.Add(stubTask{name: "a"})
	root.Add(stubTask{name: "b"})
	g := buildGraph(t, root)

	store := storage.NewMemoryAdapter()
	cache, err := runtimecache.Build(g, store, notify.NullEmitter{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c := New(g, store, notify.NullEmitter{}, cache)

	ctx := context.Background()
	cand := analyzer.Candidate{AtomName: "b", Decider: alwaysFalse{}}

	proceed, err := c.ApplyDecider(ctx, "r1", cand)
	if err != nil {
		t.Fatalf("ApplyDecider: %v", err)
	}
	if proceed {
		t.Fatal("expected ApplyDecider to block")
	}
	state, err := store.AtomState(ctx, "r1", "b")
	if err != nil || state != atomstate.Ignore {
		t.Fatalf("expected b IGNORE, got %v err %v", state, err)
	}
}

type alwaysFalse struct{}

func (alwaysFalse) Evaluate(map[string]any) (bool, []string) { return false, []string{"b"} }

func TestCompleter_ApplyDeciderAllowsProceeding(t *testing.T) {
	root := flow.NewFlow("root", flow.Linear)
	root.Add(stubTask{name: "a"})
	g := buildGraph(t, root)

	store := storage.NewMemoryAdapter()
	cache, err := runtimecache.Build(g, store, notify.NullEmitter{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c := New(g, store, notify.NullEmitter{}, cache)

	cand := analyzer.Candidate{AtomName: "a", Decider: decider.NoOpDecider{}}
	proceed, err := c.ApplyDecider(context.Background(), "r1", cand)
	if err != nil {
		t.Fatalf("ApplyDecider: %v", err)
	}
	if !proceed {
		t.Fatal("expected ApplyDecider to allow a no-op decider through")
	}
}
