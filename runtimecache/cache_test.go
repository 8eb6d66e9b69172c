package runtimecache

import (
	"context"
	"testing"

	"github.com/flowstack/atomflow/compile"
	"github.com/flowstack/atomflow/flow"
	"github.com/flowstack/atomflow/notify"
	"github.com/flowstack/atomflow/storage"
)

type stubTask struct{ name string }

func (t stubTask) Name() string    { return t.name }
func (t stubTask) Spec() flow.Spec { return flow.Spec{} }
func (t stubTask) Execute(context.Context, map[string]any) (any, error) {
	return nil, nil
}
func (t stubTask) Revert(context.Context, map[string]any, any, error) error { return nil }

type stubRetry struct{ name string }

func (r stubRetry) Name() string                     { return r.name }
func (r stubRetry) Spec() flow.Spec                   { return flow.Spec{} }
func (r stubRetry) OnFailure(error) flow.RetryVerdict { return flow.VerdictRevert }
func (r stubRetry) MaxAttempts() int                  { return 3 }

func TestBuild_WiresTaskAndRetryActions(t *testing.T) {
	body := flow.NewFlow("body", flow.Linear)
	body.Add(stubTask{"a"})
	root := flow.NewFlow("root", flow.Linear)
	root.Add(flow.NewRetryBlock(stubRetry{"r"}, body))

	g, err := compile.Compile(root)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	cache, err := Build(g, storage.NewMemoryAdapter(), notify.NullEmitter{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := cache.Action("a"); err != nil {
		t.Errorf("expected action for task a: %v", err)
	}
	rc, err := cache.RetryController("r")
	if err != nil {
		t.Fatalf("expected retry controller for r: %v", err)
	}
	if rc.MaxAttempts() != 3 {
		t.Errorf("expected MaxAttempts 3, got %d", rc.MaxAttempts())
	}
}

func TestCache_UnknownAtomIsError(t *testing.T) {
	root := flow.NewFlow("root", flow.Linear)
	root.Add(stubTask{"a"})
	g, err := compile.Compile(root)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	cache, err := Build(g, storage.NewMemoryAdapter(), notify.NullEmitter{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := cache.Action("nope"); err == nil {
		t.Error("expected error for unknown atom")
	}
}

func TestCache_TaskIsNotARetryController(t *testing.T) {
	root := flow.NewFlow("root", flow.Linear)
	root.Add(stubTask{"a"})
	g, err := compile.Compile(root)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	cache, err := Build(g, storage.NewMemoryAdapter(), notify.NullEmitter{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := cache.RetryController("a"); err == nil {
		t.Error("expected error asserting a task as a retry controller")
	}
}
