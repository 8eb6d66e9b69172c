// Package schedule turns a readied atom name into a submitted future: it
// looks up the atom's action in the runtime cache, kind-dispatches to a
// TaskScheduler or RetryScheduler, and orders a batch of simultaneously
// readied atoms deterministically via Frontier before submission.
package schedule

import (
	"context"
	"fmt"

	"github.com/flowstack/atomflow/atomaction"
	"github.com/flowstack/atomflow/compile"
	"github.com/flowstack/atomflow/executor"
	"github.com/flowstack/atomflow/runtimecache"
)

// KindScheduler submits one already-resolved action for the given phase.
// TaskScheduler and RetryScheduler both implement it identically today —
// kept as separate kind-tagged types per the per-kind dispatch table
// design (atoms vs retry controllers may diverge here later without
// touching the top-level Scheduler).
type KindScheduler interface {
	Schedule(ctx context.Context, runID string, action atomaction.Action, phase Phase, exec executor.Adapter) (*executor.Future, error)
}

// TaskScheduler submits task atoms.
type TaskScheduler struct{}

func (TaskScheduler) Schedule(ctx context.Context, runID string, action atomaction.Action, phase Phase, exec executor.Adapter) (*executor.Future, error) {
	if phase == PhaseRevert {
		return action.ScheduleRevert(ctx, runID, exec)
	}
	return action.ScheduleExecute(ctx, runID, exec)
}

// RetryScheduler submits retry-controller atoms.
type RetryScheduler struct{}

func (RetryScheduler) Schedule(ctx context.Context, runID string, action atomaction.Action, phase Phase, exec executor.Adapter) (*executor.Future, error) {
	if phase == PhaseRevert {
		return action.ScheduleRevert(ctx, runID, exec)
	}
	return action.ScheduleExecute(ctx, runID, exec)
}

// Scheduler is the top-level kind-dispatcher: given a ready atom name, it
// resolves the compiled node's kind, picks TaskScheduler or
// RetryScheduler, and submits through exec.
type Scheduler struct {
	graph *compile.Graph
	cache *runtimecache.Cache
	task  TaskScheduler
	retry RetryScheduler
}

// NewScheduler builds a Scheduler over graph and cache.
func NewScheduler(graph *compile.Graph, cache *runtimecache.Cache) *Scheduler {
	return &Scheduler{graph: graph, cache: cache}
}

// Schedule resolves atomName's action and submits it for the given phase.
func (s *Scheduler) Schedule(ctx context.Context, runID, atomName string, phase Phase, exec executor.Adapter) (*executor.Future, error) {
	node := s.graph.Node(atomName)
	if node == nil {
		return nil, fmt.Errorf("schedule: unknown atom %q", atomName)
	}
	action, err := s.cache.Action(atomName)
	if err != nil {
		return nil, err
	}
	if node.Kind == compile.KindRetry {
		return s.retry.Schedule(ctx, runID, action, phase, exec)
	}
	return s.task.Schedule(ctx, runID, action, phase, exec)
}
