// Package analyzer computes, as a pure function over a compiled graph and a
// read-only view of engine state, which atoms are ready to execute or
// revert next. It holds no engine-internal back-pointer: the view it reads
// from is passed in explicitly at construction, so the analyzer itself
// stays a plain value usable from any goroutine that already has a graph
// and a snapshot to read.
package analyzer

import (
	"context"
	"iter"
	"sort"

	"github.com/flowstack/atomflow/atomstate"
	"github.com/flowstack/atomflow/compile"
	"github.com/flowstack/atomflow/decider"
	"github.com/flowstack/atomflow/storage"
)

// EngineView is the read-only state+intention surface the analyzer
// consults. It exists as its own interface (rather than a direct
// storage.Adapter dependency) so the analyzer doesn't need to know the
// runID a given storage instance is scoped to.
type EngineView interface {
	AtomState(ctx context.Context, atomName string) (atomstate.State, error)
	AtomIntention(ctx context.Context, atomName string) (atomstate.Intention, error)
}

// StorageView adapts a storage.Adapter bound to one run into an EngineView.
type StorageView struct {
	Adapter storage.Adapter
	RunID   string
}

func (v StorageView) AtomState(ctx context.Context, atomName string) (atomstate.State, error) {
	return v.Adapter.AtomState(ctx, v.RunID, atomName)
}

func (v StorageView) AtomIntention(ctx context.Context, atomName string) (atomstate.Intention, error) {
	return v.Adapter.AtomIntention(ctx, v.RunID, atomName)
}

// Candidate is one atom the analyzer has determined is ready, paired with
// the late decider that must be consulted immediately before scheduling it.
type Candidate struct {
	AtomName string
	Decider  decider.LateDecider
}

// Analyzer computes ready-to-execute and ready-to-revert frontiers.
type Analyzer struct {
	graph *compile.Graph
	view  EngineView
}

// New builds an Analyzer over graph, reading atom status through view.
func New(graph *compile.Graph, view EngineView) *Analyzer {
	return &Analyzer{graph: graph, view: view}
}

// BrowseForExecute lazily yields atoms that may be executable. Seeded, it
// walks breadth-first forward from seed so that shallower atoms (and the
// deciders gating them) are considered before deeper ones. Unseeded, it
// walks the graph's topological order, which satisfies the same
// shallow-before-deep property across the whole graph. The sequence stops
// producing values, and stops walking, as soon as the consumer stops
// ranging.
func (a *Analyzer) BrowseForExecute(seed string) iter.Seq[string] {
	if seed == "" {
		return func(yield func(string) bool) {
			for _, name := range a.graph.TopoOrder() {
				if !yield(name) {
					return
				}
			}
		}
	}
	return a.bfs(seed, a.graph.AtomSuccessors)
}

// BrowseForRevert lazily yields atoms that may be revertable: breadth-first
// backward from seed (or every atom, unseeded). The walk stops expanding
// past a retry controller node — a retry owns its subgraph, so predecessor
// exploration must not cross into or out of it.
func (a *Analyzer) BrowseForRevert(seed string) iter.Seq[string] {
	var roots []string
	if seed == "" {
		roots = append([]string(nil), a.graph.AtomNames()...)
		sort.Strings(roots)
	} else {
		roots = []string{seed}
	}
	return func(yield func(string) bool) {
		visited := map[string]bool{}
		queue := append([]string(nil), roots...)
		for _, r := range roots {
			visited[r] = true
		}
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			if !yield(name) {
				return
			}
			if node := a.graph.Node(name); node != nil && node.Kind == compile.KindRetry {
				continue
			}
			preds := append([]string(nil), a.graph.AtomPredecessors(name)...)
			sort.Strings(preds)
			for _, p := range preds {
				if !visited[p] {
					visited[p] = true
					queue = append(queue, p)
				}
			}
		}
	}
}

// bfs is the shared breadth-first forward walk used by BrowseForExecute.
func (a *Analyzer) bfs(seed string, next func(string) []string) iter.Seq[string] {
	return func(yield func(string) bool) {
		visited := map[string]bool{seed: true}
		queue := []string{seed}
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			if !yield(name) {
				return
			}
			succs := append([]string(nil), next(name)...)
			sort.Strings(succs)
			for _, s := range succs {
				if !visited[s] {
					visited[s] = true
					queue = append(queue, s)
				}
			}
		}
	}
}

// MaybeReadyExecute reports whether atomName may be scheduled for
// execution: the transition from its current state to RUNNING (legal only
// from PENDING) must be allowed, its intention must be EXECUTE, and every
// direct predecessor must already be in {SUCCESS, IGNORE} state with
// intention in {EXECUTE, IGNORE}. On success it also returns the atom's
// late decider.
func (a *Analyzer) MaybeReadyExecute(ctx context.Context, atomName string) (bool, decider.LateDecider, error) {
	node := a.graph.Node(atomName)
	if node == nil || node.Kind == compile.KindFlowMarker {
		return false, nil, nil
	}

	state, err := a.view.AtomState(ctx, atomName)
	if err != nil {
		return false, nil, err
	}
	if !atomstate.CanTransition(nodeKind(node), state, atomstate.Running) {
		return false, nil, nil
	}

	intent, err := a.view.AtomIntention(ctx, atomName)
	if err != nil {
		return false, nil, err
	}
	if intent != atomstate.IntentExecute {
		return false, nil, nil
	}

	for _, pred := range a.graph.AtomPredecessors(atomName) {
		pState, err := a.view.AtomState(ctx, pred)
		if err != nil {
			return false, nil, err
		}
		if pState != atomstate.Success && pState != atomstate.Ignore {
			return false, nil, nil
		}
		pIntent, err := a.view.AtomIntention(ctx, pred)
		if err != nil {
			return false, nil, err
		}
		if pIntent != atomstate.IntentExecute && pIntent != atomstate.IntentIgnore {
			return false, nil, nil
		}
	}

	return true, decider.NewIgnoreDecider(a.graph, atomName), nil
}

// MaybeReadyRevert reports whether atomName may be scheduled for revert:
// the ->REVERTING transition must be legal, its intention must be in
// {REVERT, RETRY}, and every direct successor must already be in
// {PENDING, REVERTED, IGNORE, FAILURE} state — FAILURE is included because
// a terminally failed successor is exactly what triggers its predecessors'
// revert in the first place and must not block it. The late decider for a
// revert is always a no-op.
func (a *Analyzer) MaybeReadyRevert(ctx context.Context, atomName string) (bool, decider.LateDecider, error) {
	node := a.graph.Node(atomName)
	if node == nil || node.Kind == compile.KindFlowMarker {
		return false, nil, nil
	}

	state, err := a.view.AtomState(ctx, atomName)
	if err != nil {
		return false, nil, err
	}
	if !atomstate.CanTransition(nodeKind(node), state, atomstate.Reverting) {
		return false, nil, nil
	}

	intent, err := a.view.AtomIntention(ctx, atomName)
	if err != nil {
		return false, nil, err
	}
	if intent != atomstate.IntentRevert && intent != atomstate.IntentRetry {
		return false, nil, nil
	}

	for _, succ := range a.graph.AtomSuccessors(atomName) {
		sState, err := a.view.AtomState(ctx, succ)
		if err != nil {
			return false, nil, err
		}
		if sState != atomstate.Pending && sState != atomstate.Reverted && sState != atomstate.Ignore && sState != atomstate.Failure {
			return false, nil, nil
		}
	}

	return true, decider.NoOpDecider{}, nil
}

// ExecuteFrontier materializes every atom browse-forward-reachable from
// seed ("" for the whole graph) that MaybeReadyExecute accepts.
func (a *Analyzer) ExecuteFrontier(ctx context.Context, seed string) ([]Candidate, error) {
	var out []Candidate
	for name := range a.BrowseForExecute(seed) {
		ready, dec, err := a.MaybeReadyExecute(ctx, name)
		if err != nil {
			return nil, err
		}
		if ready {
			out = append(out, Candidate{AtomName: name, Decider: dec})
		}
	}
	return out, nil
}

// RevertFrontier materializes every atom browse-backward-reachable from
// seed ("" for the whole graph) that MaybeReadyRevert accepts.
func (a *Analyzer) RevertFrontier(ctx context.Context, seed string) ([]Candidate, error) {
	var out []Candidate
	for name := range a.BrowseForRevert(seed) {
		ready, dec, err := a.MaybeReadyRevert(ctx, name)
		if err != nil {
			return nil, err
		}
		if ready {
			out = append(out, Candidate{AtomName: name, Decider: dec})
		}
	}
	return out, nil
}

// IterNextAtoms returns the next candidates for the engine loop to
// consider. Unseeded, it merges the execute and revert frontiers (unique
// by atom name, execute frontier taking precedence on a name collision,
// which cannot occur in practice since an atom has exactly one active
// intention at a time). Seeded, it branches on the seed's current state:
// a SUCCESS atom with intention REVERT yields itself; a SUCCESS atom with
// intention EXECUTE yields its executable successors; a REVERTED atom
// yields its revertable predecessors; a FAILURE atom yields the global
// revert frontier; anything else yields nothing.
func (a *Analyzer) IterNextAtoms(ctx context.Context, seed string) ([]Candidate, error) {
	if seed == "" {
		exec, err := a.ExecuteFrontier(ctx, "")
		if err != nil {
			return nil, err
		}
		revert, err := a.RevertFrontier(ctx, "")
		if err != nil {
			return nil, err
		}
		return mergeUnique(exec, revert), nil
	}

	state, err := a.view.AtomState(ctx, seed)
	if err != nil {
		return nil, err
	}
	intent, err := a.view.AtomIntention(ctx, seed)
	if err != nil {
		return nil, err
	}

	switch {
	case state == atomstate.Success && intent == atomstate.IntentRevert:
		return []Candidate{{AtomName: seed, Decider: decider.NoOpDecider{}}}, nil
	case state == atomstate.Success && intent == atomstate.IntentExecute:
		// seed itself never passes MaybeReadyExecute (SUCCESS->RUNNING is
		// not a legal transition), so this yields only its successors.
		return a.ExecuteFrontier(ctx, seed)
	case state == atomstate.Reverted:
		// seed itself never passes MaybeReadyRevert (REVERTED->REVERTING is
		// not a legal transition), so this yields only its predecessors.
		return a.RevertFrontier(ctx, seed)
	case state == atomstate.Failure:
		return a.RevertFrontier(ctx, "")
	default:
		return nil, nil
	}
}

func mergeUnique(first, second []Candidate) []Candidate {
	seen := map[string]bool{}
	out := make([]Candidate, 0, len(first)+len(second))
	for _, c := range append(append([]Candidate{}, first...), second...) {
		if seen[c.AtomName] {
			continue
		}
		seen[c.AtomName] = true
		out = append(out, c)
	}
	return out
}

func nodeKind(n *compile.Node) atomstate.Kind {
	if n.Kind == compile.KindRetry {
		return atomstate.KindRetry
	}
	return atomstate.KindTask
}
