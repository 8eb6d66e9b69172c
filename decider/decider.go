// Package decider implements the engine's edge-gating mechanism: a late
// decider evaluated immediately before an atom is scheduled, and the
// depth-scoped ignore propagation that follows when it blocks.
package decider

import (
	"github.com/flowstack/atomflow/compile"
	"github.com/flowstack/atomflow/flow"
)

// LateDecider is consulted immediately before an atom would be scheduled.
// If it disallows the atom, ignoreScope names every atom that must be
// marked IGNORE as a result (always includes the atom itself).
type LateDecider interface {
	Evaluate(bound map[string]any) (allowed bool, ignoreScope []string)
}

// NoOpDecider always allows; used on revert paths, where deciders don't
// apply (spec: "Late decider is a no-op").
type NoOpDecider struct{}

// Evaluate always allows.
func (NoOpDecider) Evaluate(map[string]any) (bool, []string) { return true, nil }

// IgnoreDecider is the late decider evaluated before an atom is scheduled
// for execution. It collects every edge decider that gates the atom —
// found by a reverse BFS over the compiled graph's raw edges that jumps
// through flow marker nodes, so a decider attached to a flow's inbound
// edge reaches every atom directly inside that flow — and evaluates them
// in order against the currently bound symbol values. The first decider
// to return false determines the ignore scope, per its declared depth.
type IgnoreDecider struct {
	atomName string
	graph    *compile.Graph
}

// NewIgnoreDecider builds the late decider for atomName against g.
func NewIgnoreDecider(g *compile.Graph, atomName string) *IgnoreDecider {
	return &IgnoreDecider{atomName: atomName, graph: g}
}

// Evaluate runs every edge decider gating the atom, short-circuiting on the
// first one to reject.
func (d *IgnoreDecider) Evaluate(bound map[string]any) (bool, []string) {
	for _, ed := range collectEdgeDeciders(d.graph, d.atomName) {
		if !ed.predicate(bound) {
			return false, ignoreScope(d.graph, d.atomName, ed.depth)
		}
	}
	return true, nil
}

type edgeDecider struct {
	predicate flow.Predicate
	depth     flow.Depth
}

// collectEdgeDeciders walks backward from atomName through the graph's raw
// (marker-aware) predecessor edges. When a predecessor is a flow marker,
// the walk continues through it rather than stopping, so deciders attached
// above a flow boundary are visible to atoms inside it. visited guards
// against re-exploring the same marker.
func collectEdgeDeciders(g *compile.Graph, atomName string) []edgeDecider {
	var out []edgeDecider
	visited := map[string]bool{}

	var walk func(name string)
	walk = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, e := range g.RawPredecessorEdges(name) {
			if e.Decider != nil {
				out = append(out, edgeDecider{predicate: e.Decider, depth: e.Depth})
			}
			if from := g.Node(e.From); from != nil && from.Kind == compile.KindFlowMarker {
				walk(e.From)
			}
		}
	}
	walk(atomName)
	return out
}

// ignoreScope expands a blocked atom into the full set of atoms that must
// be marked IGNORE, per the rejecting decider's depth.
func ignoreScope(g *compile.Graph, atomName string, depth flow.Depth) []string {
	switch depth {
	case flow.FlowDepth:
		node := g.Node(atomName)
		if node == nil {
			return []string{atomName}
		}
		return g.FlowAtoms(node.FlowName)
	case flow.AtomDepth:
		return append([]string{atomName}, forwardDependents(g, atomName)...)
	default: // flow.NeighborDepth
		return []string{atomName}
	}
}

// forwardDependents returns every atom reachable forward from atomName
// (excluding atomName itself), used for AtomDepth ignore propagation.
func forwardDependents(g *compile.Graph, atomName string) []string {
	seen := map[string]bool{atomName: true}
	var out []string

	var walk func(name string)
	walk = func(name string) {
		for _, succ := range g.AtomSuccessors(name) {
			if seen[succ] {
				continue
			}
			seen[succ] = true
			out = append(out, succ)
			walk(succ)
		}
	}
	walk(atomName)
	return out
}
