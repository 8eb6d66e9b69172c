package compile

import (
	"sort"

	"github.com/flowstack/atomflow/atomerr"
	"github.com/flowstack/atomflow/flow"
)

// builder accumulates nodes and raw edges while recursively expanding a
// flow.Flow tree. It is discarded once Compile validates and freezes the
// resulting Graph.
type builder struct {
	nodes     map[string]*Node
	rawEdges  []Edge
	providers map[string]string
	flowAtoms map[string][]string
	retryAtoms map[string][]string
}

// boundary is what compileFlow/compileItem return for a subtree: the atom
// names execution may enter through and the atom names it may exit
// through, plus the symbols it provides/still requires (for Graph-pattern
// matching at the parent level).
type boundary struct {
	entry    []string
	exit     []string
	provides []string
	requires []string
}

// Compile expands root into an immutable execution graph, validating that
// it is acyclic and that every provided symbol has at most one producer.
func Compile(root *flow.Flow) (*Graph, error) {
	if root == nil {
		return nil, &atomerr.CompilationFailure{Message: "root flow is nil"}
	}

	b := &builder{
		nodes:      map[string]*Node{},
		providers:  map[string]string{},
		flowAtoms:  map[string][]string{},
		retryAtoms: map[string][]string{},
	}

	if _, err := b.compileFlow(root, ""); err != nil {
		return nil, err
	}

	g := &Graph{
		nodes:           b.nodes,
		providers:       b.providers,
		flowAtoms:       b.flowAtoms,
		retryScopeAtoms: b.retryAtoms,
		root:            root.Name(),
	}
	g.rawForward, g.rawBackward = indexEdges(b.rawEdges)
	g.atomForward, g.atomBackward = contractMarkers(b.nodes, g.rawForward, g.rawBackward)

	order, err := topoSort(g)
	if err != nil {
		return nil, err
	}
	g.topoOrder = order

	return g, nil
}

// compileFlow registers f's marker nodes and its items, wires the
// pattern-derived edges and explicit links, and returns f's boundary.
func (b *builder) compileFlow(f *flow.Flow, nearestRetry string) (boundary, error) {
	inName, outName := f.Name()+".in", f.Name()+".out"
	if _, exists := b.nodes[inName]; exists {
		return boundary{}, &atomerr.CompilationFailure{Message: "duplicate flow name", Nodes: []string{f.Name()}}
	}
	b.nodes[inName] = &Node{Name: inName, Kind: KindFlowMarker, RetryScope: nearestRetry, FlowName: f.Name()}
	b.nodes[outName] = &Node{Name: outName, Kind: KindFlowMarker, RetryScope: nearestRetry, FlowName: f.Name()}

	type itemInfo struct {
		id string // lookup key used in links (atom name, retry controller name, or nested flow name)
		b  boundary
	}
	items := make([]itemInfo, 0, len(f.Items()))
	byID := map[string]*itemInfo{}

	for _, raw := range f.Items() {
		id, ib, atoms, err := b.compileItem(raw, f.Name(), nearestRetry)
		if err != nil {
			return boundary{}, err
		}
		items = append(items, itemInfo{id: id, b: ib})
		byID[items[len(items)-1].id] = &items[len(items)-1]
		b.flowAtoms[f.Name()] = append(b.flowAtoms[f.Name()], atoms...)
	}

	// Flow boundary: marker.in feeds every item with no internal
	// predecessor, every item with no internal successor feeds marker.out.
	hasInternalPred := map[string]bool{}
	hasInternalSucc := map[string]bool{}

	addEdge := func(from, to string, dec flow.Predicate, depth flow.Depth) {
		b.rawEdges = append(b.rawEdges, Edge{From: from, To: to, Decider: dec, Depth: depth})
	}

	switch f.Pattern() {
	case flow.Linear:
		for i := 0; i+1 < len(items); i++ {
			for _, from := range items[i].b.exit {
				for _, to := range items[i+1].b.entry {
					addEdge(from, to, nil, flow.NeighborDepth)
				}
			}
			hasInternalSucc[items[i].id] = true
			hasInternalPred[items[i+1].id] = true
		}
	case flow.Unordered:
		// no implicit edges
	case flow.Graph:
		for i := range items {
			for j := range items {
				if i == j {
					continue
				}
				if sharesSymbol(items[i].b.provides, items[j].b.requires) {
					for _, from := range items[i].b.exit {
						for _, to := range items[j].b.entry {
							addEdge(from, to, nil, flow.NeighborDepth)
						}
					}
					hasInternalSucc[items[i].id] = true
					hasInternalPred[items[j].id] = true
				}
			}
		}
	}

	for _, l := range f.Links() {
		from, ok := byID[l.From]
		if !ok {
			return boundary{}, &atomerr.CompilationFailure{Message: "link references unknown item: " + l.From, Nodes: []string{f.Name()}}
		}
		to, ok := byID[l.To]
		if !ok {
			return boundary{}, &atomerr.CompilationFailure{Message: "link references unknown item: " + l.To, Nodes: []string{f.Name()}}
		}
		for _, src := range from.b.exit {
			for _, dst := range to.b.entry {
				addEdge(src, dst, l.Decider, l.Depth)
			}
		}
		hasInternalSucc[l.From] = true
		hasInternalPred[l.To] = true
	}

	var entry, exit []string
	var provides, requires []string
	for _, it := range items {
		if !hasInternalPred[it.id] {
			entry = append(entry, it.b.entry...)
		}
		if !hasInternalSucc[it.id] {
			exit = append(exit, it.b.exit...)
		}
		provides = append(provides, it.b.provides...)
		requires = append(requires, it.b.requires...)
	}
	for _, e := range entry {
		addEdge(inName, e, nil, flow.NeighborDepth)
	}
	for _, e := range exit {
		addEdge(e, outName, nil, flow.NeighborDepth)
	}

	return boundary{entry: []string{inName}, exit: []string{outName}, provides: dedupe(provides), requires: dedupe(requires)}, nil
}

// compileItem dispatches on the dynamic type of a flow.Flow item (Task,
// Retry wrapped in a RetryBlock, or a nested Flow) and returns the id used
// to reference it from Link calls plus its boundary.
func (b *builder) compileItem(raw any, parentFlow, nearestRetry string) (id string, bd boundary, atomsWithin []string, err error) {
	switch v := raw.(type) {
	case *flow.RetryBlock:
		name := v.Controller.Name()
		if _, exists := b.nodes[name]; exists {
			return "", boundary{}, nil, &atomerr.CompilationFailure{Message: "duplicate atom name", Nodes: []string{name}}
		}
		b.nodes[name] = &Node{Name: name, Kind: KindRetry, Atom: v.Controller, RetryScope: nearestRetry, FlowName: parentFlow}
		if err := b.registerProvides(name, v.Controller.Spec()); err != nil {
			return "", boundary{}, nil, err
		}

		bodyBoundary, err := b.compileFlow(v.Body, name)
		if err != nil {
			return "", boundary{}, nil, err
		}
		b.rawEdges = append(b.rawEdges, Edge{From: name, To: bodyBoundary.entry[0]})
		bodyAtoms := append([]string(nil), b.flowAtoms[v.Body.Name()]...)
		b.retryAtoms[name] = bodyAtoms

		spec := v.Controller.Spec()
		return name, boundary{
			entry:    []string{name},
			exit:     bodyBoundary.exit,
			provides: spec.Provides,
			requires: spec.Requires,
		}, append([]string{name}, bodyAtoms...), nil

	case *flow.Flow:
		bb, err := b.compileFlow(v, nearestRetry)
		if err != nil {
			return "", boundary{}, nil, err
		}
		return v.Name(), bb, append([]string(nil), b.flowAtoms[v.Name()]...), nil

	case flow.Atom:
		name := v.Name()
		if _, exists := b.nodes[name]; exists {
			return "", boundary{}, nil, &atomerr.CompilationFailure{Message: "duplicate atom name", Nodes: []string{name}}
		}
		kind := KindTask
		if _, isRetry := v.(flow.Retry); isRetry {
			kind = KindRetry
		}
		b.nodes[name] = &Node{Name: name, Kind: kind, Atom: v, RetryScope: nearestRetry, FlowName: parentFlow}
		if err := b.registerProvides(name, v.Spec()); err != nil {
			return "", boundary{}, nil, err
		}
		spec := v.Spec()
		return name, boundary{entry: []string{name}, exit: []string{name}, provides: spec.Provides, requires: spec.Requires}, []string{name}, nil

	default:
		return "", boundary{}, nil, &atomerr.CompilationFailure{Message: "unknown flow item type"}
	}
}

func (b *builder) registerProvides(atomName string, spec flow.Spec) error {
	for _, sym := range spec.Provides {
		if existing, ok := b.providers[sym]; ok {
			return &atomerr.CompilationFailure{
				Message: "duplicate provider for symbol " + sym,
				Nodes:   []string{existing, atomName},
			}
		}
		b.providers[sym] = atomName
	}
	return nil
}

func sharesSymbol(provides, requires []string) bool {
	set := map[string]bool{}
	for _, p := range provides {
		set[p] = true
	}
	for _, r := range requires {
		if set[r] {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func indexEdges(edges []Edge) (forward, backward map[string][]Edge) {
	forward = map[string][]Edge{}
	backward = map[string][]Edge{}
	for _, e := range edges {
		forward[e.From] = append(forward[e.From], e)
		backward[e.To] = append(backward[e.To], e)
	}
	return forward, backward
}

// contractMarkers derives atom-only adjacency from the raw (marker-aware)
// edge set by splicing through every KindFlowMarker node: a marker's
// predecessors become directly connected to its successors.
func contractMarkers(nodes map[string]*Node, rawForward, rawBackward map[string][]Edge) (forward, backward map[string][]string) {
	forward = map[string][]string{}
	backward = map[string][]string{}

	var resolveForward func(name string, visited map[string]bool) []string
	resolveForward = func(name string, visited map[string]bool) []string {
		if visited[name] {
			return nil
		}
		visited[name] = true
		var out []string
		for _, e := range rawForward[name] {
			if nodes[e.To].Kind == KindFlowMarker {
				out = append(out, resolveForward(e.To, visited)...)
			} else {
				out = append(out, e.To)
			}
		}
		return out
	}
	var resolveBackward func(name string, visited map[string]bool) []string
	resolveBackward = func(name string, visited map[string]bool) []string {
		if visited[name] {
			return nil
		}
		visited[name] = true
		var out []string
		for _, e := range rawBackward[name] {
			if nodes[e.From].Kind == KindFlowMarker {
				out = append(out, resolveBackward(e.From, visited)...)
			} else {
				out = append(out, e.From)
			}
		}
		return out
	}

	for name, n := range nodes {
		if n.Kind == KindFlowMarker {
			continue
		}
		forward[name] = dedupe(resolveForward(name, map[string]bool{}))
		backward[name] = dedupe(resolveBackward(name, map[string]bool{}))
		sort.Strings(forward[name])
		sort.Strings(backward[name])
	}
	return forward, backward
}

// topoSort computes a deterministic topological order over the atom-only
// graph via Kahn's algorithm, detecting cycles (invariant #1).
func topoSort(g *Graph) ([]string, error) {
	inDegree := map[string]int{}
	for name, n := range g.nodes {
		if n.Kind == KindFlowMarker {
			continue
		}
		inDegree[name] = len(g.atomBackward[name])
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, succ := range g.atomForward[name] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(order) != len(inDegree) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &atomerr.CompilationFailure{Message: "cycle detected", Nodes: stuck}
	}
	return order, nil
}
