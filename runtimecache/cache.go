// Package runtimecache builds, once per compiled graph, the per-atom
// metadata the rest of the engine consults on every analysis pass: each
// atom's Action, ready for the schedulers to invoke without re-deriving it
// from the graph and flow tree each time. Built once at MachineBuilder
// construction, read-only thereafter.
package runtimecache

import (
	"fmt"

	"github.com/flowstack/atomflow/atomaction"
	"github.com/flowstack/atomflow/compile"
	"github.com/flowstack/atomflow/flow"
	"github.com/flowstack/atomflow/notify"
	"github.com/flowstack/atomflow/storage"
)

// Cache is the frozen atom-name -> Action lookup table.
type Cache struct {
	actions map[string]atomaction.Action
}

// Build walks every atom node in graph and constructs its Action, wiring
// each one to store and emitter.
func Build(graph *compile.Graph, store storage.Adapter, emitter notify.Emitter) (*Cache, error) {
	actions := make(map[string]atomaction.Action, len(graph.AtomNames()))
	for _, name := range graph.AtomNames() {
		node := graph.Node(name)
		switch atom := node.Atom.(type) {
		case flow.Retry:
			actions[name] = atomaction.NewRetryAction(atom, store, emitter)
		case flow.Task:
			actions[name] = atomaction.NewTaskAction(atom, store, emitter)
		default:
			return nil, fmt.Errorf("runtimecache: atom %q is neither a Task nor a Retry", name)
		}
	}
	return &Cache{actions: actions}, nil
}

// Action returns the atom's cached action, or an error if name is unknown.
func (c *Cache) Action(name string) (atomaction.Action, error) {
	action, ok := c.actions[name]
	if !ok {
		return nil, fmt.Errorf("runtimecache: unknown atom %q", name)
	}
	return action, nil
}

// RetryController returns the atom's action asserted as a RetryController,
// or an error if name isn't a retry controller.
func (c *Cache) RetryController(name string) (atomaction.RetryController, error) {
	action, err := c.Action(name)
	if err != nil {
		return nil, err
	}
	rc, ok := action.(atomaction.RetryController)
	if !ok {
		return nil, fmt.Errorf("runtimecache: atom %q is not a retry controller", name)
	}
	return rc, nil
}
