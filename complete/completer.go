// Package complete implements the completer: given a resolved future
// envelope for one atom's execute or revert phase, it applies the outcome
// to storage through the atom's action, and on a task failure decides how
// the run reacts — locating the atom's nearest retry ancestor and
// consulting its on_failure verdict, or marking every upstream ancestor
// for revert when no retry ancestor owns it. It also evaluates an atom's
// late decider immediately before scheduling and propagates IGNORE when
// the decider blocks.
package complete

import (
	"context"
	"fmt"

	"github.com/flowstack/atomflow/analyzer"
	"github.com/flowstack/atomflow/atomaction"
	"github.com/flowstack/atomflow/atomstate"
	"github.com/flowstack/atomflow/compile"
	"github.com/flowstack/atomflow/executor"
	"github.com/flowstack/atomflow/flow"
	"github.com/flowstack/atomflow/metrics"
	"github.com/flowstack/atomflow/notify"
	"github.com/flowstack/atomflow/runtimecache"
	"github.com/flowstack/atomflow/schedule"
	"github.com/flowstack/atomflow/storage"
)

// Completer applies resolved futures to storage and drives the
// failure/retry/ignore reactions that follow.
type Completer struct {
	graph   *compile.Graph
	store   storage.Adapter
	emitter notify.Emitter
	cache   *runtimecache.Cache
	metrics *metrics.EngineMetrics
}

// New builds a Completer over graph, persisting through store, notifying
// through emitter, and resolving atom actions through cache.
func New(graph *compile.Graph, store storage.Adapter, emitter notify.Emitter, cache *runtimecache.Cache) *Completer {
	return &Completer{graph: graph, store: store, emitter: emitter, cache: cache}
}

// UseMetrics attaches a metrics collector the completer records retry and
// ignore-cascade counters against. Left unset, these events are simply
// not recorded.
func (c *Completer) UseMetrics(m *metrics.EngineMetrics) *Completer {
	c.metrics = m
	return c
}

// Bindings snapshots every symbol currently bound for runID, for passing
// into a late decider's Evaluate — deciders are predicates over bound
// values, and storage only exposes per-key Fetch, so the completer walks
// every symbol the graph declares a provider for.
func (c *Completer) Bindings(ctx context.Context, runID string) (map[string]any, error) {
	bound := make(map[string]any)
	for _, symbol := range c.graph.Symbols() {
		value, ok, err := c.store.Fetch(ctx, runID, symbol)
		if err != nil {
			return nil, err
		}
		if ok {
			bound[symbol] = value
		}
	}
	return bound, nil
}

// ApplyDecider evaluates cand's late decider against runID's current
// bindings. If the decider blocks, every atom in its ignore scope is
// marked IGNORE (state and intention) and ApplyDecider returns
// proceed=false — the caller must not schedule cand. If the decider
// allows, ApplyDecider returns proceed=true and does nothing else.
func (c *Completer) ApplyDecider(ctx context.Context, runID string, cand analyzer.Candidate) (bool, error) {
	bound, err := c.Bindings(ctx, runID)
	if err != nil {
		return false, err
	}
	allowed, scope := cand.Decider.Evaluate(bound)
	if allowed {
		return true, nil
	}
	for _, name := range scope {
		if err := c.store.SetAtomState(ctx, runID, name, atomstate.Ignore); err != nil {
			return false, err
		}
		if err := c.store.SetAtomIntention(ctx, runID, name, atomstate.IntentIgnore); err != nil {
			return false, err
		}
		c.emitter.Emit(notify.Event{RunID: runID, AtomName: name, Kind: notify.Ignored})
		c.metrics.IncrementIgnoreCascade(runID, name)
	}
	return false, nil
}

// Complete applies env, a resolved future for atomName in the given
// phase. Revert envelopes are applied directly; execute envelopes that
// failed additionally trigger the failure reaction.
func (c *Completer) Complete(ctx context.Context, runID string, phase schedule.Phase, env executor.Envelope) error {
	action, err := c.cache.Action(env.AtomName)
	if err != nil {
		return err
	}

	if phase == schedule.PhaseRevert {
		return action.CompleteRevert(ctx, runID, env)
	}

	if err := action.CompleteExecute(ctx, runID, env); err != nil {
		return err
	}
	if env.Failure == nil {
		return nil
	}
	return c.handleFailure(ctx, runID, env.AtomName, env.Failure)
}

// handleFailure implements spec.md §4.6 item 2: find the failed atom's
// nearest retry ancestor, and either revert everything upstream (no
// ancestor) or consult the ancestor's on_failure verdict.
func (c *Completer) handleFailure(ctx context.Context, runID, atomName string, failure error) error {
	node := c.graph.Node(atomName)
	if node == nil {
		return fmt.Errorf("complete: unknown atom %q", atomName)
	}
	if node.RetryScope == "" {
		return c.markForRevert(ctx, runID, append([]string{atomName}, c.graph.AncestorAtoms(atomName)...))
	}
	return c.consultRetry(ctx, runID, node.RetryScope, failure)
}

// consultRetry asks the named retry controller for its on_failure verdict
// and applies it.
func (c *Completer) consultRetry(ctx context.Context, runID, retryName string, failure error) error {
	controller, err := c.cache.RetryController(retryName)
	if err != nil {
		return err
	}
	switch controller.OnFailure(failure) {
	case flow.VerdictRetry:
		return c.applyRetryVerdict(ctx, runID, retryName, controller)
	case flow.VerdictRevertAll:
		return c.markForRevert(ctx, runID, append([]string{retryName}, c.graph.AncestorAtoms(retryName)...))
	default: // flow.VerdictRevert
		return c.markForRevert(ctx, runID, append(c.graph.AtomsInRetryScope(retryName), retryName))
	}
}

// markForRevert sets intention REVERT on every named atom, leaving state
// untouched — the next analysis pass drives the actual REVERTING
// transitions once each atom's successors have settled.
func (c *Completer) markForRevert(ctx context.Context, runID string, names []string) error {
	for _, name := range names {
		if err := c.store.SetAtomIntention(ctx, runID, name, atomstate.IntentRevert); err != nil {
			return err
		}
	}
	return nil
}

// retryAttemptsKey is the storage key the attempt counter for a retry
// controller is bound under — the storage interface has no dedicated
// counter primitive, so the completer rides its generic Bind/Fetch
// surface rather than widening Adapter for a single caller.
func retryAttemptsKey(retryName string) string { return "atomflow.retry_attempts." + retryName }

func (c *Completer) retryAttempts(ctx context.Context, runID, retryName string) (int, error) {
	value, ok, err := c.store.Fetch(ctx, runID, retryAttemptsKey(retryName))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, _ := value.(int)
	return n, nil
}

// applyRetryVerdict implements the RETRY branch: bump the attempt
// counter (falling back to REVERT_ALL if the controller's bound is
// exceeded), cycle the controller through RETRYING back to PENDING, and
// reset every atom in its subgraph to PENDING/EXECUTE for re-entry.
func (c *Completer) applyRetryVerdict(ctx context.Context, runID, retryName string, controller atomaction.RetryController) error {
	attempts, err := c.retryAttempts(ctx, runID, retryName)
	if err != nil {
		return err
	}
	if attempts+1 > controller.MaxAttempts() {
		return c.markForRevert(ctx, runID, append([]string{retryName}, c.graph.AncestorAtoms(retryName)...))
	}
	if err := c.store.Bind(ctx, runID, retryAttemptsKey(retryName), attempts+1); err != nil {
		return err
	}
	c.metrics.IncrementRetries(runID, retryName)

	if err := controller.ChangeState(ctx, runID, atomstate.Retrying); err != nil {
		return err
	}
	if err := controller.ChangeState(ctx, runID, atomstate.Pending); err != nil {
		return err
	}
	if err := c.store.SetAtomIntention(ctx, runID, retryName, atomstate.IntentExecute); err != nil {
		return err
	}

	for _, name := range c.graph.AtomsInRetryScope(retryName) {
		if err := c.store.SetAtomState(ctx, runID, name, atomstate.Pending); err != nil {
			return err
		}
		if err := c.store.SetAtomIntention(ctx, runID, name, atomstate.IntentExecute); err != nil {
			return err
		}
	}
	return nil
}
