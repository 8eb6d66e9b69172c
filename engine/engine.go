// Package engine implements MachineBuilder, the coarse top-level state
// machine that drives a run to completion: it alternates ANALYZING
// (asking the analyzer which atoms are ready), SCHEDULING (submitting
// them through the schedulers), and WAITING (blocking on the executor's
// wait-for-any primitive and applying the completer to whatever
// resolves), until no atom is ready and no future is outstanding, at
// which point it inspects storage to settle on a final verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowstack/atomflow/analyzer"
	"github.com/flowstack/atomflow/atomerr"
	"github.com/flowstack/atomflow/atomstate"
	"github.com/flowstack/atomflow/compile"
	"github.com/flowstack/atomflow/complete"
	"github.com/flowstack/atomflow/executor"
	"github.com/flowstack/atomflow/notify"
	"github.com/flowstack/atomflow/runtimecache"
	"github.com/flowstack/atomflow/schedule"
	"github.com/flowstack/atomflow/storage"
)

// State is one position in the MachineBuilder's coarse top-level state
// machine.
type State int

const (
	Undefined State = iota
	Analyzing
	Scheduling
	Waiting
	Failed
	Success
	Reverted
	Suspended
	GameOver
)

func (s State) String() string {
	switch s {
	case Undefined:
		return "UNDEFINED"
	case Analyzing:
		return "ANALYZING"
	case Scheduling:
		return "SCHEDULING"
	case Waiting:
		return "WAITING"
	case Failed:
		return "FAILED"
	case Success:
		return "SUCCESS"
	case Reverted:
		return "REVERTED"
	case Suspended:
		return "SUSPENDED"
	case GameOver:
		return "GAME_OVER"
	default:
		return "STATE(?)"
	}
}

// MachineBuilder owns one compiled graph's worth of engine wiring —
// analyzer, schedulers, completer, runtime cache — and drives runs
// against it. A single MachineBuilder may drive many concurrent runs,
// since every component it holds is scoped by runID, not by instance.
type MachineBuilder struct {
	graph     *compile.Graph
	store     storage.Adapter
	emitter   notify.Emitter
	cache     *runtimecache.Cache
	scheduler *schedule.Scheduler
	completer *complete.Completer
	exec      executor.Adapter
	opts      Options

	mu             sync.Mutex
	state          State
	suspendRequest bool
}

// New builds a MachineBuilder over graph, persisting through store,
// notifying through emitter, and executing submitted work through exec.
func New(graph *compile.Graph, store storage.Adapter, emitter notify.Emitter, exec executor.Adapter, opts ...Option) (*MachineBuilder, error) {
	cache, err := runtimecache.Build(graph, store, emitter)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	completer := complete.New(graph, store, emitter, cache)
	if o.Metrics != nil {
		completer.UseMetrics(o.Metrics)
	}
	return &MachineBuilder{
		graph:     graph,
		store:     store,
		emitter:   emitter,
		cache:     cache,
		scheduler: schedule.NewScheduler(graph, cache),
		completer: completer,
		exec:      exec,
		opts:      o,
		state:     Undefined,
	}, nil
}

// State reports the MachineBuilder's current position, safe to call
// concurrently with Run.
func (m *MachineBuilder) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RequestSuspend asks a running Run to stop scheduling new work and
// return SUSPENDED at the next analysis pass. Outstanding futures are
// left to finish on their own; nothing in flight is cancelled.
func (m *MachineBuilder) RequestSuspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspendRequest = true
}

func (m *MachineBuilder) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *MachineBuilder) suspendRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspendRequest
}

// pendingFuture pairs an outstanding future with the phase it was
// submitted for, since Complete needs to know which CompleteExecute /
// CompleteRevert path to apply once it resolves, plus the time it was
// submitted, for step-latency metrics, and the cancel func for its
// DefaultAtomTimeout context, if one was set.
type pendingFuture struct {
	future      *executor.Future
	phase       schedule.Phase
	scheduledAt time.Time
	cancel      context.CancelFunc
}

// Run drives runID from UNDEFINED to a terminal verdict (SUCCESS, FAILED,
// REVERTED) or SUSPENDED, per spec.md §4.7's transition table.
func (m *MachineBuilder) Run(ctx context.Context, runID string) (State, error) {
	if m.opts.RunWallClockBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.RunWallClockBudget)
		defer cancel()
	}

	view := analyzer.StorageView{Adapter: m.store, RunID: runID}
	an := analyzer.New(m.graph, view)

	var inFlight []pendingFuture
	step := 0
	var backpressureSince time.Time

	for {
		select {
		case <-ctx.Done():
			m.setState(Failed)
			return Failed, ctx.Err()
		default:
		}

		m.setState(Analyzing)

		execCands, err := an.ExecuteFrontier(ctx, "")
		if err != nil {
			m.setState(Failed)
			return Failed, err
		}
		revertCands, err := an.RevertFrontier(ctx, "")
		if err != nil {
			m.setState(Failed)
			return Failed, err
		}
		m.opts.Metrics.UpdateFrontierDepth(len(execCands) + len(revertCands))

		if len(execCands) == 0 && len(revertCands) == 0 && len(inFlight) == 0 {
			m.setState(GameOver)
			verdict, err := m.finalVerdict(ctx, runID)
			if err != nil {
				m.setState(Failed)
				return Failed, err
			}
			m.setState(verdict)
			return verdict, nil
		}

		if len(execCands) > 0 || len(revertCands) > 0 {
			if m.suspendRequested() {
				m.setState(Suspended)
				return Suspended, nil
			}

			if m.opts.MaxSteps > 0 && step >= m.opts.MaxSteps {
				m.setState(Failed)
				return Failed, atomerr.ErrMaxStepsExceeded
			}

			// MaxConcurrentAtoms saturated: nothing can go out this pass.
			// Track how long we've been stuck waiting for capacity and give
			// up once BackpressureTimeout elapses, mirroring the teacher's
			// bounded-frontier-queue timeout.
			saturated := m.opts.MaxConcurrentAtoms > 0 && len(inFlight) >= m.opts.MaxConcurrentAtoms
			if saturated {
				if backpressureSince.IsZero() {
					backpressureSince = time.Now()
				} else if m.opts.BackpressureTimeout > 0 && time.Since(backpressureSince) >= m.opts.BackpressureTimeout {
					m.opts.Metrics.IncrementBackpressure(runID, "max_concurrent_atoms_timeout")
					m.setState(Failed)
					return Failed, atomerr.ErrBackpressureTimeout
				}
			} else {
				backpressureSince = time.Time{}
			}

			step++

			m.setState(Scheduling)
			newFutures, err := m.scheduleBatch(ctx, runID, step, len(inFlight), execCands, revertCands)
			if err != nil {
				m.setState(Failed)
				return Failed, err
			}
			inFlight = append(inFlight, newFutures...)
			m.opts.Metrics.UpdateInflightAtoms(len(inFlight))
		}

		if len(inFlight) == 0 {
			// There were candidates, but none was submitted (every late
			// decider blocked its atom, which is now IGNORE, or a missing
			// argument was recorded as an atom failure) and nothing is
			// outstanding to wait on — loop back and re-analyze.
			continue
		}

		m.setState(Waiting)
		inFlight, err = m.drainOne(ctx, runID, inFlight)
		if err != nil {
			m.setState(Failed)
			return Failed, err
		}
		m.opts.Metrics.UpdateInflightAtoms(len(inFlight))
	}
}

// scheduleBatch orders execCands/revertCands deterministically through a
// Frontier, evaluates each one's late decider, and submits the ones the
// decider allows — bounded by QueueDepth (how many this single pass may
// drain) and MaxConcurrentAtoms (how many may be outstanding at once,
// counting inFlightCount already running from prior passes). Atoms left
// unsubmitted by either bound stay ready and are picked up again once the
// next analysis pass recomputes the frontier.
func (m *MachineBuilder) scheduleBatch(ctx context.Context, runID string, step, inFlightCount int, execCands, revertCands []analyzer.Candidate) ([]pendingFuture, error) {
	byName := make(map[string]analyzer.Candidate, len(execCands)+len(revertCands))
	frontier := schedule.NewFrontier()
	for _, c := range execCands {
		byName[c.AtomName] = c
		frontier.Push(step, c.AtomName, schedule.PhaseExecute)
	}
	for _, c := range revertCands {
		byName[c.AtomName] = c
		frontier.Push(step, c.AtomName, schedule.PhaseRevert)
	}

	items := frontier.DrainAll()
	if m.opts.QueueDepth > 0 && len(items) > m.opts.QueueDepth {
		m.opts.Metrics.IncrementBackpressure(runID, "queue_depth")
		items = items[:m.opts.QueueDepth]
	}

	budget := -1 // unlimited
	if m.opts.MaxConcurrentAtoms > 0 {
		budget = m.opts.MaxConcurrentAtoms - inFlightCount
	}

	var out []pendingFuture
	for _, item := range items {
		if budget == 0 {
			m.opts.Metrics.IncrementBackpressure(runID, "max_concurrent_atoms")
			break
		}
		cand := byName[item.AtomName]
		proceed, err := m.completer.ApplyDecider(ctx, runID, cand)
		if err != nil {
			return nil, err
		}
		if !proceed {
			continue
		}

		action, err := m.cache.Action(item.AtomName)
		if err != nil {
			return nil, err
		}
		next := atomstate.Running
		if item.Phase == schedule.PhaseRevert {
			next = atomstate.Reverting
		}
		if err := action.ChangeState(ctx, runID, next); err != nil {
			return nil, err
		}

		submitCtx := ctx
		var cancel context.CancelFunc
		if m.opts.DefaultAtomTimeout > 0 {
			submitCtx, cancel = context.WithTimeout(ctx, m.opts.DefaultAtomTimeout)
		}

		fut, err := m.scheduler.Schedule(submitCtx, runID, item.AtomName, item.Phase, m.exec)
		if err != nil {
			if cancel != nil {
				cancel()
			}
			var depErr *atomerr.DependencyFailure
			if errors.As(err, &depErr) {
				env := executor.Envelope{AtomName: item.AtomName, Kind: action.Kind(), Failure: err}
				if err := m.completer.Complete(ctx, runID, item.Phase, env); err != nil {
					return nil, err
				}
				continue
			}
			m.opts.Metrics.IncrementBackpressure(runID, "submit_failed")
			return nil, err
		}
		out = append(out, pendingFuture{future: fut, phase: item.Phase, scheduledAt: time.Now(), cancel: cancel})
		if budget > 0 {
			budget--
		}
	}
	return out, nil
}

// drainOne waits for at least one of inFlight's futures to resolve,
// applies the completer to every future that resolved by the time
// WaitForAny returns, in ascending atom-name order, and returns the
// remaining outstanding set.
func (m *MachineBuilder) drainOne(ctx context.Context, runID string, inFlight []pendingFuture) ([]pendingFuture, error) {
	byAtom := make(map[string]pendingFuture, len(inFlight))
	futures := make([]*executor.Future, len(inFlight))
	for i, p := range inFlight {
		futures[i] = p.future
		byAtom[p.future.AtomName()] = p
	}

	done, remaining, err := m.exec.WaitForAny(ctx, futures)
	if err != nil {
		return nil, err
	}
	sort.Slice(done, func(i, j int) bool { return done[i].AtomName() < done[j].AtomName() })

	for _, f := range done {
		env, err := f.Await(ctx)
		if err != nil {
			return nil, err
		}
		pending, ok := byAtom[f.AtomName()]
		if !ok {
			return nil, fmt.Errorf("engine: resolved future for unknown atom %q", f.AtomName())
		}
		if pending.cancel != nil {
			pending.cancel()
		}
		status := "success"
		if env.Failure != nil {
			status = "error"
		}
		m.opts.Metrics.RecordStepLatency(runID, f.AtomName(), time.Since(pending.scheduledAt), status)
		if err := m.completer.Complete(ctx, runID, pending.phase, env); err != nil {
			return nil, err
		}
	}

	out := make([]pendingFuture, 0, len(remaining))
	for _, f := range remaining {
		out = append(out, byAtom[f.AtomName()])
	}
	return out, nil
}

// finalVerdict inspects every atom's terminal state once GAME_OVER is
// reached (no candidate ready, nothing outstanding) and settles on
// SUCCESS, FAILED, or REVERTED per spec.md §4.7.
func (m *MachineBuilder) finalVerdict(ctx context.Context, runID string) (State, error) {
	names := m.graph.AtomNames()
	statuses, err := m.store.AtomStatuses(ctx, runID, names)
	if err != nil {
		return Failed, err
	}

	sawFailure := false
	sawReverted := false
	for _, name := range names {
		switch statuses[name].State {
		case atomstate.Success, atomstate.Ignore, atomstate.Pending:
			// PENDING at game-over is expected for an atom downstream of a
			// permanent failure: its predecessor never reached SUCCESS/IGNORE,
			// so it never became ready for either execute or revert.
		case atomstate.Reverted:
			sawReverted = true
		case atomstate.Failure:
			sawFailure = true
		default:
			// RUNNING/RETRYING/REVERTING with nothing left for the analyzer
			// to ready is a genuine stuck-mid-lifecycle deadlock.
			return Failed, nil
		}
	}
	if sawFailure && !sawReverted {
		return Failed, nil
	}
	if sawReverted {
		return Reverted, nil
	}
	return Success, nil
}
