package engine

import (
	"time"

	"github.com/flowstack/atomflow/metrics"
)

// Options configures a MachineBuilder run. Zero values are valid; New
// fills in sensible defaults for anything left unset.
type Options struct {
	// MaxSteps bounds how many scheduling batches a run may go through
	// before it is aborted. 0 means unbounded.
	MaxSteps int
	// RunWallClockBudget is the maximum total time Run may take. 0
	// disables the budget.
	RunWallClockBudget time.Duration
	// MaxConcurrentAtoms caps how many atoms may have an outstanding
	// future at once, on top of whatever concurrency the executor's own
	// pool allows. 0 means no additional cap.
	MaxConcurrentAtoms int
	// QueueDepth caps how many newly-readied atoms scheduleBatch submits
	// in a single analysis pass; any excess is left ready and picked up
	// again once the next pass recomputes the frontier. 0 means unbounded.
	QueueDepth int
	// DefaultAtomTimeout bounds how long a single atom's execute or revert
	// phase may run before its context is cancelled. 0 means no per-atom
	// timeout.
	DefaultAtomTimeout time.Duration
	// BackpressureTimeout is the maximum time Run may spend unable to
	// submit any new atom because MaxConcurrentAtoms is saturated. 0
	// means wait indefinitely for capacity to free up. If exceeded, Run
	// returns atomerr.ErrBackpressureTimeout.
	BackpressureTimeout time.Duration
	// Metrics, if set, receives gauge/counter/histogram updates for every
	// run this MachineBuilder drives. Left nil, a run records nothing.
	Metrics *metrics.EngineMetrics
}

// Option configures a MachineBuilder at construction, functional-option
// style, layered on top of an Options zero value.
type Option func(*Options)

// WithMaxSteps bounds the number of scheduling batches a run may take.
func WithMaxSteps(n int) Option {
	return func(o *Options) { o.MaxSteps = n }
}

// WithRunWallClockBudget bounds the total wall-clock time of a run.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(o *Options) { o.RunWallClockBudget = d }
}

// WithMaxConcurrentAtoms caps how many atoms may have an outstanding
// future at once. Submissions beyond the cap wait for in-flight atoms to
// resolve before going out in a later pass.
func WithMaxConcurrentAtoms(n int) Option {
	return func(o *Options) { o.MaxConcurrentAtoms = n }
}

// WithQueueDepth caps how many readied atoms a single analysis pass
// submits; the rest stay ready for the next pass.
func WithQueueDepth(n int) Option {
	return func(o *Options) { o.QueueDepth = n }
}

// WithDefaultAtomTimeout bounds the execution time of every atom's execute
// or revert phase; atoms carry no timeout of their own.
func WithDefaultAtomTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultAtomTimeout = d }
}

// WithBackpressureTimeout bounds how long Run waits for MaxConcurrentAtoms
// capacity to free up before giving up with ErrBackpressureTimeout.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(o *Options) { o.BackpressureTimeout = d }
}

// WithMetrics attaches a metrics collector to every run this MachineBuilder
// drives.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func defaultOptions() Options {
	return Options{RunWallClockBudget: 10 * time.Minute}
}
