// Package executor is the task-execution boundary: it runs the callable a
// schedule action produces on a bounded worker pool and hands back a future
// that resolves to a result envelope. The engine loop never calls task code
// directly — it only ever submits and waits.
package executor

import (
	"context"
	"reflect"

	"github.com/panjf2000/ants/v2"

	"github.com/flowstack/atomflow/atomstate"
)

// Envelope is the outcome of one submitted atom execution: either Value is
// set (success) or Failure is (failure), never both.
type Envelope struct {
	AtomName string
	Kind     atomstate.Kind
	Value    any
	Failure  error
}

// Future resolves to exactly one Envelope, once.
type Future struct {
	atomName string
	done     chan Envelope
}

// Await blocks until the future resolves or ctx is cancelled.
func (f *Future) Await(ctx context.Context) (Envelope, error) {
	select {
	case env := <-f.done:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// AtomName is the atom this future was submitted for.
func (f *Future) AtomName() string { return f.atomName }

// Adapter is the executor boundary a schedule action submits work through.
type Adapter interface {
	// Submit runs fn on the pool and returns a future for its envelope. fn's
	// returned error, if any, becomes the envelope's Failure.
	Submit(ctx context.Context, atomName string, kind atomstate.Kind, fn func(context.Context) (any, error)) (*Future, error)
	// WaitForAny blocks until at least one future resolves, returning the
	// resolved futures (with their envelope already buffered for Await) and
	// the still-outstanding ones.
	WaitForAny(ctx context.Context, futures []*Future) (done []*Future, pending []*Future, err error)
	// Close releases pool resources. Outstanding futures are not cancelled.
	Close()
}

// PoolExecutor runs submitted work on a bounded panjf2000/ants worker pool.
type PoolExecutor struct {
	pool *ants.Pool
}

// NewPoolExecutor returns a PoolExecutor backed by a pool of size workers.
func NewPoolExecutor(size int) (*PoolExecutor, error) {
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &PoolExecutor{pool: pool}, nil
}

func (e *PoolExecutor) Submit(ctx context.Context, atomName string, kind atomstate.Kind, fn func(context.Context) (any, error)) (*Future, error) {
	fut := &Future{atomName: atomName, done: make(chan Envelope, 1)}
	err := e.pool.Submit(func() {
		value, failure := fn(ctx)
		fut.done <- Envelope{AtomName: atomName, Kind: kind, Value: value, Failure: failure}
	})
	if err != nil {
		return nil, err
	}
	return fut, nil
}

// WaitForAny selects over every outstanding future's done channel plus
// ctx.Done, using reflect.Select since the number of channels is dynamic.
func (e *PoolExecutor) WaitForAny(ctx context.Context, futures []*Future) (done []*Future, pending []*Future, err error) {
	if len(futures) == 0 {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}

	cases := make([]reflect.SelectCase, 0, len(futures)+1)
	for _, f := range futures {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(f.done)})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, recv, recvOK := reflect.Select(cases)
	if chosen == len(futures) {
		return nil, futures, ctx.Err()
	}
	if !recvOK {
		return nil, futures, context.Canceled
	}

	resolved := futures[chosen]
	resolved.done <- recv.Interface().(Envelope) // re-buffer so Await still observes it

	pending = make([]*Future, 0, len(futures)-1)
	for i, f := range futures {
		if i != chosen {
			pending = append(pending, f)
		}
	}
	return []*Future{resolved}, pending, nil
}

func (e *PoolExecutor) Close() { e.pool.Release() }
