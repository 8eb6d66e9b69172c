package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowstack/atomflow/atomerr"
	"github.com/flowstack/atomflow/atomstate"
)

// runRecord is one run's bookkeeping, guarded by MemoryAdapter.mu.
type runRecord struct {
	statuses map[string]AtomStatus
	results  map[string]any
	failures map[string]string
	bindings map[string]any
}

func newRunRecord() *runRecord {
	return &runRecord{
		statuses: map[string]AtomStatus{},
		results:  map[string]any{},
		failures: map[string]string{},
		bindings: map[string]any{},
	}
}

// MemoryAdapter is an in-process Adapter backed by maps. Designed for tests
// and single-process runs; data does not survive process restart.
//
// MemoryAdapter is safe for concurrent use.
type MemoryAdapter struct {
	mu             sync.RWMutex
	runs           map[string]*runRecord
	checkpoints    map[string]Checkpoint // "runID" -> latest
	labeled        map[string]Checkpoint // "runID:label" -> named checkpoint
	idempotencyMap map[string]bool
}

// NewMemoryAdapter creates an empty in-memory storage adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		runs:           map[string]*runRecord{},
		checkpoints:    map[string]Checkpoint{},
		labeled:        map[string]Checkpoint{},
		idempotencyMap: map[string]bool{},
	}
}

func (m *MemoryAdapter) run(runID string) *runRecord {
	r, ok := m.runs[runID]
	if !ok {
		r = newRunRecord()
		m.runs[runID] = r
	}
	return r
}

func (m *MemoryAdapter) AtomState(_ context.Context, runID, atomName string) (atomstate.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.runs[runID]; ok {
		if s, ok := r.statuses[atomName]; ok {
			return s.State, nil
		}
	}
	return atomstate.Pending, nil
}

func (m *MemoryAdapter) AtomIntention(_ context.Context, runID, atomName string) (atomstate.Intention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.runs[runID]; ok {
		if s, ok := r.statuses[atomName]; ok {
			return s.Intention, nil
		}
	}
	return atomstate.IntentExecute, nil
}

func (m *MemoryAdapter) AtomStatuses(_ context.Context, runID string, atomNames []string) (map[string]AtomStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]AtomStatus, len(atomNames))
	r, ok := m.runs[runID]
	for _, name := range atomNames {
		if ok {
			if s, found := r.statuses[name]; found {
				out[name] = s
				continue
			}
		}
		out[name] = AtomStatus{State: atomstate.Pending, Intention: atomstate.IntentExecute}
	}
	return out, nil
}

func (m *MemoryAdapter) SetAtomState(_ context.Context, runID, atomName string, state atomstate.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.run(runID)
	s := r.statuses[atomName]
	s.State = state
	r.statuses[atomName] = s
	return nil
}

func (m *MemoryAdapter) SetAtomIntention(_ context.Context, runID, atomName string, intent atomstate.Intention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.run(runID)
	s := r.statuses[atomName]
	s.Intention = intent
	r.statuses[atomName] = s
	return nil
}

func (m *MemoryAdapter) SaveResult(_ context.Context, runID, atomName string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run(runID).results[atomName] = result
	return nil
}

func (m *MemoryAdapter) SaveFailure(_ context.Context, runID, atomName string, failure error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	m.run(runID).failures[atomName] = msg
	return nil
}

func (m *MemoryAdapter) Result(_ context.Context, runID, atomName string) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, false, nil
	}
	v, ok := r.results[atomName]
	return v, ok, nil
}

func (m *MemoryAdapter) Failure(_ context.Context, runID, atomName string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return "", false, nil
	}
	v, ok := r.failures[atomName]
	return v, ok, nil
}

func (m *MemoryAdapter) Fetch(_ context.Context, runID, key string) (any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, false, nil
	}
	v, ok := r.bindings[key]
	return v, ok, nil
}

func (m *MemoryAdapter) Bind(_ context.Context, runID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run(runID).bindings[key] = value
	return nil
}

func (m *MemoryAdapter) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.IdempotencyKey != "" {
		if m.idempotencyMap[cp.IdempotencyKey] {
			return fmt.Errorf("duplicate checkpoint: idempotency key %q already used", cp.IdempotencyKey)
		}
		m.idempotencyMap[cp.IdempotencyKey] = true
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Time{}
	}
	m.checkpoints[cp.RunID] = cp
	if cp.Label != "" {
		m.labeled[cp.RunID+":"+cp.Label] = cp
	}
	return nil
}

func (m *MemoryAdapter) LoadCheckpoint(_ context.Context, runID, label string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if label != "" {
		cp, ok := m.labeled[runID+":"+label]
		if !ok {
			return Checkpoint{}, atomerr.ErrNotFound
		}
		return cp, nil
	}
	cp, ok := m.checkpoints[runID]
	if !ok {
		return Checkpoint{}, atomerr.ErrNotFound
	}
	return cp, nil
}
