package schedule

import (
	"container/heap"
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// Phase distinguishes a forward execution submission from a compensating
// revert submission of the same atom.
type Phase int

const (
	PhaseExecute Phase = iota
	PhaseRevert
)

// WorkItem is one atom readied by an analysis pass, tagged with the
// deterministic key the Frontier orders submissions by.
type WorkItem struct {
	StepID   int
	OrderKey uint64
	AtomName string
	Phase    Phase
}

// computeOrderKey derives a deterministic sort key from the step and atom
// name, so that atoms readied together in the same analysis pass are
// always submitted in the same order across replays, regardless of map
// iteration order or goroutine scheduling. Adapted from the teacher's
// hash(parentNodeID, edgeIndex) scheme, keyed here on (stepID, atomName)
// since this engine has no per-edge index to fold in.
func computeOrderKey(stepID int, atomName string) uint64 {
	h := sha256.New()
	h.Write([]byte(atomName))
	stepBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(stepBytes, uint32(stepID))
	h.Write(stepBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

type workHeap []WorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x interface{}) { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Frontier orders a batch of readied atoms deterministically before the
// engine submits them to the executor. Unlike the teacher's long-lived
// channel-backed queue (built for a continuously-fed single-phase loop),
// this Frontier is refilled once per analysis pass and fully drained
// before the next one — the coarse MachineBuilder loop (ANALYZING ->
// SCHEDULING -> WAITING) already bounds how much work is ever in flight,
// so no separate backpressure channel is needed here.
type Frontier struct {
	mu sync.Mutex
	h  workHeap
}

// NewFrontier returns an empty Frontier.
func NewFrontier() *Frontier {
	f := &Frontier{}
	heap.Init(&f.h)
	return f
}

// Push adds atomName to the frontier for the given step and phase.
func (f *Frontier) Push(stepID int, atomName string, phase Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	heap.Push(&f.h, WorkItem{
		StepID:   stepID,
		OrderKey: computeOrderKey(stepID, atomName),
		AtomName: atomName,
		Phase:    phase,
	})
}

// DrainAll pops every queued item in deterministic OrderKey order.
func (f *Frontier) DrainAll() []WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkItem, 0, f.h.Len())
	for f.h.Len() > 0 {
		out = append(out, heap.Pop(&f.h).(WorkItem))
	}
	return out
}

// Len reports how many items are currently queued.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h.Len()
}
