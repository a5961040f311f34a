package workset

import "sync"

// ActiveSet is the per-worker mapping superstep -> (partition -> set of
// dstKey). A vertex enters the active set when its messages are forwarded
// into the compute pipeline and exits once the dispatcher has flushed all
// of its outgoing messages for that step.
//
// A single mutex guards a plain nested map: contention is low (one
// Add/Remove per forwarded vertex per step) and the whole per-superstep
// sub-map is discarded atomically at GC time, so finer-grained locking
// would only add complexity.
type ActiveSet struct {
	mu   sync.Mutex
	byStep map[int32]map[int]map[string]struct{}
}

// NewActiveSet creates an empty active set.
func NewActiveSet() *ActiveSet {
	return &ActiveSet{byStep: make(map[int32]map[int]map[string]struct{})}
}

// Add marks dst as active for (step, partition).
func (a *ActiveSet) Add(step int32, partition int, dst string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byPart, ok := a.byStep[step]
	if !ok {
		byPart = make(map[int]map[string]struct{})
		a.byStep[step] = byPart
	}
	set, ok := byPart[partition]
	if !ok {
		set = make(map[string]struct{})
		byPart[partition] = set
	}
	set[dst] = struct{}{}
}

// Remove clears dst from (step, partition) and reports whether the
// partition's set became empty as a result — the condition that lets the
// dispatcher drop the partition-<p> barrier-tree marker.
func (a *ActiveSet) Remove(step int32, partition int, dst string) (emptied bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byPart, ok := a.byStep[step]
	if !ok {
		return true
	}
	set, ok := byPart[partition]
	if !ok {
		return true
	}
	delete(set, dst)
	if len(set) == 0 {
		delete(byPart, partition)
		return true
	}
	return false
}

// Empty reports whether the active set for (step, partition) has no
// members, treating an absent partition as empty.
func (a *ActiveSet) Empty(step int32, partition int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	byPart, ok := a.byStep[step]
	if !ok {
		return true
	}
	return len(byPart[partition]) == 0
}

// EmptyForStep reports whether every partition's active set for step is
// empty. The barrier synchronizer checks it, together with the step's
// partition-<p> markers, for the upcoming superstep before declaring
// convergence.
func (a *ActiveSet) EmptyForStep(step int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	byPart, ok := a.byStep[step]
	if !ok {
		return true
	}
	for _, set := range byPart {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

// GC discards every superstep strictly older than keepFrom in one atomic
// map deletion per step.
func (a *ActiveSet) GC(keepFrom int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for step := range a.byStep {
		if step < keepFrom {
			delete(a.byStep, step)
		}
	}
}
