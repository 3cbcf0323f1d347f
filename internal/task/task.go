package task

import (
	"sync"

	"turbotasks/internal/cell"
)

// ID is a stable arena index identifying a memoized invocation. It is the
// only handle type in the engine; there is no per-task generated wrapper,
// just this index plus a registry lookup.
type ID uint64

// FunctionID identifies a registered task function.
type FunctionID string

// ArgHash is the 128-bit canonical digest of a task's arguments.
type ArgHash [16]byte

// Key is what the registry deduplicates on: a function invocation is
// identified by (FunctionID, ArgHash), with full structural equality as the
// collision tiebreaker (held by the registry, not here).
type Key struct {
	Fn   FunctionID
	Hash ArgHash
}

// Task is a memoized invocation: a function identity, its argument hash, and
// the runtime bookkeeping needed to re-execute or short-circuit it.
type Task struct {
	ID    ID
	Fn    FunctionID
	Hash  ArgHash
	Args  any // retained for structural-equality collision checks and re-execution

	mu    sync.Mutex
	state State

	// dependencies is the set of cells read during the last successful run.
	// Replaced atomically as a whole at task completion.
	dependencies map[cell.Key]struct{}

	// dependents is the inverse of some other task's dependencies: readers
	// of this task's default output cell (slot 0) plus any other slot a
	// reader addressed directly.
	dependents map[ID]struct{}

	listeners int32 // external handles keeping this alive
}

// New creates a task in its initial Dirty state.
func New(id ID, fn FunctionID, hash ArgHash, args any) *Task {
	return &Task{
		ID:           id,
		Fn:           fn,
		Hash:         hash,
		Args:         args,
		state:        Dirty,
		dependencies: make(map[cell.Key]struct{}),
		dependents:   make(map[ID]struct{}),
	}
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition attempts a validated state change.
func (t *Task) Transition(from, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Transition(&t.state, from, to)
}

// ForceState sets the state unconditionally. Used only by cancellation,
// which must succeed regardless of the task's current state.
func (t *Task) ForceState(to State) {
	t.mu.Lock()
	t.state = to
	t.mu.Unlock()
}

// AddListener increments the listener count and returns the new count.
func (t *Task) AddListener() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners++
	return t.listeners
}

// RemoveListener decrements the listener count and returns the new count.
// It never goes negative.
func (t *Task) RemoveListener() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listeners > 0 {
		t.listeners--
	}
	return t.listeners
}

// ListenerCount returns the current listener count.
func (t *Task) ListenerCount() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners
}

// AddDependent records reader as a dependent of this task.
func (t *Task) AddDependent(reader ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dependents[reader] = struct{}{}
}

// RemoveDependent removes reader from this task's dependents.
func (t *Task) RemoveDependent(reader ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dependents, reader)
}

// Dependents returns a snapshot of the current dependents set.
func (t *Task) Dependents() []ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ID, 0, len(t.dependents))
	for id := range t.dependents {
		out = append(out, id)
	}
	return out
}

// DependentCount reports the size of the dependents set, used by
// cancellation to decide whether a task is still reachable from a root.
func (t *Task) DependentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dependents)
}

// SwapDependencies atomically replaces the dependency set, returning the
// delta so the caller (depgraph.Tracker.Commit) can update inverse edges and the
// aggregation tree.
func (t *Task) SwapDependencies(newDeps map[cell.Key]struct{}) (added, removed []cell.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range newDeps {
		if _, ok := t.dependencies[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range t.dependencies {
		if _, ok := newDeps[k]; !ok {
			removed = append(removed, k)
		}
	}
	t.dependencies = newDeps
	return added, removed
}

// Dependencies returns a snapshot of the current dependency set.
func (t *Task) Dependencies() []cell.Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]cell.Key, 0, len(t.dependencies))
	for k := range t.dependencies {
		out = append(out, k)
	}
	return out
}
