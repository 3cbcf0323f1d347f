// Package invalidator implements deduplicated Dirty propagation from an
// invalidated cell through the dependents graph. Reached tasks are visited
// in ascending task-ID order (a min-heap), not level by level.
//
// Generalized from the teacher's container/heap-ordered
// internal/dag.FailAndPropagate ("propagate SKIPPED downstream of a
// failure") to "propagate Dirty downstream of an invalidated cell",
// keeping the same canonical-index-ordered, deterministic traversal.
package invalidator

import (
	"container/heap"

	"github.com/hashicorp/go-hclog"

	"turbotasks/internal/registry"
	"turbotasks/internal/task"
)

// idHeap is a min-heap of task.ID, giving the traversal a deterministic
// visit order independent of map iteration order.
type idHeap []task.ID

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)         { *h = append(*h, x.(task.ID)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Rescheduler is called for every task the wave transitions to Dirty that
// still has at least one listener, so the scheduler can enqueue it.
type Rescheduler interface {
	Reschedule(id task.ID)
}

// Invalidator drives one invalidation wave per call, never blocking on a
// task that is currently InProgress: such a task is moved to Dirty and its
// dependents are queued in the same wave like any other task's.
type Invalidator struct {
	log     hclog.Logger
	reg     *registry.Registry
	sched   Rescheduler
	onDirty func(task.ID)
}

// New creates an Invalidator over reg, notifying sched of newly-Dirty
// listened tasks. onDirty, if non-nil, is called once per task that
// actually transitions to Dirty during a wave (not for already-Dirty
// no-ops), so the caller can keep other overlays (e.g. the aggregation
// tree) in sync.
func New(reg *registry.Registry, sched Rescheduler, onDirty func(task.ID), log hclog.Logger) *Invalidator {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Invalidator{log: log.Named("invalidator"), reg: reg, sched: sched, onDirty: onDirty}
}

// Propagate marks root Dirty (if not already) and walks its dependents in
// ascending task-ID order (not level by level), deduplicating so a task
// reachable via multiple paths is visited exactly once per wave. Invalidating an already-Dirty task is a
// no-op that does not re-propagate (invariant: idempotent invalidation).
func (inv *Invalidator) Propagate(root task.ID) {
	visited := map[task.ID]struct{}{root: {}}
	h := &idHeap{}
	heap.Push(h, root)

	for h.Len() > 0 {
		id := heap.Pop(h).(task.ID)

		dependents, err := inv.reg.Invalidate(id)
		if err != nil {
			inv.log.Warn("invalidate failed", "id", id, "err", err)
			continue
		}
		if dependents != nil && inv.onDirty != nil {
			inv.onDirty(id)
		}
		inv.enqueueIfListened(id)
		inv.pushUnvisited(h, visited, dependents)
	}
}

func (inv *Invalidator) pushUnvisited(h *idHeap, visited map[task.ID]struct{}, ids []task.ID) {
	for _, id := range ids {
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		heap.Push(h, id)
	}
}

func (inv *Invalidator) enqueueIfListened(id task.ID) {
	tk, ok := inv.reg.Get(id)
	if !ok || inv.sched == nil {
		return
	}
	if tk.ListenerCount() > 0 {
		inv.sched.Reschedule(id)
	}
}
