// Package depgraph tracks which cells a task read during its last run and
// maintains the inverse (dependents) edges those reads imply.
package depgraph

import (
	"context"

	"github.com/pkg/errors"

	"turbotasks/internal/cell"
	"turbotasks/internal/registry"
	"turbotasks/internal/task"
)

type readsKey struct{}

// WithReads returns a context carrying a fresh, empty reads buffer. Task
// bodies call this once, at the start of execution, and every Read call
// made through that context is appended to the buffer it returns.
func WithReads(ctx context.Context) context.Context {
	return context.WithValue(ctx, readsKey{}, &[]cell.Key{})
}

// recordRead appends a cell read to the buffer installed by WithReads. It
// is a no-op if the context carries no buffer (reads outside a tracked
// execution).
func recordRead(ctx context.Context, k cell.Key) {
	buf, ok := ctx.Value(readsKey{}).(*[]cell.Key)
	if !ok {
		return
	}
	*buf = append(*buf, k)
}

// reads returns the cell keys recorded on ctx so far, deduplicated.
func reads(ctx context.Context) map[cell.Key]struct{} {
	buf, ok := ctx.Value(readsKey{}).(*[]cell.Key)
	out := make(map[cell.Key]struct{})
	if !ok {
		return out
	}
	for _, k := range *buf {
		out[k] = struct{}{}
	}
	return out
}

// Tracker applies the atomic dependency-set swap described for task
// completion: compute the delta, update inverse edges, and (via Notifier)
// push the corresponding aggregation-tree edge updates.
type Tracker struct {
	reg      *registry.Registry
	notifier Notifier
}

// Notifier receives edge deltas so the aggregation tree can be kept in
// sync. The aggregation package implements this; depgraph depends only on
// the interface to avoid an import cycle.
type Notifier interface {
	OnEdgeAdded(from, to task.ID)
	OnEdgeRemoved(from, to task.ID)
}

// New creates a Tracker over reg, pushing edge deltas to notifier.
func New(reg *registry.Registry, notifier Notifier) *Tracker {
	return &Tracker{reg: reg, notifier: notifier}
}

// RecordRead appends k to ctx's current-reads buffer. This is the single
// hook every task.ID read (direct or through the registry) must call.
func (t *Tracker) RecordRead(ctx context.Context, k cell.Key) {
	recordRead(ctx, k)
}

// Commit performs the four-step swap for a task that just finished
// executing successfully: compute the delta between the old and new
// dependency sets, update both tasks' dependents sets, and notify the
// aggregation tree of each edge change.
func (t *Tracker) Commit(ctx context.Context, reader task.ID) error {
	tk, ok := t.reg.Get(reader)
	if !ok {
		return errors.Errorf("depgraph: unknown task id %d in commit", reader)
	}

	newDeps := reads(ctx)
	added, removed := tk.SwapDependencies(newDeps)

	for _, k := range removed {
		if dep, ok := t.reg.Get(task.ID(k.Task)); ok {
			dep.RemoveDependent(reader)
		}
		if t.notifier != nil {
			t.notifier.OnEdgeRemoved(reader, task.ID(k.Task))
		}
	}
	for _, k := range added {
		if dep, ok := t.reg.Get(task.ID(k.Task)); ok {
			dep.AddDependent(reader)
		}
		if t.notifier != nil {
			t.notifier.OnEdgeAdded(reader, task.ID(k.Task))
		}
	}
	return nil
}

// Discard is called when a task's execution fails (panics or returns an
// error before completing its read set coherently): the context's partial
// reads buffer is simply dropped, leaving the task's prior dependency set
// untouched.
func (t *Tracker) Discard(ctx context.Context) {
	// Intentionally empty: newDeps lives only in ctx's buffer, which goes
	// out of scope with the caller. Old dependencies were never touched.
}
