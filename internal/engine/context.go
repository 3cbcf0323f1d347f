package engine

import (
	"context"

	"turbotasks/internal/cell"
	"turbotasks/internal/task"
	"turbotasks/internal/trace"
)

type chainKey struct{}
type permitKey struct{}

// withChain returns a context recording that id is now on the current
// goroutine's in-progress call chain, used to detect cycles: a read that
// would re-enter an id already in the chain is a Cycle, not a deadlock.
func withChain(ctx context.Context, chain []task.ID) context.Context {
	return context.WithValue(ctx, chainKey{}, chain)
}

func chainOf(ctx context.Context) []task.ID {
	c, _ := ctx.Value(chainKey{}).([]task.ID)
	return c
}

func inChain(ctx context.Context, id task.ID) bool {
	for _, c := range chainOf(ctx) {
		if c == id {
			return true
		}
	}
	return false
}

// withPermit marks ctx as belonging to a goroutine currently holding a
// scheduler worker permit (i.e. a running task body, as opposed to an
// external caller of StronglyConsistentRead). resolve uses this to decide
// whether a suspend must release that permit first.
func withPermit(ctx context.Context) context.Context {
	return context.WithValue(ctx, permitKey{}, true)
}

func hasPermit(ctx context.Context) bool {
	v, _ := ctx.Value(permitKey{}).(bool)
	return v
}

// TaskContext is the single suspension point a task body calls through:
// every read of another task's value goes through TaskContext.Read. It is
// created fresh for each execution and must not be retained past the
// body's return.
type TaskContext struct {
	ctx    context.Context
	engine *Engine
	self   task.ID
}

// Read forces h to a consistent value, suspending the calling goroutine
// (without holding a scheduler permit) until h's task reaches Clean, then
// returns its value or the error it failed with. A cycle through the
// current call chain is reported as an error rather than deadlocking.
func (tc *TaskContext) Read(h TaskHandle) (any, error) {
	tc.engine.deps.RecordRead(tc.ctx, cell.Key{Task: uint64(h.id), Slot: 0})

	if inChain(tc.ctx, h.id) {
		path := tc.engine.chainNames(append(chainOf(tc.ctx), h.id))
		trace.SafeRecord(tc.engine.trace, trace.TraceEvent{Kind: trace.EventCycleDetected, TaskID: taskName(h.id), Chain: path})
		return nil, cycleError(path)
	}

	childCtx := withChain(tc.ctx, append(append([]task.ID{}, chainOf(tc.ctx)...), h.id))
	return tc.engine.resolve(childCtx, h.id)
}
