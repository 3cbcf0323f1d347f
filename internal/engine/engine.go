// Package engine wires the task registry, dependency tracker, scheduler,
// invalidator, and aggregation tree into one Engine and exposes the
// public surface external collaborators call through: RegisterFunction,
// Invoke, StronglyConsistentRead, WeakRead, InvalidateInput,
// AggregationData, and the explicit Fixpoint operator.
//
// Generalizes internal/cli.Execute's "parse -> validate -> run ->
// exit-code" shape into a library boundary with no process exit.
package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"turbotasks/internal/aggregation"
	"turbotasks/internal/cell"
	"turbotasks/internal/depgraph"
	"turbotasks/internal/invalidator"
	"turbotasks/internal/memstat"
	"turbotasks/internal/registry"
	"turbotasks/internal/scheduler"
	"turbotasks/internal/task"
	"turbotasks/internal/trace"
)

func taskName(id task.ID) string { return fmt.Sprintf("task#%d", id) }

// TaskHandle is an external, releasable reference to a memoized task. Two
// handles to the same underlying task are independent: each carries its
// own token and must be released independently, so n Invoke calls require
// n Releases before the task becomes collectible.
type TaskHandle struct {
	id    task.ID
	token uuid.UUID
}

// HashArg makes TaskHandle a registry.ArgHasher: when a handle is passed
// as another task's argument, its hash contribution is the underlying
// task ID alone. The release token must not factor in here, since two
// handles obtained from separate Invoke calls for the same memoized task
// carry different tokens but must still hash identically — they name the
// same dependency. encoding/json can't see id at all (unexported), which
// is what this method exists to work around.
func (h TaskHandle) HashArg() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(h.id))
	return b
}

// body is the type-erased form every registered function is stored as;
// RegisterFunction's generic wrapper produces one of these.
type body func(tc *TaskContext, args any) (any, error)

// Engine is the incremental-computation engine: one registry, one cell
// store, one dependency tracker, one aggregation tree, one scheduler.
type Engine struct {
	log hclog.Logger
	cfg Config

	cells *cell.Store
	reg   *registry.Registry
	deps  *depgraph.Tracker
	agg   *aggregation.Tree
	sched *scheduler.Scheduler
	inv   *invalidator.Invalidator
	mem   *memstat.Total
	trace trace.Sink

	memAcctMu sync.Mutex
	memAcct   *memstat.Accountant

	fnMu      sync.RWMutex
	functions map[task.FunctionID]body

	handleMu sync.Mutex
	handles  map[uuid.UUID]task.ID

	inputMu sync.Mutex
	inputs  map[string]task.ID
}

// New creates an Engine ready to accept RegisterFunction calls.
func New(opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	log := hclog.New(&hclog.LoggerOptions{Name: "turbotasks", Level: hclog.Info})

	if cfg.Trace == nil {
		cfg.Trace = trace.NopSink{}
	}

	e := &Engine{
		log:       log,
		cfg:       cfg,
		cells:     cell.NewStore(),
		mem:       memstat.NewTotal(cfg.HighWaterMark),
		trace:     cfg.Trace,
		functions: make(map[task.FunctionID]body),
		handles:   make(map[uuid.UUID]task.ID),
		inputs:    make(map[string]task.ID),
	}
	e.memAcct = memstat.NewAccountant(e.mem)
	e.reg = registry.New(e.cells, log)
	e.agg = aggregation.New()
	e.deps = depgraph.New(e.reg, e.agg)
	e.sched = scheduler.New(cfg.Workers, e.mem, log)
	e.inv = invalidator.New(e.reg, schedulerAdapter{e}, func(id task.ID) {
		e.agg.SetOwnData(id, aggregation.Counts{Dirty: 1})
		trace.SafeRecord(e.trace, trace.TraceEvent{Kind: trace.EventTaskInvalidated, TaskID: taskName(id)})
	}, log)
	return e
}

// schedulerAdapter satisfies invalidator.Rescheduler without exposing
// Engine's scheduling internals directly to the invalidator package.
type schedulerAdapter struct{ e *Engine }

func (s schedulerAdapter) Reschedule(id task.ID) { s.e.schedule(id) }

// RegisterFunction registers a pure function of (TaskContext, Args) ->
// (Out, error) under id. Must be called before any Invoke of id.
func RegisterFunction[Args any, Out any](e *Engine, id task.FunctionID, fn func(tc *TaskContext, args Args) (Out, error)) {
	e.fnMu.Lock()
	defer e.fnMu.Unlock()
	e.functions[id] = func(tc *TaskContext, args any) (any, error) {
		typed, ok := args.(Args)
		if !ok {
			var zero Args
			return nil, invariantViolation("RegisterFunction: argument type mismatch for %s (want %T)", id, zero)
		}
		return fn(tc, typed)
	}
}

// Invoke returns a handle to the memoized invocation of fnID with args,
// creating it if this is the first call with these arguments, and
// scheduling it for execution if it is currently Dirty.
func (e *Engine) Invoke(fnID task.FunctionID, args any) (TaskHandle, error) {
	e.fnMu.RLock()
	_, known := e.functions[fnID]
	e.fnMu.RUnlock()
	if !known {
		return TaskHandle{}, errors.Errorf("engine: function %q not registered", fnID)
	}

	hash, err := registry.HashArgs(args)
	if err != nil {
		return TaskHandle{}, errors.Wrap(err, "engine: hashing arguments")
	}

	tk, err := e.reg.LookupOrCreate(fnID, hash, args)
	if err != nil {
		return TaskHandle{}, err
	}
	tk.AddListener()

	token := uuid.New()
	e.handleMu.Lock()
	e.handles[token] = tk.ID
	e.handleMu.Unlock()

	e.schedule(tk.ID)

	return TaskHandle{id: tk.ID, token: token}, nil
}

// Release drops an external handle. Once a task's listener and dependent
// counts both reach zero, it is marked Cancelled and its cells reclaimed.
func (e *Engine) Release(h TaskHandle) {
	e.handleMu.Lock()
	_, ok := e.handles[h.token]
	delete(e.handles, h.token)
	e.handleMu.Unlock()
	if !ok {
		return
	}

	tk, ok := e.reg.Get(h.id)
	if !ok {
		return
	}
	if tk.RemoveListener() == 0 && tk.DependentCount() == 0 {
		e.cancel(tk)
	}
}

// cancel tears down tk entirely: it force-transitions to Cancelled, removes
// tk from every dependency's dependents set and the aggregation tree's
// upper edges (the inverse of depgraph.Tracker.Commit's added-edges branch,
// since a cancelled task is never committed again), frees its cell, deletes
// it from the registry, and recurses the GC check into whichever
// dependencies that just lost their last listener/dependent as a result.
// Skipping this would leave tk.ID permanently in each former dependency's
// dependents set, so those dependencies could never reach zero dependents
// and would never become GC-eligible themselves.
func (e *Engine) cancel(tk *task.Task) {
	tk.ForceState(task.Cancelled)

	deps := tk.Dependencies()
	for _, k := range deps {
		depID := task.ID(k.Task)
		dep, ok := e.reg.Get(depID)
		if !ok {
			continue
		}
		dep.RemoveDependent(tk.ID)
		e.agg.RemoveUpper(depID, tk.ID, 1)
		if dep.ListenerCount() == 0 && dep.DependentCount() == 0 {
			e.cancel(dep)
		}
	}

	e.agg.SetOwnData(tk.ID, aggregation.ZeroCounts)
	e.agg.Remove(tk.ID)

	if old, ok := e.cells.Read(cell.Key{Task: uint64(tk.ID), Slot: 0}); ok {
		e.memAcctMu.Lock()
		e.memAcct.Free(estimateSize(old.Value))
		e.memAcctMu.Unlock()
	}

	e.reg.Delete(tk.ID)
	trace.SafeRecord(e.trace, trace.TraceEvent{Kind: trace.EventTaskCancelled, TaskID: taskName(tk.ID)})
}

// accountCellRewrite folds a cell write's byte-cost delta into the
// engine's shared memstat.Total: the old value's estimated size (if any)
// is freed and the new value's is allocated. This is the task-body
// boundary memstat's package doc describes ("estimates from explicit
// Add/Free calls at task-body boundaries") — a task body's return value
// is the one allocation this engine can see without an allocator hook.
func (e *Engine) accountCellRewrite(hadOld bool, oldValue, newValue any) {
	e.memAcctMu.Lock()
	defer e.memAcctMu.Unlock()
	if hadOld {
		e.memAcct.Free(estimateSize(oldValue))
	}
	e.memAcct.Add(estimateSize(newValue))
}

// schedule submits id for execution if it is currently Dirty and has at
// least one listener.
func (e *Engine) schedule(id task.ID) {
	tk, ok := e.reg.Get(id)
	if !ok || tk.ListenerCount() == 0 {
		return
	}
	if err := tk.Transition(task.Dirty, task.Scheduled); err != nil {
		return // already scheduled, in progress, or clean
	}
	trace.SafeRecord(e.trace, trace.TraceEvent{Kind: trace.EventTaskScheduled, TaskID: taskName(id)})
	e.sched.Submit(id, func() { e.runTask(id) })
}

// resolve is TaskContext.Read's engine-side half: ensure id's task is
// Clean (running or waiting on it as needed), then return its cell
// content as a (value, error) pair.
func (e *Engine) resolve(ctx context.Context, id task.ID) (any, error) {
	firstLook := true
	for {
		// Register the waiter before inspecting state, so a completion
		// that races with this check cannot close the channel before we
		// start listening on it.
		ch := e.sched.WaitFor(id)

		tk, ok := e.reg.Get(id)
		if !ok {
			return nil, errors.Errorf("engine: read of unknown task %d", id)
		}

		switch tk.State() {
		case task.Clean:
			if firstLook {
				trace.SafeRecord(e.trace, trace.TraceEvent{Kind: trace.EventTaskCached, TaskID: taskName(id)})
			}
			content, _ := e.cells.Read(cell.Key{Task: uint64(id), Slot: 0})
			return content.Value, content.Err
		case task.Cancelled:
			return nil, &EngineError{Kind: ErrCancelled, Msg: fmt.Sprintf("task %d", id)}
		default: // Dirty, Scheduled, InProgress
			firstLook = false
			if tk.State() == task.Dirty {
				e.schedule(id)
			}
			if hasPermit(ctx) {
				if err := e.sched.Suspend(ctx, ch); err != nil {
					return nil, err
				}
			} else {
				select {
				case <-ch:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
	}
}

// runTask executes one task body to completion (or failure), commits its
// new dependency set, writes its result cell, and notifies waiters.
func (e *Engine) runTask(id task.ID) {
	tk, ok := e.reg.Get(id)
	if !ok {
		return
	}
	if err := tk.Transition(task.Scheduled, task.InProgress); err != nil {
		return
	}
	e.agg.SetOwnData(id, aggregation.Counts{Running: 1})

	ctx := withPermit(withChain(depgraph.WithReads(context.Background()), []task.ID{id}))
	tc := &TaskContext{ctx: ctx, engine: e, self: id}

	e.fnMu.RLock()
	fn := e.functions[tk.Fn]
	e.fnMu.RUnlock()

	out, runErr := e.invokeBody(fn, tc, tk.Args, id)
	if runErr == errPanicked {
		tk.Transition(task.InProgress, task.Dirty)
		return
	}

	cellKey := cell.Key{Task: uint64(id), Slot: 0}
	old, hadOld := e.cells.Read(cellKey)
	e.cells.Write(cellKey, out, runErr)
	e.accountCellRewrite(hadOld, old.Value, out)

	if err := e.deps.Commit(ctx, id); err != nil {
		e.log.Warn("dependency commit failed", "task", id, "err", err)
	}
	if err := tk.Transition(task.InProgress, task.Clean); err != nil {
		e.log.Warn("unexpected transition failure", "task", id, "err", err)
	}

	if runErr != nil {
		e.agg.SetOwnData(id, aggregation.Counts{Errors: 1})
		trace.SafeRecord(e.trace, trace.TraceEvent{Kind: trace.EventTaskFailed, TaskID: taskName(id), Reason: "BodyError"})
	} else {
		e.agg.SetOwnData(id, aggregation.ZeroCounts)
		trace.SafeRecord(e.trace, trace.TraceEvent{Kind: trace.EventTaskExecuted, TaskID: taskName(id)})
	}
	e.sched.Notify(id)
}

var errPanicked = errors.New("engine: task body panicked")

// invokeBody runs fn, converting a panic into errPanicked so the caller
// can discard the partial dependency set and return the task to Dirty
// rather than caching the panic as a TaskFailure value.
func (e *Engine) invokeBody(fn body, tc *TaskContext, args any, id task.ID) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task body panicked", "task", id, "recover", r)
			err = errPanicked
		}
	}()
	if fn == nil {
		return nil, taskFailure(fmt.Sprintf("task#%d", id), errors.Errorf("no registered function body"))
	}
	return fn(tc, args)
}

// StronglyConsistentRead blocks until h's task is Clean and returns its
// value.
func (e *Engine) StronglyConsistentRead(ctx context.Context, h TaskHandle) (any, error) {
	return e.resolve(withChain(ctx, nil), h.id)
}

// WeakRead returns the current best-effort value without waiting: ok is
// false if the task has never completed a run.
func (e *Engine) WeakRead(h TaskHandle) (value any, ok bool) {
	content, ok := e.cells.Read(cell.Key{Task: uint64(h.id), Slot: 0})
	if !ok {
		return nil, false
	}
	return content.Value, true
}

// InvalidateInput marks an externally-tracked input changed, propagating
// Dirty through its dependents. sourceID identifies an input task
// previously registered via TrackInput.
func (e *Engine) InvalidateInput(sourceID string) {
	e.inputMu.Lock()
	id, ok := e.inputs[sourceID]
	e.inputMu.Unlock()
	if !ok {
		return
	}
	e.inv.Propagate(id)
}

// TrackInput associates an external source identifier with the task
// backing it, so later InvalidateInput(sourceID) calls know which task to
// start the invalidation wave from.
func (e *Engine) TrackInput(sourceID string, h TaskHandle) {
	e.inputMu.Lock()
	e.inputs[sourceID] = h.id
	e.inputMu.Unlock()
}

// AggregationData applies force_process and returns a snapshot of h's
// rolled-up aggregation data.
func (e *Engine) AggregationData(h TaskHandle) aggregation.Data {
	return e.agg.AggregationData(h.id)
}

// Fixpoint repeatedly reads h, invalidating and re-invoking it until its
// value stops changing or maxRounds is reached. This is the explicit
// fixpoint operator the engine requires in place of arbitrary task
// cycles: a task that wants to converge on a value must drive its own
// re-evaluation through this operator rather than reading itself.
func (e *Engine) Fixpoint(ctx context.Context, h TaskHandle, maxRounds int) (any, error) {
	var prev any
	var havePrev bool

	for round := 0; round < maxRounds; round++ {
		val, err := e.StronglyConsistentRead(ctx, h)
		if err != nil {
			return nil, err
		}
		if havePrev && equalValues(prev, val) {
			return val, nil
		}
		prev, havePrev = val, true

		tk, ok := e.reg.Get(h.id)
		if !ok {
			return val, nil
		}
		if _, err := e.reg.Invalidate(tk.ID); err != nil {
			return nil, err
		}
		e.agg.SetOwnData(tk.ID, aggregation.Counts{Dirty: 1})
		e.schedule(tk.ID)
	}
	return nil, errors.Errorf("engine: fixpoint did not converge within %d rounds", maxRounds)
}

func equalValues(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func (e *Engine) chainNames(ids []task.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = taskName(id)
	}
	return out
}
