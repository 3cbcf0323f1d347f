// Package scheduler implements the work-stealing task pool: N worker
// goroutines, FIFO-within-worker ordering, steal-from-tail when a worker's
// own queue runs dry, and waker registration so suspended reads resume the
// reading task without blocking a worker slot.
//
// Grounded on the protocompile incremental.Executor's use of
// golang.org/x/sync/semaphore to bound parallelism
// (other_examples/561c2bf7), generalized from "one wave of ready DAG
// nodes" (internal/dag + pool.Pool, other_examples/db53d68e) to a
// continuously-refilled, stealable ready queue.
package scheduler

import (
	"context"
	"runtime"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"turbotasks/internal/memstat"
	"turbotasks/internal/task"
)

// Scheduler runs submitted work items across a fixed pool of workers.
type Scheduler struct {
	log hclog.Logger
	sem *semaphore.Weighted

	queues []*deque
	submit uint64 // round-robin counter, guarded by submitMu

	submitMu sync.Mutex

	wake chan struct{}

	waitersMu sync.Mutex
	waiters   map[task.ID][]chan struct{}

	mem *memstat.Total

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Scheduler with `workers` worker goroutines (0 or negative
// defaults to GOMAXPROCS) and starts them. mem may be nil to disable
// backpressure.
func New(workers int, mem *memstat.Total, log hclog.Logger) *Scheduler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if mem == nil {
		mem = memstat.NewTotal(0)
	}

	s := &Scheduler{
		log:     log.Named("scheduler"),
		sem:     semaphore.NewWeighted(int64(workers)),
		queues:  make([]*deque, workers),
		wake:    make(chan struct{}, workers),
		waiters: make(map[task.ID][]chan struct{}),
		mem:     mem,
		done:    make(chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = newDeque()
	}
	for i := 0; i < workers; i++ {
		go s.runWorker(i)
	}
	return s
}

// Submit enqueues fn to run as id's work, round-robined across worker
// queues. fn runs with exactly one semaphore permit held.
func (s *Scheduler) Submit(id task.ID, fn func()) {
	s.submitMu.Lock()
	idx := int(s.submit % uint64(len(s.queues)))
	s.submit++
	s.submitMu.Unlock()

	s.queues[idx].pushBack(workItem{id: id, fn: fn})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Backpressured reports whether memory pressure is currently high enough
// that workers stop stealing from other workers' queues (each worker still
// runs the items already in its own queue, so in-flight progress is not
// starved).
func (s *Scheduler) Backpressured() bool {
	return s.mem.Pressure() >= 1.0
}

func (s *Scheduler) runWorker(idx int) {
	own := s.queues[idx]
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		w, ok := own.popFront()
		if !ok && !s.Backpressured() {
			w, ok = s.stealFrom(idx)
		}
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		func() {
			defer s.sem.Release(1)
			w.fn()
		}()
	}
}

func (s *Scheduler) stealFrom(self int) (workItem, bool) {
	n := len(s.queues)
	for i := 1; i < n; i++ {
		victim := (self + i) % n
		if w, ok := s.queues[victim].steal(); ok {
			return w, true
		}
	}
	return workItem{}, false
}

// WaitFor returns a channel closed when Notify(id) is next called. Readers
// block on this channel to suspend on a Dirty/InProgress dependency
// without occupying a worker permit.
func (s *Scheduler) WaitFor(id task.ID) <-chan struct{} {
	ch := make(chan struct{})
	s.waitersMu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.waitersMu.Unlock()
	return ch
}

// Suspend parks the calling goroutine until ch closes or ctx is done,
// releasing its semaphore permit for the duration so a blocked reader
// never starves the pool of workers to run the dependency it is waiting
// on. The permit is reacquired, blocking if necessary, before Suspend
// returns either way. Callers that do not hold a permit (external reads
// from outside any task body) must not use this; they can select on ch
// directly.
func (s *Scheduler) Suspend(ctx context.Context, ch <-chan struct{}) error {
	s.sem.Release(1)
	defer s.sem.Acquire(context.Background(), 1)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify wakes every goroutine waiting on id, e.g. because its task just
// reached Clean.
func (s *Scheduler) Notify(id task.ID) {
	s.waitersMu.Lock()
	chs := s.waiters[id]
	delete(s.waiters, id)
	s.waitersMu.Unlock()
	for _, ch := range chs {
		close(ch)
	}
}

// Close stops all worker goroutines. Work already running is allowed to
// finish; queued-but-unstarted work is discarded.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
