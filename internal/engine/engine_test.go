package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"turbotasks/internal/aggregation"
	"turbotasks/internal/trace"
)

func waitForClean(t *testing.T, e *Engine, h TaskHandle) any {
	t.Helper()
	val, err := e.StronglyConsistentRead(context.Background(), h)
	if err != nil {
		t.Fatalf("StronglyConsistentRead: %v", err)
	}
	return val
}

// TestMemoization_S1: two reads of inc(5) with no invalidation between
// them execute the body exactly once.
func TestMemoization_S1(t *testing.T) {
	e := New(WithWorkers(2))
	var calls int64
	RegisterFunction[int, int](e, "inc", func(tc *TaskContext, x int) (int, error) {
		atomic.AddInt64(&calls, 1)
		return x + 1, nil
	})

	h, err := e.Invoke("inc", 5)
	if err != nil {
		t.Fatal(err)
	}

	if got := waitForClean(t, e, h); got != 6 {
		t.Fatalf("first read = %v, want 6", got)
	}
	if got := waitForClean(t, e, h); got != 6 {
		t.Fatalf("second read = %v, want 6", got)
	}
	if calls != 1 {
		t.Fatalf("inc ran %d times, want 1", calls)
	}
}

// TestInvalidationCascade_S2: b = inc(a); c = inc(b), where inc reads its
// argument through the dependency tracker rather than taking a literal.
// Invalidating the externally-tracked input a re-derives b and c to
// reflect a's new value.
func TestInvalidationCascade_S2(t *testing.T) {
	e := New(WithWorkers(2))

	extVal := 0
	var incCalls int64
	RegisterFunction[string, int](e, "value", func(tc *TaskContext, key string) (int, error) {
		return extVal, nil
	})
	RegisterFunction[TaskHandle, int](e, "inc", func(tc *TaskContext, dep TaskHandle) (int, error) {
		atomic.AddInt64(&incCalls, 1)
		v, err := tc.Read(dep)
		if err != nil {
			return 0, err
		}
		return v.(int) + 1, nil
	})

	a, err := e.Invoke("value", "a")
	if err != nil {
		t.Fatal(err)
	}
	e.TrackInput("a", a)

	b, err := e.Invoke("inc", a)
	if err != nil {
		t.Fatal(err)
	}
	c, err := e.Invoke("inc", b)
	if err != nil {
		t.Fatal(err)
	}
	if got := waitForClean(t, e, c); got != 2 {
		t.Fatalf("initial c = %v, want 2", got)
	}

	extVal = 10
	incCalls = 0
	e.InvalidateInput("a")

	if got := waitForClean(t, e, c); got != 12 {
		t.Fatalf("c after invalidating a = %v, want 12", got)
	}
	if incCalls != 2 {
		t.Fatalf("inc ran %d times after invalidation, want 2 (once for b, once for c)", incCalls)
	}
}

// TestAggregationCount_S3: a real chain of dependent tasks (each reading
// the previous one's TaskHandle through tc.Read, the same pattern
// TestInvalidationCascade_S2 uses) reports a dirty count via the
// aggregation tree that tracks invalidation and completion: clean after
// the whole chain settles, dirty again once the root input is invalidated.
func TestAggregationCount_S3(t *testing.T) {
	e := New(WithWorkers(4))
	RegisterFunction[string, int](e, "value", func(tc *TaskContext, key string) (int, error) {
		return 0, nil
	})
	RegisterFunction[TaskHandle, int](e, "inc", func(tc *TaskContext, dep TaskHandle) (int, error) {
		v, err := tc.Read(dep)
		if err != nil {
			return 0, err
		}
		return v.(int) + 1, nil
	})

	const n = 25
	root, err := e.Invoke("value", "head")
	if err != nil {
		t.Fatal(err)
	}
	e.TrackInput("head", root)

	h := root
	for i := 1; i < n; i++ {
		h, err = e.Invoke("inc", h)
		if err != nil {
			t.Fatal(err)
		}
	}
	tail := h

	if got := waitForClean(t, e, tail); got != n-1 {
		t.Fatalf("tail value = %v, want %d", got, n-1)
	}

	data := e.AggregationData(root).(aggregation.Counts)
	if data.Dirty != 0 {
		t.Fatalf("dirty count after full chain settles = %d, want 0", data.Dirty)
	}

	e.InvalidateInput("head")

	data = e.AggregationData(root).(aggregation.Counts)
	if data.Dirty == 0 {
		t.Fatal("expected a nonzero dirty count immediately after invalidating the chain's root input")
	}

	if got := waitForClean(t, e, tail); got != n-1 {
		t.Fatalf("tail value after re-settling = %v, want %d", got, n-1)
	}
	data = e.AggregationData(root).(aggregation.Counts)
	if data.Dirty != 0 {
		t.Fatalf("dirty count after re-settling = %d, want 0", data.Dirty)
	}
}

// TestCycle_S5: register f(n) = read(f(n)) via a self-referential task;
// reading it returns a Cycle error rather than deadlocking.
func TestCycle_S5(t *testing.T) {
	e := New(WithWorkers(2))
	var self TaskHandle
	RegisterFunction[int, int](e, "f", func(tc *TaskContext, n int) (int, error) {
		_, err := tc.Read(self)
		return 0, err
	})

	h, err := e.Invoke("f", 0)
	if err != nil {
		t.Fatal(err)
	}
	self = h

	done := make(chan struct{})
	var readErr error
	go func() {
		_, readErr = e.StronglyConsistentRead(context.Background(), h)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle read deadlocked instead of returning an error")
	}
	if readErr == nil {
		t.Fatal("expected a cycle error, got nil")
	}
}

// TestCancellation_S6: releasing a task's only handle, once it has no
// dependents either, marks it Cancelled and reclaims its cells.
func TestCancellation_S6(t *testing.T) {
	e := New(WithWorkers(2))
	RegisterFunction[int, int](e, "inc", func(tc *TaskContext, x int) (int, error) {
		return x + 1, nil
	})

	h, err := e.Invoke("inc", 1)
	if err != nil {
		t.Fatal(err)
	}
	waitForClean(t, e, h)

	e.Release(h)

	if _, ok := e.reg.Get(h.id); ok {
		t.Fatal("expected task to be reclaimed after its only handle was released")
	}
	if _, ok := e.WeakRead(h); ok {
		t.Fatal("expected cells to be reclaimed along with the task")
	}
}

// TestTraceRecordsExecutionAndCacheHit: a trace.Sink installed via
// WithTrace observes one TaskExecuted for the first read and one
// TaskCached for the second.
func TestTraceRecordsExecutionAndCacheHit(t *testing.T) {
	rec := trace.NewRecorder()
	e := New(WithWorkers(2), WithTrace(rec))
	RegisterFunction[int, int](e, "inc", func(tc *TaskContext, x int) (int, error) {
		return x + 1, nil
	})

	h, err := e.Invoke("inc", 1)
	if err != nil {
		t.Fatal(err)
	}
	waitForClean(t, e, h)
	waitForClean(t, e, h)

	tr := rec.Trace("test")
	var executed, cached int
	for _, ev := range tr.Events {
		switch ev.Kind {
		case trace.EventTaskExecuted:
			executed++
		case trace.EventTaskCached:
			cached++
		}
	}
	if executed != 1 {
		t.Fatalf("TaskExecuted count = %d, want 1", executed)
	}
	if cached != 1 {
		t.Fatalf("TaskCached count = %d, want 1", cached)
	}
}
