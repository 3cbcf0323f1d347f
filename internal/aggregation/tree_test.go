package aggregation

import (
	"testing"

	"turbotasks/internal/task"
)

func TestSetOwnDataPropagatesToUppers(t *testing.T) {
	tr := New()
	var child, parent task.ID = 1, 2

	tr.AddUpper(child, parent, 1)
	tr.IncreaseAggregationNumber(parent, LeafThreshold)

	tr.SetOwnData(child, Counts{Dirty: 1})

	got := tr.AggregationData(parent).(Counts)
	if got.Dirty != 1 {
		t.Fatalf("parent dirty count = %d, want 1", got.Dirty)
	}

	tr.SetOwnData(child, ZeroCounts)
	got = tr.AggregationData(parent).(Counts)
	if got.Dirty != 0 {
		t.Fatalf("parent dirty count after clear = %d, want 0", got.Dirty)
	}
}

func TestRemoveUpperRetractsContribution(t *testing.T) {
	tr := New()
	var child, parent task.ID = 1, 2

	tr.IncreaseAggregationNumber(parent, LeafThreshold)
	tr.AddUpper(child, parent, 1)
	tr.SetOwnData(child, Counts{Errors: 1})

	if got := tr.AggregationData(parent).(Counts); got.Errors != 1 {
		t.Fatalf("errors before removal = %d, want 1", got.Errors)
	}

	tr.RemoveUpper(child, parent, 1)
	if got := tr.AggregationData(parent).(Counts); got.Errors != 0 {
		t.Fatalf("errors after removal = %d, want 0", got.Errors)
	}
}

func TestIncreaseAggregationNumberPromotesLeaf(t *testing.T) {
	tr := New()
	var id task.ID = 1
	n := tr.nodeFor(id)
	if n.kind != Leaf {
		t.Fatal("new node must start as Leaf")
	}
	tr.IncreaseAggregationNumber(id, LeafThreshold)
	if n.kind != Aggregating {
		t.Fatalf("expected promotion to Aggregating at threshold %d", LeafThreshold)
	}
}

func TestIncreaseAggregationNumberIsMonotonic(t *testing.T) {
	tr := New()
	var id task.ID = 1
	tr.IncreaseAggregationNumber(id, 10)
	tr.IncreaseAggregationNumber(id, 3) // must be a no-op
	n := tr.nodeFor(id)
	if n.aggregationNumber != 10 {
		t.Fatalf("aggregation number = %d, want 10 (no regression)", n.aggregationNumber)
	}
}

func TestRootQueryVisitsOnlyAggregatingAncestors(t *testing.T) {
	tr := New()
	var leaf, mid, root task.ID = 1, 2, 3

	tr.AddUpper(leaf, mid, 1)
	tr.AddUpper(mid, root, 1)
	tr.IncreaseAggregationNumber(root, LeafThreshold)

	var visited []task.ID
	tr.RootQuery(leaf, func(id task.ID, _ Data) bool {
		visited = append(visited, id)
		return true
	})

	if len(visited) != 1 || visited[0] != root {
		t.Fatalf("RootQuery visited %v, want [%d] (only the Aggregating root)", visited, root)
	}
}

func TestRootQueryShortCircuits(t *testing.T) {
	tr := New()
	var leaf, a, b task.ID = 1, 2, 3
	tr.AddUpper(leaf, a, 1)
	tr.AddUpper(a, b, 1)
	tr.IncreaseAggregationNumber(a, LeafThreshold)
	tr.IncreaseAggregationNumber(b, LeafThreshold)

	calls := 0
	tr.RootQuery(leaf, func(id task.ID, _ Data) bool {
		calls++
		return false
	})
	if calls != 1 {
		t.Fatalf("expected short-circuit after first visit, got %d calls", calls)
	}
}

func TestChainOfTasksAggregatesDirtyCount(t *testing.T) {
	tr := New()
	const n = 50
	ids := make([]task.ID, n)
	for i := range ids {
		ids[i] = task.ID(i + 1)
	}

	tr.IncreaseAggregationNumber(ids[0], LeafThreshold)
	for i := 1; i < n; i++ {
		tr.AddUpper(ids[i], ids[0], 1)
		tr.SetOwnData(ids[i], Counts{Dirty: 1})
	}
	tr.SetOwnData(ids[0], Counts{Dirty: 1})

	got := tr.AggregationData(ids[0]).(Counts)
	if got.Dirty != n {
		t.Fatalf("dirty count = %d, want %d", got.Dirty, n)
	}

	for i := 1; i < n; i++ {
		tr.SetOwnData(ids[i], ZeroCounts)
	}
	tr.SetOwnData(ids[0], ZeroCounts)
	got = tr.AggregationData(ids[0]).(Counts)
	if got.Dirty != 0 {
		t.Fatalf("dirty count after clearing = %d, want 0", got.Dirty)
	}
}
