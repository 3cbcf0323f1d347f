// Package aggregation implements the hierarchical aggregation overlay: a
// tree of Leaf/Aggregating nodes layered over the task DAG that answers
// whole-subgraph queries (dirty count, running count, error count) in time
// bounded by the number of aggregation roots rather than the task count.
//
// Ported from the aggregation module of the original turbo-tasks-memory
// crate (aggregation_data.rs, increase.rs, notify_new_follower.rs,
// notify_lost_follower.rs, optimize.rs, root_query.rs, uppers.rs), with one
// deliberate simplification: the balance queue here is a single mutex plus
// slice rather than a lock-free MPSC queue (see DESIGN.md).
package aggregation

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"turbotasks/internal/aggregation/countset"
	"turbotasks/internal/task"
)

// Tree owns every task's aggregation node.
type Tree struct {
	mu    sync.RWMutex
	nodes map[task.ID]*Node

	queueMu sync.Mutex
	queue   []task.ID // nodes pending a balance pass
	queued  map[task.ID]struct{}
}

// New creates an empty aggregation tree.
func New() *Tree {
	return &Tree{
		nodes:  make(map[task.ID]*Node),
		queued: make(map[task.ID]struct{}),
	}
}

func (t *Tree) nodeFor(id task.ID) *Node {
	t.mu.RLock()
	n, ok := t.nodes[id]
	t.mu.RUnlock()
	if ok {
		return n
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		return n
	}
	n = newNode(id, ZeroCounts)
	t.nodes[id] = n
	return n
}

// SetOwnData updates a node's own (leaf) contribution, propagating the
// delta to every ancestor the node currently contributes to. Callers
// invoke this on task state transitions (e.g. Clean -> Dirty).
func (t *Tree) SetOwnData(id task.ID, newOwn Data) {
	n := t.nodeFor(id)

	n.mu.Lock()
	oldContribution := n.contribution()
	if n.kind == Aggregating {
		n.rolled = n.rolled.RemoveChange(n.ownData).AddChange(newOwn)
	}
	n.ownData = newOwn
	newContribution := n.contribution()
	uppers := n.uppers.Keys()
	n.mu.Unlock()

	removeDelta := invertCounts(oldContribution)
	addDelta := newContribution
	for _, up := range uppers {
		t.propagate(up, removeDelta)
		t.propagate(up, addDelta)
	}
}

func invertCounts(d Data) Data {
	c := d.(Counts)
	return Counts{Dirty: -c.Dirty, Running: -c.Running, Errors: -c.Errors}
}

// propagate folds delta into id's rolled data (if Aggregating) and, if
// this is the first time id has seen a nonzero total from this source,
// continues upward. In this simplified port, propagation simply always
// continues to every upper; the balance queue is what keeps the number of
// uppers — and therefore the fan-out of this walk — bounded.
func (t *Tree) propagate(id task.ID, delta Data) {
	n := t.nodeFor(id)
	n.mu.Lock()
	if n.kind == Aggregating {
		n.rolled = n.rolled.AddChange(delta)
	}
	uppers := n.uppers.Keys()
	n.mu.Unlock()

	for _, up := range uppers {
		t.propagate(up, delta)
	}
}

// AddUpper records that child gains n references from parent. On the
// first positive count, child's contribution (and its followers, if it is
// Aggregating) is propagated up into parent.
func (t *Tree) AddUpper(child, parent task.ID, n int) {
	c := t.nodeFor(child)

	c.mu.Lock()
	firstPositive := c.uppers.Add(parent, n)
	contribution := c.contribution()
	var childFollowers []task.ID
	if c.kind == Aggregating {
		childFollowers = c.followers.Keys()
	}
	c.mu.Unlock()

	if firstPositive {
		t.propagate(parent, contribution)
		for _, f := range childFollowers {
			t.NotifyNewFollower(parent, f)
		}
	}

	t.maybeQueueBalance(c)
}

// RemoveUpper is the symmetric removal: when child's reference count from
// parent reaches zero, its contribution (and followers) are removed from
// parent, and child is dropped from parent's followers if present.
func (t *Tree) RemoveUpper(child, parent task.ID, n int) {
	c := t.nodeFor(child)

	c.mu.Lock()
	droppedToZero := c.uppers.Remove(parent, n)
	contribution := c.contribution()
	var childFollowers []task.ID
	if c.kind == Aggregating {
		childFollowers = c.followers.Keys()
	}
	c.mu.Unlock()

	if droppedToZero {
		t.propagate(parent, invertCounts(contribution))
		for _, f := range childFollowers {
			t.NotifyLostFollower(parent, f)
		}

		p := t.nodeFor(parent)
		p.mu.Lock()
		if p.kind == Aggregating {
			p.followers.RemoveEntry(child)
		}
		p.mu.Unlock()
	}
}

// NotifyNewFollower is called when upper gains a new transitive
// descendant, follower. The three-way split on aggregation number is the
// termination argument from the source: a tie always increases the
// follower's aggregation number by one and retries, which can only happen
// a bounded number of times before the numbers diverge.
func (t *Tree) NotifyNewFollower(upper, follower task.ID) {
	for {
		u := t.nodeFor(upper)
		f := t.nodeFor(follower)

		u.mu.Lock()
		upperNum := u.aggregationNumber
		u.mu.Unlock()

		f.mu.Lock()
		followerNum := f.aggregationNumber
		f.mu.Unlock()

		switch {
		case followerNum < upperNum:
			t.AddUpper(follower, upper, 1)
			return
		case followerNum > upperNum:
			u.mu.Lock()
			if u.kind != Aggregating {
				u.mu.Unlock()
				t.IncreaseAggregationNumber(upper, followerNum)
				continue
			}
			firstAdd := u.followers.Add(follower, 1)
			u.mu.Unlock()
			if firstAdd {
				fContribution := t.nodeFor(follower).contribution()
				t.propagate(upper, fContribution)
			}
			return
		default:
			t.IncreaseAggregationNumber(follower, followerNum+1)
		}
	}
}

// NotifyLostFollower is the symmetric removal. It makes a single pass: if
// upper lists follower, one count is removed (and follower's contribution
// retracted once the entry is gone); otherwise it falls back to
// RemoveUpper. It does not retry if either endpoint changes concurrently.
func (t *Tree) NotifyLostFollower(upper, follower task.ID) {
	u := t.nodeFor(upper)
	f := t.nodeFor(follower)

	u.mu.Lock()
	if u.kind == Aggregating {
		if u.followers.Has(follower) {
			u.followers.Remove(follower, 1)
			if !u.followers.Has(follower) {
				u.mu.Unlock()
				contribution := f.contribution()
				t.propagate(upper, invertCounts(contribution))
				return
			}
			u.mu.Unlock()
			return
		}
	}
	u.mu.Unlock()

	// upper no longer lists follower directly: it must have been promoted
	// to an inner (upper) child instead. Fall back to RemoveUpper, which
	// is idempotent if the edge is already gone.
	t.RemoveUpper(follower, upper, 1)
}

// IncreaseAggregationNumber raises a node's aggregation number, promoting
// it from Leaf to Aggregating if the new number crosses LeafThreshold. A
// no-op if newN does not exceed the node's current number, matching the
// source's monotonic-increase invariant.
func (t *Tree) IncreaseAggregationNumber(id task.ID, newN uint32) {
	n := t.nodeFor(id)

	n.mu.Lock()
	if newN <= n.aggregationNumber {
		n.mu.Unlock()
		return
	}
	wasLeaf := n.kind == Leaf
	n.aggregationNumber = newN
	if wasLeaf && newN >= LeafThreshold {
		n.kind = Aggregating
		n.followers = countset.New[task.ID]()
		n.rolled = n.ownData
	}
	n.mu.Unlock()

	t.maybeQueueBalance(n)
}

func (t *Tree) maybeQueueBalance(n *Node) {
	n.mu.Lock()
	needs := n.needsBalance()
	id := n.id
	n.mu.Unlock()
	if !needs {
		return
	}

	t.queueMu.Lock()
	if _, already := t.queued[id]; !already {
		t.queued[id] = struct{}{}
		t.queue = append(t.queue, id)
	}
	t.queueMu.Unlock()
}

// ForceProcess drains the balance queue, guaranteeing that a subsequent
// AggregationData observes a fully-processed tree.
func (t *Tree) ForceProcess() {
	for {
		t.queueMu.Lock()
		if len(t.queue) == 0 {
			t.queueMu.Unlock()
			return
		}
		id := t.queue[0]
		t.queue = t.queue[1:]
		delete(t.queued, id)
		t.queueMu.Unlock()

		t.balance(id)
	}
}

// balance promotes a node whose uppers or followers set has grown past
// its threshold. Promotion (raising the aggregation number) is the only
// rebalancing strategy this port implements; edge redirection ("upper" ->
// "follower-of-upper") is left as future work (see DESIGN.md).
func (t *Tree) balance(id task.ID) {
	n := t.nodeFor(id)
	n.mu.Lock()
	needs := n.needsBalance()
	next := n.aggregationNumber + 1
	n.mu.Unlock()
	if !needs {
		return
	}
	t.IncreaseAggregationNumber(id, next)
}

// AggregationData applies ForceProcess and returns a snapshot of root's
// rolled-up data. If root is a Leaf, its data is just its own
// contribution (a Leaf has no followers to fold).
func (t *Tree) AggregationData(root task.ID) Data {
	t.ForceProcess()
	n := t.nodeFor(root)
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.contribution()
}

// RootQuery walks the Aggregating ancestors of start (inclusive),
// invoking visit on each and stopping early if visit returns false. Inner
// (non-Aggregating) children are never visited directly — their
// contribution is already folded into their nearest Aggregating ancestor
// — which is what bounds traversal cost by the number of aggregation
// roots rather than the task count.
func (t *Tree) RootQuery(start task.ID, visit func(id task.ID, data Data) bool) {
	t.ForceProcess()

	visited := mapset.NewThreadUnsafeSet[task.ID]()
	queue := []task.ID{start}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited.Contains(id) {
			continue
		}
		visited.Add(id)

		n := t.nodeFor(id)
		n.mu.Lock()
		kind := n.kind
		data := n.contribution()
		uppers := n.uppers.Keys()
		n.mu.Unlock()

		if kind == Aggregating {
			if !visit(id, data) {
				return
			}
		}
		queue = append(queue, uppers...)
	}
}

// Remove deletes id's aggregation node entirely. Called when a task is
// garbage collected.
func (t *Tree) Remove(id task.ID) {
	t.mu.Lock()
	delete(t.nodes, id)
	t.mu.Unlock()
}

// OnEdgeAdded implements depgraph.Notifier: a dependency edge reader ->
// dependency becomes an aggregation upper edge child=dependency,
// parent=reader, since "all tasks feeding reader" is what a query rooted
// at reader should fold.
func (t *Tree) OnEdgeAdded(reader, dependency task.ID) {
	t.AddUpper(dependency, reader, 1)
}

// OnEdgeRemoved is the symmetric teardown for OnEdgeAdded.
func (t *Tree) OnEdgeRemoved(reader, dependency task.ID) {
	t.RemoveUpper(dependency, reader, 1)
}
