package aggregation

import (
	"sync"

	"turbotasks/internal/aggregation/countset"
	"turbotasks/internal/task"
)

// Kind is the aggregation-node variant: Leaf nodes track only uppers and
// act as plain DAG nodes; Aggregating nodes additionally own a followers
// set and rolled-up Data, and serve as query roots.
type Kind uint8

const (
	Leaf Kind = iota
	Aggregating
)

func (k Kind) String() string {
	if k == Aggregating {
		return "Aggregating"
	}
	return "Leaf"
}

const (
	// LeafThreshold is the aggregation number at which a node is promoted
	// from Leaf to Aggregating.
	LeafThreshold = 4
	// MaxUppers bounds the uppers multiset before a balance is queued.
	MaxUppers = 32
	// MaxFollowers bounds the followers multiset before a balance is
	// queued.
	MaxFollowers = 128
)

// Node is one task's position in the aggregation overlay.
type Node struct {
	mu sync.Mutex

	id                task.ID
	aggregationNumber uint32
	kind              Kind

	uppers    *countset.CountSet[task.ID]
	followers *countset.CountSet[task.ID] // meaningful only when kind == Aggregating

	// ownData is this node's own leaf contribution (e.g. its task's
	// current state folded into Counts). rolled is the sum of ownData
	// plus every follower's contribution; meaningful only when kind ==
	// Aggregating.
	ownData Data
	rolled  Data
}

func newNode(id task.ID, own Data) *Node {
	return &Node{
		id:                id,
		aggregationNumber: 0,
		kind:              Leaf,
		uppers:            countset.New[task.ID](),
		followers:         countset.New[task.ID](),
		ownData:           own,
		rolled:            own,
	}
}

// contribution is what this node currently propagates upward: its own
// data if it is a Leaf, or its full rolled-up data if it is Aggregating
// (an Aggregating node absorbs its followers, so an upper of it only ever
// needs the already-folded total).
func (n *Node) contribution() Data {
	if n.kind == Aggregating {
		return n.rolled
	}
	return n.ownData
}

func (n *Node) needsBalance() bool {
	return n.uppers.Len() > MaxUppers || (n.kind == Aggregating && n.followers.Len() > MaxFollowers)
}
