package aggregation

// Data is the rolled-up value type an Aggregating node carries: a
// commutative monoid with an undoable add. Concrete engines pick one Data
// implementation per build (per Design Notes, "Dynamic aggregation data
// type"); this build uses Counts.
type Data interface {
	// AddChange folds delta into the receiver, returning the result.
	AddChange(delta Data) Data
	// RemoveChange undoes a previously-applied AddChange(delta).
	RemoveChange(delta Data) Data
}

// Counts is the concrete Data implementation this engine uses: running
// totals of dirty, in-progress, and failed tasks under a node.
type Counts struct {
	Dirty   int64
	Running int64
	Errors  int64
}

// ZeroCounts is the monoid identity.
var ZeroCounts = Counts{}

func (c Counts) AddChange(delta Data) Data {
	d := delta.(Counts)
	return Counts{
		Dirty:   c.Dirty + d.Dirty,
		Running: c.Running + d.Running,
		Errors:  c.Errors + d.Errors,
	}
}

func (c Counts) RemoveChange(delta Data) Data {
	d := delta.(Counts)
	return Counts{
		Dirty:   c.Dirty - d.Dirty,
		Running: c.Running - d.Running,
		Errors:  c.Errors - d.Errors,
	}
}
