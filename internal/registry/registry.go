// Package registry implements the task registry: lookup_or_create, read,
// and invalidate over the process-wide task table.
package registry

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"turbotasks/internal/cell"
	"turbotasks/internal/task"
)

// ErrHashCollision is returned when two structurally different argument
// sets hash to the same ArgHash. At 128 bits this should never happen in
// practice; surfacing it as a typed error beats silently aliasing two
// unrelated tasks.
var ErrHashCollision = errors.New("registry: argument hash collision")

// ErrUnknownTask is returned by operations addressing a task.ID the
// registry has never created.
var ErrUnknownTask = errors.New("registry: unknown task id")

// Registry is the process-wide task table. One Registry backs one Engine.
type Registry struct {
	log hclog.Logger

	mu     sync.RWMutex
	byKey  map[task.Key]task.ID
	tasks  map[task.ID]*task.Task
	nextID uint64

	group singleflight.Group
	cells *cell.Store
}

// New creates an empty registry backed by the given cell store.
func New(cells *cell.Store, log hclog.Logger) *Registry {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Registry{
		log:   log.Named("registry"),
		byKey: make(map[task.Key]task.ID),
		tasks: make(map[task.ID]*task.Task),
		cells: cells,
	}
}

// LookupOrCreate returns the task for (fn, hash), creating it if absent.
// Concurrent callers racing on the same key are deduplicated through a
// singleflight group so exactly one task.Task is created and every caller
// observes the same task.ID.
func (r *Registry) LookupOrCreate(fn task.FunctionID, hash task.ArgHash, args any) (*task.Task, error) {
	key := task.Key{Fn: fn, Hash: hash}

	if tk, ok := r.lookup(key); ok {
		if err := r.checkCollision(tk, args); err != nil {
			return nil, err
		}
		return tk, nil
	}

	sfKey := fmt.Sprintf("%s:%x", fn, hash)
	v, err, _ := r.group.Do(sfKey, func() (any, error) {
		if tk, ok := r.lookup(key); ok {
			return tk, nil
		}

		id := task.ID(atomic.AddUint64(&r.nextID, 1))
		tk := task.New(id, fn, hash, args)

		r.mu.Lock()
		r.byKey[key] = id
		r.tasks[id] = tk
		r.mu.Unlock()

		r.log.Debug("created task", "fn", fn, "id", id)
		return tk, nil
	})
	if err != nil {
		return nil, err
	}

	tk := v.(*task.Task)
	if err := r.checkCollision(tk, args); err != nil {
		return nil, err
	}
	return tk, nil
}

func (r *Registry) lookup(key task.Key) (*task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return r.tasks[id], true
}

// checkCollision guards against two distinct argument sets hashing to the
// same key. For an ArgHasher (e.g. engine.TaskHandle), equality is its own
// HashArg() bytes, since such types carry unexported identity fields
// (e.g. a per-Invoke release token) that are irrelevant to task identity
// and that reflect.DeepEqual would otherwise treat as a spurious
// mismatch. Everything else compares by structural equality (not pointer
// equality), matching the teacher's stance that task identity is
// content, not address.
func (r *Registry) checkCollision(tk *task.Task, args any) error {
	if h, ok := args.(ArgHasher); ok {
		if existing, ok := tk.Args.(ArgHasher); ok && bytes.Equal(existing.HashArg(), h.HashArg()) {
			return nil
		}
	} else if reflect.DeepEqual(tk.Args, args) {
		return nil
	}
	r.log.Warn("argument hash collision", "fn", tk.Fn, "id", tk.ID)
	return errors.Wrapf(ErrHashCollision, "fn=%s id=%d", tk.Fn, tk.ID)
}

// Get resolves a task.ID to its Task, if known.
func (r *Registry) Get(id task.ID) (*task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tk, ok := r.tasks[id]
	return tk, ok
}

// Read returns the current content of a task's default output cell (slot
// 0) along with the task's state, so the scheduler can decide whether to
// return the value immediately or suspend the caller until the task
// reaches Clean.
func (r *Registry) Read(id task.ID) (cell.Content, task.State, error) {
	tk, ok := r.Get(id)
	if !ok {
		return cell.Content{}, 0, errors.Wrapf(ErrUnknownTask, "id=%d", id)
	}
	content, _ := r.cells.Read(cell.Key{Task: uint64(id), Slot: 0})
	return content, tk.State(), nil
}

// Invalidate forces a task from Clean (or any non-terminal state) back to
// Dirty. It is idempotent: invalidating an already-Dirty or Cancelled task
// is a no-op. Returns the task's dependents so the caller (the invalidator)
// can continue the BFS.
func (r *Registry) Invalidate(id task.ID) ([]task.ID, error) {
	tk, ok := r.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTask, "id=%d", id)
	}

	cur := tk.State()
	switch cur {
	case task.Dirty, task.Cancelled:
		return nil, nil
	}
	if err := tk.Transition(cur, task.Dirty); err != nil {
		// Lost a race with a concurrent transition; the task is already
		// moving, which is an acceptable outcome for an idempotent call.
		return tk.Dependents(), nil
	}
	return tk.Dependents(), nil
}

// Tasks returns a snapshot of every task.ID currently registered.
func (r *Registry) Tasks() []task.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.ID, 0, len(r.tasks))
	for id := range r.tasks {
		out = append(out, id)
	}
	return out
}

// Delete removes a task and its cells entirely. Called by garbage
// collection once listener and dependent counts both reach zero.
func (r *Registry) Delete(id task.ID) {
	r.mu.Lock()
	tk, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
		delete(r.byKey, task.Key{Fn: tk.Fn, Hash: tk.Hash})
	}
	r.mu.Unlock()
	r.cells.Delete(uint64(id))
}
