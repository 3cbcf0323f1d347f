package registry

import (
	"sync"
	"testing"

	"turbotasks/internal/cell"
	"turbotasks/internal/task"
)

func newTestRegistry() *Registry {
	return New(cell.NewStore(), nil)
}

func TestLookupOrCreateDedupesIdenticalArgs(t *testing.T) {
	r := newTestRegistry()
	h, err := HashArgs(map[string]any{"x": 1})
	if err != nil {
		t.Fatal(err)
	}

	a, err := r.LookupOrCreate("double", h, map[string]any{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.LookupOrCreate("double", h, map[string]any{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected same task.ID, got %d and %d", a.ID, b.ID)
	}
}

func TestLookupOrCreateConcurrentRaceYieldsOneTask(t *testing.T) {
	r := newTestRegistry()
	h, err := HashArgs(42)
	if err != nil {
		t.Fatal(err)
	}

	const n = 64
	ids := make([]task.ID, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			tk, err := r.LookupOrCreate("compute", h, 42)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = tk.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("goroutine %d got task.ID %d, want %d", i, ids[i], ids[0])
		}
	}
}

func TestLookupOrCreateDetectsCollision(t *testing.T) {
	r := newTestRegistry()
	var h task.ArgHash
	if _, err := r.LookupOrCreate("f", h, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LookupOrCreate("f", h, 2); err == nil {
		t.Fatal("expected collision error for differing args under same hash")
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	h, _ := HashArgs(1)
	tk, err := r.LookupOrCreate("f", h, 1)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Invalidate(tk.ID); err != nil {
		t.Fatal(err)
	}
	if tk.State() != task.Dirty {
		t.Fatalf("state = %s, want Dirty", tk.State())
	}
	// Invalidating an already-Dirty task must not error.
	if _, err := r.Invalidate(tk.ID); err != nil {
		t.Fatalf("second Invalidate returned error: %v", err)
	}
}

func TestInvalidateUnknownTask(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Invalidate(999); err == nil {
		t.Fatal("expected error for unknown task id")
	}
}
