package countset

import "testing"

func TestAddReportsFirstPositive(t *testing.T) {
	c := New[string]()
	if !c.Add("a", 1) {
		t.Fatal("first add should report first-positive")
	}
	if c.Add("a", 1) {
		t.Fatal("second add should not report first-positive")
	}
}

func TestRemoveReportsZeroCrossing(t *testing.T) {
	c := New[string]()
	c.Add("a", 2)
	if c.Remove("a", 1) {
		t.Fatal("removing 1 of 2 should not cross zero")
	}
	if !c.Remove("a", 1) {
		t.Fatal("removing the last reference should cross zero")
	}
	if c.Has("a") {
		t.Fatal("entry should be gone after dropping to zero")
	}
}

func TestRemoveEntryUnconditional(t *testing.T) {
	c := New[string]()
	c.Add("a", 5)
	n, ok := c.RemoveEntry("a")
	if !ok || n != 5 {
		t.Fatalf("RemoveEntry = (%d, %v), want (5, true)", n, ok)
	}
	if _, ok := c.RemoveEntry("a"); ok {
		t.Fatal("second RemoveEntry should report absent")
	}
}

func TestUnionAddsCounts(t *testing.T) {
	a := New[string]()
	a.Add("x", 1)
	b := New[string]()
	b.Add("x", 2)
	b.Add("y", 1)
	a.Union(b)
	if !a.Has("x") || !a.Has("y") {
		t.Fatalf("union missing keys: %v", a.Keys())
	}
	if n, _ := a.RemoveEntry("x"); n != 3 {
		t.Fatalf("x count = %d, want 3", n)
	}
}
