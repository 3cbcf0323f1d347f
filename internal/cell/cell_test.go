package cell

import "testing"

func TestWriteReadRoundTrip(t *testing.T) {
	s := NewStore()
	k := Key{Task: 1, Slot: 0}
	if _, ok := s.Read(k); ok {
		t.Fatal("expected miss on empty store")
	}
	s.Write(k, "hello", nil)
	got, ok := s.Read(k)
	if !ok {
		t.Fatal("expected hit after write")
	}
	if got.Value != "hello" || got.Version != 1 {
		t.Fatalf("got %+v, want Value=hello Version=1", got)
	}
}

func TestWriteBumpsVersionEvenWhenUnchanged(t *testing.T) {
	s := NewStore()
	k := Key{Task: 1, Slot: 0}
	s.Write(k, "x", nil)
	s.Write(k, "x", nil)
	got, _ := s.Read(k)
	if got.Version != 2 {
		t.Fatalf("Version = %d, want 2", got.Version)
	}
}

func TestDeleteRemovesOnlyOwnedSlots(t *testing.T) {
	s := NewStore()
	s.Write(Key{Task: 1, Slot: 0}, "a", nil)
	s.Write(Key{Task: 1, Slot: 1}, "b", nil)
	s.Write(Key{Task: 2, Slot: 0}, "c", nil)

	s.Delete(1)

	if _, ok := s.Read(Key{Task: 1, Slot: 0}); ok {
		t.Fatal("task 1 slot 0 should be gone")
	}
	if _, ok := s.Read(Key{Task: 1, Slot: 1}); ok {
		t.Fatal("task 1 slot 1 should be gone")
	}
	if _, ok := s.Read(Key{Task: 2, Slot: 0}); !ok {
		t.Fatal("task 2 slot 0 should survive")
	}
}

func TestKeyString(t *testing.T) {
	if got := (Key{Task: 5, Slot: 2}).String(); got != "5#2" {
		t.Fatalf("String() = %q, want %q", got, "5#2")
	}
}
