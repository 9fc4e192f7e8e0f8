package ring

import "testing"

func TestBufferOverwritesOldest(t *testing.T) {
	b := New(3)
	b.Push(1)
	b.Push(2)
	b.Push(3)
	b.Push(4)

	values := b.Values()
	if len(values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(values))
	}
	if values[0] != 2 || values[1] != 3 || values[2] != 4 {
		t.Fatalf("unexpected values after overwrite: %v", values)
	}
}

func TestBufferLast(t *testing.T) {
	b := New(2)
	if _, ok := b.Last(); ok {
		t.Fatalf("expected empty buffer to report no last value")
	}

	b.Push("a")
	b.Push("b")

	last, ok := b.Last()
	if !ok || last != "b" {
		t.Fatalf("expected last value 'b', got %v", last)
	}
}
