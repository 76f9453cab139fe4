package buffer

import (
	"testing"

	"txnkernel/pkg/primitives"
)

// TestLRUKEvictionOrder reproduces the literal k=2 scenario: frames
// 1..6 are each accessed once, 1..5 are made evictable, frame 1 is
// accessed a second time, and eviction must proceed 2, 3, 4, 5, 1, fail.
func TestLRUKEvictionOrder(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	for i := 1; i <= 6; i++ {
		r.RecordAccess(primitives.FrameID(i))
	}
	for i := 1; i <= 5; i++ {
		r.SetEvictable(primitives.FrameID(i), true)
	}
	r.RecordAccess(primitives.FrameID(1))

	want := []primitives.FrameID{2, 3, 4, 5, 1}
	for _, expect := range want {
		got, ok := r.Evict()
		if !ok {
			t.Fatalf("expected Evict to succeed with frame %d, got failure", expect)
		}
		if got != expect {
			t.Fatalf("expected Evict to return %d, got %d", expect, got)
		}
	}

	if _, ok := r.Evict(); ok {
		t.Fatalf("expected Evict to fail once no evictable frames remain")
	}
}

func TestSetEvictableTogglesSize(t *testing.T) {
	r := NewLRUKReplacer(3, 2)
	r.RecordAccess(1)
	if r.Size() != 0 {
		t.Fatalf("frame should not count until marked evictable")
	}
	r.SetEvictable(1, true)
	if r.Size() != 1 {
		t.Fatalf("expected size 1, got %d", r.Size())
	}
	r.SetEvictable(1, false)
	if r.Size() != 0 {
		t.Fatalf("expected size 0 after un-marking, got %d", r.Size())
	}
}

func TestRecordAccessNoOpWhenFull(t *testing.T) {
	r := NewLRUKReplacer(1, 2)
	r.RecordAccess(1)
	r.RecordAccess(2) // unknown frame, replacer already at capacity
	if len(r.frames) != 1 {
		t.Fatalf("expected replacer to ignore new frame once full, got %d tracked", len(r.frames))
	}
}

func TestRemovePanicsOnNonEvictable(t *testing.T) {
	r := NewLRUKReplacer(2, 2)
	r.RecordAccess(1)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Remove to panic on a non-evictable frame")
		}
	}()
	r.Remove(1)
}
