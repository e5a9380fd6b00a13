package idempotency

import (
	"fmt"
	"testing"
)

func TestShouldProcess_FirstTrueThenFalse(t *testing.T) {
	tr := NewTracker(0)
	if !tr.ShouldProcess("m1") {
		t.Fatal("first call should return true")
	}
	for i := range 5 {
		if tr.ShouldProcess("m1") {
			t.Fatalf("call %d for seen id returned true", i+2)
		}
	}
}

func TestShouldProcess_InterleavedIDs(t *testing.T) {
	tr := NewTracker(0)
	ids := []string{"a", "b", "a", "c", "b", "a", "d"}
	want := []bool{true, true, false, true, false, false, true}
	for i, id := range ids {
		if got := tr.ShouldProcess(id); got != want[i] {
			t.Errorf("ShouldProcess(%q) at step %d = %v, want %v", id, i, got, want[i])
		}
	}
	if tr.Len() != 4 {
		t.Errorf("Len() = %d, want 4", tr.Len())
	}
}

func TestShouldProcess_EmptyIDAlwaysProcessed(t *testing.T) {
	tr := NewTracker(0)
	for range 3 {
		if !tr.ShouldProcess("") {
			t.Fatal("empty id must always be processed")
		}
		if !tr.ShouldProcess("   ") {
			t.Fatal("blank id must always be processed")
		}
	}
	if tr.Len() != 0 {
		t.Errorf("empty ids must not be recorded, Len() = %d", tr.Len())
	}
	if tr.Seen("") {
		t.Error("Seen(\"\") should be false")
	}
}

func TestShouldProcess_BoundedEvictsOldest(t *testing.T) {
	tr := NewTracker(3)
	for i := range 3 {
		tr.ShouldProcess(fmt.Sprintf("m%d", i))
	}
	// Refresh m0 so m1 becomes the oldest.
	if tr.ShouldProcess("m0") {
		t.Fatal("m0 should still be recorded")
	}
	tr.ShouldProcess("m3")

	if tr.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tr.Len())
	}
	if tr.Seen("m1") {
		t.Error("m1 should have been evicted")
	}
	for _, id := range []string{"m0", "m2", "m3"} {
		if !tr.Seen(id) {
			t.Errorf("%s should still be recorded", id)
		}
	}
}

func TestSeen_DoesNotRecord(t *testing.T) {
	tr := NewTracker(0)
	if tr.Seen("x") {
		t.Fatal("unseen id reported as seen")
	}
	if !tr.ShouldProcess("x") {
		t.Fatal("Seen must not record the id")
	}
}

func TestForget_AllowsReprocessing(t *testing.T) {
	tr := NewTracker(0)
	tr.ShouldProcess("a")
	tr.ShouldProcess("b")

	tr.Forget("a")
	tr.Forget("missing")
	if tr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tr.Len())
	}
	if !tr.ShouldProcess("a") {
		t.Error("forgotten id should be processed again")
	}
	if tr.ShouldProcess("b") {
		t.Error("Forget must not touch other ids")
	}
}
