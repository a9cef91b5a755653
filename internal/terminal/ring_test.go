package terminal

import (
	"bytes"
	"testing"
)

func TestRingEvictsExactOverflow(t *testing.T) {
	r := NewRing(10)
	r.Append([]byte("0123456789"))
	r.Append([]byte("AB"))

	snap := r.Snapshot()
	if string(snap) != "23456789AB" {
		t.Fatalf("snapshot = %q, want %q", snap, "23456789AB")
	}
	if r.Len() != 10 {
		t.Fatalf("len = %d, want 10", r.Len())
	}
}

func TestRingOversizedAppendKeepsTail(t *testing.T) {
	r := NewRing(4)
	r.Append([]byte("abcdefgh"))
	if got := string(r.Snapshot()); got != "efgh" {
		t.Fatalf("snapshot = %q, want %q", got, "efgh")
	}
}

func TestRingSnapshotDoesNotClear(t *testing.T) {
	r := NewRing(100)
	r.Append([]byte("hello"))
	first := r.Snapshot()
	second := r.Snapshot()
	if !bytes.Equal(first, second) {
		t.Fatal("snapshot changed between reads")
	}
	if r.Len() != 5 {
		t.Fatalf("len = %d after snapshots, want 5", r.Len())
	}
}

func TestRingSnapshotIsACopy(t *testing.T) {
	r := NewRing(100)
	r.Append([]byte("abc"))
	snap := r.Snapshot()
	snap[0] = 'X'
	if got := string(r.Snapshot()); got != "abc" {
		t.Fatalf("mutating a snapshot leaked into the ring: %q", got)
	}
}

func TestRingEmptyAppend(t *testing.T) {
	r := NewRing(10)
	r.Append(nil)
	if r.Len() != 0 {
		t.Fatal("empty append should be a no-op")
	}
}
