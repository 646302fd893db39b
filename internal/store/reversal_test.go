package store

import "testing"

func TestReversalVoid_RepeatedReturnsAccumulate(t *testing.T) {
	// A 500 kopeck bonus on a 10000 kopeck order, returned in two halves.
	// Each event's ratio is relative to the original order total, so the
	// second void must complete the row rather than halve the remainder.
	first := reversalVoid(500, 0, 0.5)
	if first != 250 {
		t.Fatalf("first reversal: expected 250 voided, got %d", first)
	}
	second := reversalVoid(500-first, first, 0.5)
	if second != 250 {
		t.Fatalf("second reversal: expected 250 voided, got %d", second)
	}
	if remaining := 500 - first - second; remaining != 0 {
		t.Fatalf("expected the row fully voided, got %d remaining", remaining)
	}
}

func TestReversalVoid_CappedAtRemaining(t *testing.T) {
	// 400 of 500 already voided; another 50% of the original would be 250
	// but only 100 is left.
	if got := reversalVoid(100, 400, 0.5); got != 100 {
		t.Fatalf("expected the void capped at 100, got %d", got)
	}
	// A full reversal after a partial one consumes exactly the remainder.
	if got := reversalVoid(250, 250, 1.0); got != 250 {
		t.Fatalf("expected 250 voided on full reversal, got %d", got)
	}
}

func TestReversalVoid_RoundsHalfAwayFromZero(t *testing.T) {
	if got := reversalVoid(333, 0, 0.5); got != 167 {
		t.Fatalf("expected 166.5 to round to 167, got %d", got)
	}
	if got := reversalVoid(0, 500, 0.5); got != 0 {
		t.Fatalf("a fully voided row must yield 0, got %d", got)
	}
}
