package opctx

import "testing"

type testKeyMarker struct{}

var testKey = NewKey[testKeyMarker, int](7)

func TestGetDefault(t *testing.T) {
	c := New()
	if got := Get(c, testKey); got != 7 {
		t.Fatalf("unset key should return declared default, got %d", got)
	}
}

func TestSetThenGetRoundTrip(t *testing.T) {
	c := Set(New(), testKey, 42)
	if got := Get(c, testKey); got != 42 {
		t.Fatalf("got %d want 42", got)
	}
}

func TestSetDoesNotMutateReceiver(t *testing.T) {
	base := Set(New(), testKey, 1)
	derived := Set(base, testKey, 2)
	if Get(base, testKey) != 1 {
		t.Fatalf("Set must not mutate the context it was called on")
	}
	if Get(derived, testKey) != 2 {
		t.Fatalf("got %d want 2", Get(derived, testKey))
	}
}

func TestCloneIndependence(t *testing.T) {
	base := Set(New(), testKey, 1)
	clone := base.Clone()
	mutated := Set(clone, testKey, 99)
	if Get(base, testKey) != 1 {
		t.Fatalf("mutating a clone must not affect the original")
	}
	if Get(mutated, testKey) != 99 {
		t.Fatalf("got %d want 99", Get(mutated, testKey))
	}
}

func TestZeroValueContextUsable(t *testing.T) {
	var c Context
	if got := Get(c, testKey); got != 7 {
		t.Fatalf("zero-value Context must behave as empty, got %d", got)
	}
}
