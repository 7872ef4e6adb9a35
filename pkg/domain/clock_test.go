package domain

import (
	"reflect"
	"testing"
)

func TestVectorClockCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b VectorClock
		want Ordering
	}{
		{"both empty", VectorClock{}, VectorClock{}, OrderEqual},
		{"nil equals empty", nil, VectorClock{}, OrderEqual},
		{"identical", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 2, "b": 1}, OrderEqual},
		{"component behind", VectorClock{"a": 1}, VectorClock{"a": 2}, OrderBefore},
		{"missing component behind", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, OrderBefore},
		{"component ahead", VectorClock{"a": 3}, VectorClock{"a": 2}, OrderAfter},
		{"disjoint devices", VectorClock{"a": 1}, VectorClock{"b": 1}, OrderConcurrent},
		{"mixed dominance", VectorClock{"a": 5}, VectorClock{"a": 3, "b": 1}, OrderConcurrent},
		{"zero component ignored", VectorClock{"a": 1, "b": 0}, VectorClock{"a": 1}, OrderEqual},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.want {
				t.Fatalf("Compare = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestVectorClockCompareAntisymmetry(t *testing.T) {
	a := VectorClock{"a": 1, "b": 2}
	b := VectorClock{"a": 2, "b": 2}
	if a.Compare(b) != OrderBefore || b.Compare(a) != OrderAfter {
		t.Fatalf("ordering must be antisymmetric: %v / %v", a.Compare(b), b.Compare(a))
	}
}

func TestVectorClockMerge(t *testing.T) {
	a := VectorClock{"a": 2, "b": 1}
	b := VectorClock{"a": 1, "c": 4}
	got := a.Merge(b)
	want := VectorClock{"a": 2, "b": 1, "c": 4}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge = %v, want %v", got, want)
	}
	// The merged clock dominates or equals both inputs.
	if got.Compare(a) == OrderBefore || got.Compare(b) == OrderBefore {
		t.Fatal("merged clock must not precede either input")
	}
	// Inputs are untouched.
	if !reflect.DeepEqual(a, VectorClock{"a": 2, "b": 1}) {
		t.Fatalf("Merge mutated its receiver: %v", a)
	}
}

func TestVectorClockTick(t *testing.T) {
	vc := VectorClock{}
	if got := vc.Tick("device-a"); got != 1 {
		t.Fatalf("first tick = %d, want 1", got)
	}
	if got := vc.Tick("device-a"); got != 2 {
		t.Fatalf("second tick = %d, want 2", got)
	}
	if got := vc.Tick("device-b"); got != 1 {
		t.Fatalf("independent device tick = %d, want 1", got)
	}
}

func TestVectorClockCloneIsolation(t *testing.T) {
	orig := VectorClock{"a": 1}
	clone := orig.Clone()
	clone.Tick("a")
	if orig["a"] != 1 {
		t.Fatalf("clone must not alias the original, got %v", orig)
	}
	if VectorClock(nil).Clone() != nil {
		t.Fatal("nil clock must clone to nil")
	}
}
