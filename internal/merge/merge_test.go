package merge

import (
	"math/rand"
	"reflect"
	"testing"
	"time"

	"floracore/pkg/domain"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func lwwState(value any, at time.Time, device string, clock domain.VectorClock) domain.FieldState {
	return domain.FieldState{
		Kind:       domain.KindLWW,
		Value:      value,
		UpdatedAt:  at,
		UpdatedBy:  device,
		Clock:      clock,
		WriteClock: clock.Clone(),
	}
}

func tombState(at time.Time, device string, clock domain.VectorClock) domain.FieldState {
	return domain.FieldState{
		Kind:           domain.KindLWW,
		Tombstone:      true,
		UpdatedAt:      at,
		UpdatedBy:      device,
		Clock:          clock,
		TombstoneClock: clock.Clone(),
	}
}

func mustMerge(t *testing.T, a, b domain.FieldState) domain.FieldState {
	t.Helper()
	out, err := Fields("test.path", a, b)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	return out
}

func TestLWWConcurrentHigherTimestampWins(t *testing.T) {
	a := lwwState(18.0, baseTime, "device-a", domain.VectorClock{"device-a": 1})
	b := lwwState(19.5, baseTime.Add(time.Minute), "device-b", domain.VectorClock{"device-b": 1})

	out := mustMerge(t, a, b)
	if out.Value != 19.5 {
		t.Fatalf("expected newer write to win, got %v", out.Value)
	}
	if len(out.Overlay) != 1 || out.Overlay[0].Value != 18.0 {
		t.Fatalf("loser must be retained in overlay, got %+v", out.Overlay)
	}
	if got := out.Clock.Compare(domain.VectorClock{"device-a": 1, "device-b": 1}); got != domain.OrderEqual {
		t.Fatalf("merged clock must cover both writes, got %v", got)
	}
}

func TestLWWConcurrentSameTimestampDeviceTieBreak(t *testing.T) {
	a := lwwState("mist", baseTime, "device-a", domain.VectorClock{"device-a": 3})
	b := lwwState("drip", baseTime, "device-b", domain.VectorClock{"device-b": 2})

	out := mustMerge(t, a, b)
	if out.Value != "drip" {
		t.Fatalf("device id tie-break must pick the higher device, got %v", out.Value)
	}
	if out.UpdatedBy != "device-b" {
		t.Fatalf("winner metadata must follow the winning write, got %s", out.UpdatedBy)
	}
}

func TestLWWTimestampRulesEvenWhenClocksOrdered(t *testing.T) {
	older := lwwState(1.0, baseTime.Add(time.Hour), "device-z", domain.VectorClock{"device-a": 1})
	newer := lwwState(2.0, baseTime, "device-a", domain.VectorClock{"device-a": 2})

	out := mustMerge(t, older, newer)
	if out.Value != 1.0 {
		t.Fatalf("LWW ranks by (timestamp, device) total order, got %v", out.Value)
	}
	if got := out.Clock.Compare(domain.VectorClock{"device-a": 2}); got != domain.OrderEqual {
		t.Fatalf("losing side's causal history must still be absorbed, got %v", got)
	}
	if len(out.Overlay) != 1 || out.Overlay[0].Value != 2.0 {
		t.Fatalf("losing value must be shadowed, got %+v", out.Overlay)
	}
}

// Device A deletes a field its clock saw at {A:5}; device B pushes a stale
// upsert from {A:3,B:1}. The two are concurrent, so the delete dominates.
func TestTombstoneDominatesConcurrentUpsert(t *testing.T) {
	tomb := tombState(baseTime, "device-a", domain.VectorClock{"device-a": 5})
	stale := lwwState(22.5, baseTime.Add(time.Hour), "device-b", domain.VectorClock{"device-a": 3, "device-b": 1})

	for name, out := range map[string]domain.FieldState{
		"tomb-local":  mustMerge(t, tomb, stale),
		"tomb-remote": mustMerge(t, stale, tomb),
	} {
		if !out.Tombstone {
			t.Fatalf("%s: concurrent upsert must not resurrect a tombstone", name)
		}
		if out.Value != 22.5 {
			t.Fatalf("%s: suppressed write must stay observable in the register, got %v", name, out.Value)
		}
	}
}

func TestTombstoneResurrectedOnlyByCausallyLaterWrite(t *testing.T) {
	tomb := tombState(baseTime, "device-a", domain.VectorClock{"device-a": 5})
	later := lwwState(30.0, baseTime.Add(time.Minute), "device-b", domain.VectorClock{"device-a": 5, "device-b": 1})

	out := mustMerge(t, tomb, later)
	if out.Tombstone {
		t.Fatal("a write that causally follows the delete must resurrect the field")
	}
	if out.Value != 30.0 {
		t.Fatalf("expected resurrected value, got %v", out.Value)
	}
}

// A tombstone, a later write that observed it, and a bystander write
// concurrent with both must merge to one state in every association order.
func TestTombstoneMergeOrderIndependent(t *testing.T) {
	tomb := tombState(baseTime, "device-a", domain.VectorClock{"device-a": 5})
	follower := lwwState(7.0, baseTime.Add(2*time.Minute), "device-b", domain.VectorClock{"device-a": 5, "device-b": 1})
	bystander := lwwState(3.0, baseTime.Add(time.Minute), "device-c", domain.VectorClock{"device-c": 1})

	orders := map[string]domain.FieldState{
		"tomb-bystander-follower": mustMerge(t, mustMerge(t, tomb, bystander), follower),
		"tomb-follower-bystander": mustMerge(t, mustMerge(t, tomb, follower), bystander),
		"follower-bystander-tomb": mustMerge(t, mustMerge(t, follower, bystander), tomb),
	}
	want := orders["tomb-follower-bystander"]
	for name, out := range orders {
		if !reflect.DeepEqual(out, want) {
			t.Fatalf("%s diverged:\n got %+v\nwant %+v", name, out, want)
		}
	}
	if want.Tombstone {
		t.Fatal("the winning write observed the delete, so the field must show")
	}
	if want.Value != 7.0 {
		t.Fatalf("value = %v, want the follower's write", want.Value)
	}

	// With the bystander as the latest writer the register belongs to a
	// write that never saw the delete, so the field stays hidden in every
	// order instead of flapping with arrival order.
	lateBystander := lwwState(3.0, baseTime.Add(3*time.Minute), "device-c", domain.VectorClock{"device-c": 1})
	suppressed := mustMerge(t, mustMerge(t, tomb, lateBystander), follower)
	alt := mustMerge(t, follower, mustMerge(t, lateBystander, tomb))
	if !reflect.DeepEqual(suppressed, alt) {
		t.Fatalf("association orders diverged:\n got %+v\nwant %+v", suppressed, alt)
	}
	if !suppressed.Tombstone {
		t.Fatal("a winning write concurrent with the delete must not resurrect the field")
	}
}

// Two offline devices tag the same entity with different elements; after both
// sync the merged set contains both tags regardless of push order.
func TestORSetConcurrentAddsUnion(t *testing.T) {
	a := domain.FieldState{
		Kind:      domain.KindORSet,
		UpdatedAt: baseTime,
		UpdatedBy: "device-a",
		Clock:     domain.VectorClock{"device-a": 1},
		Adds:      map[string]domain.VectorClock{"organic": {"device-a": 1}},
	}
	b := domain.FieldState{
		Kind:      domain.KindORSet,
		UpdatedAt: baseTime.Add(time.Second),
		UpdatedBy: "device-b",
		Clock:     domain.VectorClock{"device-b": 1},
		Adds:      map[string]domain.VectorClock{"greenhouse": {"device-b": 1}},
	}

	ab := mustMerge(t, a, b)
	ba := mustMerge(t, b, a)
	want := []string{"greenhouse", "organic"}
	if !reflect.DeepEqual(ORSetElements(ab), want) {
		t.Fatalf("merge(a,b) elements = %v, want %v", ORSetElements(ab), want)
	}
	if !reflect.DeepEqual(ORSetElements(ba), want) {
		t.Fatalf("merge(b,a) elements = %v, want %v", ORSetElements(ba), want)
	}
}

func TestORSetConcurrentAddBeatsRemove(t *testing.T) {
	removed := domain.FieldState{
		Kind:      domain.KindORSet,
		UpdatedAt: baseTime,
		UpdatedBy: "device-a",
		Clock:     domain.VectorClock{"device-a": 2},
		Removes:   map[string]domain.VectorClock{"organic": {"device-a": 2}},
	}
	readded := domain.FieldState{
		Kind:      domain.KindORSet,
		UpdatedAt: baseTime,
		UpdatedBy: "device-b",
		Clock:     domain.VectorClock{"device-b": 1},
		Adds:      map[string]domain.VectorClock{"organic": {"device-b": 1}},
	}

	out := mustMerge(t, removed, readded)
	if got := ORSetElements(out); !reflect.DeepEqual(got, []string{"organic"}) {
		t.Fatalf("concurrent add must beat remove, got %v", got)
	}
}

func TestORSetRemoveDominatesObservedAdd(t *testing.T) {
	added := domain.FieldState{
		Kind:      domain.KindORSet,
		UpdatedAt: baseTime,
		UpdatedBy: "device-a",
		Clock:     domain.VectorClock{"device-a": 1},
		Adds:      map[string]domain.VectorClock{"organic": {"device-a": 1}},
	}
	removed := domain.FieldState{
		Kind:      domain.KindORSet,
		UpdatedAt: baseTime.Add(time.Second),
		UpdatedBy: "device-b",
		Clock:     domain.VectorClock{"device-a": 1, "device-b": 1},
		Removes:   map[string]domain.VectorClock{"organic": {"device-a": 1, "device-b": 1}},
	}

	out := mustMerge(t, added, removed)
	if got := ORSetElements(out); len(got) != 0 {
		t.Fatalf("remove that observed the add must win, got %v", got)
	}
}

func TestMVRetainsConcurrentVariants(t *testing.T) {
	a := domain.FieldState{
		Kind:      domain.KindMV,
		UpdatedAt: baseTime,
		UpdatedBy: "device-a",
		Clock:     domain.VectorClock{"device-a": 1},
		Variants: []domain.Variant{
			{Value: "weekly", Clock: domain.VectorClock{"device-a": 1}, UpdatedAt: baseTime, UpdatedBy: "device-a"},
		},
	}
	b := domain.FieldState{
		Kind:      domain.KindMV,
		UpdatedAt: baseTime.Add(time.Minute),
		UpdatedBy: "device-b",
		Clock:     domain.VectorClock{"device-b": 1},
		Variants: []domain.Variant{
			{Value: "biweekly", Clock: domain.VectorClock{"device-b": 1}, UpdatedAt: baseTime.Add(time.Minute), UpdatedBy: "device-b"},
		},
	}

	out := mustMerge(t, a, b)
	if len(out.Variants) != 2 {
		t.Fatalf("concurrent variants must both survive, got %d", len(out.Variants))
	}
	active, ok := ActiveVariant(out)
	if !ok || active.Value != "biweekly" {
		t.Fatalf("active pick must be the newest write, got %+v", active)
	}
	if out.Value != "biweekly" {
		t.Fatalf("field value must track the active variant, got %v", out.Value)
	}
}

func TestMVDropsDominatedVariant(t *testing.T) {
	stale := domain.Variant{Value: "weekly", Clock: domain.VectorClock{"device-a": 1}, UpdatedAt: baseTime, UpdatedBy: "device-a"}
	successor := domain.Variant{Value: "daily", Clock: domain.VectorClock{"device-a": 2}, UpdatedAt: baseTime.Add(time.Minute), UpdatedBy: "device-a"}

	a := domain.FieldState{Kind: domain.KindMV, UpdatedAt: stale.UpdatedAt, UpdatedBy: "device-a", Clock: stale.Clock.Clone(), Variants: []domain.Variant{stale}}
	b := domain.FieldState{Kind: domain.KindMV, UpdatedAt: successor.UpdatedAt, UpdatedBy: "device-a", Clock: successor.Clock.Clone(), Variants: []domain.Variant{successor}}

	out := mustMerge(t, a, b)
	if len(out.Variants) != 1 || out.Variants[0].Value != "daily" {
		t.Fatalf("causally dominated variant must be dropped, got %+v", out.Variants)
	}
}

func TestKindMismatchIsUnresolvable(t *testing.T) {
	a := lwwState(1.0, baseTime, "device-a", domain.VectorClock{"device-a": 1})
	b := domain.FieldState{Kind: domain.KindORSet, UpdatedAt: baseTime, UpdatedBy: "device-b", Clock: domain.VectorClock{"device-b": 1}}

	if _, err := Fields("test.path", a, b); err == nil {
		t.Fatal("kind mismatch must fail, not silently pick a side")
	}
}

// randomLWWState builds a single-write state attributed to the given device
// with an arbitrary clock, so pairs of states cover ordered, equal, and
// concurrent relationships. Roughly a quarter of the writes are deletes, so
// the laws hold across the tombstone/live boundary and not just between live
// registers. Each state in a comparison gets a distinct device: two different
// writes can never share a (timestamp, device) pair in practice, and the
// tie-break relies on that.
func randomLWWState(rng *rand.Rand, device string) domain.FieldState {
	devices := []string{"device-a", "device-b", "device-c"}
	clock := domain.VectorClock{}
	for _, dev := range devices {
		if n := rng.Intn(4); n > 0 {
			clock[dev] = uint64(n)
		}
	}
	if len(clock) == 0 {
		clock[device] = 1
	}
	fs := domain.FieldState{
		Kind:      domain.KindLWW,
		UpdatedAt: baseTime.Add(time.Duration(rng.Intn(50)) * time.Second),
		UpdatedBy: device,
		Clock:     clock,
	}
	if rng.Intn(4) == 0 {
		fs.Tombstone = true
		fs.TombstoneClock = clock.Clone()
		return fs
	}
	fs.Value = float64(rng.Intn(100))
	fs.WriteClock = clock.Clone()
	return fs
}

func TestMergeCommutativity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		a, b := randomLWWState(rng, "device-a"), randomLWWState(rng, "device-b")
		ab := mustMerge(t, a, b)
		ba := mustMerge(t, b, a)
		if !reflect.DeepEqual(ab, ba) {
			t.Fatalf("iteration %d: merge not commutative\na=%+v\nb=%+v\nab=%+v\nba=%+v", i, a, b, ab, ba)
		}
	}
}

func TestMergeIdempotence(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 500; i++ {
		a := randomLWWState(rng, "device-a")
		aa := mustMerge(t, a, a)
		if !reflect.DeepEqual(aa, a) {
			t.Fatalf("iteration %d: merge(a,a) != a\na=%+v\naa=%+v", i, a, aa)
		}
	}
}

func TestMergeAssociativity(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		a, b, c := randomLWWState(rng, "device-a"), randomLWWState(rng, "device-b"), randomLWWState(rng, "device-c")
		left := mustMerge(t, mustMerge(t, a, b), c)
		right := mustMerge(t, a, mustMerge(t, b, c))
		if !reflect.DeepEqual(left, right) {
			t.Fatalf("iteration %d: merge not associative\na=%+v\nb=%+v\nc=%+v\nleft=%+v\nright=%+v", i, a, b, c, left, right)
		}
	}
}

func TestORSetMergeLaws(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	elements := []string{"organic", "greenhouse", "hydro", "heirloom"}
	randomSet := func(device string) domain.FieldState {
		fs := domain.FieldState{
			Kind:      domain.KindORSet,
			UpdatedAt: baseTime.Add(time.Duration(rng.Intn(50)) * time.Second),
			UpdatedBy: device,
			Clock:     domain.VectorClock{"device-a": uint64(rng.Intn(4) + 1)},
			Adds:      map[string]domain.VectorClock{},
		}
		if rng.Intn(4) == 0 {
			fs.Adds = nil
			fs.Tombstone = true
			fs.TombstoneClock = fs.Clock.Clone()
			return fs
		}
		fs.WriteClock = fs.Clock.Clone()
		for _, elem := range elements {
			if rng.Intn(2) == 0 {
				fs.Adds[elem] = domain.VectorClock{fs.UpdatedBy: uint64(rng.Intn(5) + 1)}
			}
			if rng.Intn(4) == 0 {
				if fs.Removes == nil {
					fs.Removes = map[string]domain.VectorClock{}
				}
				fs.Removes[elem] = domain.VectorClock{fs.UpdatedBy: uint64(rng.Intn(5) + 1)}
			}
		}
		if len(fs.Adds) == 0 {
			fs.Adds = nil
		}
		fs.Value = elementSlice(fs.Adds, fs.Removes)
		return fs
	}

	for i := 0; i < 300; i++ {
		a, b, c := randomSet("device-a"), randomSet("device-b"), randomSet("device-c")
		ab := mustMerge(t, a, b)
		ba := mustMerge(t, b, a)
		if !reflect.DeepEqual(ab, ba) {
			t.Fatalf("iteration %d: or-set merge not commutative", i)
		}
		left := mustMerge(t, ab, c)
		right := mustMerge(t, a, mustMerge(t, b, c))
		if !reflect.DeepEqual(left, right) {
			t.Fatalf("iteration %d: or-set merge not associative", i)
		}
		aa := mustMerge(t, a, a)
		if !reflect.DeepEqual(aa, a) {
			t.Fatalf("iteration %d: or-set merge not idempotent\na=%+v\naa=%+v", i, a, aa)
		}
	}
}
