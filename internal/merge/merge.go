// Package merge implements per-field-kind conflict resolution for floracore
// field states. All merges are pure functions of (local, remote): total,
// terminating, and independent of arrival order, so the same properties hold
// whether an event arrives from the local outbox or a remote pull.
package merge

import (
	"fmt"
	"reflect"
	"sort"

	"floracore/pkg/domain"
)

// Fields merges two states of the same field path into a single deterministic
// result. The operation is commutative, associative, and idempotent.
//
// Policy by kind:
//   - LWW: the higher (timestamp, device_id) tuple wins; the losing value is
//     retained in the overlay slot, never discarded.
//   - OR-set: element-wise union of add/remove clocks; an element is present
//     unless its remove strictly dominates its add, so a concurrent add and
//     remove of the same element resolve to present. Callers relying on the
//     tie-break should treat "concurrent add beats remove" as contract.
//   - MV: all causally-maximal variants are retained; the active pick is the
//     highest (timestamp, device_id) tuple, with alternatives exposed for
//     provenance.
//
// Deletes are carried in a dedicated tombstone clock merged component-wise,
// separately from the live register and its history. Visibility is a pure
// projection of the two: the field is shown only when the winning live
// write's own clock strictly dominates every delete absorbed so far. Both
// slots merge independently of association order, so replicas converge no
// matter how events arrive.
func Fields(path string, local, remote domain.FieldState) (domain.FieldState, error) {
	if local.Kind != remote.Kind {
		return domain.FieldState{}, domain.ConflictUnresolvableError{
			Path:   path,
			Detail: fmt.Sprintf("field kind mismatch: %s vs %s", local.Kind, remote.Kind),
		}
	}

	var out domain.FieldState
	switch local.Kind {
	case domain.KindLWW:
		out = mergeLWW(local, remote)
	case domain.KindORSet:
		out = mergeORSet(local, remote)
	case domain.KindMV:
		out = mergeMV(local, remote)
	default:
		return domain.FieldState{}, domain.ConflictUnresolvableError{
			Path:   path,
			Detail: fmt.Sprintf("unknown field kind %q", local.Kind),
		}
	}

	out.TombstoneClock = nil
	out.Tombstone = false
	if len(local.TombstoneClock)+len(remote.TombstoneClock) > 0 {
		out.TombstoneClock = local.TombstoneClock.Merge(remote.TombstoneClock)
		out.Tombstone = out.WriteClock.Compare(out.TombstoneClock) != domain.OrderAfter
	}
	return out, nil
}

// wins reports whether (tsA, devA) beats (tsB, devB). Device ids are unique,
// so exact ties cannot occur between distinct writes.
func wins(a, b domain.FieldState) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.UpdatedBy > b.UpdatedBy
}

// liveWins reports whether a beats b for ownership of the live register. A
// state whose register is populated always beats one holding only delete
// history; between equally populated states the (timestamp, device) total
// order decides. A total order keeps winner selection associative.
func liveWins(a, b domain.FieldState) bool {
	aLive, bLive := len(a.WriteClock) > 0, len(b.WriteClock) > 0
	if aLive != bLive {
		return aLive
	}
	return wins(a, b)
}

// mergeLWW picks the winner by the (timestamp, device) total order. Ranking
// by a total order rather than causal clock dominance is what keeps the
// merge associative: clock dominance on merged states can mask concurrency
// and make the outcome depend on association order. The winner's own event
// clock rides along in WriteClock and later gates tombstone resurrection.
func mergeLWW(local, remote domain.FieldState) domain.FieldState {
	winner, loser := local, remote
	if liveWins(remote, local) {
		winner, loser = remote, local
	}
	out := winner.Clone()
	out.Clock = local.Clock.Merge(remote.Clock)
	out.Overlay = mergeOverlays(winner.Overlay, loser.Overlay...)
	if len(loser.WriteClock) > 0 && !sameWrite(winner, loser) {
		out.Overlay = mergeOverlays(out.Overlay, shadowOf(loser))
	}
	return out
}

// sameWrite reports whether two states describe the same write. Device ids
// are unique per write tuple, so matching (timestamp, device) suffices.
func sameWrite(a, b domain.FieldState) bool {
	return a.UpdatedAt.Equal(b.UpdatedAt) && a.UpdatedBy == b.UpdatedBy
}

func shadowOf(fs domain.FieldState) domain.ShadowedValue {
	return domain.ShadowedValue{Value: fs.Value, UpdatedAt: fs.UpdatedAt, UpdatedBy: fs.UpdatedBy}
}

// mergeOverlays unions shadowed values, deduplicates, drops entries matching
// no write (zero device), and keeps a deterministic newest-first order so the
// result is identical regardless of merge order.
func mergeOverlays(base []domain.ShadowedValue, extra ...domain.ShadowedValue) []domain.ShadowedValue {
	combined := make([]domain.ShadowedValue, 0, len(base)+len(extra))
	combined = append(combined, base...)
	combined = append(combined, extra...)
	var out []domain.ShadowedValue
	for _, sv := range combined {
		if sv.UpdatedBy == "" && sv.Value == nil {
			continue
		}
		dup := false
		for _, have := range out {
			if have.UpdatedBy == sv.UpdatedBy && have.UpdatedAt.Equal(sv.UpdatedAt) && reflect.DeepEqual(have.Value, sv.Value) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, sv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].UpdatedBy > out[j].UpdatedBy
	})
	return out
}

func mergeORSet(local, remote domain.FieldState) domain.FieldState {
	out := local.Clone()
	if liveWins(remote, local) {
		out = remote.Clone()
	}
	out.Clock = local.Clock.Merge(remote.Clock)
	out.Adds = mergeElementClocks(local.Adds, remote.Adds)
	out.Removes = mergeElementClocks(local.Removes, remote.Removes)
	if out.Adds != nil || out.Removes != nil {
		out.Value = elementSlice(out.Adds, out.Removes)
	}
	return out
}

func mergeElementClocks(a, b map[string]domain.VectorClock) map[string]domain.VectorClock {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]domain.VectorClock, len(a)+len(b))
	for elem, clock := range a {
		out[elem] = clock.Clone()
	}
	for elem, clock := range b {
		if have, ok := out[elem]; ok {
			out[elem] = have.Merge(clock)
		} else {
			out[elem] = clock.Clone()
		}
	}
	return out
}

// elementSlice computes the present elements of an OR-set in sorted order.
func elementSlice(adds, removes map[string]domain.VectorClock) []string {
	out := make([]string, 0, len(adds))
	for elem, addClock := range adds {
		if removeClock, removed := removes[elem]; removed {
			// Present unless the remove strictly dominates the add.
			if addClock.Compare(removeClock) == domain.OrderBefore {
				continue
			}
		}
		out = append(out, elem)
	}
	sort.Strings(out)
	return out
}

// ORSetElements returns the present elements of an OR-set field state.
func ORSetElements(fs domain.FieldState) []string {
	return elementSlice(fs.Adds, fs.Removes)
}

func mergeMV(local, remote domain.FieldState) domain.FieldState {
	out := local.Clone()
	if liveWins(remote, local) {
		out = remote.Clone()
	}
	out.Clock = local.Clock.Merge(remote.Clock)
	out.Variants = mergeVariants(local.Variants, remote.Variants)
	if len(out.Variants) > 0 {
		active := out.Variants[0]
		out.Value = active.Value
		out.UpdatedAt = active.UpdatedAt
		out.UpdatedBy = active.UpdatedBy
		out.WriteClock = active.Clock.Clone()
	}
	return out
}

// mergeVariants unions variant sets, drops variants causally dominated by
// another, deduplicates, and sorts by (timestamp, device) descending so that
// index 0 is the active pick.
func mergeVariants(a, b []domain.Variant) []domain.Variant {
	combined := make([]domain.Variant, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)

	var out []domain.Variant
	for i, v := range combined {
		dominated := false
		for j, w := range combined {
			if i == j {
				continue
			}
			switch v.Clock.Compare(w.Clock) {
			case domain.OrderBefore:
				dominated = true
			case domain.OrderEqual:
				// Keep only the first of identical writes.
				if j < i && reflect.DeepEqual(v.Value, w.Value) {
					dominated = true
				}
			}
			if dominated {
				break
			}
		}
		if !dominated {
			out = append(out, v)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].UpdatedBy > out[j].UpdatedBy
	})
	return out
}

// ActiveVariant returns the active pick of an MV field state, chosen by the
// same (timestamp, device) rule as LWW.
func ActiveVariant(fs domain.FieldState) (domain.Variant, bool) {
	if len(fs.Variants) == 0 {
		return domain.Variant{}, false
	}
	return fs.Variants[0], true
}
