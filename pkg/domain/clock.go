package domain

import "sort"

// Ordering is the causal relationship between two vector clocks.
type Ordering int

// Causal orderings returned by VectorClock.Compare.
const (
	// OrderEqual means both clocks carry identical components.
	OrderEqual Ordering = iota
	// OrderBefore means the receiver causally precedes the argument.
	OrderBefore
	// OrderAfter means the receiver causally follows the argument.
	OrderAfter
	// OrderConcurrent means neither clock dominates; the merge engine must
	// apply a policy tie-break rather than silently overwrite.
	OrderConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderEqual:
		return "equal"
	case OrderBefore:
		return "before"
	case OrderAfter:
		return "after"
	case OrderConcurrent:
		return "concurrent"
	}
	return "unknown"
}

// VectorClock maps device ids to monotonic counters and detects causal
// ordering between events originating on different devices. Missing
// components are treated as zero.
type VectorClock map[string]uint64

// Clone returns a copy of the clock. A nil clock clones to nil.
func (vc VectorClock) Clone() VectorClock {
	if vc == nil {
		return nil
	}
	out := make(VectorClock, len(vc))
	for device, counter := range vc {
		out[device] = counter
	}
	return out
}

// Tick increments the component for device and returns the new counter.
func (vc VectorClock) Tick(device string) uint64 {
	vc[device]++
	return vc[device]
}

// Merge returns the component-wise maximum of both clocks.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := make(VectorClock, len(vc)+len(other))
	for device, counter := range vc {
		out[device] = counter
	}
	for device, counter := range other {
		if counter > out[device] {
			out[device] = counter
		}
	}
	return out
}

// Compare determines the causal ordering between vc and other. vc is before
// other iff every component of vc is <= the corresponding component of other
// and at least one is strictly less; if neither clock dominates the events
// are concurrent.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool
	for device, counter := range vc {
		oc := other[device]
		if counter < oc {
			less = true
		} else if counter > oc {
			greater = true
		}
	}
	for device, oc := range other {
		if _, seen := vc[device]; seen {
			continue
		}
		if oc > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return OrderConcurrent
	case less:
		return OrderBefore
	case greater:
		return OrderAfter
	default:
		return OrderEqual
	}
}

// Devices returns the device ids carried by the clock in sorted order.
func (vc VectorClock) Devices() []string {
	out := make([]string, 0, len(vc))
	for device := range vc {
		out = append(out, device)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both clocks carry identical components, ignoring
// zero-valued entries.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == OrderEqual
}
