// Package domain defines the core persistent entities, value types, and
// conflict-resolution primitives used by floracore.
package domain

import (
	"time"
)

// EntityType identifies the tier of a profile record in the inheritance
// hierarchy. Lineage always runs line → cultivar → species.
type EntityType string

// Supported profile tiers, nearest-to-root order.
const (
	// EntitySpecies identifies a root species profile.
	EntitySpecies EntityType = "species"
	// EntityCultivar identifies a cultivar profile derived from a species.
	EntityCultivar EntityType = "cultivar"
	// EntityLine identifies a grow line or individual plant instance.
	EntityLine EntityType = "line"
)

// Valid reports whether t is a known profile tier.
func (t EntityType) Valid() bool {
	switch t {
	case EntitySpecies, EntityCultivar, EntityLine:
		return true
	}
	return false
}

// FieldKind selects the conflict-resolution policy applied to a field. The
// kind is fixed at schema-definition time and dispatched by tag, never by
// runtime type inspection.
type FieldKind string

// Conflict-resolution policies per field.
const (
	// KindLWW is a last-write-wins register for scalar thresholds and setpoints.
	KindLWW FieldKind = "lww"
	// KindORSet is an observed-remove set for tag collections.
	KindORSet FieldKind = "orset"
	// KindMV is a multi-value register retaining concurrent variants.
	KindMV FieldKind = "mv"
)

// Valid reports whether k is a known field kind.
func (k FieldKind) Valid() bool {
	switch k {
	case KindLWW, KindORSet, KindMV:
		return true
	}
	return false
}

// Variant is one concurrent value retained by a multi-value register.
type Variant struct {
	Value     any         `json:"value"`
	Clock     VectorClock `json:"clock"`
	UpdatedAt time.Time   `json:"updated_at"`
	UpdatedBy string      `json:"updated_by"`
}

// ShadowedValue records a write that lost a last-write-wins merge. Losing
// values are retained for provenance display rather than discarded.
type ShadowedValue struct {
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// FieldState is the merged CRDT state of a single dotted field path.
//
// Exactly one of the policy-specific slots is populated depending on Kind:
// Value for LWW registers, Adds/Removes for OR-sets, Variants for MV
// registers.
//
// Three clocks serve three roles. Clock is the component-wise union of every
// write absorbed into the state. WriteClock is the own event clock of the
// live write currently holding the register. TombstoneClock is the
// component-wise union of every delete applied to the path; it is empty while
// the path has never been deleted. Tombstone is derived from the latter two:
// the field is hidden unless WriteClock strictly dominates TombstoneClock, so
// a causally-prior or concurrent upsert never resurrects a deleted field.
type FieldState struct {
	Kind      FieldKind   `json:"kind"`
	Value     any         `json:"value,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
	UpdatedBy string      `json:"updated_by"`
	Clock     VectorClock `json:"vector_clock"`
	Tombstone bool        `json:"tombstone,omitempty"`

	// WriteClock is the event clock of the write that owns the register,
	// not the merged history. It gates tombstone resurrection.
	WriteClock     VectorClock `json:"write_clock,omitempty"`
	// TombstoneClock accumulates the clocks of delete events for the path.
	TombstoneClock VectorClock `json:"tombstone_clock,omitempty"`

	// Overlay retains values shadowed by LWW merges, newest first.
	Overlay []ShadowedValue `json:"overlay,omitempty"`

	// Adds and Removes carry per-element clocks for OR-set fields. An
	// element is present when its add clock is not dominated by its remove
	// clock; a concurrent add and remove resolve to present.
	Adds    map[string]VectorClock `json:"adds,omitempty"`
	Removes map[string]VectorClock `json:"removes,omitempty"`

	// Variants holds the concurrent values of an MV register, sorted by
	// (UpdatedAt, UpdatedBy) descending so the active pick is Variants[0].
	Variants []Variant `json:"variants,omitempty"`
}

// Clone returns a deep copy of the field state.
func (f FieldState) Clone() FieldState {
	out := f
	out.Clock = f.Clock.Clone()
	out.WriteClock = f.WriteClock.Clone()
	out.TombstoneClock = f.TombstoneClock.Clone()
	if f.Overlay != nil {
		out.Overlay = append([]ShadowedValue(nil), f.Overlay...)
	}
	if f.Adds != nil {
		out.Adds = make(map[string]VectorClock, len(f.Adds))
		for k, v := range f.Adds {
			out.Adds[k] = v.Clone()
		}
	}
	if f.Removes != nil {
		out.Removes = make(map[string]VectorClock, len(f.Removes))
		for k, v := range f.Removes {
			out.Removes[k] = v.Clone()
		}
	}
	if f.Variants != nil {
		out.Variants = make([]Variant, len(f.Variants))
		for i, v := range f.Variants {
			v.Clock = v.Clock.Clone()
			out.Variants[i] = v
		}
	}
	return out
}

// Entity is a profile record at one tier of the hierarchy. Entities are
// mutated only through sync events so every historical state can be
// reconstructed by replaying the log; they are never hard-deleted.
type Entity struct {
	EntityID   string                `json:"entity_id"`
	EntityType EntityType            `json:"entity_type"`
	ParentID   string                `json:"parent_id,omitempty"`
	TenantID   string                `json:"tenant_id"`
	Fields     map[string]FieldState `json:"fields"`

	// Lineage lists ancestor entity ids nearest-first. It is recomputed
	// whenever ParentID changes and is never walked via live references.
	Lineage []string `json:"lineage,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]FieldState, len(e.Fields))
		for path, fs := range e.Fields {
			out.Fields[path] = fs.Clone()
		}
	}
	if e.Lineage != nil {
		out.Lineage = append([]string(nil), e.Lineage...)
	}
	return out
}

// ComputedStat is an immutable aggregation snapshot over descendant
// entities' events, keyed by (entity, version, computed-at).
type ComputedStat struct {
	EntityID    string         `json:"entity_id"`
	StatVersion int            `json:"stat_version"`
	ComputedAt  time.Time      `json:"computed_at"`
	SemanticKey string         `json:"semantic_key"`
	Value       any            `json:"value"`
	Metrics     map[string]any `json:"metrics,omitempty"`

	// ContributorWeights maps contributing child entity ids to their
	// sample counts for provenance display.
	ContributorWeights map[string]int `json:"contributor_weights,omitempty"`
}
