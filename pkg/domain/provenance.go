package domain

import "time"

// SourceType classifies where a resolved value came from.
type SourceType string

// Resolution source classes surfaced in provenance.
const (
	// SourceManual marks a value defined directly on the requested entity.
	SourceManual SourceType = "manual"
	// SourceSpecies marks a value inherited from a species ancestor.
	SourceSpecies SourceType = "species"
	// SourceCultivar marks a value inherited from a cultivar ancestor.
	SourceCultivar SourceType = "cultivar"
	// SourceComputed marks a value superseded by a computed-statistics overlay.
	SourceComputed SourceType = "computed"
	// SourceUnresolved marks a field no ancestor defines.
	SourceUnresolved SourceType = "unresolved"
)

// Provenance records which entity supplied a resolved value and what every
// shadowed ancestor would have supplied instead.
type Provenance struct {
	SourceEntityID string     `json:"source_entity_id,omitempty"`
	SourceType     SourceType `json:"source_type"`
	IsInherited    bool       `json:"is_inherited"`

	// Depth is the index of the source entity in the lineage, 0 being the
	// requested entity itself.
	Depth int `json:"depth"`

	// Overlay lists each ancestor's value for the same path even when
	// shadowed, keyed by ancestor entity id, enabling "what would this be
	// without my override" displays.
	Overlay map[string]any `json:"overlay,omitempty"`

	// Alternatives exposes the non-active variants of an MV register.
	Alternatives []Variant `json:"alternatives,omitempty"`

	// Stat carries the computed-statistics snapshot that superseded the raw
	// inherited value, when SourceType is SourceComputed.
	Stat *ComputedStat `json:"stat,omitempty"`
}

// ResolvedField pairs an effective value with its provenance trail.
type ResolvedField struct {
	Value      any        `json:"value"`
	Unresolved bool       `json:"unresolved,omitempty"`
	Provenance Provenance `json:"provenance"`
}

// ResolvedFieldMap maps dotted field paths to resolution results. Multi-field
// requests never partial-fail: unresolvable paths are reported with
// Unresolved set, not omitted.
type ResolvedFieldMap map[string]ResolvedField

// ResolveOptions tunes a resolution request.
type ResolveOptions struct {
	// IncludeOverlay populates Provenance.Overlay with shadowed ancestor values.
	IncludeOverlay bool
	// IncludeAlternatives exposes non-active MV register variants.
	IncludeAlternatives bool
	// AllowComputedOverlay permits computed statistics to supersede raw
	// inherited values; the substitution is itself recorded in provenance.
	AllowComputedOverlay bool
	// AllowPartialLineage degrades a broken ancestor chain to the reachable
	// prefix instead of failing with DanglingParentError.
	AllowPartialLineage bool
}

// SyncStatus is the diagnostics snapshot emitted by the sync worker.
type SyncStatus struct {
	PendingOutbox    int       `json:"pending_outbox_count"`
	QuarantinedCount int       `json:"quarantined_count"`
	LastPushAt       time.Time `json:"last_push_at"`
	LastPullAt       time.Time `json:"last_pull_at"`
	LastError        string    `json:"last_error,omitempty"`
	Degraded         bool      `json:"degraded"`
}

// EventError ties a per-event failure to its event id.
type EventError struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// BatchResult reports the outcome of applying an event batch. Errors local
// to one event never abort the batch.
type BatchResult struct {
	Accepted []string     `json:"accepted"`
	Rejected []EventError `json:"rejected,omitempty"`
}
