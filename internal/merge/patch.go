package merge

import (
	"fmt"
	"sort"
	"time"

	"floracore/pkg/domain"
)

// Reserved field paths that mirror entity metadata through the same CRDT
// machinery as ordinary fields so parent moves replicate like any mutation.
const (
	// MetaPathParent is an LWW register holding the entity's parent id.
	MetaPathParent = "meta.parent_id"
	// MetaPathType holds the entity tier; immutable after creation.
	MetaPathType = "meta.entity_type"
)

// StateFromPatch builds the incoming field state described by one patch entry,
// stamped with the event's clock, timestamp, and device.
func StateFromPatch(ev domain.SyncEvent, path string, pv domain.PatchValue) (domain.FieldState, error) {
	kind := pv.Kind
	if kind == "" {
		kind = domain.KindLWW
	}
	if !kind.Valid() {
		return domain.FieldState{}, domain.SchemaViolationError{
			EventID: ev.EventID, Path: path, Reason: fmt.Sprintf("unknown field kind %q", pv.Kind),
		}
	}

	fs := domain.FieldState{
		Kind:      kind,
		UpdatedAt: ev.TS,
		UpdatedBy: ev.DeviceID,
		Clock:     ev.Clock.Clone(),
	}

	if pv.Delete || ev.Op == domain.OpDelete {
		fs.Tombstone = true
		fs.TombstoneClock = ev.Clock.Clone()
		return fs, nil
	}

	fs.WriteClock = ev.Clock.Clone()
	switch kind {
	case domain.KindLWW:
		fs.Value = pv.Value
	case domain.KindORSet:
		if len(pv.Add) == 0 && len(pv.Remove) == 0 {
			return domain.FieldState{}, domain.SchemaViolationError{
				EventID: ev.EventID, Path: path, Reason: "orset patch carries neither adds nor removes",
			}
		}
		fs.Adds = make(map[string]domain.VectorClock, len(pv.Add))
		for _, elem := range pv.Add {
			fs.Adds[elem] = ev.Clock.Clone()
		}
		if len(pv.Remove) > 0 {
			fs.Removes = make(map[string]domain.VectorClock, len(pv.Remove))
			for _, elem := range pv.Remove {
				fs.Removes[elem] = ev.Clock.Clone()
			}
		}
		fs.Value = elementSlice(fs.Adds, fs.Removes)
	case domain.KindMV:
		fs.Value = pv.Value
		fs.Variants = []domain.Variant{{
			Value:     pv.Value,
			Clock:     ev.Clock.Clone(),
			UpdatedAt: ev.TS,
			UpdatedBy: ev.DeviceID,
		}}
	}
	return fs, nil
}

// ApplyEvent merges a sync event into an entity snapshot and returns the
// merged copy. The input entity is never mutated; callers persist the result
// atomically so readers only ever observe fully merged records.
//
// An entity-level delete tombstones every present field. Kind mismatches
// against stored state are schema violations: the event belongs in
// quarantine, not in the log.
func ApplyEvent(entity domain.Entity, ev domain.SyncEvent) (domain.Entity, error) {
	out := entity.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]domain.FieldState)
	}
	if out.EntityID == "" {
		out.EntityID = ev.EntityID
		out.TenantID = ev.TenantID
		out.CreatedAt = ev.TS
	}

	if ev.Op == domain.OpDelete && len(ev.Patch) == 0 {
		for path, fs := range out.Fields {
			tomb := domain.FieldState{
				Kind:           fs.Kind,
				UpdatedAt:      ev.TS,
				UpdatedBy:      ev.DeviceID,
				Clock:          ev.Clock.Clone(),
				Tombstone:      true,
				TombstoneClock: ev.Clock.Clone(),
			}
			merged, err := Fields(path, fs, tomb)
			if err != nil {
				return domain.Entity{}, err
			}
			out.Fields[path] = merged
		}
		out.UpdatedAt = latest(out.UpdatedAt, ev.TS)
		return out, nil
	}

	// Deterministic application order for reproducible error reporting.
	paths := make([]string, 0, len(ev.Patch))
	for path := range ev.Patch {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		incoming, err := StateFromPatch(ev, path, ev.Patch[path])
		if err != nil {
			return domain.Entity{}, err
		}
		existing, found := out.Fields[path]
		if !found {
			out.Fields[path] = incoming
			continue
		}
		if existing.Kind != incoming.Kind {
			return domain.Entity{}, domain.SchemaViolationError{
				EventID: ev.EventID,
				Path:    path,
				Reason:  fmt.Sprintf("field kind is %s, patch says %s", existing.Kind, incoming.Kind),
			}
		}
		if path == MetaPathType && !existing.Tombstone && existing.Value != incoming.Value {
			return domain.Entity{}, domain.SchemaViolationError{
				EventID: ev.EventID, Path: path, Reason: "entity_type is immutable",
			}
		}
		merged, err := Fields(path, existing, incoming)
		if err != nil {
			return domain.Entity{}, err
		}
		out.Fields[path] = merged
	}

	syncMetadata(&out)
	out.UpdatedAt = latest(out.UpdatedAt, ev.TS)
	return out, nil
}

// syncMetadata projects the reserved meta paths onto the entity header. A
// parent change invalidates the cached lineage; the owner recomputes it.
func syncMetadata(e *domain.Entity) {
	if fs, ok := e.Fields[MetaPathParent]; ok && !fs.Tombstone {
		parent, _ := fs.Value.(string)
		if parent != e.ParentID {
			e.ParentID = parent
			e.Lineage = nil
		}
	}
	if fs, ok := e.Fields[MetaPathType]; ok && !fs.Tombstone {
		if t, _ := fs.Value.(string); t != "" {
			e.EntityType = domain.EntityType(t)
		}
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
