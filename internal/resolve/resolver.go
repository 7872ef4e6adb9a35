// Package resolve walks a profile's ancestor chain and computes effective
// field values with full provenance. Resolution is read-only and
// deterministic: the same snapshot and request always yield the same result.
package resolve

import (
	"sort"
	"strings"

	"floracore/internal/merge"
	"floracore/pkg/domain"
)

// maxDepth bounds lineage walks so a corrupted parent chain can never loop.
const maxDepth = 64

// Snapshot is an arena of entity records and computed statistics captured at
// a single point in time. The resolver only ever reads the arena; it never
// follows live references into mutable storage.
type Snapshot struct {
	Entities map[string]domain.Entity
	Stats    map[string][]domain.ComputedStat
}

// ComputeLineage returns the ancestor ids of the given entity nearest-first,
// excluding the entity itself. A missing ancestor yields DanglingParentError
// with the reachable prefix; a cycle is reported the same way since the
// offending link cannot be trusted.
func ComputeLineage(snap Snapshot, entityID string) ([]string, error) {
	var out []string
	seen := map[string]struct{}{entityID: {}}
	current, ok := snap.Entities[entityID]
	if !ok {
		return nil, domain.ErrNotFound{ID: entityID}
	}
	for depth := 0; current.ParentID != ""; depth++ {
		parent, ok := snap.Entities[current.ParentID]
		if !ok {
			return out, domain.DanglingParentError{EntityID: current.EntityID, ParentID: current.ParentID}
		}
		if _, looped := seen[parent.EntityID]; looped || depth >= maxDepth {
			return out, domain.DanglingParentError{EntityID: current.EntityID, ParentID: current.ParentID}
		}
		seen[parent.EntityID] = struct{}{}
		out = append(out, parent.EntityID)
		current = parent
	}
	return out, nil
}

// chain materialises the entity plus its ancestors nearest-first.
func chain(snap Snapshot, entityID string, allowPartial bool) ([]domain.Entity, error) {
	self, ok := snap.Entities[entityID]
	if !ok {
		return nil, domain.ErrNotFound{ID: entityID}
	}
	lineage, err := ComputeLineage(snap, entityID)
	if err != nil && !allowPartial {
		return nil, err
	}
	out := make([]domain.Entity, 0, len(lineage)+1)
	out = append(out, self)
	for _, id := range lineage {
		out = append(out, snap.Entities[id])
	}
	return out, nil
}

// Resolve computes effective values for the requested field paths of an
// entity. A nil or empty path list requests every field defined anywhere in
// the lineage. Multi-field requests never partial-fail: paths no ancestor
// defines come back with Unresolved set rather than being omitted.
func Resolve(snap Snapshot, entityID string, paths []string, opts domain.ResolveOptions) (domain.ResolvedFieldMap, error) {
	lineage, err := chain(snap, entityID, opts.AllowPartialLineage)
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		paths = allPaths(lineage)
	}

	out := make(domain.ResolvedFieldMap, len(paths))
	for _, path := range paths {
		out[path] = resolvePath(snap, lineage, path, opts)
	}
	return out, nil
}

// allPaths collects the union of non-meta field paths across the lineage.
func allPaths(lineage []domain.Entity) []string {
	set := make(map[string]struct{})
	for _, entity := range lineage {
		for path := range entity.Fields {
			if strings.HasPrefix(path, "meta.") {
				continue
			}
			set[path] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for path := range set {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func resolvePath(snap Snapshot, lineage []domain.Entity, path string, opts domain.ResolveOptions) domain.ResolvedField {
	sourceIdx := -1
	var source domain.FieldState
	for idx, entity := range lineage {
		fs, ok := entity.Fields[path]
		if !ok || fs.Tombstone {
			continue
		}
		sourceIdx = idx
		source = fs
		break
	}

	if sourceIdx < 0 {
		return domain.ResolvedField{
			Unresolved: true,
			Provenance: domain.Provenance{SourceType: domain.SourceUnresolved, Depth: -1},
		}
	}

	sourceEntity := lineage[sourceIdx]
	prov := domain.Provenance{
		SourceEntityID: sourceEntity.EntityID,
		SourceType:     sourceTypeFor(sourceIdx, sourceEntity.EntityType),
		IsInherited:    sourceIdx > 0,
		Depth:          sourceIdx,
	}

	value := effectiveValue(source)
	if opts.IncludeAlternatives && source.Kind == domain.KindMV && len(source.Variants) > 1 {
		prov.Alternatives = append([]domain.Variant(nil), source.Variants[1:]...)
	}
	if opts.IncludeOverlay {
		prov.Overlay = overlayFor(lineage, path, sourceIdx)
	}

	// A computed-statistics snapshot may supersede the raw inherited value;
	// the substitution itself is recorded in provenance.
	if opts.AllowComputedOverlay {
		if stat, ok := statFor(snap, lineage, path); ok {
			if prov.Overlay == nil && opts.IncludeOverlay {
				prov.Overlay = map[string]any{}
			}
			if prov.Overlay != nil {
				prov.Overlay[sourceEntity.EntityID] = value
			}
			prov.SourceType = domain.SourceComputed
			prov.Stat = &stat
			value = stat.Value
		}
	}

	return domain.ResolvedField{Value: value, Provenance: prov}
}

func effectiveValue(fs domain.FieldState) any {
	switch fs.Kind {
	case domain.KindORSet:
		return merge.ORSetElements(fs)
	case domain.KindMV:
		if active, ok := merge.ActiveVariant(fs); ok {
			return active.Value
		}
		return fs.Value
	default:
		return fs.Value
	}
}

// sourceTypeFor maps the supplying entity to a provenance class. A value
// defined on the requested entity itself is a manual override.
func sourceTypeFor(idx int, tier domain.EntityType) domain.SourceType {
	if idx == 0 {
		return domain.SourceManual
	}
	switch tier {
	case domain.EntitySpecies:
		return domain.SourceSpecies
	case domain.EntityCultivar:
		return domain.SourceCultivar
	default:
		return domain.SourceManual
	}
}

// overlayFor lists every other lineage member's value for the path, shadowed
// or not, keyed by entity id.
func overlayFor(lineage []domain.Entity, path string, sourceIdx int) map[string]any {
	overlay := make(map[string]any)
	for idx, entity := range lineage {
		if idx == sourceIdx {
			continue
		}
		fs, ok := entity.Fields[path]
		if !ok || fs.Tombstone {
			continue
		}
		overlay[entity.EntityID] = effectiveValue(fs)
	}
	if len(overlay) == 0 {
		return nil
	}
	return overlay
}

// statFor finds the newest computed stat matching the path's semantic key,
// searching the lineage nearest-first.
func statFor(snap Snapshot, lineage []domain.Entity, path string) (domain.ComputedStat, bool) {
	for _, entity := range lineage {
		stats := snap.Stats[entity.EntityID]
		var best *domain.ComputedStat
		for i := range stats {
			if stats[i].SemanticKey != path {
				continue
			}
			if best == nil || stats[i].ComputedAt.After(best.ComputedAt) {
				best = &stats[i]
			}
		}
		if best != nil {
			return *best, true
		}
	}
	return domain.ComputedStat{}, false
}
