package core

import (
	"context"
	"fmt"

	"floracore/internal/merge"
	"floracore/pkg/domain"
)

// LineageIntegrityRule enforces parent-chain constraints on events that move
// an entity within the hierarchy: no self-parenting, the parent must exist,
// and tiers must nest species ← cultivar ← line.
func LineageIntegrityRule() domain.Rule {
	return lineageIntegrityRule{}
}

type lineageIntegrityRule struct{}

func (lineageIntegrityRule) Name() string { return "lineage_integrity" }

func (lineageIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, event domain.SyncEvent) (domain.Result, error) {
	res := domain.Result{}
	pv, touchesParent := event.Patch[merge.MetaPathParent]
	if !touchesParent || pv.Delete {
		return res, nil
	}

	parentID, ok := pv.Value.(string)
	if !ok {
		res.Violations = append(res.Violations, lineageViolation(event.EventID, "parent_id must be a string"))
		return res, nil
	}
	if parentID == "" {
		// Detaching to a root; the tier nest check below has nothing to do.
		return res, nil
	}
	if parentID == event.EntityID {
		res.Violations = append(res.Violations, lineageViolation(event.EventID, fmt.Sprintf("entity %s references itself as parent", event.EntityID)))
		return res, nil
	}

	parent, found := view.FindEntity(event.TenantID, parentID)
	if !found {
		res.Violations = append(res.Violations, lineageViolation(event.EventID, fmt.Sprintf("entity %s references missing parent %s", event.EntityID, parentID)))
		return res, nil
	}

	childTier := tierOf(view, event)
	if childTier != "" && !tiersNest(childTier, parent.EntityType) {
		res.Violations = append(res.Violations, lineageViolation(event.EventID,
			fmt.Sprintf("%s cannot have %s parent %s", childTier, parent.EntityType, parentID)))
	}
	return res, nil
}

// tierOf prefers the tier carried by the event itself, falling back to the
// stored record for patches that move an existing entity.
func tierOf(view domain.RuleView, event domain.SyncEvent) domain.EntityType {
	if pv, ok := event.Patch[merge.MetaPathType]; ok {
		if t, ok := pv.Value.(string); ok {
			return domain.EntityType(t)
		}
	}
	if existing, found := view.FindEntity(event.TenantID, event.EntityID); found {
		return existing.EntityType
	}
	return ""
}

func tiersNest(child, parent domain.EntityType) bool {
	switch child {
	case domain.EntityLine:
		return parent == domain.EntityCultivar || parent == domain.EntitySpecies
	case domain.EntityCultivar:
		return parent == domain.EntitySpecies
	}
	return false
}

func lineageViolation(eventID, message string) domain.Violation {
	return domain.Violation{
		Rule:     "lineage_integrity",
		Severity: domain.SeverityBlock,
		EventID:  eventID,
		Message:  message,
	}
}
