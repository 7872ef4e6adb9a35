package core

import (
	"context"
	"fmt"

	"floracore/pkg/domain"
)

// FieldSpec declares the schema of one field path: its conflict-resolution
// kind, fixed at schema-definition time, and optional numeric bounds.
type FieldSpec struct {
	Kind domain.FieldKind
	Min  *float64
	Max  *float64
}

// FieldSchema maps dotted field paths to their declared specs. Paths absent
// from the schema default to LWW registers without bounds.
type FieldSchema map[string]FieldSpec

// PatchSchemaRule validates event patches against the declared field schema.
// Violations are blocking: the offending event is quarantined rather than
// merged, and never aborts the rest of its batch.
func PatchSchemaRule(schema FieldSchema) domain.Rule {
	return patchSchemaRule{schema: schema}
}

type patchSchemaRule struct {
	schema FieldSchema
}

func (patchSchemaRule) Name() string { return "patch_schema" }

func (r patchSchemaRule) Evaluate(_ context.Context, _ domain.RuleView, event domain.SyncEvent) (domain.Result, error) {
	res := domain.Result{}
	if !event.Op.Valid() {
		res.Violations = append(res.Violations, schemaViolation(event.EventID, "", fmt.Sprintf("unknown op %q", event.Op)))
		return res, nil
	}
	if event.Op != domain.OpDelete && len(event.Patch) == 0 {
		res.Violations = append(res.Violations, schemaViolation(event.EventID, "", "event carries no patch"))
		return res, nil
	}

	for path, pv := range event.Patch {
		spec, declared := r.schema[path]
		if !declared {
			if pv.Kind != "" && !pv.Kind.Valid() {
				res.Violations = append(res.Violations, schemaViolation(event.EventID, path, fmt.Sprintf("unknown field kind %q", pv.Kind)))
			}
			continue
		}
		if pv.Kind != "" && pv.Kind != spec.Kind {
			res.Violations = append(res.Violations, schemaViolation(event.EventID, path,
				fmt.Sprintf("declared kind %s, patch says %s", spec.Kind, pv.Kind)))
			continue
		}
		if pv.Delete {
			continue
		}
		switch spec.Kind {
		case domain.KindLWW:
			if spec.Min != nil || spec.Max != nil {
				num, ok := asFloat(pv.Value)
				if !ok {
					res.Violations = append(res.Violations, schemaViolation(event.EventID, path, "bounded field requires a numeric value"))
					continue
				}
				if spec.Min != nil && num < *spec.Min {
					res.Violations = append(res.Violations, schemaViolation(event.EventID, path, fmt.Sprintf("value %v below minimum %v", num, *spec.Min)))
				}
				if spec.Max != nil && num > *spec.Max {
					res.Violations = append(res.Violations, schemaViolation(event.EventID, path, fmt.Sprintf("value %v above maximum %v", num, *spec.Max)))
				}
			}
		case domain.KindORSet:
			if len(pv.Add) == 0 && len(pv.Remove) == 0 {
				res.Violations = append(res.Violations, schemaViolation(event.EventID, path, "orset patch carries neither adds nor removes"))
			}
		}
	}
	return res, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func schemaViolation(eventID, path, message string) domain.Violation {
	return domain.Violation{
		Rule:     "patch_schema",
		Severity: domain.SeverityBlock,
		EventID:  eventID,
		Path:     path,
		Message:  message,
	}
}
