package domain

import "context"

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine whether an event is quarantined or
// merely logged.
const (
	// SeverityBlock quarantines the offending event.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but lets the event merge.
	SeverityWarn Severity = "warn"
)

// Violation reports a failed rule evaluation against a sync event.
type Violation struct {
	Rule     string
	Severity Severity
	EventID  string
	Path     string
	Message  string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleView provides read-only entity access for rule evaluation.
type RuleView interface {
	FindEntity(tenantID, entityID string) (Entity, bool)
}

// Rule validates a sync event before it reaches the merge engine.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, event SyncEvent) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, event SyncEvent) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, event)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
