package domain

import "fmt"

// ErrNotFound indicates a missing record.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("record %s not found", e.ID)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// DanglingParentError indicates a lineage that references a missing ancestor.
// Resolution proceeds in degraded mode only when explicitly requested.
type DanglingParentError struct {
	EntityID string
	ParentID string
}

func (e DanglingParentError) Error() string {
	return fmt.Sprintf("entity %s references missing parent %s", e.EntityID, e.ParentID)
}

// SchemaViolationError indicates an event patch that fails structural
// validation. The offending event is quarantined, not retried.
type SchemaViolationError struct {
	EventID string
	Path    string
	Reason  string
}

func (e SchemaViolationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("event %s: schema violation: %s", e.EventID, e.Reason)
	}
	return fmt.Sprintf("event %s: schema violation at %s: %s", e.EventID, e.Path, e.Reason)
}

// TransportError wraps a transient network or remote failure. Transient
// errors are always retried with backoff and never surfaced as fatal.
type TransportError struct {
	Op        string
	Err       error
	Transient bool
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// ConflictUnresolvableError is a defect guard: merge functions are total, so
// reaching this is a programming error, not a runtime condition.
type ConflictUnresolvableError struct {
	Path   string
	Detail string
}

func (e ConflictUnresolvableError) Error() string {
	return fmt.Sprintf("unresolvable conflict at %s: %s", e.Path, e.Detail)
}
