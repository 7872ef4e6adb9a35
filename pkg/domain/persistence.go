package domain

import (
	"context"
	"time"
)

// OutboxEntry tracks a locally produced event awaiting cloud acknowledgment.
// Events stay in the outbox until the server acknowledges them so a crash can
// always replay.
type OutboxEntry struct {
	Event       SyncEvent `json:"event"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
}

// QuarantinedEvent records an incoming event whose merge failed structural
// validation. Quarantined events are neither retried forever nor silently
// dropped; they await a human or upstream fix and never block other events.
type QuarantinedEvent struct {
	Event         SyncEvent `json:"event"`
	Reason        string    `json:"reason"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Cursors is the small durable cursor record kept per device-tenant pair.
// The sync worker is its only writer.
type Cursors struct {
	LastPushedEventID string `json:"last_pushed_event_id,omitempty"`
	LastPullCursor    string `json:"last_pull_cursor,omitempty"`
}

// Store is the durable record store shared by the resolver and the sync
// worker: latest-wins-with-history documents for entities, append-only logs
// for events. Implementations must allow concurrent readers while the sync
// worker writes, and PutEntity must be atomic per entity so readers never
// observe a half-merged record.
type Store interface {
	// GetEntity returns the latest merged state of an entity.
	GetEntity(ctx context.Context, tenantID, entityID string) (Entity, error)
	// PutEntity atomically replaces the stored entity document.
	PutEntity(ctx context.Context, entity Entity) error
	// ListEntities returns all entities for a tenant, unspecified order.
	ListEntities(ctx context.Context, tenantID string) ([]Entity, error)

	// AppendEvent appends to the device-local append-only event log.
	AppendEvent(ctx context.Context, event SyncEvent) error
	// EventsByDevice returns the device's events in log order.
	EventsByDevice(ctx context.Context, tenantID, deviceID string) ([]SyncEvent, error)
	// EventsSince returns up to limit events with ids after cursor in event
	// id order, plus the cursor a subsequent call should resume from. An
	// empty cursor starts from the beginning of the log.
	EventsSince(ctx context.Context, tenantID, cursor string, limit int) ([]SyncEvent, string, error)

	// EnqueueOutbox stages an event for push. Idempotent per event id.
	EnqueueOutbox(ctx context.Context, event SyncEvent) error
	// PeekOutbox returns up to limit pending entries in causal log order.
	PeekOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	// MarkOutboxAttempt bumps attempt counters after a failed push.
	MarkOutboxAttempt(ctx context.Context, eventIDs []string) error
	// AckOutbox removes acknowledged events from the outbox.
	AckOutbox(ctx context.Context, eventIDs []string) error
	// OutboxDepth returns the number of pending outbox entries.
	OutboxDepth(ctx context.Context) (int, error)

	// Quarantine records an event that failed merge validation.
	Quarantine(ctx context.Context, event SyncEvent, reason string) error
	// ListQuarantined returns quarantined events, oldest first.
	ListQuarantined(ctx context.Context) ([]QuarantinedEvent, error)

	// GetCursors and PutCursors persist the per-device cursor record.
	GetCursors(ctx context.Context) (Cursors, error)
	PutCursors(ctx context.Context, cursors Cursors) error

	// NextClock durably advances and returns the device's logical counter.
	// Counters survive restarts and never move backward.
	NextClock(ctx context.Context, deviceID string) (uint64, error)

	// LastChecksum returns the checksum of the device's newest log event for
	// hash chaining, or "" for an empty log.
	LastChecksum(ctx context.Context, deviceID string) (string, error)

	// PutComputedStat stores an immutable aggregation snapshot.
	PutComputedStat(ctx context.Context, stat ComputedStat) error
	// StatsForEntity returns snapshots for an entity, newest first.
	StatsForEntity(ctx context.Context, entityID string) ([]ComputedStat, error)
}
