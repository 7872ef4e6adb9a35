// Package memory provides an in-memory implementation of the floracore
// record store used for tests, ephemeral environments, and as the working
// state embedded by the durable sqlite and postgres stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"floracore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

// Snapshot captures a point-in-time clone of the full store state, the unit
// of exchange with the durable stores.
type Snapshot struct {
	Entities    map[string][]domain.Entity          `json:"entities"` // keyed by tenant id
	Events      map[string][]domain.SyncEvent       `json:"events"`   // keyed by device id, log order
	Outbox      []domain.OutboxEntry                `json:"outbox"`
	Quarantined []domain.QuarantinedEvent           `json:"quarantined"`
	Cursors     domain.Cursors                      `json:"cursors"`
	Clocks      map[string]uint64                   `json:"clocks"`
	Stats       map[string][]domain.ComputedStat    `json:"stats"` // keyed by entity id
}

// Store keeps all state in process memory guarded by a single RW mutex:
// entity reads (the resolver's hot path) take the read lock concurrently
// while the sync worker writes under the write lock, so readers never
// observe a half-merged entity.
type Store struct {
	mu          sync.RWMutex
	entities    map[string]map[string]domain.Entity
	events      map[string][]domain.SyncEvent
	eventSeen   map[string]struct{}
	checksums   map[string]string
	outbox      []domain.OutboxEntry
	outboxSeen  map[string]struct{}
	quarantined []domain.QuarantinedEvent
	quarSeen    map[string]struct{}
	cursors     domain.Cursors
	clocks      map[string]uint64
	stats       map[string][]domain.ComputedStat
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		entities:   make(map[string]map[string]domain.Entity),
		events:     make(map[string][]domain.SyncEvent),
		eventSeen:  make(map[string]struct{}),
		checksums:  make(map[string]string),
		outboxSeen: make(map[string]struct{}),
		quarSeen:   make(map[string]struct{}),
		clocks:     make(map[string]uint64),
		stats:      make(map[string][]domain.ComputedStat),
	}
}

// GetEntity returns the latest merged state of an entity.
func (s *Store) GetEntity(_ context.Context, tenantID, entityID string) (domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[tenantID][entityID]
	if !ok {
		return domain.Entity{}, domain.ErrNotFound{ID: entityID}
	}
	return entity.Clone(), nil
}

// PutEntity atomically replaces the stored entity document.
func (s *Store) PutEntity(_ context.Context, entity domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.entities[entity.TenantID]
	if !ok {
		tenant = make(map[string]domain.Entity)
		s.entities[entity.TenantID] = tenant
	}
	tenant[entity.EntityID] = entity.Clone()
	return nil
}

// ListEntities returns clones of all entities for a tenant.
func (s *Store) ListEntities(_ context.Context, tenantID string) ([]domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant := s.entities[tenantID]
	out := make([]domain.Entity, 0, len(tenant))
	for _, entity := range tenant {
		out = append(out, entity.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// AppendEvent appends to the per-device append-only log. Re-appending an
// already-seen event id is a no-op so crash-recovery replays stay idempotent.
func (s *Store) AppendEvent(_ context.Context, event domain.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.eventSeen[event.EventID]; seen {
		return nil
	}
	sum, err := event.Checksum()
	if err != nil {
		return err
	}
	s.events[event.DeviceID] = append(s.events[event.DeviceID], event)
	s.eventSeen[event.EventID] = struct{}{}
	s.checksums[event.DeviceID] = sum
	return nil
}

// EventsByDevice returns the device's events in log order.
func (s *Store) EventsByDevice(_ context.Context, tenantID, deviceID string) ([]domain.SyncEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SyncEvent
	for _, ev := range s.events[deviceID] {
		if tenantID == "" || ev.TenantID == tenantID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// EventsSince returns up to limit events with ids after cursor, ordered by
// event id. Event ids are time-sortable so lexicographic order is delivery
// order across devices.
func (s *Store) EventsSince(_ context.Context, tenantID, cursor string, limit int) ([]domain.SyncEvent, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []domain.SyncEvent
	for _, log := range s.events {
		for _, ev := range log {
			if tenantID != "" && ev.TenantID != tenantID {
				continue
			}
			if ev.EventID > cursor {
				all = append(all, ev)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EventID < all[j].EventID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	next := cursor
	if len(all) > 0 {
		next = all[len(all)-1].EventID
	}
	return all, next, nil
}

// EnqueueOutbox stages an event for push, idempotent per event id.
func (s *Store) EnqueueOutbox(_ context.Context, event domain.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.outboxSeen[event.EventID]; seen {
		return nil
	}
	s.outbox = append(s.outbox, domain.OutboxEntry{Event: event})
	s.outboxSeen[event.EventID] = struct{}{}
	return nil
}

// PeekOutbox returns up to limit pending entries. Event ids are UUIDv7, so
// id order is causal log order per device.
func (s *Store) PeekOutbox(_ context.Context, limit int) ([]domain.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.outbox)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.OutboxEntry, n)
	copy(out, s.outbox[:n])
	return out, nil
}

// MarkOutboxAttempt bumps attempt counters after a failed push.
func (s *Store) MarkOutboxAttempt(_ context.Context, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	ids := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = struct{}{}
	}
	for i := range s.outbox {
		if _, hit := ids[s.outbox[i].Event.EventID]; hit {
			s.outbox[i].Attempts++
			s.outbox[i].LastAttempt = now
		}
	}
	return nil
}

// AckOutbox removes acknowledged events from the outbox.
func (s *Store) AckOutbox(_ context.Context, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = struct{}{}
	}
	kept := s.outbox[:0]
	for _, entry := range s.outbox {
		if _, acked := ids[entry.Event.EventID]; acked {
			delete(s.outboxSeen, entry.Event.EventID)
			continue
		}
		kept = append(kept, entry)
	}
	s.outbox = kept
	return nil
}

// OutboxDepth returns the number of pending outbox entries.
func (s *Store) OutboxDepth(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outbox), nil
}

// Quarantine records an event that failed merge validation. Replays of an
// already quarantined event are no-ops so a rewound pull cannot inflate the
// quarantine count.
func (s *Store) Quarantine(_ context.Context, event domain.SyncEvent, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.quarSeen[event.EventID]; seen {
		return nil
	}
	s.quarSeen[event.EventID] = struct{}{}
	s.quarantined = append(s.quarantined, domain.QuarantinedEvent{
		Event:         event,
		Reason:        reason,
		QuarantinedAt: time.Now().UTC(),
	})
	return nil
}

// ListQuarantined returns quarantined events, oldest first.
func (s *Store) ListQuarantined(_ context.Context) ([]domain.QuarantinedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.QuarantinedEvent, len(s.quarantined))
	copy(out, s.quarantined)
	return out, nil
}

// GetCursors returns the per-device cursor record.
func (s *Store) GetCursors(_ context.Context) (domain.Cursors, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors, nil
}

// PutCursors persists the cursor record.
func (s *Store) PutCursors(_ context.Context, cursors domain.Cursors) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = cursors
	return nil
}

// NextClock durably advances and returns the device's logical counter.
func (s *Store) NextClock(_ context.Context, deviceID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clocks[deviceID]++
	return s.clocks[deviceID], nil
}

// LastChecksum returns the checksum of the device's newest log event.
func (s *Store) LastChecksum(_ context.Context, deviceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checksums[deviceID], nil
}

// PutComputedStat stores an immutable aggregation snapshot.
func (s *Store) PutComputedStat(_ context.Context, stat domain.ComputedStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[stat.EntityID] = append(s.stats[stat.EntityID], stat)
	return nil
}

// StatsForEntity returns snapshots for an entity, newest first.
func (s *Store) StatsForEntity(_ context.Context, entityID string) ([]domain.ComputedStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ComputedStat, len(s.stats[entityID]))
	copy(out, s.stats[entityID])
	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.After(out[j].ComputedAt) })
	return out, nil
}

// ExportState clones the full store state for durable snapshotting.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Entities: make(map[string][]domain.Entity, len(s.entities)),
		Events:   make(map[string][]domain.SyncEvent, len(s.events)),
		Cursors:  s.cursors,
		Clocks:   make(map[string]uint64, len(s.clocks)),
		Stats:    make(map[string][]domain.ComputedStat, len(s.stats)),
	}
	for tenant, byID := range s.entities {
		list := make([]domain.Entity, 0, len(byID))
		for _, entity := range byID {
			list = append(list, entity.Clone())
		}
		sort.Slice(list, func(i, j int) bool { return list[i].EntityID < list[j].EntityID })
		snap.Entities[tenant] = list
	}
	for device, events := range s.events {
		snap.Events[device] = append([]domain.SyncEvent(nil), events...)
	}
	snap.Outbox = append([]domain.OutboxEntry(nil), s.outbox...)
	snap.Quarantined = append([]domain.QuarantinedEvent(nil), s.quarantined...)
	for device, counter := range s.clocks {
		snap.Clocks[device] = counter
	}
	for id, stats := range s.stats {
		snap.Stats[id] = append([]domain.ComputedStat(nil), stats...)
	}
	return snap
}

// ImportState replaces the store state from a snapshot.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = make(map[string]map[string]domain.Entity, len(snap.Entities))
	for tenant, list := range snap.Entities {
		byID := make(map[string]domain.Entity, len(list))
		for _, entity := range list {
			byID[entity.EntityID] = entity.Clone()
		}
		s.entities[tenant] = byID
	}
	s.events = make(map[string][]domain.SyncEvent, len(snap.Events))
	s.eventSeen = make(map[string]struct{})
	s.checksums = make(map[string]string)
	for device, events := range snap.Events {
		s.events[device] = append([]domain.SyncEvent(nil), events...)
		for _, ev := range events {
			s.eventSeen[ev.EventID] = struct{}{}
		}
		if len(events) > 0 {
			if sum, err := events[len(events)-1].Checksum(); err == nil {
				s.checksums[device] = sum
			}
		}
	}
	s.outbox = append([]domain.OutboxEntry(nil), snap.Outbox...)
	s.outboxSeen = make(map[string]struct{}, len(snap.Outbox))
	for _, entry := range snap.Outbox {
		s.outboxSeen[entry.Event.EventID] = struct{}{}
	}
	s.quarantined = append([]domain.QuarantinedEvent(nil), snap.Quarantined...)
	s.quarSeen = make(map[string]struct{}, len(snap.Quarantined))
	for _, q := range snap.Quarantined {
		s.quarSeen[q.Event.EventID] = struct{}{}
	}
	s.cursors = snap.Cursors
	s.clocks = make(map[string]uint64, len(snap.Clocks))
	for device, counter := range snap.Clocks {
		s.clocks[device] = counter
	}
	s.stats = make(map[string][]domain.ComputedStat, len(snap.Stats))
	for id, stats := range snap.Stats {
		s.stats[id] = append([]domain.ComputedStat(nil), stats...)
	}
}
