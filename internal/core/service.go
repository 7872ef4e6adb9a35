// Package core exposes the transactional service surface of floracore: local
// mutations, remote event application, and on-demand resolution with
// provenance.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"floracore/internal/merge"
	"floracore/internal/resolve"
	"floracore/pkg/domain"
)

// Options configures a Service. DeviceID and TenantID are required; the rest
// default sensibly.
type Options struct {
	DeviceID string
	TenantID string
	Schema   FieldSchema
	Rules    *domain.RulesEngine
	Logger   *slog.Logger

	// Now and NewEventID exist for deterministic tests.
	Now        func() time.Time
	NewEventID func() (string, error)
}

// Service coordinates the record store, logical clock, merge engine, and
// resolver behind the small interface the surrounding integration calls.
type Service struct {
	store    domain.Store
	schema   FieldSchema
	rules    *domain.RulesEngine
	logger   *slog.Logger
	deviceID string
	tenantID string
	now      func() time.Time
	newID    func() (string, error)
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.Store, opts Options) (*Service, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("core: device id required")
	}
	if opts.TenantID == "" {
		return nil, fmt.Errorf("core: tenant id required")
	}
	rules := opts.Rules
	if rules == nil {
		rules = domain.NewRulesEngine()
		rules.Register(PatchSchemaRule(opts.Schema))
		rules.Register(LineageIntegrityRule())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewEventID
	if newID == nil {
		newID = func() (string, error) {
			// UUIDv7: time-sortable and offline-generatable.
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return &Service{
		store:    store,
		schema:   opts.Schema,
		rules:    rules,
		logger:   logger,
		deviceID: opts.DeviceID,
		tenantID: opts.TenantID,
		now:      now,
		newID:    newID,
	}, nil
}

// Store returns the underlying record store.
func (s *Service) Store() domain.Store { return s.store }

// CreateEntity records a new profile entity of the given tier as an upsert
// event, staged for sync like any other mutation.
func (s *Service) CreateEntity(ctx context.Context, tier domain.EntityType, parentID, actor string) (domain.Entity, domain.SyncEvent, error) {
	if !tier.Valid() {
		return domain.Entity{}, domain.SyncEvent{}, fmt.Errorf("core: invalid entity type %q", tier)
	}
	entityID, err := s.newID()
	if err != nil {
		return domain.Entity{}, domain.SyncEvent{}, fmt.Errorf("core: generate entity id: %w", err)
	}
	patch := map[string]domain.PatchValue{
		merge.MetaPathType: {Kind: domain.KindLWW, Value: string(tier)},
	}
	if parentID != "" {
		patch[merge.MetaPathParent] = domain.PatchValue{Kind: domain.KindLWW, Value: parentID}
	}
	ev, entity, err := s.recordLocal(ctx, entityID, domain.OpUpsert, patch, actor)
	if err != nil {
		return domain.Entity{}, domain.SyncEvent{}, err
	}
	return entity, ev, nil
}

// RecordMutation writes a single-field mutation for the calling device: it
// stamps the logical clock and hash chain, validates the patch, applies it
// locally, and stages the event in the outbox.
func (s *Service) RecordMutation(ctx context.Context, entityID, path string, value any, actor string) (domain.SyncEvent, error) {
	kind := domain.KindLWW
	if spec, ok := s.schema[path]; ok {
		kind = spec.Kind
	}
	pv := domain.PatchValue{Kind: kind}
	switch kind {
	case domain.KindORSet:
		elems, ok := toStringSlice(value)
		if !ok {
			return domain.SyncEvent{}, domain.SchemaViolationError{Path: path, Reason: "orset mutation requires a string slice"}
		}
		pv.Add = elems
	default:
		pv.Value = value
	}
	ev, _, err := s.recordLocal(ctx, entityID, domain.OpPatch, map[string]domain.PatchValue{path: pv}, actor)
	return ev, err
}

// RecordTagChange records OR-set adds and removes for a tag field.
func (s *Service) RecordTagChange(ctx context.Context, entityID, path string, add, remove []string, actor string) (domain.SyncEvent, error) {
	pv := domain.PatchValue{Kind: domain.KindORSet, Add: add, Remove: remove}
	ev, _, err := s.recordLocal(ctx, entityID, domain.OpPatch, map[string]domain.PatchValue{path: pv}, actor)
	return ev, err
}

// RecordDeletion tombstones the named field paths, or the whole entity when
// paths is empty. Tombstones are permanent; stale concurrent upserts never
// resurrect them.
func (s *Service) RecordDeletion(ctx context.Context, entityID string, paths []string, actor string) (domain.SyncEvent, error) {
	var patch map[string]domain.PatchValue
	if len(paths) > 0 {
		patch = make(map[string]domain.PatchValue, len(paths))
		for _, path := range paths {
			kind := domain.KindLWW
			if spec, ok := s.schema[path]; ok {
				kind = spec.Kind
			}
			patch[path] = domain.PatchValue{Kind: kind, Delete: true}
		}
	}
	ev, _, err := s.recordLocal(ctx, entityID, domain.OpDelete, patch, actor)
	return ev, err
}

func (s *Service) recordLocal(ctx context.Context, entityID string, op domain.Op, patch map[string]domain.PatchValue, actor string) (domain.SyncEvent, domain.Entity, error) {
	entity, err := s.store.GetEntity(ctx, s.tenantID, entityID)
	if err != nil && !errors.As(err, &domain.ErrNotFound{}) {
		return domain.SyncEvent{}, domain.Entity{}, err
	}

	counter, err := s.store.NextClock(ctx, s.deviceID)
	if err != nil {
		return domain.SyncEvent{}, domain.Entity{}, fmt.Errorf("core: advance clock: %w", err)
	}
	clock := entityClock(entity)
	clock[s.deviceID] = counter

	eventID, err := s.newID()
	if err != nil {
		return domain.SyncEvent{}, domain.Entity{}, fmt.Errorf("core: generate event id: %w", err)
	}
	prev, err := s.store.LastChecksum(ctx, s.deviceID)
	if err != nil {
		return domain.SyncEvent{}, domain.Entity{}, fmt.Errorf("core: read chain head: %w", err)
	}

	ev := domain.SyncEvent{
		EventID:  eventID,
		TenantID: s.tenantID,
		DeviceID: s.deviceID,
		TS:       s.now(),
		EntityID: entityID,
		Op:       op,
		Patch:    patch,
		Clock:    clock,
		Actor:    actor,
		HashPrev: prev,
	}

	// Local writes fail fast on rule violations instead of being quarantined:
	// the caller is present and can fix the input.
	res, err := s.rules.Evaluate(ctx, storeView{ctx: ctx, store: s.store}, ev)
	if err != nil {
		return domain.SyncEvent{}, domain.Entity{}, err
	}
	if res.HasBlocking() {
		v := res.Violations[0]
		return domain.SyncEvent{}, domain.Entity{}, domain.SchemaViolationError{EventID: ev.EventID, Path: v.Path, Reason: v.Message}
	}

	applied, err := merge.ApplyEvent(entity, ev)
	if err != nil {
		return domain.SyncEvent{}, domain.Entity{}, err
	}
	if err := s.refreshLineage(ctx, &applied); err != nil {
		return domain.SyncEvent{}, domain.Entity{}, err
	}

	// Log first, then outbox, then document: a crash in between replays the
	// event rather than losing it.
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return domain.SyncEvent{}, domain.Entity{}, fmt.Errorf("core: append event: %w", err)
	}
	if err := s.store.EnqueueOutbox(ctx, ev); err != nil {
		return domain.SyncEvent{}, domain.Entity{}, fmt.Errorf("core: enqueue outbox: %w", err)
	}
	if err := s.store.PutEntity(ctx, applied); err != nil {
		return domain.SyncEvent{}, domain.Entity{}, fmt.Errorf("core: persist entity: %w", err)
	}
	s.logger.DebugContext(ctx, "recorded local mutation",
		"event_id", ev.EventID, "entity_id", entityID, "op", string(op))
	return ev, applied, nil
}

// ApplyRemote merges one remote event into local state. Schema violations
// come back as SchemaViolationError so the caller can quarantine; the event
// log and entity document are only written on success, entity before cursor
// advancement so a crash re-pulls rather than skips.
func (s *Service) ApplyRemote(ctx context.Context, ev domain.SyncEvent) error {
	res, err := s.rules.Evaluate(ctx, storeView{ctx: ctx, store: s.store}, ev)
	if err != nil {
		return err
	}
	if res.HasBlocking() {
		v := res.Violations[0]
		return domain.SchemaViolationError{EventID: ev.EventID, Path: v.Path, Reason: v.Message}
	}

	entity, err := s.store.GetEntity(ctx, ev.TenantID, ev.EntityID)
	if err != nil && !errors.As(err, &domain.ErrNotFound{}) {
		return err
	}
	applied, err := merge.ApplyEvent(entity, ev)
	if err != nil {
		return err
	}
	if err := s.refreshLineage(ctx, &applied); err != nil {
		// A dangling parent is data, not a defect: keep the merged fields
		// and leave the lineage cache empty for degraded resolution.
		var dangling domain.DanglingParentError
		if !errors.As(err, &dangling) {
			return err
		}
		s.logger.WarnContext(ctx, "lineage left partial", "entity_id", applied.EntityID, "error", err)
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("core: append remote event: %w", err)
	}
	if err := s.store.PutEntity(ctx, applied); err != nil {
		return fmt.Errorf("core: persist merged entity: %w", err)
	}
	return nil
}

// RecordEventBatch applies a batch of events, isolating per-event failures:
// schema violations are quarantined and reported, and every other event
// still merges.
func (s *Service) RecordEventBatch(ctx context.Context, events []domain.SyncEvent) (domain.BatchResult, error) {
	var out domain.BatchResult
	for _, ev := range events {
		if err := s.ApplyRemote(ctx, ev); err != nil {
			var violation domain.SchemaViolationError
			if errors.As(err, &violation) {
				if qerr := s.store.Quarantine(ctx, ev, violation.Error()); qerr != nil {
					return out, fmt.Errorf("core: quarantine event %s: %w", ev.EventID, qerr)
				}
				s.logger.WarnContext(ctx, "event quarantined", "event_id", ev.EventID, "reason", violation.Reason)
				out.Rejected = append(out.Rejected, domain.EventError{EventID: ev.EventID, Reason: violation.Error()})
				continue
			}
			return out, err
		}
		out.Accepted = append(out.Accepted, ev.EventID)
	}
	return out, nil
}

// Resolve computes effective values plus provenance for the requested field
// paths ("all" when paths is empty) against the latest merged state.
func (s *Service) Resolve(ctx context.Context, entityID string, paths []string, opts domain.ResolveOptions) (domain.ResolvedFieldMap, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return resolve.Resolve(snap, entityID, paths, opts)
}

// snapshot captures a reader-isolated arena of the tenant's entities and
// computed statistics.
func (s *Service) snapshot(ctx context.Context) (resolve.Snapshot, error) {
	entities, err := s.store.ListEntities(ctx, s.tenantID)
	if err != nil {
		return resolve.Snapshot{}, err
	}
	snap := resolve.Snapshot{
		Entities: make(map[string]domain.Entity, len(entities)),
		Stats:    make(map[string][]domain.ComputedStat),
	}
	for _, entity := range entities {
		snap.Entities[entity.EntityID] = entity
		stats, err := s.store.StatsForEntity(ctx, entity.EntityID)
		if err != nil {
			return resolve.Snapshot{}, err
		}
		if len(stats) > 0 {
			snap.Stats[entity.EntityID] = stats
		}
	}
	return snap, nil
}

// refreshLineage recomputes the cached ancestor chain when a parent change
// invalidated it.
func (s *Service) refreshLineage(ctx context.Context, entity *domain.Entity) error {
	if entity.Lineage != nil || entity.ParentID == "" {
		return nil
	}
	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	snap.Entities[entity.EntityID] = *entity
	lineage, err := resolve.ComputeLineage(snap, entity.EntityID)
	if err != nil {
		return err
	}
	entity.Lineage = lineage
	return nil
}

// entityClock aggregates the vector clocks of every field so a new local
// write causally follows everything the device has observed for the entity.
func entityClock(entity domain.Entity) domain.VectorClock {
	out := domain.VectorClock{}
	for _, fs := range entity.Fields {
		out = out.Merge(fs.Clock)
		for _, clock := range fs.Adds {
			out = out.Merge(clock)
		}
		for _, clock := range fs.Removes {
			out = out.Merge(clock)
		}
	}
	return out
}

type storeView struct {
	ctx   context.Context
	store domain.Store
}

func (v storeView) FindEntity(tenantID, entityID string) (domain.Entity, bool) {
	entity, err := v.store.GetEntity(v.ctx, tenantID, entityID)
	if err != nil {
		return domain.Entity{}, false
	}
	return entity, true
}

func toStringSlice(value any) ([]string, bool) {
	switch vs := value.(type) {
	case []string:
		return vs, true
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		if strings.TrimSpace(vs) == "" {
			return nil, false
		}
		return []string{vs}, true
	}
	return nil, false
}
