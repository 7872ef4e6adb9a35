// Package postgres provides the Postgres-backed cloud store. Working state
// mirrors the in-memory semantics and is persisted as JSONB buckets, while
// the sync event log lives in a dedicated table so cursor pulls are a range
// scan over time-sortable event ids.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"floracore/internal/infra/persistence/memory"
	"floracore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/floracore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS state (
	bucket  TEXT PRIMARY KEY,
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS event_log (
	seq       BIGSERIAL PRIMARY KEY,
	event_id  TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	payload   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS event_log_tenant_event_idx ON event_log (tenant_id, event_id);`

// Store persists state to Postgres while reusing the in-memory
// implementation for reads and merge semantics.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), applies the schema, and hydrates the in-memory store from
// any existing state.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore()
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

var stateBuckets = []string{
	"entities",
	"outbox",
	"quarantined",
	"cursors",
	"clocks",
	"stats",
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	snapshot := memory.Snapshot{
		Entities: make(map[string][]domain.Entity),
		Events:   make(map[string][]domain.SyncEvent),
		Clocks:   make(map[string]uint64),
		Stats:    make(map[string][]domain.ComputedStat),
	}
	targets := map[string]any{
		"entities":    &snapshot.Entities,
		"outbox":      &snapshot.Outbox,
		"quarantined": &snapshot.Quarantined,
		"cursors":     &snapshot.Cursors,
		"clocks":      &snapshot.Clocks,
		"stats":       &snapshot.Stats,
	}

	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		if target, ok := targets[bucket]; ok {
			if err := json.Unmarshal(payload, target); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}

	eventRows, err := db.QueryContext(ctx, `SELECT device_id, payload FROM event_log ORDER BY seq ASC`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select event log: %w", err)
	}
	defer func() { _ = eventRows.Close() }()
	for eventRows.Next() {
		var device string
		var payload []byte
		if err := eventRows.Scan(&device, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan event: %w", err)
		}
		var ev domain.SyncEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode event: %w", err)
		}
		snapshot.Events[device] = append(snapshot.Events[device], ev)
	}
	if err := eventRows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate event log: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	payloads := map[string]any{
		"entities":    snapshot.Entities,
		"outbox":      snapshot.Outbox,
		"quarantined": snapshot.Quarantined,
		"cursors":     snapshot.Cursors,
		"clocks":      snapshot.Clocks,
		"stats":       snapshot.Stats,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range stateBuckets {
		data, err := json.Marshal(payloads[bucket])
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// PutEntity updates working state and persists the entity bucket.
func (s *Store) PutEntity(ctx context.Context, entity domain.Entity) error {
	if err := s.Store.PutEntity(ctx, entity); err != nil {
		return err
	}
	return s.persist(ctx)
}

// AppendEvent appends to the durable event log, ignoring duplicates.
func (s *Store) AppendEvent(ctx context.Context, event domain.SyncEvent) error {
	if err := s.Store.AppendEvent(ctx, event); err != nil {
		return err
	}
	payload, err := event.MarshalLine()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_log (event_id, tenant_id, device_id, ts, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.TenantID, event.DeviceID, event.TS.UTC(), payload)
	if err != nil {
		return fmt.Errorf("persist event %s: %w", event.EventID, err)
	}
	return nil
}

// EventsSince serves cursor pulls directly from the event log table.
func (s *Store) EventsSince(ctx context.Context, tenantID, cursor string, limit int) ([]domain.SyncEvent, string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM event_log
		WHERE tenant_id = $1 AND event_id > $2
		ORDER BY event_id ASC
		LIMIT $3`, tenantID, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("select events since %q: %w", cursor, err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.SyncEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, "", fmt.Errorf("scan event: %w", err)
		}
		var ev domain.SyncEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, "", fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].EventID
	}
	return out, next, nil
}

// EnqueueOutbox stages the event and persists the outbox bucket.
func (s *Store) EnqueueOutbox(ctx context.Context, event domain.SyncEvent) error {
	if err := s.Store.EnqueueOutbox(ctx, event); err != nil {
		return err
	}
	return s.persist(ctx)
}

// MarkOutboxAttempt bumps attempt counters durably.
func (s *Store) MarkOutboxAttempt(ctx context.Context, eventIDs []string) error {
	if err := s.Store.MarkOutboxAttempt(ctx, eventIDs); err != nil {
		return err
	}
	return s.persist(ctx)
}

// AckOutbox removes acknowledged events durably.
func (s *Store) AckOutbox(ctx context.Context, eventIDs []string) error {
	if err := s.Store.AckOutbox(ctx, eventIDs); err != nil {
		return err
	}
	return s.persist(ctx)
}

// Quarantine records the offending event durably.
func (s *Store) Quarantine(ctx context.Context, event domain.SyncEvent, reason string) error {
	if err := s.Store.Quarantine(ctx, event, reason); err != nil {
		return err
	}
	return s.persist(ctx)
}

// PutCursors persists the cursor record.
func (s *Store) PutCursors(ctx context.Context, cursors domain.Cursors) error {
	if err := s.Store.PutCursors(ctx, cursors); err != nil {
		return err
	}
	return s.persist(ctx)
}

// NextClock advances the durable device counter.
func (s *Store) NextClock(ctx context.Context, deviceID string) (uint64, error) {
	counter, err := s.Store.NextClock(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	if err := s.persist(ctx); err != nil {
		return 0, err
	}
	return counter, nil
}

// PutComputedStat stores the snapshot durably.
func (s *Store) PutComputedStat(ctx context.Context, stat domain.ComputedStat) error {
	if err := s.Store.PutComputedStat(ctx, stat); err != nil {
		return err
	}
	return s.persist(ctx)
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a
// restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
