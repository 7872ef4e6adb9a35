// Package sqlite provides the durable edge-side record store. It embeds the
// in-memory store for reads and transactional semantics and writes through
// to SQLite tables: an append-only event log, the outbox, cursors, the
// device clock, and entity documents.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"floracore/internal/infra/persistence/memory"
	"floracore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS entities (
	tenant_id  TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	payload    BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, entity_id)
);
CREATE TABLE IF NOT EXISTS event_log (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id  TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	ts        TEXT NOT NULL,
	payload   BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox_events (
	event_id        TEXT PRIMARY KEY,
	payload         BLOB NOT NULL,
	ts              TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_ts TEXT
);
CREATE TABLE IF NOT EXISTS quarantine (
	event_id       TEXT PRIMARY KEY,
	payload        BLOB NOT NULL,
	reason         TEXT NOT NULL,
	quarantined_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_cursors (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	last_pushed_event_id TEXT NOT NULL DEFAULT '',
	last_pull_cursor     TEXT NOT NULL DEFAULT '',
	updated_at           TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS device_clock (
	device_id TEXT PRIMARY KEY,
	counter   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS computed_stats (
	entity_id    TEXT NOT NULL,
	stat_version INTEGER NOT NULL,
	computed_at  TEXT NOT NULL,
	payload      BLOB NOT NULL,
	PRIMARY KEY (entity_id, stat_version, computed_at)
);`

// Store is the SQLite-backed record store. The embedded memory store serves
// reads; every mutation writes through to SQLite before returning so no
// acknowledged state is lost across restarts.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (and if needed creates) the SQLite store at path and
// hydrates the in-memory working state from it.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "floracore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) load() error {
	snap := memory.Snapshot{
		Entities: make(map[string][]domain.Entity),
		Events:   make(map[string][]domain.SyncEvent),
		Clocks:   make(map[string]uint64),
		Stats:    make(map[string][]domain.ComputedStat),
	}

	rows, err := s.db.Query(`SELECT tenant_id, payload FROM entities`)
	if err != nil {
		return fmt.Errorf("select entities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tenant string
		var payload []byte
		if err := rows.Scan(&tenant, &payload); err != nil {
			return fmt.Errorf("scan entity: %w", err)
		}
		var entity domain.Entity
		if err := json.Unmarshal(payload, &entity); err != nil {
			return fmt.Errorf("decode entity: %w", err)
		}
		snap.Entities[tenant] = append(snap.Entities[tenant], entity)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if err := s.loadEvents(&snap); err != nil {
		return err
	}
	if err := s.loadOutbox(&snap); err != nil {
		return err
	}
	if err := s.loadQuarantine(&snap); err != nil {
		return err
	}
	if err := s.loadCursorsAndClocks(&snap); err != nil {
		return err
	}
	if err := s.loadStats(&snap); err != nil {
		return err
	}
	s.ImportState(snap)
	return nil
}

func (s *Store) loadEvents(snap *memory.Snapshot) error {
	rows, err := s.db.Query(`SELECT device_id, payload FROM event_log ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("select event log: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var device string
		var payload []byte
		if err := rows.Scan(&device, &payload); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		var ev domain.SyncEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		snap.Events[device] = append(snap.Events[device], ev)
	}
	return rows.Err()
}

func (s *Store) loadOutbox(snap *memory.Snapshot) error {
	rows, err := s.db.Query(`SELECT payload, attempts, COALESCE(last_attempt_ts, '') FROM outbox_events ORDER BY event_id ASC`)
	if err != nil {
		return fmt.Errorf("select outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload []byte
		var attempts int
		var lastAttempt string
		if err := rows.Scan(&payload, &attempts, &lastAttempt); err != nil {
			return fmt.Errorf("scan outbox: %w", err)
		}
		var ev domain.SyncEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode outbox event: %w", err)
		}
		entry := domain.OutboxEntry{Event: ev, Attempts: attempts}
		if lastAttempt != "" {
			if ts, err := time.Parse(time.RFC3339Nano, lastAttempt); err == nil {
				entry.LastAttempt = ts
			}
		}
		snap.Outbox = append(snap.Outbox, entry)
	}
	return rows.Err()
}

func (s *Store) loadQuarantine(snap *memory.Snapshot) error {
	rows, err := s.db.Query(`SELECT payload, reason, quarantined_at FROM quarantine ORDER BY quarantined_at ASC`)
	if err != nil {
		return fmt.Errorf("select quarantine: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload []byte
		var reason, at string
		if err := rows.Scan(&payload, &reason, &at); err != nil {
			return fmt.Errorf("scan quarantine: %w", err)
		}
		var ev domain.SyncEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode quarantined event: %w", err)
		}
		q := domain.QuarantinedEvent{Event: ev, Reason: reason}
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			q.QuarantinedAt = ts
		}
		snap.Quarantined = append(snap.Quarantined, q)
	}
	return rows.Err()
}

func (s *Store) loadCursorsAndClocks(snap *memory.Snapshot) error {
	row := s.db.QueryRow(`SELECT last_pushed_event_id, last_pull_cursor FROM sync_cursors WHERE id = 1`)
	if err := row.Scan(&snap.Cursors.LastPushedEventID, &snap.Cursors.LastPullCursor); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("scan cursors: %w", err)
	}
	rows, err := s.db.Query(`SELECT device_id, counter FROM device_clock`)
	if err != nil {
		return fmt.Errorf("select clocks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var device string
		var counter uint64
		if err := rows.Scan(&device, &counter); err != nil {
			return fmt.Errorf("scan clock: %w", err)
		}
		snap.Clocks[device] = counter
	}
	return rows.Err()
}

func (s *Store) loadStats(snap *memory.Snapshot) error {
	rows, err := s.db.Query(`SELECT entity_id, payload FROM computed_stats`)
	if err != nil {
		return fmt.Errorf("select stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var entityID string
		var payload []byte
		if err := rows.Scan(&entityID, &payload); err != nil {
			return fmt.Errorf("scan stat: %w", err)
		}
		var stat domain.ComputedStat
		if err := json.Unmarshal(payload, &stat); err != nil {
			return fmt.Errorf("decode stat: %w", err)
		}
		snap.Stats[entityID] = append(snap.Stats[entityID], stat)
	}
	return rows.Err()
}

// PutEntity writes through to the entities table after updating memory.
func (s *Store) PutEntity(ctx context.Context, entity domain.Entity) error {
	if err := s.Store.PutEntity(ctx, entity); err != nil {
		return err
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", entity.EntityID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (tenant_id, entity_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, entity_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		entity.TenantID, entity.EntityID, payload, entity.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist entity %s: %w", entity.EntityID, err)
	}
	return nil
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
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.TenantID, event.DeviceID, event.TS.UTC().Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("persist event %s: %w", event.EventID, err)
	}
	return nil
}

// EnqueueOutbox stages the event durably; attempts survive restarts.
func (s *Store) EnqueueOutbox(ctx context.Context, event domain.SyncEvent) error {
	if err := s.Store.EnqueueOutbox(ctx, event); err != nil {
		return err
	}
	payload, err := event.MarshalLine()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, payload, ts)
		VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, payload, event.TS.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist outbox event %s: %w", event.EventID, err)
	}
	return nil
}

// MarkOutboxAttempt bumps durable attempt counters after a failed push.
func (s *Store) MarkOutboxAttempt(ctx context.Context, eventIDs []string) error {
	if err := s.Store.MarkOutboxAttempt(ctx, eventIDs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range eventIDs {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE outbox_events SET attempts = attempts + 1, last_attempt_ts = ? WHERE event_id = ?`, now, id); err != nil {
			return fmt.Errorf("mark attempt %s: %w", id, err)
		}
	}
	return nil
}

// AckOutbox removes acknowledged events.
func (s *Store) AckOutbox(ctx context.Context, eventIDs []string) error {
	if err := s.Store.AckOutbox(ctx, eventIDs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range eventIDs {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox_events WHERE event_id = ?`, id); err != nil {
			return fmt.Errorf("ack outbox %s: %w", id, err)
		}
	}
	return nil
}

// Quarantine records the offending event durably.
func (s *Store) Quarantine(ctx context.Context, event domain.SyncEvent, reason string) error {
	if err := s.Store.Quarantine(ctx, event, reason); err != nil {
		return err
	}
	payload, err := event.MarshalLine()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quarantine (event_id, payload, reason, quarantined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, payload, reason, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist quarantine %s: %w", event.EventID, err)
	}
	return nil
}

// PutCursors persists the cursor record. Cursor durability gates pull
// progress, so this must land before the worker reports the batch done.
func (s *Store) PutCursors(ctx context.Context, cursors domain.Cursors) error {
	if err := s.Store.PutCursors(ctx, cursors); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (id, last_pushed_event_id, last_pull_cursor, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_pushed_event_id = excluded.last_pushed_event_id,
			last_pull_cursor = excluded.last_pull_cursor,
			updated_at = excluded.updated_at`,
		cursors.LastPushedEventID, cursors.LastPullCursor, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist cursors: %w", err)
	}
	return nil
}

// NextClock advances the durable device counter; counters never reset
// backward across restarts.
func (s *Store) NextClock(ctx context.Context, deviceID string) (uint64, error) {
	counter, err := s.Store.NextClock(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO device_clock (device_id, counter) VALUES (?, ?)
		ON CONFLICT (device_id) DO UPDATE SET counter = excluded.counter`,
		deviceID, counter); err != nil {
		return 0, fmt.Errorf("persist clock %s: %w", deviceID, err)
	}
	return counter, nil
}

// PutComputedStat stores the snapshot durably.
func (s *Store) PutComputedStat(ctx context.Context, stat domain.ComputedStat) error {
	if err := s.Store.PutComputedStat(ctx, stat); err != nil {
		return err
	}
	payload, err := json.Marshal(stat)
	if err != nil {
		return fmt.Errorf("encode stat: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO computed_stats (entity_id, stat_version, computed_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_id, stat_version, computed_at) DO NOTHING`,
		stat.EntityID, stat.StatVersion, stat.ComputedAt.UTC().Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("persist stat: %w", err)
	}
	return nil
}
