// Package sync runs the background worker that drains the local outbox to
// the hub and merges the hub log back into local state. The worker is the
// only writer of the sync cursors, so cursor updates never race.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"floracore/internal/core"
	"floracore/internal/transport"
	"floracore/pkg/domain"
)

// Phase names the step of the sync cycle the worker is currently in.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDraining    Phase = "draining"
	PhasePushing     Phase = "pushing"
	PhaseAwaitingAck Phase = "awaiting_ack"
	PhasePulling     Phase = "pulling"
	PhaseMerging     Phase = "merging"
)

// Config tunes the sync cycle.
type Config struct {
	// DeviceID identifies this edge device; pulled events it authored are
	// skipped during merge.
	DeviceID string
	// Interval is the pause between sync cycles.
	Interval time.Duration
	// BatchSize bounds both push and pull batch sizes.
	BatchSize int
	// RetryBackoff is the initial backoff duration between push retries.
	RetryBackoff time.Duration
	// MaxBackoff caps the exponential backoff growth.
	MaxBackoff time.Duration
	// MaxRetries bounds push attempts within one cycle. Unsent events stay
	// in the outbox and the next cycle starts over.
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

// Worker pushes outbox events and pulls the hub log on a fixed cadence.
type Worker struct {
	service   *core.Service
	store     domain.Store
	transport transport.Transport
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	phase  Phase
	status domain.SyncStatus
}

// NewWorker wires a sync worker over the given service and transport.
func NewWorker(service *core.Service, tp transport.Transport, cfg Config, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		service:   service,
		store:     service.Store(),
		transport: tp,
		cfg:       cfg,
		logger:    logger,
		phase:     PhaseIdle,
	}
}

// Phase reports the current cycle phase.
func (w *Worker) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Status reports a snapshot of sync health.
func (w *Worker) Status() domain.SyncStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Run executes sync cycles until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := w.SyncOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("sync cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce runs a single push then pull cycle.
func (w *Worker) SyncOnce(ctx context.Context) error {
	timer := time.Now()
	defer func() { cycleDuration.Observe(time.Since(timer).Seconds()) }()
	defer w.setPhase(PhaseIdle)

	pushErr := w.push(ctx)
	pullErr := w.pull(ctx)
	w.refreshCounts(ctx)

	switch {
	case pushErr != nil && pullErr != nil:
		return errors.Join(pushErr, pullErr)
	case pushErr != nil:
		return pushErr
	default:
		return pullErr
	}
}

// push drains the outbox in batches. Events leave the outbox only after the
// hub acknowledges them; a crash mid-push re-sends and the hub dedupes by
// event id.
func (w *Worker) push(ctx context.Context) error {
	for {
		w.setPhase(PhaseDraining)
		entries, err := w.store.PeekOutbox(ctx, w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("peek outbox: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		events := make([]domain.SyncEvent, 0, len(entries))
		ids := make([]string, 0, len(entries))
		byID := make(map[string]domain.SyncEvent, len(entries))
		for _, entry := range entries {
			events = append(events, entry.Event)
			ids = append(ids, entry.Event.EventID)
			byID[entry.Event.EventID] = entry.Event
		}

		w.setPhase(PhasePushing)
		result, err := w.pushWithRetry(ctx, events, ids)
		if err != nil {
			w.setDegraded(err)
			return err
		}

		w.setPhase(PhaseAwaitingAck)
		if err := w.settleBatch(ctx, result, byID); err != nil {
			return err
		}
		w.mu.Lock()
		w.status.LastPushAt = time.Now().UTC()
		w.status.LastError = ""
		w.status.Degraded = false
		w.mu.Unlock()
	}
}

func (w *Worker) pushWithRetry(ctx context.Context, events []domain.SyncEvent, ids []string) (domain.BatchResult, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		result, err := w.transport.Push(ctx, events)
		if err == nil {
			return result, nil
		}
		lastErr = err
		pushFailures.Inc()
		if markErr := w.store.MarkOutboxAttempt(ctx, ids); markErr != nil {
			return domain.BatchResult{}, fmt.Errorf("mark outbox attempt: %w", markErr)
		}
		var terr *domain.TransportError
		if errors.As(err, &terr) && !terr.Transient {
			break
		}
		backoff := w.backoff(attempt)
		w.logger.Debug("push failed, backing off", "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return domain.BatchResult{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return domain.BatchResult{}, fmt.Errorf("push failed after %d attempts: %w", w.cfg.MaxRetries, lastErr)
}

// settleBatch acks accepted events and quarantines rejected ones. Rejected
// events are acked too so one bad event cannot wedge the queue.
func (w *Worker) settleBatch(ctx context.Context, result domain.BatchResult, byID map[string]domain.SyncEvent) error {
	if len(result.Accepted) > 0 {
		if err := w.store.AckOutbox(ctx, result.Accepted); err != nil {
			return fmt.Errorf("ack outbox: %w", err)
		}
		eventsPushed.Add(float64(len(result.Accepted)))
		cursors, err := w.store.GetCursors(ctx)
		if err != nil {
			return err
		}
		cursors.LastPushedEventID = result.Accepted[len(result.Accepted)-1]
		if err := w.store.PutCursors(ctx, cursors); err != nil {
			return fmt.Errorf("persist push cursor: %w", err)
		}
	}
	for _, rejected := range result.Rejected {
		ev, ok := byID[rejected.EventID]
		if !ok {
			continue
		}
		w.logger.Warn("hub rejected event", "event_id", rejected.EventID, "reason", rejected.Reason)
		if err := w.store.Quarantine(ctx, ev, rejected.Reason); err != nil {
			return fmt.Errorf("quarantine %s: %w", rejected.EventID, err)
		}
		if err := w.store.AckOutbox(ctx, []string{rejected.EventID}); err != nil {
			return fmt.Errorf("remove rejected %s: %w", rejected.EventID, err)
		}
		eventsQuarantined.Inc()
	}
	return nil
}

// pull drains the hub log from the stored cursor. The cursor only advances
// after every event of the batch has been durably merged or quarantined, so
// a crash mid-batch replays the batch and merging stays idempotent.
func (w *Worker) pull(ctx context.Context) error {
	cursors, err := w.store.GetCursors(ctx)
	if err != nil {
		return fmt.Errorf("load cursors: %w", err)
	}
	cursor := cursors.LastPullCursor
	for {
		w.setPhase(PhasePulling)
		events, next, err := w.transport.Pull(ctx, cursor, w.cfg.BatchSize)
		if err != nil {
			w.setDegraded(err)
			return fmt.Errorf("pull from %q: %w", cursor, err)
		}
		if len(events) == 0 {
			break
		}

		w.setPhase(PhaseMerging)
		merged, err := w.mergeBatch(ctx, events)
		if err != nil {
			return err
		}

		cursors.LastPullCursor = next
		if err := w.store.PutCursors(ctx, cursors); err != nil {
			return fmt.Errorf("persist pull cursor: %w", err)
		}
		eventsPulled.Add(float64(merged))
		cursor = next
	}
	w.mu.Lock()
	w.status.LastPullAt = time.Now().UTC()
	w.mu.Unlock()
	return nil
}

// mergeBatch applies one pulled batch. Events for the same entity must land
// in batch order, so the batch is partitioned by entity id and each partition
// runs on its own goroutine. Entities never share a partition, which keeps
// the read-merge-write in ApplyRemote race free.
func (w *Worker) mergeBatch(ctx context.Context, events []domain.SyncEvent) (int, error) {
	groups := make(map[string][]domain.SyncEvent)
	order := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.DeviceID == w.cfg.DeviceID {
			continue
		}
		if _, ok := groups[ev.EntityID]; !ok {
			order = append(order, ev.EntityID)
		}
		groups[ev.EntityID] = append(groups[ev.EntityID], ev)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		merged   int
		firstErr error
	)
	for _, entityID := range order {
		batch := groups[entityID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, ev := range batch {
				if err := w.applyOne(ctx, ev); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				mu.Lock()
				merged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return merged, firstErr
}

func (w *Worker) applyOne(ctx context.Context, ev domain.SyncEvent) error {
	err := w.service.ApplyRemote(ctx, ev)
	if err == nil {
		return nil
	}
	var sv domain.SchemaViolationError
	if errors.As(err, &sv) {
		w.logger.Warn("quarantining pulled event", "event_id", ev.EventID, "reason", sv.Reason)
		if qerr := w.store.Quarantine(ctx, ev, sv.Reason); qerr != nil {
			return fmt.Errorf("quarantine %s: %w", ev.EventID, qerr)
		}
		eventsQuarantined.Inc()
		return nil
	}
	return fmt.Errorf("merge %s: %w", ev.EventID, err)
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := w.cfg.RetryBackoff * time.Duration(1<<attempt)
	if d > w.cfg.MaxBackoff {
		d = w.cfg.MaxBackoff
	}
	// Up to 20% jitter keeps a fleet of devices from retrying in lockstep.
	return d + rand.N(d/5+1)
}

func (w *Worker) setPhase(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

func (w *Worker) setDegraded(err error) {
	w.mu.Lock()
	w.status.LastError = err.Error()
	w.status.Degraded = true
	w.mu.Unlock()
}

func (w *Worker) refreshCounts(ctx context.Context) {
	depth, err := w.store.OutboxDepth(ctx)
	if err != nil {
		return
	}
	quarantined, err := w.store.ListQuarantined(ctx)
	if err != nil {
		return
	}
	outboxDepth.Set(float64(depth))
	w.mu.Lock()
	w.status.PendingOutbox = depth
	w.status.QuarantinedCount = len(quarantined)
	w.mu.Unlock()
}
