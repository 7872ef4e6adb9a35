// Package transport defines the edge-to-cloud sync contract. The sync
// worker depends on this interface only; the HTTP implementation lives in
// the httpapi subpackage so tests can substitute in-process fakes.
package transport

import (
	"context"

	"floracore/pkg/domain"
)

// Transport moves event batches between an edge device and the cloud hub.
type Transport interface {
	// Push uploads a batch of outbox events. The returned result partitions
	// the batch into accepted and rejected event ids; a non-nil error means
	// the batch outcome is unknown and the caller must retry it whole.
	Push(ctx context.Context, events []domain.SyncEvent) (domain.BatchResult, error)

	// Pull downloads events recorded after cursor, oldest first, together
	// with the cursor to resume from. An empty cursor starts from the
	// beginning of the hub log.
	Pull(ctx context.Context, cursor string, limit int) ([]domain.SyncEvent, string, error)
}
