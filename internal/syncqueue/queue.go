// Package syncqueue holds the pending secondary-store mutations.
//
// Ordering contract: strict FIFO per entity key. Only the oldest
// non-dead item of an entity is ever leased, so same-entity mutations
// reach the secondary store in enqueue order even across retries.
// Cross-entity ordering is not guaranteed. A leased item is invisible
// to other workers until it is acked or failed back.
package syncqueue

import (
	"context"
	"time"
)

// Stats is a point-in-time census of the queue.
type Stats struct {
	Active int `json:"active"`
	Leased int `json:"leased"`
	Dead   int `json:"dead"`
}

// Queue is the store of pending secondary writes.
type Queue interface {
	// Enqueue appends an item, assigning its sequence number.
	Enqueue(ctx context.Context, item *Item) error

	// DequeueBatch leases up to max items that are due. Leased items
	// stay in the queue but are invisible until Ack or Fail.
	DequeueBatch(ctx context.Context, max int) ([]*Item, error)

	// Ack removes a leased item after a successful secondary write.
	Ack(ctx context.Context, id string) error

	// Fail releases a leased item back into the active set with retry
	// bookkeeping updated. The item keeps its place in its entity's
	// FIFO order; nextAttemptAt gates when it becomes due again.
	// A nil cause releases the lease without counting an attempt,
	// which is how a shutting-down worker hands an item back.
	Fail(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error

	// DeadLetter moves a leased item out of the active set permanently.
	DeadLetter(ctx context.Context, id string) error

	// Requeue force-retries a dead-lettered item: retry bookkeeping is
	// cleared and it re-enters its entity's FIFO order by sequence.
	Requeue(ctx context.Context, id string) error

	// DeadLetters lists dead-lettered items, oldest first.
	DeadLetters(ctx context.Context) ([]*Item, error)

	// Depth reports the queue census.
	Depth(ctx context.Context) (Stats, error)

	// Wakeup signals once per enqueue so the worker can drain promptly
	// under light load instead of waiting out its poll interval.
	Wakeup() <-chan struct{}

	// Close releases resources. Further calls return ErrQueueClosed.
	Close() error
}
