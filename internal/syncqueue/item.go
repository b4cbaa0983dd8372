package syncqueue

import (
	"time"

	"github.com/google/uuid"

	"polysync/pkg/model"
)

// Item is one pending secondary-store mutation. The payload is a
// point-in-time snapshot taken at enqueue; it is never re-read from the
// primary store afterwards, so later writes cannot race into it.
// Only the retry-bookkeeping fields mutate after creation.
type Item struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"` // opaque, never parsed here
	Operation  model.Operation `json:"operation"`
	Payload    []byte          `json:"payload"`

	// Retry bookkeeping, owned by the worker.
	RetryCount    int        `json:"retryCount"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`

	// EnqueuedAt is the monotonic sequence assigned by the queue at
	// enqueue time; it is the FIFO order key, not a wall-clock reading.
	EnqueuedAt int64 `json:"enqueuedAt"`
}

// EntityKey returns the per-entity ordering key.
func (i *Item) EntityKey() string {
	return model.EntityKey(i.EntityType, i.EntityID)
}

// NewItem builds a sync item for a mutation. For deletes the entity's
// current data may be absent; the type and id are all the secondary
// store needs.
func NewItem(op model.Operation, entity *model.Entity) (*Item, error) {
	payload, err := entity.Snapshot()
	if err != nil {
		return nil, err
	}
	return &Item{
		ID:         uuid.NewString(),
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Operation:  op,
		Payload:    payload,
	}, nil
}

// Entity decodes the snapshot payload.
func (i *Item) Entity() (*model.Entity, error) {
	return model.EntityFromSnapshot(i.Payload)
}
