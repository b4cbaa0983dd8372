// Package types defines the storage contracts shared by the mongo and
// postgres backends and the polyglot repository.
package types

import (
	"context"
	"fmt"

	"polysync/pkg/model"
)

// EntityStore is one side of the dual-store pair. Implementations map
// their native miss and duplicate errors to model.ErrNotFound and
// model.ErrExists; everything else surfaces as a backend error and is
// treated as transient by the resilience layer.
type EntityStore interface {
	// Get fetches an entity. The id is opaque; the backend never
	// parses it beyond validating it is non-empty.
	Get(ctx context.Context, entityType, id string) (*model.Entity, error)

	// Insert creates the entity, failing with ErrExists if present.
	Insert(ctx context.Context, entity *model.Entity) error

	// Update replaces an existing entity, failing with ErrNotFound.
	Update(ctx context.Context, entity *model.Entity) error

	// Upsert creates or replaces.
	Upsert(ctx context.Context, entity *model.Entity) error

	// Delete removes the entity. Deleting an absent entity returns
	// ErrNotFound.
	Delete(ctx context.Context, entityType, id string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close(ctx context.Context) error
}

// Apply dispatches one mutation to a store using the operation that was
// recorded when the mutation happened, never inferred after the fact.
func Apply(ctx context.Context, store EntityStore, op model.Operation, entity *model.Entity) error {
	switch op {
	case model.OpInsert:
		return store.Insert(ctx, entity)
	case model.OpUpdate:
		return store.Update(ctx, entity)
	case model.OpUpsert:
		return store.Upsert(ctx, entity)
	case model.OpDelete:
		return store.Delete(ctx, entity.Type, entity.ID)
	default:
		return fmt.Errorf("apply: unknown operation %q", op)
	}
}
