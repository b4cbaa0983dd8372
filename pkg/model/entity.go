package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation applied to a store.
// Values are lowercase on the wire.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// IsValid checks if the operation is a known valid kind.
func (o Operation) IsValid() bool {
	switch o {
	case OpInsert, OpUpdate, OpUpsert, OpDelete:
		return true
	default:
		return false
	}
}

// Entity is the store-agnostic record the engine moves between backends.
// ID is an opaque string: the engine never parses it, each backend is
// responsible for its own validation on receipt.
type Entity struct {
	Type      string         `json:"type" bson:"entity_type"`
	ID        string         `json:"id" bson:"entity_id"`
	Data      map[string]any `json:"data" bson:"data"`
	Version   int64          `json:"version" bson:"version"`
	CreatedAt int64          `json:"createdAt" bson:"created_at"` // Unix milliseconds
	UpdatedAt int64          `json:"updatedAt" bson:"updated_at"` // Unix milliseconds
}

// Key returns the engine-wide entity key used for per-entity ordering.
func (e *Entity) Key() string {
	return EntityKey(e.Type, e.ID)
}

// EntityKey builds the ordering key for an (entity type, id) pair.
func EntityKey(entityType, id string) string {
	return entityType + "/" + id
}

// Clone returns a deep copy of the entity. Data is copied one level deep
// plus nested maps and slices, which covers everything a JSON round-trip
// can produce.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Data = cloneMap(e.Data)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Snapshot serializes the entity to its canonical JSON form. This is the
// payload stored in a sync item at enqueue time; it is never re-read from
// the primary store afterwards.
func (e *Entity) Snapshot() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot entity %s: %w", e.Key(), err)
	}
	return data, nil
}

// EntityFromSnapshot restores an entity from its canonical JSON form.
func EntityFromSnapshot(data []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entity snapshot: %w", err)
	}
	return &e, nil
}

// Touch updates the mutation timestamps and bumps the version.
// CreatedAt is only set when zero.
func (e *Entity) Touch(now time.Time) {
	ms := now.UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = ms
	}
	e.UpdatedAt = ms
	e.Version++
}
