// Package events defines the canonical event schema for the sync engine.
// Everything the engine tells operators about flows through here: circuit
// transitions, queue movement, phase changes and consistency outcomes.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened.
type Kind string

const (
	KindCircuitStateChanged Kind = "circuit_state_changed"
	KindCircuitRejected     Kind = "circuit_rejected"
	KindItemEnqueued        Kind = "item_enqueued"
	KindItemAcked           Kind = "item_acked"
	KindItemFailed          Kind = "item_failed"
	KindItemDeadLettered    Kind = "item_dead_lettered"
	KindCompensationFailure Kind = "compensation_failure"
	KindPhaseChanged        Kind = "phase_changed"
	KindConsistencyChecked  Kind = "consistency_checked"
	KindQueueDepth          Kind = "queue_depth"
)

// IsValid checks if the kind is a known valid kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindCircuitStateChanged, KindCircuitRejected, KindItemEnqueued,
		KindItemAcked, KindItemFailed, KindItemDeadLettered,
		KindCompensationFailure, KindPhaseChanged, KindConsistencyChecked,
		KindQueueDepth:
		return true
	default:
		return false
	}
}

// Event is one engine occurrence, serialized as JSON on the wire.
type Event struct {
	ID        string         `json:"eventId"`
	Kind      Kind           `json:"kind"`
	Backend   string         `json:"backend,omitempty"`
	EntityKey string         `json:"entityKey,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp int64          `json:"timestamp"` // Unix milliseconds
}

// New creates an event with a fresh id and the current timestamp.
func New(kind Kind) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Metrics is the surface an external collector implements. The engine
// only calls it; it never aggregates or exports anything itself.
type Metrics interface {
	// Queue metrics
	SetQueueDepth(active, leased, dead int)
	IncEnqueued(entityType string)
	IncAcked(entityType string)
	IncFailed(entityType string, retryCount int)
	IncDeadLettered(entityType string)
	IncCompensationFailure(entityType string)

	// Circuit metrics
	SetCircuitState(backend string, state string)
	IncCircuitRejection(backend string)

	// Consistency metrics
	IncConsistencyCheck(entityType string, consistent bool)
}

// NoopMetrics is a no-op implementation of Metrics.
type NoopMetrics struct{}

func (m *NoopMetrics) SetQueueDepth(active, leased, dead int) {
	_ = active
}
func (m *NoopMetrics) IncEnqueued(entityType string) {
	_ = entityType
}
func (m *NoopMetrics) IncAcked(entityType string) {
	_ = entityType
}
func (m *NoopMetrics) IncFailed(entityType string, retryCount int) {
	_ = entityType
}
func (m *NoopMetrics) IncDeadLettered(entityType string) {
	_ = entityType
}
func (m *NoopMetrics) IncCompensationFailure(entityType string) {
	_ = entityType
}
func (m *NoopMetrics) SetCircuitState(backend string, state string) {
	_ = backend
}
func (m *NoopMetrics) IncCircuitRejection(backend string) {
	_ = backend
}
func (m *NoopMetrics) IncConsistencyCheck(entityType string, consistent bool) {
	_ = entityType
}
