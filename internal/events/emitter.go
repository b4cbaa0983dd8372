package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"polysync/internal/pubsub"
)

// Emitter fans engine events out to the structured log, the metrics
// collector and, when configured, a pubsub publisher. Emission is
// best-effort: a failing publisher is logged, never propagated, so
// observability can't take the data path down.
type Emitter struct {
	logger    *slog.Logger
	metrics   Metrics
	publisher pubsub.Publisher
}

// NewEmitter creates an emitter. metrics and publisher may be nil.
func NewEmitter(logger *slog.Logger, metrics Metrics, publisher pubsub.Publisher) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Emitter{
		logger:    logger.With("component", "events"),
		metrics:   metrics,
		publisher: publisher,
	}
}

// Metrics returns the metrics collector for direct counter updates.
func (e *Emitter) Metrics() Metrics {
	return e.metrics
}

// Emit records the event.
func (e *Emitter) Emit(ctx context.Context, ev *Event) {
	attrs := []any{
		"kind", string(ev.Kind),
	}
	if ev.Backend != "" {
		attrs = append(attrs, "backend", ev.Backend)
	}
	if ev.EntityKey != "" {
		attrs = append(attrs, "entity", ev.EntityKey)
	}
	if ev.Phase != "" {
		attrs = append(attrs, "phase", ev.Phase)
	}
	for k, v := range ev.Detail {
		attrs = append(attrs, k, v)
	}

	switch ev.Kind {
	case KindCircuitStateChanged, KindCircuitRejected, KindItemFailed,
		KindItemDeadLettered, KindCompensationFailure:
		e.logger.Warn("engine event", attrs...)
	default:
		e.logger.Info("engine event", attrs...)
	}

	if e.publisher != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			e.logger.Error("failed to marshal event", "kind", ev.Kind, "error", err)
			return
		}
		if err := e.publisher.Publish(ctx, "events."+string(ev.Kind), data); err != nil {
			e.logger.Error("failed to publish event", "kind", ev.Kind, "error", err)
		}
	}
}
