// Package polyglot routes reads and writes across the primary document
// store and the secondary relational store during a live migration.
//
// Writes always land on the primary store synchronously; the secondary
// store is fed asynchronously through the sync queue while a dual-write
// phase is active. The caller never waits on the secondary.
package polyglot

import (
	"context"
	"log/slog"
	"time"

	"polysync/internal/consistency"
	"polysync/internal/events"
	"polysync/internal/migration"
	"polysync/internal/resilience"
	"polysync/internal/storage/types"
	"polysync/internal/syncqueue"
	"polysync/pkg/model"
)

// Options holds the repository feature switches.
type Options struct {
	// EnableCompensationLogging controls whether enqueue failures after
	// a committed primary write are logged and counted. Disabling it
	// silences the log record, never the success result.
	EnableCompensationLogging bool
	// EnableConsistencyValidation gates ValidateConsistency.
	EnableConsistencyValidation bool
}

// Repository is the dual-store entity repository.
type Repository struct {
	primary       types.EntityStore
	secondary     types.EntityStore
	primaryPipe   *resilience.Pipeline
	secondaryPipe *resilience.Pipeline
	queue         syncqueue.Queue
	phases        *migration.Controller
	validator     *consistency.Validator
	emitter       *events.Emitter
	logger        *slog.Logger
	opts          Options
	now           func() time.Time
}

// New creates the repository.
func New(
	primary, secondary types.EntityStore,
	primaryPipe, secondaryPipe *resilience.Pipeline,
	queue syncqueue.Queue,
	phases *migration.Controller,
	validator *consistency.Validator,
	emitter *events.Emitter,
	logger *slog.Logger,
	opts Options,
) *Repository {
	if emitter == nil {
		emitter = events.NewEmitter(logger, nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		primary:       primary,
		secondary:     secondary,
		primaryPipe:   primaryPipe,
		secondaryPipe: secondaryPipe,
		queue:         queue,
		phases:        phases,
		validator:     validator,
		emitter:       emitter,
		logger:        logger.With("component", "repository"),
		opts:          opts,
		now:           time.Now,
	}
}

// GetByID reads the entity from whichever store the current migration
// phase designates as the read source.
func (r *Repository) GetByID(ctx context.Context, entityType, id string) (*model.Entity, error) {
	store, pipe := r.readRoute()
	return pipe.ExecuteEntity(ctx, func(ctx context.Context) (*model.Entity, error) {
		return store.Get(ctx, entityType, id)
	})
}

// Add creates the entity in the primary store and, in dual-write
// phases, queues the insert for the secondary.
func (r *Repository) Add(ctx context.Context, entity *model.Entity) error {
	entity.Touch(r.now())
	err := r.primaryPipe.Execute(ctx, func(ctx context.Context) error {
		return r.primary.Insert(ctx, entity)
	})
	if err != nil {
		return err
	}
	r.enqueue(ctx, model.OpInsert, entity)
	return nil
}

// Update replaces the entity in the primary store and, in dual-write
// phases, queues the update for the secondary.
func (r *Repository) Update(ctx context.Context, entity *model.Entity) error {
	entity.Touch(r.now())
	err := r.primaryPipe.Execute(ctx, func(ctx context.Context) error {
		return r.primary.Update(ctx, entity)
	})
	if err != nil {
		return err
	}
	r.enqueue(ctx, model.OpUpdate, entity)
	return nil
}

// Upsert creates or replaces the entity in the primary store and, in
// dual-write phases, queues the upsert for the secondary.
func (r *Repository) Upsert(ctx context.Context, entity *model.Entity) error {
	entity.Touch(r.now())
	err := r.primaryPipe.Execute(ctx, func(ctx context.Context) error {
		return r.primary.Upsert(ctx, entity)
	})
	if err != nil {
		return err
	}
	r.enqueue(ctx, model.OpUpsert, entity)
	return nil
}

// Delete removes the entity from the primary store and, in dual-write
// phases, queues the delete for the secondary.
func (r *Repository) Delete(ctx context.Context, entityType, id string) error {
	err := r.primaryPipe.Execute(ctx, func(ctx context.Context) error {
		return r.primary.Delete(ctx, entityType, id)
	})
	if err != nil {
		return err
	}
	r.enqueue(ctx, model.OpDelete, &model.Entity{Type: entityType, ID: id})
	return nil
}

// IsPrimaryHealthy reports the primary backend's circuit state plus a
// liveness probe.
func (r *Repository) IsPrimaryHealthy(ctx context.Context) bool {
	return r.healthy(ctx, r.primaryPipe, r.primary)
}

// IsSecondaryHealthy reports the secondary backend's circuit state plus
// a liveness probe.
func (r *Repository) IsSecondaryHealthy(ctx context.Context) bool {
	return r.healthy(ctx, r.secondaryPipe, r.secondary)
}

// ValidateConsistency fetches the entity from both stores independently,
// bypassing phase routing, and reports their structural differences.
func (r *Repository) ValidateConsistency(ctx context.Context, entityType, id string) (*consistency.Result, error) {
	if !r.opts.EnableConsistencyValidation {
		return nil, model.ErrValidationDisabled
	}
	return r.validator.Validate(ctx, entityType, id)
}

// Phase returns the current migration phase.
func (r *Repository) Phase() migration.Phase {
	return r.phases.Current()
}

func (r *Repository) readRoute() (types.EntityStore, *resilience.Pipeline) {
	if r.phases.ReadSource() == migration.ReadSecondary {
		return r.secondary, r.secondaryPipe
	}
	return r.primary, r.primaryPipe
}

// enqueue queues the already-committed primary mutation for the
// secondary store. The snapshot is taken here, at commit time, so
// concurrent writes cannot leak into the payload. Failures never reach
// the caller: the primary write stands, and the drift is surfaced as a
// compensation failure for out-of-band reconciliation.
func (r *Repository) enqueue(ctx context.Context, op model.Operation, entity *model.Entity) {
	if !r.phases.DualWriteEnabled() {
		return
	}

	item, err := syncqueue.NewItem(op, entity)
	if err != nil {
		r.compensationFailure(ctx, op, entity, err)
		return
	}
	if err := r.queue.Enqueue(ctx, item); err != nil {
		r.compensationFailure(ctx, op, entity, err)
		return
	}

	r.emitter.Metrics().IncEnqueued(entity.Type)
	if stats, err := r.queue.Depth(ctx); err == nil {
		r.emitter.Metrics().SetQueueDepth(stats.Active, stats.Leased, stats.Dead)
	}

	ev := events.New(events.KindItemEnqueued)
	ev.EntityKey = entity.Key()
	ev.Phase = r.phases.Current().String()
	ev.Detail = map[string]any{
		"itemId":    item.ID,
		"operation": string(op),
	}
	r.emitter.Emit(ctx, ev)
}

func (r *Repository) compensationFailure(ctx context.Context, op model.Operation, entity *model.Entity, cause error) {
	r.emitter.Metrics().IncCompensationFailure(entity.Type)

	if r.opts.EnableCompensationLogging {
		r.logger.Error("secondary enqueue failed after committed primary write",
			"entityKey", entity.Key(),
			"operation", string(op),
			"error", cause)
	}

	ev := events.New(events.KindCompensationFailure)
	ev.EntityKey = entity.Key()
	ev.Phase = r.phases.Current().String()
	ev.Detail = map[string]any{
		"operation": string(op),
		"error":     cause.Error(),
	}
	r.emitter.Emit(ctx, ev)
}

func (r *Repository) healthy(ctx context.Context, pipe *resilience.Pipeline, store types.EntityStore) bool {
	switch pipe.CircuitState() {
	case resilience.StateOpen, resilience.StateIsolated:
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return store.Ping(probeCtx) == nil
}
