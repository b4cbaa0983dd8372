// Package syncworker drains the sync queue into the secondary store.
package syncworker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polysync/internal/events"
	"polysync/internal/resilience"
	"polysync/internal/storage/types"
	"polysync/internal/syncqueue"
	"polysync/pkg/model"
)

// Config contains configuration for the sync worker.
type Config struct {
	// Interval between drain cycles when the queue stays quiet.
	Interval time.Duration
	// BatchSize is the number of items leased per cycle.
	BatchSize int
	// MaxRetries is the retry budget per item before dead-lettering.
	MaxRetries int
	// BaseDelay and MaxDelay shape the per-item retry backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Second,
		BatchSize:  50,
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
	}
}

// Worker replays queued mutations against the secondary store in the
// queue's per-entity order. Each item goes through the secondary
// resilience pipeline; one poisoned item never stalls the cycle, only
// its own entity.
type Worker struct {
	queue     syncqueue.Queue
	secondary types.EntityStore
	pipeline  *resilience.Pipeline
	emitter   *events.Emitter
	config    Config
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates a sync worker.
func New(
	queue syncqueue.Queue,
	secondary types.EntityStore,
	pipeline *resilience.Pipeline,
	emitter *events.Emitter,
	config Config,
	logger *slog.Logger,
) *Worker {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if emitter == nil {
		emitter = events.NewEmitter(logger, nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:     queue,
		secondary: secondary,
		pipeline:  pipeline,
		emitter:   emitter,
		config:    config,
		logger:    logger.With("component", "sync-worker"),
		now:       time.Now,
	}
}

// Start launches the drain loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.runLoop(workerCtx)

	w.logger.Info("sync worker started",
		"interval", w.config.Interval,
		"batchSize", w.config.BatchSize,
		"maxRetries", w.config.MaxRetries)
	return nil
}

// Stop stops the worker, waiting for the in-flight cycle to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}

	if w.cancel != nil {
		w.cancel()
	}
	w.running = false
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("sync worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()

	// Drain immediately on start to clear any backlog.
	w.Drain(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		case <-w.queue.Wakeup():
			w.Drain(ctx)
		}
	}
}

// Drain leases due items in batches and processes them until the queue
// has nothing due or the context is canceled. It is the single-cycle
// body of the loop, exported for one-shot use by admin operations.
func (w *Worker) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := w.queue.DequeueBatch(ctx, w.config.BatchSize)
		if err != nil {
			if !model.IsCanceled(err) {
				w.logger.Error("failed to lease sync batch", "error", err)
			}
			return
		}
		if len(batch) == 0 {
			w.reportDepth(ctx)
			return
		}

		for _, item := range batch {
			if ctx.Err() != nil {
				return
			}
			w.processItem(ctx, item)
		}
		w.reportDepth(ctx)
		// Loop: settling this batch may have unblocked same-entity
		// successors. Failed items are gated on a future NextAttemptAt,
		// so the loop terminates once only those remain.
	}
}

// processItem applies one item to the secondary store and settles it.
// Errors are isolated per item: a failure marks that item, never the
// batch.
func (w *Worker) processItem(ctx context.Context, item *syncqueue.Item) {
	err := w.apply(ctx, item)
	if err == nil {
		w.ack(ctx, item)
		return
	}

	if model.IsCanceled(err) {
		// Shutdown mid-item: release the lease without burning a retry
		// so the next run picks the item up. ctx is already canceled,
		// so the release gets its own context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if failErr := w.queue.Fail(releaseCtx, item.ID, nil, w.now()); failErr != nil {
			w.logger.Error("failed to release item on shutdown",
				"itemId", item.ID, "error", failErr)
		}
		return
	}

	// RetryCount counts finished attempts, so the one that just failed
	// makes it RetryCount+1.
	if item.RetryCount+1 > w.config.MaxRetries {
		w.deadLetter(ctx, item, err)
		return
	}
	w.fail(ctx, item, err)
}

func (w *Worker) apply(ctx context.Context, item *syncqueue.Item) error {
	entity, err := item.Entity()
	if err != nil {
		return err
	}
	return w.pipeline.Execute(ctx, func(ctx context.Context) error {
		return types.Apply(ctx, w.secondary, item.Operation, entity)
	})
}

func (w *Worker) ack(ctx context.Context, item *syncqueue.Item) {
	if err := w.queue.Ack(ctx, item.ID); err != nil {
		w.logger.Error("failed to ack item", "itemId", item.ID, "error", err)
		return
	}
	w.emitter.Metrics().IncAcked(item.EntityType)

	ev := events.New(events.KindItemAcked)
	ev.EntityKey = item.EntityKey()
	ev.Detail = map[string]any{
		"itemId":     item.ID,
		"operation":  string(item.Operation),
		"retryCount": item.RetryCount,
	}
	w.emitter.Emit(ctx, ev)
}

func (w *Worker) fail(ctx context.Context, item *syncqueue.Item, cause error) {
	attempt := item.RetryCount + 1
	nextAttemptAt := w.now().Add(resilience.BackoffDelay(w.config.BaseDelay, w.config.MaxDelay, attempt))

	if err := w.queue.Fail(ctx, item.ID, cause, nextAttemptAt); err != nil {
		w.logger.Error("failed to mark item for retry", "itemId", item.ID, "error", err)
		return
	}
	w.emitter.Metrics().IncFailed(item.EntityType, attempt)

	ev := events.New(events.KindItemFailed)
	ev.EntityKey = item.EntityKey()
	ev.Detail = map[string]any{
		"itemId":        item.ID,
		"operation":     string(item.Operation),
		"retryCount":    attempt,
		"nextAttemptAt": nextAttemptAt.UnixMilli(),
		"error":         cause.Error(),
	}
	w.emitter.Emit(ctx, ev)
}

func (w *Worker) deadLetter(ctx context.Context, item *syncqueue.Item, cause error) {
	if err := w.queue.DeadLetter(ctx, item.ID); err != nil {
		w.logger.Error("failed to dead-letter item", "itemId", item.ID, "error", err)
		return
	}
	w.emitter.Metrics().IncDeadLettered(item.EntityType)

	w.logger.Error("item dead-lettered after exhausting retries",
		"itemId", item.ID,
		"entityKey", item.EntityKey(),
		"operation", string(item.Operation),
		"retryCount", item.RetryCount+1,
		"error", cause)

	ev := events.New(events.KindItemDeadLettered)
	ev.EntityKey = item.EntityKey()
	ev.Detail = map[string]any{
		"itemId":     item.ID,
		"operation":  string(item.Operation),
		"retryCount": item.RetryCount + 1,
		"error":      cause.Error(),
	}
	w.emitter.Emit(ctx, ev)
}

func (w *Worker) reportDepth(ctx context.Context) {
	stats, err := w.queue.Depth(ctx)
	if err != nil {
		return
	}
	w.emitter.Metrics().SetQueueDepth(stats.Active, stats.Leased, stats.Dead)
}
