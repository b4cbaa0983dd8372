// Package resilience wraps every backend call in a timeout, a bounded
// retry with jittered exponential backoff, and a per-backend circuit
// breaker, in that order.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polysync/internal/events"
	"polysync/pkg/model"
)

// PipelineConfig configures one pipeline instance.
type PipelineConfig struct {
	// Timeout is the hard upper bound per attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay scales the exponential backoff schedule.
	BaseDelay time.Duration
	// MaxDelay caps the backoff schedule.
	MaxDelay time.Duration
	// Breaker configures the circuit breaker stage.
	Breaker BreakerConfig
}

// Pipeline executes operations against a single named backend.
type Pipeline struct {
	backend string
	cfg     PipelineConfig
	breaker *Breaker
	emitter *events.Emitter
	logger  *slog.Logger

	// sleep is swapped out in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline creates a pipeline for the named backend. The backend name
// keys every emitted event and metric.
func NewPipeline(backend string, cfg PipelineConfig, emitter *events.Emitter, logger *slog.Logger) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if emitter == nil {
		emitter = events.NewEmitter(logger, nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		backend: backend,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.With("component", "resilience", "backend", backend),
		sleep:   sleepCtx,
	}
	p.breaker = NewBreaker(cfg.Breaker, p.onCircuitTransition)
	return p
}

// Backend returns the backend name this pipeline guards.
func (p *Pipeline) Backend() string {
	return p.backend
}

// CircuitState returns the current breaker state.
func (p *Pipeline) CircuitState() CircuitState {
	return p.breaker.State()
}

// Isolate manually opens the breaker until Reset.
func (p *Pipeline) Isolate() {
	p.breaker.Isolate()
}

// Reset closes the breaker.
func (p *Pipeline) Reset() {
	p.breaker.Reset()
}

// Execute runs op through timeout, retry and breaker stages.
// Transient failures are retried up to MaxRetries with jittered
// exponential backoff; terminal errors (not-found, already-exists,
// caller cancellation, circuit-open) surface immediately.
func (p *Pipeline) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// ExecuteEntity is Execute for operations returning an entity.
func (p *Pipeline) ExecuteEntity(ctx context.Context, op func(ctx context.Context) (*model.Entity, error)) (*model.Entity, error) {
	return execute(ctx, p, op)
}

func execute[T any](ctx context.Context, p *Pipeline, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.breaker.Allow(); err != nil {
			p.emitRejection()
			return zero, fmt.Errorf("backend %s: %w", p.backend, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		result, err := op(attemptCtx)
		cancel()

		if err == nil {
			p.breaker.RecordSuccess()
			return result, nil
		}

		if !model.IsTransient(err) {
			// The backend answered; not-found and friends are outcomes,
			// not failures, and must not trip the breaker.
			p.breaker.RecordSuccess()
			return zero, err
		}

		p.breaker.RecordFailure()
		lastErr = err

		if model.IsCanceled(ctx.Err()) {
			return zero, model.WrapError(ctx.Err())
		}
		if attempt == maxAttempts {
			break
		}

		delay := BackoffDelay(p.cfg.BaseDelay, p.cfg.MaxDelay, attempt)
		p.logger.Debug("retrying backend call",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := p.sleep(ctx, delay); err != nil {
			return zero, model.WrapError(err)
		}
	}

	return zero, fmt.Errorf("backend %s: %w after %d attempts: %w",
		p.backend, model.ErrRetriesExhausted, maxAttempts, lastErr)
}

func (p *Pipeline) onCircuitTransition(from, to CircuitState) {
	p.emitter.Metrics().SetCircuitState(p.backend, to.String())

	ev := events.New(events.KindCircuitStateChanged)
	ev.Backend = p.backend
	ev.Detail = map[string]any{
		"from": from.String(),
		"to":   to.String(),
	}
	p.emitter.Emit(context.Background(), ev)
}

func (p *Pipeline) emitRejection() {
	p.emitter.Metrics().IncCircuitRejection(p.backend)

	ev := events.New(events.KindCircuitRejected)
	ev.Backend = p.backend
	p.emitter.Emit(context.Background(), ev)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
