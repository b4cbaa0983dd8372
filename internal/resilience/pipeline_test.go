package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polysync/internal/events"
	"polysync/pkg/model"
)

var errTransient = errors.New("connection refused")

func newTestPipeline(t *testing.T, cfg PipelineConfig) (*Pipeline, *[]time.Duration) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPipeline("primary", cfg, events.NewEmitter(logger, nil, nil), logger)

	sleeps := &[]time.Duration{}
	p.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return p, sleeps
}

func TestPipeline_SuccessFirstAttempt(t *testing.T) {
	p, sleeps := newTestPipeline(t, PipelineConfig{MaxRetries: 3, BaseDelay: time.Second})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *sleeps)
}

func TestPipeline_RetriesTransientThenSucceeds(t *testing.T) {
	p, sleeps := newTestPipeline(t, PipelineConfig{MaxRetries: 3, BaseDelay: time.Second})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *sleeps, 2)
}

func TestPipeline_RetriesExhausted(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{MaxRetries: 2, BaseDelay: time.Second})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errTransient
	})

	assert.Equal(t, 3, calls, "initial attempt plus two retries")
	assert.ErrorIs(t, err, model.ErrRetriesExhausted)
	assert.ErrorIs(t, err, errTransient)
}

func TestPipeline_TerminalErrorNotRetried(t *testing.T) {
	p, sleeps := newTestPipeline(t, PipelineConfig{MaxRetries: 5, BaseDelay: time.Second})

	calls := 0
	_, err := p.ExecuteEntity(context.Background(), func(ctx context.Context) (*model.Entity, error) {
		calls++
		return nil, model.ErrNotFound
	})

	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *sleeps)
	assert.Equal(t, StateClosed, p.CircuitState(), "a not-found answer is not a backend failure")
}

func TestPipeline_ExecuteEntityReturnsResult(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{MaxRetries: 1, BaseDelay: time.Second})

	want := &model.Entity{Type: "story", ID: "s1"}
	got, err := p.ExecuteEntity(context.Background(), func(ctx context.Context) (*model.Entity, error) {
		return want, nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPipeline_BreakerOpensAndRejects(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{
		MaxRetries: 0,
		BaseDelay:  time.Second,
		Breaker:    BreakerConfig{Threshold: 2, BreakDuration: time.Hour},
	})

	backendCalls := 0
	fail := func(ctx context.Context) error {
		backendCalls++
		return errTransient
	}

	require.Error(t, p.Execute(context.Background(), fail))
	require.Error(t, p.Execute(context.Background(), fail))
	assert.Equal(t, StateOpen, p.CircuitState())

	// Next call is rejected without touching the backend.
	err := p.Execute(context.Background(), fail)
	assert.ErrorIs(t, err, model.ErrCircuitOpen)
	assert.Equal(t, 2, backendCalls)
}

func TestPipeline_BreakerRecoversViaProbe(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{
		MaxRetries: 0,
		BaseDelay:  time.Second,
		Breaker:    BreakerConfig{Threshold: 1, BreakDuration: 10 * time.Millisecond},
	})
	clock := &fakeClock{t: time.Now()}
	p.breaker.now = clock.now

	require.Error(t, p.Execute(context.Background(), func(ctx context.Context) error {
		return errTransient
	}))
	require.ErrorIs(t, p.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	}), model.ErrCircuitOpen)

	clock.advance(11 * time.Millisecond)

	// Probe allowed after the break, success closes the circuit.
	require.NoError(t, p.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	}))
	assert.Equal(t, StateClosed, p.CircuitState())
}

func TestPipeline_IsolateAndReset(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{MaxRetries: 0, BaseDelay: time.Second})

	p.Isolate()
	err := p.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, model.ErrCircuitOpen)
	assert.Equal(t, StateIsolated, p.CircuitState())

	p.Reset()
	assert.NoError(t, p.Execute(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestPipeline_CallerCancellationStopsRetries(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{MaxRetries: 10, BaseDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Execute(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, model.ErrCanceled)
	assert.Equal(t, 1, calls)
}

func TestPipeline_PerAttemptTimeout(t *testing.T) {
	p, _ := newTestPipeline(t, PipelineConfig{
		Timeout:    10 * time.Millisecond,
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
	})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})

	// Each attempt times out individually and counts as transient.
	assert.ErrorIs(t, err, model.ErrRetriesExhausted)
	assert.Equal(t, 2, calls)
}

func TestPipeline_BackoffDelaysGrow(t *testing.T) {
	p, sleeps := newTestPipeline(t, PipelineConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Hour,
	})

	_ = p.Execute(context.Background(), func(ctx context.Context) error {
		return errTransient
	})

	require.Len(t, *sleeps, 3)
	// Jitter is ±20%, so each window is disjoint from the previous one's
	// upper bound times two.
	assert.GreaterOrEqual(t, (*sleeps)[0], 800*time.Millisecond)
	assert.LessOrEqual(t, (*sleeps)[0], 1200*time.Millisecond)
	assert.GreaterOrEqual(t, (*sleeps)[1], 1600*time.Millisecond)
	assert.LessOrEqual(t, (*sleeps)[1], 2400*time.Millisecond)
	assert.GreaterOrEqual(t, (*sleeps)[2], 3200*time.Millisecond)
	assert.LessOrEqual(t, (*sleeps)[2], 4800*time.Millisecond)
}
