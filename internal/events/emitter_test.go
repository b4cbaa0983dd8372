package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polysync/internal/pubsub"
)

type failingPublisher struct{}

func (p *failingPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return errors.New("broker gone")
}
func (p *failingPublisher) Close() error { return nil }

func TestKind_IsValid(t *testing.T) {
	assert.True(t, KindPhaseChanged.IsValid())
	assert.True(t, KindCircuitRejected.IsValid())
	assert.False(t, Kind("").IsValid())
	assert.False(t, Kind("unknown").IsValid())
}

func TestNew(t *testing.T) {
	before := time.Now().UnixMilli()
	ev := New(KindItemAcked)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, KindItemAcked, ev.Kind)
	assert.GreaterOrEqual(t, ev.Timestamp, before)
}

func TestEmitter_LogsAndPublishes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	engine := pubsub.NewMemoryEngine()
	defer engine.Close()
	ch, cancel, err := engine.Subscribe(context.Background(), "events.", 8)
	require.NoError(t, err)
	defer cancel()

	em := NewEmitter(logger, nil, engine)

	ev := New(KindPhaseChanged)
	ev.Phase = "dual_write_primary_read"
	ev.Detail = map[string]any{"actor": "ops"}
	em.Emit(context.Background(), ev)

	assert.Contains(t, buf.String(), "phase_changed")
	assert.Contains(t, buf.String(), "actor=ops")

	select {
	case msg := <-ch:
		assert.Equal(t, "events.phase_changed", msg.Subject)
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, "dual_write_primary_read", got.Phase)
	case <-time.After(time.Second):
		t.Fatal("event was not published")
	}
}

func TestEmitter_WarnLevelForFailureKinds(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	em := NewEmitter(logger, nil, nil)

	ev := New(KindItemDeadLettered)
	ev.EntityKey = "story/s1"
	em.Emit(context.Background(), ev)

	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "entity=story/s1")
}

func TestEmitter_PublisherFailureIsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	em := NewEmitter(logger, nil, &failingPublisher{})

	// Must not panic or return anything.
	em.Emit(context.Background(), New(KindQueueDepth))
	assert.Contains(t, buf.String(), "failed to publish event")
}

func TestEmitter_NilDefaults(t *testing.T) {
	em := NewEmitter(nil, nil, nil)
	require.NotNil(t, em.Metrics())
	em.Emit(context.Background(), New(KindItemAcked))
}
