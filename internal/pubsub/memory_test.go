package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryEngine_PublishSubscribe(t *testing.T) {
	e := NewMemoryEngine()
	defer e.Close()

	ch, cancel, err := e.Subscribe(context.Background(), "polysync.events", 8)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, e.Publish(context.Background(), "polysync.events.phase_changed", []byte(`{"x":1}`)))

	msg := recvOne(t, ch)
	assert.Equal(t, "polysync.events.phase_changed", msg.Subject)
	assert.JSONEq(t, `{"x":1}`, string(msg.Data))
}

func TestMemoryEngine_PrefixFiltering(t *testing.T) {
	e := NewMemoryEngine()
	defer e.Close()

	ch, cancel, err := e.Subscribe(context.Background(), "polysync.events.circuit", 8)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, e.Publish(context.Background(), "polysync.events.item_acked", []byte("a")))
	require.NoError(t, e.Publish(context.Background(), "polysync.events.circuit_rejected", []byte("b")))

	msg := recvOne(t, ch)
	assert.Equal(t, "polysync.events.circuit_rejected", msg.Subject)
}

func TestMemoryEngine_SlowSubscriberDoesNotBlock(t *testing.T) {
	e := NewMemoryEngine()
	defer e.Close()

	_, cancel, err := e.Subscribe(context.Background(), "polysync", 1)
	require.NoError(t, err)
	defer cancel()

	// Fill the buffer, then keep publishing; none of these may block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = e.Publish(context.Background(), "polysync.x", []byte("m"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestMemoryEngine_CancelUnsubscribes(t *testing.T) {
	e := NewMemoryEngine()
	defer e.Close()

	ch, cancel, err := e.Subscribe(context.Background(), "polysync", 1)
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open, "channel must be closed after cancel")
}

func TestMemoryEngine_Closed(t *testing.T) {
	e := NewMemoryEngine()
	require.NoError(t, e.Close())

	err := e.Publish(context.Background(), "polysync.x", nil)
	assert.ErrorIs(t, err, ErrClosed)

	_, _, err = e.Subscribe(context.Background(), "polysync", 1)
	assert.ErrorIs(t, err, ErrClosed)
}
