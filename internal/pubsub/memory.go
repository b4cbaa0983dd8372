package pubsub

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryEngine is an in-process broker. It backs tests and the admin
// websocket feed; production deployments publish through NATS instead.
type MemoryEngine struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed atomic.Bool
}

type memorySub struct {
	prefix string
	ch     chan Message
	ctx    context.Context
}

// NewMemoryEngine creates an in-memory pubsub engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{subs: make(map[*memorySub]struct{})}
}

// Publish delivers the message to every subscriber whose prefix matches
// the subject. Slow subscribers drop messages rather than block the
// publisher; engine events are advisory, not load-bearing.
func (e *MemoryEngine) Publish(ctx context.Context, subject string, data []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for sub := range e.subs {
		if !strings.HasPrefix(subject, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- Message{Subject: subject, Data: data}:
		case <-sub.ctx.Done():
		default:
		}
	}
	return nil
}

// Subscribe registers a prefix subscription.
func (e *MemoryEngine) Subscribe(ctx context.Context, prefix string, buf int) (<-chan Message, func(), error) {
	if e.closed.Load() {
		return nil, nil, ErrClosed
	}
	if buf <= 0 {
		buf = 64
	}

	sub := &memorySub{prefix: prefix, ch: make(chan Message, buf), ctx: ctx}

	e.mu.Lock()
	e.subs[sub] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, sub)
			e.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Close shuts the engine down. Outstanding subscriptions stop receiving.
func (e *MemoryEngine) Close() error {
	e.closed.Store(true)
	return nil
}
