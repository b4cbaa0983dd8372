package syncqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"polysync/pkg/model"
)

type itemState int

const (
	stateActive itemState = iota
	stateLeased
	stateDead
)

type memoryEntry struct {
	item  *Item
	state itemState
}

// MemoryQueue is the in-process queue backend. It is lost on restart,
// which is the accepted trade-off when the sqlite backend is not
// configured.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry // item id -> entry
	// byEntity holds each entity's item ids in enqueue order. The head
	// is the only item of that entity eligible for leasing.
	byEntity map[string][]string
	seq      int64
	wakeup   chan struct{}
	closed   bool
	now      func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries:  make(map[string]*memoryEntry),
		byEntity: make(map[string][]string),
		wakeup:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, item *Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return model.ErrQueueClosed
	}

	q.seq++
	item.EnqueuedAt = q.seq
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = q.now()
	}

	key := item.EntityKey()
	q.entries[item.ID] = &memoryEntry{item: item, state: stateActive}
	q.byEntity[key] = append(q.byEntity[key], item.ID)
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) DequeueBatch(ctx context.Context, max int) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, model.ErrQueueClosed
	}
	if max <= 0 {
		return nil, nil
	}

	now := q.now()

	// Candidates are entity heads: the oldest live item per entity.
	// An entity with any leased item is skipped entirely so no two
	// items of one entity are ever in flight together.
	var heads []*memoryEntry
	for _, ids := range q.byEntity {
		head, hasLeased := q.liveHead(ids)
		if head == nil || hasLeased {
			continue
		}
		if head.state != stateActive || head.item.NextAttemptAt.After(now) {
			continue
		}
		heads = append(heads, head)
	}

	sort.Slice(heads, func(a, b int) bool {
		ia, ib := heads[a].item, heads[b].item
		if !ia.NextAttemptAt.Equal(ib.NextAttemptAt) {
			return ia.NextAttemptAt.Before(ib.NextAttemptAt)
		}
		return ia.EnqueuedAt < ib.EnqueuedAt
	})

	if len(heads) > max {
		heads = heads[:max]
	}

	batch := make([]*Item, 0, len(heads))
	for _, entry := range heads {
		entry.state = stateLeased
		cp := *entry.item
		batch = append(batch, &cp)
	}
	return batch, nil
}

// liveHead returns the first non-dead entry in an entity's id list and
// whether any entry of the entity is currently leased.
func (q *MemoryQueue) liveHead(ids []string) (*memoryEntry, bool) {
	var head *memoryEntry
	hasLeased := false
	for _, id := range ids {
		entry, ok := q.entries[id]
		if !ok {
			continue
		}
		if entry.state == stateLeased {
			hasLeased = true
		}
		if head == nil && entry.state != stateDead {
			head = entry
		}
	}
	return head, hasLeased
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return model.ErrQueueClosed
	}

	entry, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("ack: %w: %s", model.ErrItemNotFound, id)
	}

	key := entry.item.EntityKey()
	delete(q.entries, id)
	q.byEntity[key] = removeID(q.byEntity[key], id)
	if len(q.byEntity[key]) == 0 {
		delete(q.byEntity, key)
	}
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return model.ErrQueueClosed
	}

	entry, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("fail: %w: %s", model.ErrItemNotFound, id)
	}

	if cause != nil {
		now := q.now()
		entry.item.RetryCount++
		entry.item.LastAttemptAt = &now
		entry.item.LastError = cause.Error()
	}
	entry.item.NextAttemptAt = nextAttemptAt
	entry.state = stateActive
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return model.ErrQueueClosed
	}

	entry, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("dead-letter: %w: %s", model.ErrItemNotFound, id)
	}
	entry.state = stateDead
	return nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return model.ErrQueueClosed
	}

	entry, ok := q.entries[id]
	if !ok || entry.state != stateDead {
		q.mu.Unlock()
		return fmt.Errorf("requeue: %w: %s", model.ErrItemNotFound, id)
	}

	entry.item.RetryCount = 0
	entry.item.LastError = ""
	entry.item.NextAttemptAt = q.now()
	entry.state = stateActive
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, model.ErrQueueClosed
	}

	var dead []*Item
	for _, entry := range q.entries {
		if entry.state == stateDead {
			cp := *entry.item
			dead = append(dead, &cp)
		}
	}
	sort.Slice(dead, func(a, b int) bool { return dead[a].EnqueuedAt < dead[b].EnqueuedAt })
	return dead, nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Stats{}, model.ErrQueueClosed
	}

	var stats Stats
	for _, entry := range q.entries {
		switch entry.state {
		case stateActive:
			stats.Active++
		case stateLeased:
			stats.Leased++
		case stateDead:
			stats.Dead++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) Wakeup() <-chan struct{} {
	return q.wakeup
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
