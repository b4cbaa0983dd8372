package syncworker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polysync/internal/resilience"
	"polysync/internal/syncqueue"
	"polysync/pkg/model"
)

type fakeStore struct {
	mu       sync.Mutex
	entities map[string]*model.Entity
	// failures maps entity key to how many more calls should fail.
	failures map[string]int
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities: make(map[string]*model.Entity),
		failures: make(map[string]int),
		failWith: errors.New("connection refused"),
	}
}

func (s *fakeStore) failNext(entityType, id string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[model.EntityKey(entityType, id)] = times
}

func (s *fakeStore) shouldFail(entityType, id string) error {
	key := model.EntityKey(entityType, id)
	if s.failures[key] > 0 {
		s.failures[key]--
		return s.failWith
	}
	return nil
}

func (s *fakeStore) get(entityType, id string) *model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[model.EntityKey(entityType, id)]
}

func (s *fakeStore) Get(ctx context.Context, entityType, id string) (*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.shouldFail(entityType, id); err != nil {
		return nil, err
	}
	entity, ok := s.entities[model.EntityKey(entityType, id)]
	if !ok {
		return nil, model.ErrNotFound
	}
	return entity.Clone(), nil
}

func (s *fakeStore) Insert(ctx context.Context, entity *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.shouldFail(entity.Type, entity.ID); err != nil {
		return err
	}
	if _, ok := s.entities[entity.Key()]; ok {
		return model.ErrExists
	}
	s.entities[entity.Key()] = entity.Clone()
	return nil
}

func (s *fakeStore) Update(ctx context.Context, entity *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.shouldFail(entity.Type, entity.ID); err != nil {
		return err
	}
	if _, ok := s.entities[entity.Key()]; !ok {
		return model.ErrNotFound
	}
	s.entities[entity.Key()] = entity.Clone()
	return nil
}

func (s *fakeStore) Upsert(ctx context.Context, entity *model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.shouldFail(entity.Type, entity.ID); err != nil {
		return err
	}
	s.entities[entity.Key()] = entity.Clone()
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, entityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.shouldFail(entityType, id); err != nil {
		return err
	}
	key := model.EntityKey(entityType, id)
	if _, ok := s.entities[key]; !ok {
		return model.ErrNotFound
	}
	delete(s.entities, key)
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) Close(ctx context.Context) error { return nil }

func newTestWorker(t *testing.T, store *fakeStore, cfg Config) (*Worker, *syncqueue.MemoryQueue) {
	t.Helper()
	queue := syncqueue.NewMemoryQueue()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipeline := resilience.NewPipeline("secondary", resilience.PipelineConfig{
		Timeout: time.Second,
	}, nil, logger)

	return New(queue, store, pipeline, nil, cfg, logger), queue
}

func enqueue(t *testing.T, q syncqueue.Queue, op model.Operation, entityType, id string) *syncqueue.Item {
	t.Helper()
	item, err := syncqueue.NewItem(op, &model.Entity{
		Type: entityType,
		ID:   id,
		Data: map[string]any{"name": id},
	})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), item))
	return item
}

func TestWorkerDrainAppliesAndAcks(t *testing.T) {
	store := newFakeStore()
	w, queue := newTestWorker(t, store, Config{})

	ctx := context.Background()
	enqueue(t, queue, model.OpUpsert, "users", "a")
	enqueue(t, queue, model.OpUpsert, "users", "b")

	w.Drain(ctx)

	assert.NotNil(t, store.get("users", "a"))
	assert.NotNil(t, store.get("users", "b"))

	stats, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Stats{}, stats)
}

func TestWorkerRetriesWithBackoff(t *testing.T) {
	store := newFakeStore()
	w, queue := newTestWorker(t, store, Config{
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  time.Second,
	})

	ctx := context.Background()
	store.failNext("users", "a", 1)
	enqueue(t, queue, model.OpUpsert, "users", "a")

	w.Drain(ctx)
	assert.Nil(t, store.get("users", "a"))

	stats, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Stats{Active: 1}, stats)

	// Still inside the backoff window: the item is not due yet.
	w.Drain(ctx)
	assert.Nil(t, store.get("users", "a"))

	time.Sleep(500 * time.Millisecond)
	w.Drain(ctx)
	assert.NotNil(t, store.get("users", "a"))

	stats, err = queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Stats{}, stats)
}

func TestWorkerDeadLettersAfterMaxRetries(t *testing.T) {
	store := newFakeStore()
	w, queue := newTestWorker(t, store, Config{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})

	ctx := context.Background()
	store.failNext("users", "a", 10)
	item := enqueue(t, queue, model.OpUpsert, "users", "a")

	for i := 0; i < 3; i++ {
		w.Drain(ctx)
		time.Sleep(20 * time.Millisecond)
	}

	stats, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Stats{Dead: 1}, stats)

	dead, err := queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, item.ID, dead[0].ID)
	assert.Equal(t, 2, dead[0].RetryCount)
	assert.Contains(t, dead[0].LastError, "connection refused")
}

func TestWorkerIsolatesFailuresPerEntity(t *testing.T) {
	store := newFakeStore()
	w, queue := newTestWorker(t, store, Config{
		BaseDelay: time.Minute,
	})

	ctx := context.Background()
	store.failNext("users", "a", 1)
	enqueue(t, queue, model.OpUpsert, "users", "a")
	enqueue(t, queue, model.OpUpsert, "users", "b")

	w.Drain(ctx)

	// b lands even though a failed in the same batch.
	assert.Nil(t, store.get("users", "a"))
	assert.NotNil(t, store.get("users", "b"))

	stats, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Stats{Active: 1}, stats)
}

func TestWorkerPreservesEntityOrderAcrossRetries(t *testing.T) {
	store := newFakeStore()
	w, queue := newTestWorker(t, store, Config{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})

	ctx := context.Background()
	store.failNext("users", "a", 1)
	enqueue(t, queue, model.OpInsert, "users", "a")
	enqueue(t, queue, model.OpDelete, "users", "a")

	// The insert fails and is retried; the delete must not overtake it.
	w.Drain(ctx)
	assert.Nil(t, store.get("users", "a"))

	time.Sleep(20 * time.Millisecond)
	w.Drain(ctx)

	assert.Nil(t, store.get("users", "a"))
	stats, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Stats{}, stats)
}

func TestWorkerStartStop(t *testing.T) {
	store := newFakeStore()
	w, queue := newTestWorker(t, store, Config{Interval: time.Hour})

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx)) // idempotent

	// The wakeup channel drives the drain; no interval tick is needed.
	enqueue(t, queue, model.OpUpsert, "users", "a")
	assert.Eventually(t, func() bool {
		return store.get("users", "a") != nil
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	require.NoError(t, w.Stop(stopCtx)) // idempotent
}
