package consistency

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polysync/internal/resilience"
	"polysync/pkg/model"
)

type stubStore struct {
	entities map[string]*model.Entity
}

func newStubStore(entities ...*model.Entity) *stubStore {
	s := &stubStore{entities: make(map[string]*model.Entity)}
	for _, e := range entities {
		s.entities[e.Key()] = e
	}
	return s
}

func (s *stubStore) Get(ctx context.Context, entityType, id string) (*model.Entity, error) {
	entity, ok := s.entities[model.EntityKey(entityType, id)]
	if !ok {
		return nil, model.ErrNotFound
	}
	return entity.Clone(), nil
}

func (s *stubStore) Insert(ctx context.Context, entity *model.Entity) error { return nil }
func (s *stubStore) Update(ctx context.Context, entity *model.Entity) error { return nil }
func (s *stubStore) Upsert(ctx context.Context, entity *model.Entity) error { return nil }
func (s *stubStore) Delete(ctx context.Context, entityType, id string) error {
	return nil
}
func (s *stubStore) Ping(ctx context.Context) error  { return nil }
func (s *stubStore) Close(ctx context.Context) error { return nil }

func newTestValidator(t *testing.T, primary, secondary *stubStore, rules []string) *Validator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := func(name string) *resilience.Pipeline {
		return resilience.NewPipeline(name, resilience.PipelineConfig{Timeout: time.Second}, nil, logger)
	}

	compiled, err := CompileIgnoreRules(rules)
	require.NoError(t, err)
	return NewValidator(primary, secondary, pipe("primary"), pipe("secondary"), compiled, nil, logger)
}

func entity(id string, data map[string]any) *model.Entity {
	return &model.Entity{
		Type:      "users",
		ID:        id,
		Data:      data,
		Version:   1,
		CreatedAt: 1000,
		UpdatedAt: 2000,
	}
}

func TestValidateConsistent(t *testing.T) {
	a := entity("a", map[string]any{"name": "alice", "age": 30})
	v := newTestValidator(t, newStubStore(a), newStubStore(a.Clone()), nil)

	result, err := v.Validate(context.Background(), "users", "a")
	require.NoError(t, err)

	assert.True(t, result.IsConsistent)
	assert.True(t, result.PrimaryFound)
	assert.True(t, result.SecondaryFound)
	assert.Empty(t, result.Differences)
	assert.Equal(t, result.PrimaryFingerprint, result.SecondaryFingerprint)
	assert.NotEmpty(t, result.PrimaryFingerprint)
}

func TestValidateMissingBothSides(t *testing.T) {
	v := newTestValidator(t, newStubStore(), newStubStore(), nil)

	result, err := v.Validate(context.Background(), "users", "ghost")
	require.NoError(t, err)

	assert.True(t, result.IsConsistent)
	assert.False(t, result.PrimaryFound)
	assert.False(t, result.SecondaryFound)
}

func TestValidateMissingOneSide(t *testing.T) {
	a := entity("a", map[string]any{"name": "alice"})
	v := newTestValidator(t, newStubStore(a), newStubStore(), nil)

	result, err := v.Validate(context.Background(), "users", "a")
	require.NoError(t, err)

	assert.False(t, result.IsConsistent)
	require.Len(t, result.Differences, 1)
	assert.Equal(t, presenceField, result.Differences[0].Field)
	assert.Equal(t, true, result.Differences[0].Primary)
	assert.Equal(t, false, result.Differences[0].Secondary)
}

func TestValidateFieldDifferences(t *testing.T) {
	primary := entity("a", map[string]any{
		"name":    "alice",
		"address": map[string]any{"city": "Vilnius", "zip": "01100"},
		"tags":    []any{"x", "y"},
	})
	secondary := entity("a", map[string]any{
		"name":    "bob",
		"address": map[string]any{"city": "Kaunas", "zip": "01100"},
		"tags":    []any{"x", "z"},
	})
	v := newTestValidator(t, newStubStore(primary), newStubStore(secondary), nil)

	result, err := v.Validate(context.Background(), "users", "a")
	require.NoError(t, err)

	assert.False(t, result.IsConsistent)
	require.Len(t, result.Differences, 3)

	// Ordered by path.
	assert.Equal(t, "data.address.city", result.Differences[0].Field)
	assert.Equal(t, "data.name", result.Differences[1].Field)
	assert.Equal(t, "data.tags[1]", result.Differences[2].Field)
	assert.Equal(t, "alice", result.Differences[1].Primary)
	assert.Equal(t, "bob", result.Differences[1].Secondary)
	assert.NotEqual(t, result.PrimaryFingerprint, result.SecondaryFingerprint)
}

func TestValidateFieldMissingOnOneSide(t *testing.T) {
	primary := entity("a", map[string]any{"name": "alice", "email": "a@example.com"})
	secondary := entity("a", map[string]any{"name": "alice"})
	v := newTestValidator(t, newStubStore(primary), newStubStore(secondary), nil)

	result, err := v.Validate(context.Background(), "users", "a")
	require.NoError(t, err)

	require.Len(t, result.Differences, 1)
	assert.Equal(t, "data.email", result.Differences[0].Field)
	assert.Equal(t, "a@example.com", result.Differences[0].Primary)
	assert.Nil(t, result.Differences[0].Secondary)
}

func TestValidateVersionDifference(t *testing.T) {
	primary := entity("a", map[string]any{"name": "alice"})
	secondary := entity("a", map[string]any{"name": "alice"})
	secondary.Version = 7
	v := newTestValidator(t, newStubStore(primary), newStubStore(secondary), nil)

	result, err := v.Validate(context.Background(), "users", "a")
	require.NoError(t, err)

	require.Len(t, result.Differences, 1)
	assert.Equal(t, "version", result.Differences[0].Field)
}

func TestValidateIgnoreRules(t *testing.T) {
	primary := entity("a", map[string]any{"name": "alice", "last_seen_at": 111})
	secondary := entity("a", map[string]any{"name": "alice", "last_seen_at": 222})

	v := newTestValidator(t, newStubStore(primary), newStubStore(secondary),
		[]string{`field == "data.last_seen_at"`})

	result, err := v.Validate(context.Background(), "users", "a")
	require.NoError(t, err)
	assert.True(t, result.IsConsistent)

	// The same divergence without the rule is a failure.
	v = newTestValidator(t, newStubStore(primary), newStubStore(secondary), nil)
	result, err = v.Validate(context.Background(), "users", "a")
	require.NoError(t, err)
	assert.False(t, result.IsConsistent)
}

func TestCompileIgnoreRulesInvalid(t *testing.T) {
	_, err := CompileIgnoreRules([]string{`field ==`})
	assert.Error(t, err)
}

func TestIgnoreRulesValueComparison(t *testing.T) {
	rules, err := CompileIgnoreRules([]string{`primary == secondary`})
	require.NoError(t, err)

	assert.True(t, rules.Benign("data.x", "same", "same"))
	assert.False(t, rules.Benign("data.x", "one", "two"))
}
