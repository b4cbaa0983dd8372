// Package consistency compares an entity's state across both stores.
package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"polysync/internal/events"
	"polysync/internal/resilience"
	"polysync/internal/storage/types"
	"polysync/pkg/model"
)

// presenceField is the difference path reported when an entity exists
// in only one store.
const presenceField = "$presence"

// Difference is one divergent field, identified by its dotted path.
type Difference struct {
	Field     string `json:"field"`
	Primary   any    `json:"primary"`
	Secondary any    `json:"secondary"`
}

// Result is the outcome of one validation.
type Result struct {
	EntityType     string        `json:"entityType"`
	EntityID       string        `json:"entityId"`
	IsConsistent   bool          `json:"isConsistent"`
	PrimaryFound   bool          `json:"primaryFound"`
	SecondaryFound bool          `json:"secondaryFound"`
	// Fingerprints are content hashes of the canonical snapshots, handy
	// for cheap cross-run comparison without shipping the snapshots.
	PrimaryFingerprint   string         `json:"primaryFingerprint,omitempty"`
	SecondaryFingerprint string         `json:"secondaryFingerprint,omitempty"`
	Primary              *model.Entity  `json:"primary,omitempty"`
	Secondary            *model.Entity  `json:"secondary,omitempty"`
	Differences          []Difference   `json:"differences,omitempty"`
	ValidatedAt          time.Time      `json:"validatedAt"`
}

// Validator reads both stores independently and diffs the results. It
// never writes and never consults the migration phase: validation looks
// at the real state of both backends, not at what a client would see.
type Validator struct {
	primary       types.EntityStore
	secondary     types.EntityStore
	primaryPipe   *resilience.Pipeline
	secondaryPipe *resilience.Pipeline
	rules         *IgnoreRules
	emitter       *events.Emitter
	logger        *slog.Logger
	now           func() time.Time
}

// NewValidator creates a validator. rules may be nil.
func NewValidator(
	primary, secondary types.EntityStore,
	primaryPipe, secondaryPipe *resilience.Pipeline,
	rules *IgnoreRules,
	emitter *events.Emitter,
	logger *slog.Logger,
) *Validator {
	if emitter == nil {
		emitter = events.NewEmitter(logger, nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		primary:       primary,
		secondary:     secondary,
		primaryPipe:   primaryPipe,
		secondaryPipe: secondaryPipe,
		rules:         rules,
		emitter:       emitter,
		logger:        logger.With("component", "consistency"),
		now:           time.Now,
	}
}

// Validate fetches the entity from both stores and reports every
// non-benign difference. Missing on both sides is consistent; missing
// on one side is a difference.
func (v *Validator) Validate(ctx context.Context, entityType, id string) (*Result, error) {
	result := &Result{
		EntityType:  entityType,
		EntityID:    id,
		ValidatedAt: v.now(),
	}

	primary, err := v.read(ctx, v.primaryPipe, v.primary, entityType, id)
	if err != nil {
		return nil, fmt.Errorf("read primary: %w", err)
	}
	secondary, err := v.read(ctx, v.secondaryPipe, v.secondary, entityType, id)
	if err != nil {
		return nil, fmt.Errorf("read secondary: %w", err)
	}

	result.Primary = primary
	result.Secondary = secondary
	result.PrimaryFound = primary != nil
	result.SecondaryFound = secondary != nil

	switch {
	case primary == nil && secondary == nil:
		result.IsConsistent = true

	case primary == nil || secondary == nil:
		result.Differences = []Difference{{
			Field:     presenceField,
			Primary:   result.PrimaryFound,
			Secondary: result.SecondaryFound,
		}}

	default:
		if err := v.diffEntities(result, primary, secondary); err != nil {
			return nil, err
		}
	}

	result.IsConsistent = len(result.Differences) == 0
	v.report(ctx, result)
	return result, nil
}

func (v *Validator) read(ctx context.Context, pipe *resilience.Pipeline, store types.EntityStore, entityType, id string) (*model.Entity, error) {
	entity, err := pipe.ExecuteEntity(ctx, func(ctx context.Context) (*model.Entity, error) {
		return store.Get(ctx, entityType, id)
	})
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return entity, err
}

func (v *Validator) diffEntities(result *Result, primary, secondary *model.Entity) error {
	primarySnap, primaryMap, err := canonicalize(primary)
	if err != nil {
		return err
	}
	secondarySnap, secondaryMap, err := canonicalize(secondary)
	if err != nil {
		return err
	}

	result.PrimaryFingerprint = fmt.Sprintf("%016x", xxhash.Sum64(primarySnap))
	result.SecondaryFingerprint = fmt.Sprintf("%016x", xxhash.Sum64(secondarySnap))

	var diffs []Difference
	diffValue("", primaryMap, secondaryMap, &diffs)

	kept := diffs[:0]
	for _, d := range diffs {
		if v.rules.Benign(d.Field, d.Primary, d.Secondary) {
			continue
		}
		kept = append(kept, d)
	}
	sort.Slice(kept, func(a, b int) bool { return kept[a].Field < kept[b].Field })
	result.Differences = kept
	return nil
}

func (v *Validator) report(ctx context.Context, result *Result) {
	v.emitter.Metrics().IncConsistencyCheck(result.EntityType, result.IsConsistent)

	ev := events.New(events.KindConsistencyChecked)
	ev.EntityKey = model.EntityKey(result.EntityType, result.EntityID)
	ev.Detail = map[string]any{
		"consistent":  result.IsConsistent,
		"differences": len(result.Differences),
	}
	v.emitter.Emit(ctx, ev)

	if !result.IsConsistent {
		v.logger.Warn("consistency check failed",
			"entityKey", model.EntityKey(result.EntityType, result.EntityID),
			"differences", len(result.Differences))
	}
}

// canonicalize renders the entity to its canonical JSON snapshot and a
// generic map of the same bytes, so both sides diff over identical
// number and key representations.
func canonicalize(entity *model.Entity) ([]byte, map[string]any, error) {
	snap, err := entity.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(snap, &m); err != nil {
		return nil, nil, err
	}
	return snap, m, nil
}

// diffValue walks both values in lockstep, recording a difference per
// divergent leaf. Maps recurse by key union, arrays element-wise.
func diffValue(path string, primary, secondary any, out *[]Difference) {
	primaryMap, okP := primary.(map[string]any)
	secondaryMap, okS := secondary.(map[string]any)
	if okP && okS {
		keys := make(map[string]struct{}, len(primaryMap)+len(secondaryMap))
		for k := range primaryMap {
			keys[k] = struct{}{}
		}
		for k := range secondaryMap {
			keys[k] = struct{}{}
		}
		for k := range keys {
			diffValue(joinPath(path, k), primaryMap[k], secondaryMap[k], out)
		}
		return
	}

	primaryArr, okP := primary.([]any)
	secondaryArr, okS := secondary.([]any)
	if okP && okS {
		if len(primaryArr) != len(secondaryArr) {
			*out = append(*out, Difference{Field: path, Primary: primary, Secondary: secondary})
			return
		}
		for i := range primaryArr {
			diffValue(fmt.Sprintf("%s[%d]", path, i), primaryArr[i], secondaryArr[i], out)
		}
		return
	}

	if !reflect.DeepEqual(primary, secondary) {
		*out = append(*out, Difference{Field: path, Primary: primary, Secondary: secondary})
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
