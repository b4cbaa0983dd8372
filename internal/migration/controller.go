// Package migration holds the phase state machine that governs read
// routing and dual-write behaviour while traffic moves between stores.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"polysync/internal/events"
	"polysync/pkg/model"
)

// Phase is one of the four migration phases. Normal operation advances
// left to right; rollback to any earlier phase is always permitted.
type Phase int

const (
	// PhasePrimaryOnly reads and writes the primary store only.
	PhasePrimaryOnly Phase = iota
	// PhaseDualWritePrimaryRead dual-writes, reads from the primary.
	PhaseDualWritePrimaryRead
	// PhaseDualWriteSecondaryRead dual-writes, reads from the secondary.
	PhaseDualWriteSecondaryRead
	// PhaseSecondaryOnly reads from the secondary and stops enqueueing;
	// writes still land on the configured primary. Completing a cutover
	// means re-pointing the stores so the new store is the primary.
	PhaseSecondaryOnly
)

var phaseNames = map[Phase]string{
	PhasePrimaryOnly:            "primary_only",
	PhaseDualWritePrimaryRead:   "dual_write_primary_read",
	PhaseDualWriteSecondaryRead: "dual_write_secondary_read",
	PhaseSecondaryOnly:          "secondary_only",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePhase converts a phase name to a Phase.
func ParsePhase(name string) (Phase, error) {
	for phase, n := range phaseNames {
		if n == name {
			return phase, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", model.ErrInvalidPhase, name)
}

// ReadSource identifies which store serves reads in a phase.
type ReadSource int

const (
	ReadPrimary ReadSource = iota
	ReadSecondary
)

func (s ReadSource) String() string {
	if s == ReadSecondary {
		return "secondary"
	}
	return "primary"
}

// ReadSource returns the store that serves reads in this phase.
func (p Phase) ReadSource() ReadSource {
	switch p {
	case PhaseDualWriteSecondaryRead, PhaseSecondaryOnly:
		return ReadSecondary
	default:
		return ReadPrimary
	}
}

// DualWrite reports whether writes in this phase enqueue a sync item
// for the secondary store.
func (p Phase) DualWrite() bool {
	return p == PhaseDualWritePrimaryRead || p == PhaseDualWriteSecondaryRead
}

// AuditRecord is one phase transition, kept for operators.
type AuditRecord struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Controller holds the current migration phase. Transitions are only
// ever operator-initiated; there is deliberately no automation that
// advances or rolls back phases on health signals.
type Controller struct {
	emitter *events.Emitter
	logger  *slog.Logger

	mu      sync.RWMutex
	phase   Phase
	history []AuditRecord
}

// NewController creates a controller starting in the given phase.
func NewController(initial Phase, emitter *events.Emitter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NewEmitter(logger, nil, nil)
	}
	return &Controller{
		emitter: emitter,
		logger:  logger.With("component", "migration"),
		phase:   initial,
	}
}

// Current returns the active phase.
func (c *Controller) Current() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// ReadSource returns the store serving reads right now.
func (c *Controller) ReadSource() ReadSource {
	return c.Current().ReadSource()
}

// DualWriteEnabled reports whether writes currently enqueue sync items.
func (c *Controller) DualWriteEnabled() bool {
	return c.Current().DualWrite()
}

// SetPhase transitions to the given phase, forward or backward, and
// records an audit entry. The change takes effect for the next read;
// in-flight sync items keep draining toward their original target.
func (c *Controller) SetPhase(ctx context.Context, to Phase, actor, reason string) error {
	if _, ok := phaseNames[to]; !ok {
		return fmt.Errorf("%w: %d", model.ErrInvalidPhase, int(to))
	}

	c.mu.Lock()
	from := c.phase
	if from == to {
		c.mu.Unlock()
		return nil
	}
	c.phase = to
	record := AuditRecord{
		ID:        uuid.NewString(),
		From:      from.String(),
		To:        to.String(),
		Actor:     actor,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	c.history = append(c.history, record)
	c.mu.Unlock()

	c.logger.Info("migration phase changed",
		"from", record.From,
		"to", record.To,
		"actor", actor,
		"reason", reason,
	)

	ev := events.New(events.KindPhaseChanged)
	ev.Phase = to.String()
	ev.Detail = map[string]any{
		"from":   record.From,
		"actor":  actor,
		"reason": reason,
	}
	c.emitter.Emit(ctx, ev)
	return nil
}

// History returns a copy of the audit trail, oldest first.
func (c *Controller) History() []AuditRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AuditRecord, len(c.history))
	copy(out, c.history)
	return out
}
