package types

import (
	"fmt"
	"time"
)

// Phase is the lifecycle position of a tracked resource
type Phase string

const (
	PhaseUnseen          Phase = "unseen"
	PhaseWarned          Phase = "warned"
	PhaseDeletionPending Phase = "deletion_pending"
	PhaseDeleted         Phase = "deleted"
	PhaseDeletionFailed  Phase = "deletion_failed"
)

// Phases lists every phase in lifecycle order
var Phases = []Phase{PhaseUnseen, PhaseWarned, PhaseDeletionPending, PhaseDeleted, PhaseDeletionFailed}

// ParsePhase converts user input into a Phase
func ParsePhase(s string) (Phase, error) {
	for _, p := range Phases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// rank orders phases for the forward-only rule
func (p Phase) rank() int {
	switch p {
	case PhaseUnseen:
		return 0
	case PhaseWarned:
		return 1
	case PhaseDeletionPending, PhaseDeletionFailed:
		return 2
	case PhaseDeleted:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from p to next is allowed.
// Phases only move forward; the one loop is a failed deletion being
// rescheduled. Resets happen by removing the record, not by a transition.
func (p Phase) CanTransition(next Phase) bool {
	if p == next {
		return true
	}
	if p == PhaseDeleted {
		return false
	}
	if p == PhaseDeletionFailed && next == PhaseDeletionPending {
		return true
	}
	if p == PhaseDeletionPending && next == PhaseDeletionFailed {
		return true
	}
	return next.rank() > p.rank()
}

// LifecycleRecord is the durable per-resource state the governor keeps
// between passes
type LifecycleRecord struct {
	ResourceID     string     `json:"resource_id"`
	Kind           Kind       `json:"kind"`
	Phase          Phase      `json:"phase"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	WarnedAt       time.Time  `json:"warned_at,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at,omitempty"`
	DeletedAt      time.Time  `json:"deleted_at,omitempty"`
	Recipient      string     `json:"recipient,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	LastErrorClass ErrorClass `json:"last_error_class,omitempty"`
	Terminal       bool       `json:"terminal,omitempty"`
	ForceOverride  bool       `json:"force_override,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Revision       int64      `json:"revision"`
}

// NewRecord starts tracking a resource on first sighting
func NewRecord(res Resource, now time.Time) LifecycleRecord {
	return LifecycleRecord{
		ResourceID:  res.ID,
		Kind:        res.Kind,
		Phase:       PhaseUnseen,
		FirstSeenAt: now,
		LastSeenAt:  now,
		UpdatedAt:   now,
	}
}

// Validate ensures the record can be persisted
func (r *LifecycleRecord) Validate() error {
	if r.ResourceID == "" {
		return fmt.Errorf("record resource ID cannot be empty")
	}
	if r.Phase.rank() < 0 {
		return fmt.Errorf("record %s: unknown phase %q", r.ResourceID, r.Phase)
	}
	if r.Attempts < 0 {
		return fmt.Errorf("record %s: negative attempts", r.ResourceID)
	}
	return nil
}

// GraceElapsed reports whether a successful warning was recorded at least
// grace before now
func (r *LifecycleRecord) GraceElapsed(now time.Time, grace time.Duration) bool {
	if r.WarnedAt.IsZero() {
		return false
	}
	return !now.Before(r.WarnedAt.Add(grace))
}

// BudgetRemaining returns how many delete attempts are left
func (r *LifecycleRecord) BudgetRemaining(budget int) int {
	if left := budget - r.Attempts; left > 0 {
		return left
	}
	return 0
}

// Retryable reports whether a failed deletion may be rescheduled
func (r *LifecycleRecord) Retryable(budget int) bool {
	return r.Phase == PhaseDeletionFailed && !r.Terminal && r.BudgetRemaining(budget) > 0
}
