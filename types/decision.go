package types

import (
	"fmt"
	"time"
)

// VerdictKind is the classifier's recommendation for a resource
type VerdictKind string

const (
	VerdictKeep           VerdictKind = "keep"
	VerdictWarnPending    VerdictKind = "warn_pending"
	VerdictDeleteEligible VerdictKind = "delete_eligible"
)

// Trigger names which criterion produced a verdict
type Trigger string

const (
	TriggerNone      Trigger = "none"
	TriggerProtected Trigger = "protected"
	TriggerExpiry    Trigger = "expiry"
	TriggerIdle      Trigger = "idle"
)

// Verdict is the pure classification of one resource at one instant.
// DaysUntilExpiry is only meaningful for VerdictWarnPending.
type Verdict struct {
	Kind            VerdictKind `json:"kind"`
	DaysUntilExpiry int         `json:"days_until_expiry,omitempty"`
	Trigger         Trigger     `json:"trigger"`
	Reason          string      `json:"reason,omitempty"`
	EligibleAt      time.Time   `json:"eligible_at,omitempty"`
}

// Keep builds a keep verdict
func Keep(trigger Trigger, reason string) Verdict {
	return Verdict{Kind: VerdictKeep, Trigger: trigger, Reason: reason}
}

// severity orders verdicts so the strongest recommendation wins
func (v Verdict) severity() int {
	switch v.Kind {
	case VerdictDeleteEligible:
		return 2
	case VerdictWarnPending:
		return 1
	}
	return 0
}

// Stronger reports whether v should override other when combining triggers.
// Between two warnings the one closer to deletion wins.
func (v Verdict) Stronger(other Verdict) bool {
	if v.severity() != other.severity() {
		return v.severity() > other.severity()
	}
	if v.Kind == VerdictWarnPending {
		return v.DaysUntilExpiry < other.DaysUntilExpiry
	}
	return false
}

// Actionable reports whether the verdict asks the governor to do anything
func (v Verdict) Actionable() bool {
	return v.Kind != VerdictKeep
}

func (v Verdict) String() string {
	if v.Kind == VerdictWarnPending {
		return fmt.Sprintf("%s(%d)", v.Kind, v.DaysUntilExpiry)
	}
	return string(v.Kind)
}
