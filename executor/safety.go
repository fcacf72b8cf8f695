package executor

import (
	"context"
	"fmt"

	"github.com/yairfalse/sunset/types"
)

// SafetyCheckFunc represents a single safety check function
type SafetyCheckFunc func(ctx context.Context, res types.Resource, rec types.LifecycleRecord, opts Options) SafetyCheck

// DefaultSafetyChecks are run before every delete
func DefaultSafetyChecks() []SafetyCheckFunc {
	return []SafetyCheckFunc{
		checkRecordMatches,
		checkIntentRecorded,
		checkWarnedOrForced,
		checkBudget,
	}
}

func checkRecordMatches(_ context.Context, res types.Resource, rec types.LifecycleRecord, _ Options) SafetyCheck {
	check := SafetyCheck{Name: "record_matches", Passed: true}
	if res.ID == "" || res.ID != rec.ResourceID {
		check.Passed = false
		check.Message = fmt.Sprintf("record %q does not describe resource %q", rec.ResourceID, res.ID)
	}
	return check
}

func checkIntentRecorded(_ context.Context, _ types.Resource, rec types.LifecycleRecord, _ Options) SafetyCheck {
	check := SafetyCheck{Name: "intent_recorded", Passed: true}
	if rec.Phase != types.PhaseDeletionPending || rec.ScheduledAt.IsZero() {
		check.Passed = false
		check.Message = fmt.Sprintf("deletion intent not recorded (phase %s)", rec.Phase)
	}
	return check
}

func checkWarnedOrForced(_ context.Context, _ types.Resource, rec types.LifecycleRecord, opts Options) SafetyCheck {
	check := SafetyCheck{Name: "warned_before_delete", Passed: true}
	if rec.ForceOverride {
		check.Message = "force override"
		return check
	}
	if !rec.GraceElapsed(rec.ScheduledAt, opts.GracePeriod) {
		check.Passed = false
		check.Message = fmt.Sprintf("no warning recorded at least %s before scheduling", opts.GracePeriod)
	}
	return check
}

func checkBudget(_ context.Context, _ types.Resource, rec types.LifecycleRecord, _ Options) SafetyCheck {
	check := SafetyCheck{Name: "not_terminal", Passed: true}
	if rec.Terminal {
		check.Passed = false
		check.Message = "record is terminal: " + rec.LastError
	}
	return check
}

// Preflight runs the safety checks and the guard without deleting anything.
// It reports whether deletion may proceed.
func (e *Executor) Preflight(ctx context.Context, res types.Resource, rec types.LifecycleRecord) ([]SafetyCheck, bool, error) {
	checks := make([]SafetyCheck, 0, len(e.checks)+1)
	ok := true
	for _, fn := range e.checks {
		c := fn(ctx, res, rec, e.opts)
		checks = append(checks, c)
		ok = ok && c.Passed
	}

	if e.guard == nil {
		return checks, ok, nil
	}

	reasons, err := e.guard.Deny(ctx, res, rec)
	if err != nil {
		return checks, false, fmt.Errorf("policy evaluation failed: %w", err)
	}
	guard := SafetyCheck{Name: "policy", Passed: len(reasons) == 0}
	if !guard.Passed {
		guard.Message = fmt.Sprintf("%v", reasons)
	}
	checks = append(checks, guard)
	return checks, ok && guard.Passed, nil
}

// failedChecks joins the messages of failed checks
func failedChecks(checks []SafetyCheck) string {
	msg := ""
	for _, c := range checks {
		if c.Passed {
			continue
		}
		if msg != "" {
			msg += "; "
		}
		msg += c.Name + ": " + c.Message
	}
	return msg
}
