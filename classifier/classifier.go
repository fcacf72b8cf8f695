// Package classifier decides, without side effects, whether a resource
// should be kept, warned about, or is eligible for deletion.
package classifier

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/yairfalse/sunset/types"
)

// Classify returns the verdict for res at instant now. It never reads the
// clock and never touches external state, so the same inputs always give
// the same verdict.
//
// Expiry and idleness are independent triggers; the strongest verdict wins.
func Classify(res types.Resource, now time.Time, rules Rules) types.Verdict {
	if isProtected(res, rules) {
		return types.Keep(types.TriggerProtected, fmt.Sprintf("tagged %s=true", rules.ProtectTag))
	}

	var notes []string
	verdict := types.Keep(types.TriggerNone, "")

	expiry, note := classifyExpiry(res, now, rules)
	if note != "" {
		notes = append(notes, note)
	}
	if expiry.Stronger(verdict) {
		verdict = expiry
	}

	idle, note := classifyIdle(res, now, rules)
	if note != "" {
		notes = append(notes, note)
	}
	if idle.Stronger(verdict) {
		verdict = idle
	}

	if verdict.Kind == types.VerdictKeep {
		if len(notes) == 0 {
			notes = append(notes, "no lifecycle criteria matched")
		}
		verdict.Reason = strings.Join(notes, "; ")
	}
	return verdict
}

func isProtected(res types.Resource, rules Rules) bool {
	if rules.ProtectTag == "" {
		return false
	}
	v, ok := res.Tag(rules.ProtectTag)
	return ok && strings.EqualFold(strings.TrimSpace(v), "true")
}

// classifyExpiry applies the expiry_date tag. A malformed date never
// expires anything; it is reported in the note instead.
func classifyExpiry(res types.Resource, now time.Time, rules Rules) (types.Verdict, string) {
	expiry, ok, err := res.ExpiryDate()
	if err != nil {
		return types.Keep(types.TriggerExpiry, ""), fmt.Sprintf("ignoring expiry_date: %v", err)
	}
	if !ok {
		return types.Keep(types.TriggerNone, ""), ""
	}
	reason := fmt.Sprintf("expiry_date %s", expiry.Format(time.DateOnly))
	return stage(types.TriggerExpiry, expiry, now, rules.GracePeriod, rules.WarnAhead, reason), ""
}

// classifyIdle applies the per-kind idle rule and any idle-marker tags
func classifyIdle(res types.Resource, now time.Time, rules Rules) (types.Verdict, string) {
	rule, ok := rules.ruleFor(res.Kind)
	if !ok {
		return types.Keep(types.TriggerNone, ""), ""
	}

	since, source, note := idleSince(res, now, rule, rules.IdleMarkerTags)
	if since.IsZero() {
		return types.Keep(types.TriggerNone, ""), note
	}
	if since.After(now) {
		return types.Keep(types.TriggerIdle, ""), fmt.Sprintf("idle-since %s is in the future", since.Format(time.RFC3339))
	}

	reason := fmt.Sprintf("%s since %s", source, since.Format(time.DateOnly))
	return stage(types.TriggerIdle, since.Add(rule.After), now, rules.GracePeriod, 0, reason), note
}

// idleSince picks the earliest idle evidence available for the resource
func idleSince(res types.Resource, now time.Time, rule IdleRule, markers []string) (time.Time, string, string) {
	var since time.Time
	var source, note string

	consider := func(t time.Time, src string) {
		if t.IsZero() {
			return
		}
		if since.IsZero() || t.Before(since) {
			since, source = t, src
		}
	}

	for _, key := range markers {
		v, ok := res.Tag(key)
		if !ok {
			continue
		}
		t, err := types.ParseTagDate(v)
		if err != nil {
			note = fmt.Sprintf("ignoring idle marker %s: %v", key, err)
			continue
		}
		consider(t, "idle marker "+key)
	}

	switch res.Kind {
	case types.KindVM:
		consider(res.Observed.IdleSince, "stopped")
	case types.KindDisk:
		if !res.Observed.Attached {
			consider(res.Observed.IdleSince, "unattached")
		}
	case types.KindDatabase:
		consider(res.Observed.IdleSince, "idle")
		consider(lowUtilizationSince(res.Observed, now, rule), "low utilization")
	default:
		consider(res.Observed.IdleSince, "idle")
	}
	return since, source, note
}

// lowUtilizationSince treats a database whose peak utilization stayed
// under the threshold for the whole observed window as idle since the
// window started. Windows shorter than the rule are not enough evidence.
func lowUtilizationSince(obs types.ObservedState, now time.Time, rule IdleRule) time.Time {
	if obs.Utilization == nil || rule.UtilizationBelow <= 0 {
		return time.Time{}
	}
	if *obs.Utilization >= rule.UtilizationBelow {
		return time.Time{}
	}
	if obs.UtilizationWindow <= 0 || obs.UtilizationWindow < rule.After {
		return time.Time{}
	}
	return now.Add(-obs.UtilizationWindow)
}

// stage maps a trigger point onto a verdict. The resource becomes eligible
// grace after point; from warnAhead before point until then it is pending.
func stage(trigger types.Trigger, point, now time.Time, grace, warnAhead time.Duration, reason string) types.Verdict {
	eligibleAt := point.Add(grace)
	if !now.Before(eligibleAt) {
		return types.Verdict{
			Kind:       types.VerdictDeleteEligible,
			Trigger:    trigger,
			Reason:     reason,
			EligibleAt: eligibleAt,
		}
	}
	if !now.Before(point.Add(-warnAhead)) {
		return types.Verdict{
			Kind:            types.VerdictWarnPending,
			DaysUntilExpiry: daysUntil(now, eligibleAt),
			Trigger:         trigger,
			Reason:          reason,
			EligibleAt:      eligibleAt,
		}
	}
	return types.Keep(trigger, "")
}

func daysUntil(now, t time.Time) int {
	return int(math.Ceil(t.Sub(now).Hours() / 24))
}

// Recipient resolves who should hear about a resource. Without an owner
// tag the fallback is used and usedFallback is true.
func Recipient(res types.Resource, fallback string) (recipient string, usedFallback bool) {
	if owner := res.Owner(); owner != "" {
		return owner, false
	}
	return fallback, true
}
