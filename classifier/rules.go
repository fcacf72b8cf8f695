package classifier

import (
	"fmt"
	"time"

	"github.com/yairfalse/sunset/types"
)

// Day is the unit thresholds are configured in
const Day = 24 * time.Hour

// DefaultGracePeriod is the delay between a warning and deletion eligibility
const DefaultGracePeriod = 7 * Day

// DefaultProtectTag exempts a resource from every trigger when set to "true"
const DefaultProtectTag = "lifecycle:protect"

// IdleRule says how long a resource must look idle before it is reclaimed.
// UtilizationBelow only applies to kinds that report utilization.
type IdleRule struct {
	After            time.Duration
	UtilizationBelow float64
}

// Rules is the full classification policy
type Rules struct {
	GracePeriod    time.Duration
	WarnAhead      time.Duration
	Idle           map[types.Kind]IdleRule
	DefaultIdle    *IdleRule
	IdleMarkerTags []string
	ProtectTag     string
}

// DefaultRules returns the stock policy
func DefaultRules() Rules {
	return Rules{
		GracePeriod: DefaultGracePeriod,
		WarnAhead:   DefaultGracePeriod,
		Idle: map[types.Kind]IdleRule{
			types.KindVM:       {After: 14 * Day},
			types.KindDisk:     {After: 7 * Day},
			types.KindDatabase: {After: 14 * Day, UtilizationBelow: 5},
		},
		ProtectTag: DefaultProtectTag,
	}
}

// Validate rejects rules that can never classify sensibly
func (r Rules) Validate() error {
	if r.GracePeriod < 0 {
		return fmt.Errorf("grace period cannot be negative: %s", r.GracePeriod)
	}
	if r.WarnAhead < 0 {
		return fmt.Errorf("warn-ahead cannot be negative: %s", r.WarnAhead)
	}
	for kind, rule := range r.Idle {
		if !kind.Valid() {
			return fmt.Errorf("idle rule for unknown kind %q", kind)
		}
		if err := rule.validate(); err != nil {
			return fmt.Errorf("idle rule for %s: %w", kind, err)
		}
	}
	if r.DefaultIdle != nil {
		if err := r.DefaultIdle.validate(); err != nil {
			return fmt.Errorf("default idle rule: %w", err)
		}
	}
	return nil
}

func (r IdleRule) validate() error {
	if r.After < 0 {
		return fmt.Errorf("threshold cannot be negative: %s", r.After)
	}
	if r.UtilizationBelow < 0 || r.UtilizationBelow > 100 {
		return fmt.Errorf("utilization threshold must be within [0,100], got %v", r.UtilizationBelow)
	}
	return nil
}

// MinUtilizationWindow is the shortest utilization window that can make a
// database eligible. Idle-since is taken as the start of the window, so a
// shorter window slides forward every pass and never reaches eligibility.
// Zero when no rule uses a utilization threshold.
func (r Rules) MinUtilizationWindow() time.Duration {
	var longest time.Duration
	rules := make([]IdleRule, 0, len(r.Idle)+1)
	for _, rule := range r.Idle {
		rules = append(rules, rule)
	}
	if r.DefaultIdle != nil {
		rules = append(rules, *r.DefaultIdle)
	}
	for _, rule := range rules {
		if rule.UtilizationBelow > 0 && rule.After > longest {
			longest = rule.After
		}
	}
	if longest == 0 {
		return 0
	}
	return longest + r.GracePeriod
}

// ruleFor returns the idle rule for a kind, falling back to the default
func (r Rules) ruleFor(kind types.Kind) (IdleRule, bool) {
	if rule, ok := r.Idle[kind]; ok {
		return rule, true
	}
	if r.DefaultIdle != nil {
		return *r.DefaultIdle, true
	}
	return IdleRule{}, false
}
