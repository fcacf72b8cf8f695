package executor

import (
	"context"
	"time"

	"github.com/yairfalse/sunset/types"
)

// Options configure executor behavior
type Options struct {
	// MaxAttempts caps delete calls per invocation, retries included
	MaxAttempts int           `json:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
	Multiplier  float64       `json:"multiplier"`
	Jitter      float64       `json:"jitter"`

	// Verification polls Exists until the resource is gone
	VerifyAttempts int           `json:"verify_attempts"`
	VerifyInterval time.Duration `json:"verify_interval"`

	// GracePeriod is re-checked before every delete
	GracePeriod time.Duration `json:"grace_period"`
}

// DefaultOptions returns 3 tries starting at 2s and doubling
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    3,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		VerifyAttempts: 3,
		VerifyInterval: 5 * time.Second,
		GracePeriod:    7 * 24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = d.BaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.Multiplier < 1 {
		o.Multiplier = d.Multiplier
	}
	if o.VerifyAttempts <= 0 {
		o.VerifyAttempts = d.VerifyAttempts
	}
	if o.VerifyInterval <= 0 {
		o.VerifyInterval = d.VerifyInterval
	}
	return o
}

// Outcome is the result of one deletion (or confirmation) attempt.
// Deleted is only ever true after a verified absence.
type Outcome struct {
	ResourceID  string           `json:"resource_id"`
	Deleted     bool             `json:"deleted"`
	Verified    bool             `json:"verified"`
	AlreadyGone bool             `json:"already_gone,omitempty"`
	Class       types.ErrorClass `json:"class,omitempty"`
	Err         error            `json:"-"`
	Attempts    int              `json:"attempts"`
	Terminal    bool             `json:"terminal,omitempty"`
	Checks      []SafetyCheck    `json:"checks,omitempty"`
	Duration    time.Duration    `json:"duration"`
}

// Error returns the failure message, empty on success
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// SafetyCheck represents a pre-execution safety validation
type SafetyCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Guard is an external policy consulted before every delete. It returns
// the reasons the deletion is denied; none means allowed.
type Guard interface {
	Deny(ctx context.Context, res types.Resource, rec types.LifecycleRecord) ([]string, error)
}
