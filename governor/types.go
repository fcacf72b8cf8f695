package governor

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/yairfalse/sunset/executor"
	"github.com/yairfalse/sunset/types"
	"github.com/yairfalse/sunset/wal"
)

// ErrPassInProgress is returned when RunPass is called while a pass runs
var ErrPassInProgress = errors.New("a governor pass is already running")

// Options configure pass behavior
type Options struct {
	// Workers bounds concurrent per-resource pipelines
	Workers int
	// PassTimeout stops new resources and deletions from starting
	PassTimeout time.Duration
	// Retention keeps deleted records this long before pruning
	Retention time.Duration
	// RetryBudget is the total number of delete calls per resource
	RetryBudget int
	// DryRun computes transitions without notifying, deleting or persisting
	DryRun bool
	// ForceDelete schedules DeleteEligible resources without a prior warning
	ForceDelete   bool
	FallbackOwner string
	Filter        types.ResourceFilter
}

// DefaultOptions returns the defaults used when a field is zero
func DefaultOptions() Options {
	return Options{
		Workers:     8,
		PassTimeout: 10 * time.Minute,
		Retention:   30 * 24 * time.Hour,
		RetryBudget: 3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.PassTimeout <= 0 {
		o.PassTimeout = d.PassTimeout
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = d.RetryBudget
	}
	return o
}

// Executor performs and confirms deletions
type Executor interface {
	Delete(ctx context.Context, res types.Resource, rec types.LifecycleRecord, maxTries int) executor.Outcome
	Confirm(ctx context.Context, res types.Resource) executor.Outcome
}

// Journal is the audit trail; *wal.WAL implements it
type Journal interface {
	Append(entryType wal.EntryType, resourceID string, data any) error
	AppendError(entryType wal.EntryType, resourceID string, data any, errToLog error) error
}

// VerdictCounts tallies classifier output for one pass
type VerdictCounts struct {
	Keep           int `json:"keep"`
	WarnPending    int `json:"warn_pending"`
	DeleteEligible int `json:"delete_eligible"`
}

func (c *VerdictCounts) add(kind types.VerdictKind) {
	switch kind {
	case types.VerdictWarnPending:
		c.WarnPending++
	case types.VerdictDeleteEligible:
		c.DeleteEligible++
	default:
		c.Keep++
	}
}

// PhaseCounts tallies the phase each examined record ended the pass in
type PhaseCounts struct {
	Unseen          int `json:"unseen"`
	Warned          int `json:"warned"`
	DeletionPending int `json:"deletion_pending"`
	Deleted         int `json:"deleted"`
	DeletionFailed  int `json:"deletion_failed"`
}

func (c *PhaseCounts) add(phase types.Phase) {
	switch phase {
	case types.PhaseUnseen:
		c.Unseen++
	case types.PhaseWarned:
		c.Warned++
	case types.PhaseDeletionPending:
		c.DeletionPending++
	case types.PhaseDeleted:
		c.Deleted++
	case types.PhaseDeletionFailed:
		c.DeletionFailed++
	}
}

// ResourceError is a failure isolated to one resource
type ResourceError struct {
	ResourceID string           `json:"resource_id"`
	Phase      types.Phase      `json:"phase"`
	Op         string           `json:"op"`
	Class      types.ErrorClass `json:"class"`
	Message    string           `json:"message"`
}

// Summary is the report of one pass
type Summary struct {
	PassID             string          `json:"pass_id"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         time.Time       `json:"finished_at"`
	DryRun             bool            `json:"dry_run"`
	ResourcesSeen      int             `json:"resources_seen"`
	Verdicts           VerdictCounts   `json:"verdicts"`
	Phases             PhaseCounts     `json:"phases"`
	Notified           int             `json:"notified"`
	NotifyFailures     int             `json:"notify_failures"`
	DeletionsAttempted int             `json:"deletions_attempted"`
	Deferred           int             `json:"deferred"`
	Reset              int             `json:"reset"`
	Pruned             int             `json:"pruned"`
	TerminalFailures   []string        `json:"terminal_failures"`
	Errors             []ResourceError `json:"errors,omitempty"`
	Aborted            bool            `json:"aborted"`
	AbortReason        string          `json:"abort_reason,omitempty"`
	TimedOut           bool            `json:"timed_out"`
}

// Duration is the wall time of the pass
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// HasTerminalFailures reports whether any resource needs an operator
func (s *Summary) HasTerminalFailures() bool {
	return len(s.TerminalFailures) > 0
}

func (s *Summary) abort(reason string) {
	if s.Aborted {
		return
	}
	s.Aborted = true
	s.AbortReason = reason
}

func (s *Summary) sortLists() {
	sort.Strings(s.TerminalFailures)
	sort.Slice(s.Errors, func(i, j int) bool {
		if s.Errors[i].ResourceID != s.Errors[j].ResourceID {
			return s.Errors[i].ResourceID < s.Errors[j].ResourceID
		}
		return s.Errors[i].Op < s.Errors[j].Op
	})
}

// outcome is what one resource pipeline reports back to the pass. Each
// worker owns its slot, so no locking is needed until aggregation.
type outcome struct {
	id           string
	started      bool
	verdict      types.VerdictKind
	classified   bool
	phase        types.Phase
	counted      bool
	notified     bool
	notifyFailed bool
	attempted    bool
	deferred     bool
	reset        bool
	terminal     bool
	errs         []ResourceError
	persistErr   error
}

func (o *outcome) fail(id string, phase types.Phase, op string, err error) {
	o.errs = append(o.errs, ResourceError{
		ResourceID: id,
		Phase:      phase,
		Op:         op,
		Class:      types.ClassOf(err),
		Message:    err.Error(),
	})
}
