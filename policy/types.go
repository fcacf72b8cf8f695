package policy

import (
	"time"

	"github.com/yairfalse/sunset/types"
)

// Input is the document policies are evaluated against
type Input struct {
	Resource  ResourceInput `json:"resource"`
	Record    RecordInput   `json:"record"`
	Timestamp time.Time     `json:"timestamp"`
}

// ResourceInput is the resource as seen by policies
type ResourceInput struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Provider    string            `json:"provider"`
	Region      string            `json:"region"`
	Name        string            `json:"name"`
	Tags        map[string]string `json:"tags"`
	Owner       string            `json:"owner"`
	Environment string            `json:"environment"`
	Status      string            `json:"status"`
}

// RecordInput is the lifecycle record as seen by policies
type RecordInput struct {
	Phase         string    `json:"phase"`
	Attempts      int       `json:"attempts"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	WarnedAt      time.Time `json:"warned_at,omitempty"`
	ScheduledAt   time.Time `json:"scheduled_at,omitempty"`
	ForceOverride bool      `json:"force_override"`
}

// BuildInput assembles the policy input for a deletion candidate
func BuildInput(res types.Resource, rec types.LifecycleRecord, now time.Time) Input {
	tags := make(map[string]string, len(res.Tags))
	for k, v := range res.Tags {
		tags[k] = v
	}
	return Input{
		Resource: ResourceInput{
			ID:          res.ID,
			Kind:        string(res.Kind),
			Provider:    res.Provider,
			Region:      res.Region,
			Name:        res.Name,
			Tags:        tags,
			Owner:       res.Owner(),
			Environment: res.Environment(),
			Status:      res.Observed.Status,
		},
		Record: RecordInput{
			Phase:         string(rec.Phase),
			Attempts:      rec.Attempts,
			FirstSeenAt:   rec.FirstSeenAt,
			WarnedAt:      rec.WarnedAt,
			ScheduledAt:   rec.ScheduledAt,
			ForceOverride: rec.ForceOverride,
		},
		Timestamp: now,
	}
}
