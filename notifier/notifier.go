// Package notifier delivers lifecycle warnings to resource owners.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/sunset/types"
)

// Notice is one warning about one resource
type Notice struct {
	PassID          string        `json:"pass_id"`
	ResourceID      string        `json:"resource_id"`
	Kind            types.Kind    `json:"kind"`
	Name            string        `json:"name,omitempty"`
	Region          string        `json:"region,omitempty"`
	Recipient       string        `json:"recipient"`
	UsedFallback    bool          `json:"used_fallback"`
	Trigger         types.Trigger `json:"trigger"`
	Reason          string        `json:"reason"`
	DaysUntilExpiry int           `json:"days_until_expiry"`
	EligibleAt      time.Time     `json:"eligible_at,omitempty"`
	DeletionAfter   time.Time     `json:"deletion_after"`
}

// Validate ensures the notice can be delivered
func (n Notice) Validate() error {
	if n.ResourceID == "" {
		return errors.New("notice resource ID cannot be empty")
	}
	if n.Recipient == "" {
		return fmt.Errorf("notice for %s has no recipient", n.ResourceID)
	}
	return nil
}

// Subject is a one-line summary suitable for chat or email
func (n Notice) Subject() string {
	return fmt.Sprintf("%s %s is scheduled for deletion after %s (%s)",
		n.Kind, n.ResourceID, n.DeletionAfter.Format(time.DateOnly), n.Reason)
}

// Notifier delivers notices. A nil error means delivered.
type Notifier interface {
	Notify(ctx context.Context, notice Notice) error
	Close() error
}

// Multi fans out to multiple notifiers. A notice counts as delivered only
// when every sink accepted it.
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a notifier that sends to every sink
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Notify sends to all sinks and joins their errors
func (m *Multi) Notify(ctx context.Context, notice Notice) error {
	if err := notice.Validate(); err != nil {
		return err
	}
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all sinks
func (m *Multi) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
