package notifier

import (
	"context"

	"github.com/yairfalse/sunset/telemetry"
)

// LogNotifier writes notices to the structured log. It is always
// configured so every warning leaves a trace even without other sinks.
type LogNotifier struct {
	logger *telemetry.Logger
}

// NewLogNotifier creates a log sink
func NewLogNotifier(logger *telemetry.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, notice Notice) error {
	l.logger.WithContext(ctx).Warn().
		Str("pass_id", notice.PassID).
		Str("resource_id", notice.ResourceID).
		Str("kind", string(notice.Kind)).
		Str("recipient", notice.Recipient).
		Bool("used_fallback", notice.UsedFallback).
		Str("trigger", string(notice.Trigger)).
		Int("days_until_expiry", notice.DaysUntilExpiry).
		Time("deletion_after", notice.DeletionAfter).
		Msg(notice.Subject())
	return nil
}

func (l *LogNotifier) Close() error {
	return nil
}
