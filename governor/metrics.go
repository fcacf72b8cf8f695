package governor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/sunset/types"
)

// Metrics holds pass metrics using OTEL semantic conventions
type Metrics struct {
	passes        metric.Int64Counter
	passDuration  metric.Float64Histogram
	resources     metric.Int64Gauge
	verdicts      metric.Int64Counter
	transitions   metric.Int64Counter
	notifications metric.Int64Counter
	deletions     metric.Int64Counter
}

// NewMetrics creates governor metrics on meter, or on the global meter
// provider when meter is nil
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("sunset.governor")
	}

	passes, err := meter.Int64Counter(
		"sunset.governor.passes",
		metric.WithDescription("Number of governor passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	passDuration, err := meter.Float64Histogram(
		"sunset.governor.pass.duration",
		metric.WithDescription("Duration of governor passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	resources, err := meter.Int64Gauge(
		"sunset.governor.resources",
		metric.WithDescription("Resources in the last inventory snapshot"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	verdicts, err := meter.Int64Counter(
		"sunset.governor.verdicts",
		metric.WithDescription("Classifier verdicts"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"sunset.governor.transitions",
		metric.WithDescription("Lifecycle phase transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	notifications, err := meter.Int64Counter(
		"sunset.governor.notifications",
		metric.WithDescription("Owner notifications by delivery status"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	deletions, err := meter.Int64Counter(
		"sunset.governor.deletions",
		metric.WithDescription("Deletion attempts by outcome"),
		metric.WithUnit("{deletion}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		passes:        passes,
		passDuration:  passDuration,
		resources:     resources,
		verdicts:      verdicts,
		transitions:   transitions,
		notifications: notifications,
		deletions:     deletions,
	}, nil
}

// RecordPass records a finished pass
func (m *Metrics) RecordPass(ctx context.Context, s *Summary) {
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case s.Aborted:
		status = "aborted"
	case s.TimedOut:
		status = "timed_out"
	}
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("dry_run", s.DryRun),
	)
	m.passes.Add(ctx, 1, attrs)
	m.passDuration.Record(ctx, s.Duration().Seconds(), attrs)
	m.resources.Record(ctx, int64(s.ResourcesSeen))
}

// RecordVerdict records one classification
func (m *Metrics) RecordVerdict(ctx context.Context, kind types.Kind, verdict types.VerdictKind) {
	if m == nil {
		return
	}
	m.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource.kind", string(kind)),
		attribute.String("verdict", string(verdict)),
	))
}

// RecordTransition records a phase change
func (m *Metrics) RecordTransition(ctx context.Context, from, to types.Phase) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// RecordNotification records a delivery attempt
func (m *Metrics) RecordNotification(ctx context.Context, delivered bool) {
	if m == nil {
		return
	}
	status := "delivered"
	if !delivered {
		status = "failed"
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDeletion records a deletion outcome
func (m *Metrics) RecordDeletion(ctx context.Context, kind types.Kind, deleted bool, class types.ErrorClass) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("resource.kind", string(kind)),
		attribute.Bool("deleted", deleted),
	}
	if class != "" {
		attrs = append(attrs, attribute.String("error.type", string(class)))
	}
	m.deletions.Add(ctx, 1, metric.WithAttributes(attrs...))
}
