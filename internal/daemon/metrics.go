package daemon

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds loop and endpoint metrics using OTEL semantic conventions
type DaemonMetrics struct {
	iterations        metric.Int64Counter
	iterationDuration metric.Float64Histogram
	lastSuccess       metric.Int64Gauge
	httpRequests      metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on meter, or on the global meter
// provider when meter is nil
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	if meter == nil {
		meter = otel.Meter("sunset.daemon")
	}

	iterations, err := meter.Int64Counter(
		"sunset.daemon.iterations",
		metric.WithDescription("Number of loop iterations by outcome"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, err
	}

	iterationDuration, err := meter.Float64Histogram(
		"sunset.daemon.iteration.duration",
		metric.WithDescription("Duration of loop iterations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastSuccess, err := meter.Int64Gauge(
		"sunset.daemon.last_success",
		metric.WithDescription("Unix time of the last successful pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	httpRequests, err := meter.Int64Counter(
		"sunset.daemon.http.requests",
		metric.WithDescription("Requests served by the daemon endpoints"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		iterations:        iterations,
		iterationDuration: iterationDuration,
		lastSuccess:       lastSuccess,
		httpRequests:      httpRequests,
	}, nil
}

// RecordIteration records one tick of the loop with its status
func (m *DaemonMetrics) RecordIteration(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.iterations.Add(ctx, 1, attrs)
	m.iterationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordSuccess records when the last pass completed
func (m *DaemonMetrics) RecordSuccess(ctx context.Context, at time.Time) {
	m.lastSuccess.Record(ctx, at.Unix())
}

// RecordRequest records a served HTTP request
func (m *DaemonMetrics) RecordRequest(ctx context.Context, route string, status int) {
	m.httpRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("http.route", route),
			attribute.String("http.response.status_code", strconv.Itoa(status)),
		),
	)
}

func (m *DaemonMetrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.RecordRequest(r.Context(), route(r.URL.Path), rec.status)
	})
}

func route(path string) string {
	switch path {
	case "/metrics", "/healthz", "/readyz":
		return path
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
