package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Output is where component loggers write. Stdout is reserved for
// command output such as pass summaries.
var Output io.Writer = os.Stderr

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a component logger writing to Output
func NewLogger(service string) *Logger {
	return NewLoggerTo(Output, service)
}

// NewLoggerTo creates a component logger writing to w
func NewLoggerTo(w io.Writer, service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogSpanStart logs the start of a span with attributes
func (l *Logger) LogSpanStart(ctx context.Context, spanName string, attrs ...attribute.KeyValue) {
	event := l.WithContext(ctx).Debug().Str("span_name", spanName)
	for _, attr := range attrs {
		event = addAttributeToEvent(event, attr)
	}
	event.Msg("span started")
}

// LogSpanEnd logs the end of a span with results
func (l *Logger) LogSpanEnd(ctx context.Context, spanName string, err error) {
	logger := l.WithContext(ctx)

	if err != nil {
		logger.Error().
			Err(err).
			Str("span_name", spanName).
			Msg("span failed")
		return
	}
	logger.Debug().
		Str("span_name", spanName).
		Msg("span completed")
}

func addAttributeToEvent(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)

	switch attr.Value.Type() {
	case attribute.STRING:
		return event.Str(key, attr.Value.AsString())
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

// LogTransition records a lifecycle phase change
func (l *Logger) LogTransition(ctx context.Context, resourceID, from, to, reason string) {
	l.WithContext(ctx).Info().
		Str("resource_id", resourceID).
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Msg("lifecycle transition")
}

// LogStorageError records a failed state store operation
func (l *Logger) LogStorageError(ctx context.Context, operation, resourceID string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Str("resource_id", resourceID).
		Msg("storage operation failed")
}

// LogPassComplete records the outcome of one governor pass
func (l *Logger) LogPassComplete(ctx context.Context, passID string, seen int, duration time.Duration, aborted bool) {
	event := l.WithContext(ctx).Info()
	if aborted {
		event = l.WithContext(ctx).Warn()
	}
	event.
		Str("pass_id", passID).
		Int("resources_seen", seen).
		Dur("duration", duration).
		Bool("aborted", aborted).
		Msg("pass completed")
}
