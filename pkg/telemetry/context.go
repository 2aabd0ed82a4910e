package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops event delivery and flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

type runSpanKey struct{}
type runTimerKey struct{}
type jobSpanKey struct{}
type jobTimerKey struct{}

// WithRunContext opens the run span, tags the logger with the run ID, and
// announces the run. Without telemetry in ctx it only tags the logger.
func WithRunContext(ctx context.Context, runID, deploymentID string, jobCount int) context.Context {
	logger := FromContext(ctx).WithRunID(runID)
	if deploymentID != "" {
		logger = logger.WithDeployment(deploymentID)
	}
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return logger.WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, deploymentID)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted()
	_ = tel.Events.PublishRunStarted(runID, deploymentID, jobCount)

	spanCtx = context.WithValue(spanCtx, runSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, runTimerKey{}, NewTimer())
	return spanCtx
}

// EndRunContext closes the run span and records the terminal state.
func EndRunContext(ctx context.Context, runID, state string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunState.String(state))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var timer *Timer
	if t, ok := ctx.Value(runTimerKey{}).(*Timer); ok {
		timer = t
	} else {
		timer = NewTimer()
	}
	duration := timer.Duration()

	tel.Metrics.RecordRunCompleted(state, duration)
	if err != nil {
		_ = tel.Events.PublishRunFailed(runID, state, err.Error())
	} else {
		_ = tel.Events.PublishRunCompleted(runID, state, duration)
	}
}

// WithJobContext opens a job span and tags the logger with the job ID.
func WithJobContext(ctx context.Context, runID, jobID, jobName string) context.Context {
	logger := FromContext(ctx).WithJobID(jobID)
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return logger.WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartJobSpan(ctx, runID, jobID, jobName)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordJobStarted()
	_ = tel.Events.PublishJobStarted(runID, jobID, jobName)

	spanCtx = context.WithValue(spanCtx, jobSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, jobTimerKey{}, NewTimer())
	return spanCtx
}

// EndJobContext closes the job span and records how the job finished.
// kind is the error classification for failed jobs and may be empty.
func EndJobContext(ctx context.Context, runID, jobID, status, kind string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(jobSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrJobStatus.String(status))
		if kind != "" {
			span.SetAttributes(AttrErrorKind.String(kind))
		}
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var timer *Timer
	if t, ok := ctx.Value(jobTimerKey{}).(*Timer); ok {
		timer = t
	} else {
		timer = NewTimer()
	}
	duration := timer.Duration()

	tel.Metrics.RecordJobFinished(jobID, status, duration)
	switch {
	case status == "cancelled":
		_ = tel.Events.PublishJobCancelled(runID, jobID)
	case status == "skipped":
		_ = tel.Events.PublishJobSkipped(runID, jobID, "condition")
	case err != nil:
		_ = tel.Events.PublishJobFailed(runID, jobID, kind, err.Error())
	default:
		_ = tel.Events.PublishJobCompleted(runID, jobID, duration)
	}
}

// RecordJobNotRun records a job that never entered its lifecycle.
func RecordJobNotRun(ctx context.Context, runID, jobID, status, reason string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordJobNotRun(status)
	if status == "cancelled" {
		_ = tel.Events.PublishJobCancelled(runID, jobID)
		return
	}
	_ = tel.Events.PublishJobSkipped(runID, jobID, reason)
}

// RecordSinkError counts a log line the sink rejected.
func RecordSinkError(ctx context.Context) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordSinkError()
	}
}

// RecordTrackerError counts a failed tracker call.
func RecordTrackerError(ctx context.Context, operation string) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordTrackerError(operation)
	}
}
