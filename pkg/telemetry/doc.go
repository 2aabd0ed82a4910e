// Package telemetry provides observability instrumentation for launchyard.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry at application startup and attach it to the context:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Library code never holds a Telemetry directly. It pulls what it needs from
// the context:
//
//	logger := telemetry.FromContext(ctx)
//	logger.WithJobID("build").Info("building image")
//
// FromContext returns a no-op logger when the caller did not attach one.
//
// # Run and job instrumentation
//
// The workflow executor brackets each run and each job lifecycle:
//
//	ctx = telemetry.WithRunContext(ctx, runID, deploymentID, jobCount)
//	defer telemetry.EndRunContext(ctx, runID, state, err)
//
//	jobCtx := telemetry.WithJobContext(ctx, runID, jobID, jobName)
//	telemetry.EndJobContext(jobCtx, runID, jobID, status, kind, err)
//
// Each bracket opens a span, tags the logger, updates the run and job
// metrics, and publishes run.* and job.* events.
//
// # Events
//
// Subscribers receive events in publish order:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.JobID)
//	}, telemetry.FilterByType(telemetry.EventTypeJobFailed))
//
// # Metrics
//
// When enabled, metrics are served by StartMetricsServer at the configured
// path. Every recorder is a no-op on a disabled Metrics.
package telemetry
