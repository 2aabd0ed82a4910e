package telemetry_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/launchyard/launchyard/pkg/telemetry"
)

// Example_events demonstrates subscribing to job events.
func Example_events() {
	cfg := telemetry.TestConfig()

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.JobID)
	}, telemetry.FilterByType(telemetry.EventTypeJobStarted, telemetry.EventTypeJobFailed))

	ctx := tel.WithContext(context.Background())
	ctx = telemetry.WithRunContext(ctx, "run-1", "dep-1", 1)

	jobCtx := telemetry.WithJobContext(ctx, "run-1", "build", "Build image")
	telemetry.EndJobContext(jobCtx, "run-1", "build", "failure", "job_execution_failed", errors.New("exit status 1"))

	telemetry.EndRunContext(ctx, "run-1", "aborted", errors.New("build failed"))

	// Output:
	// job.started build
	// job.failed build
}

func TestConfigValidate(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected invalid log level to be rejected")
	}

	cfg = telemetry.DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected sampling rate above 1 to be rejected")
	}

	cfg = telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddress = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected enabled metrics without address to be rejected")
	}
}

func TestFromContextDefaultsToNop(t *testing.T) {
	logger := telemetry.FromContext(context.Background())
	if logger == nil {
		t.Fatal("Expected a logger")
	}
	// Must not panic or write anywhere.
	logger.WithRunID("r").Info("discarded")
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	ctx := logger.WithContext(context.Background())
	ctx = telemetry.WithRunContext(ctx, "run-42", "dep", 3)
	ctx = telemetry.WithJobContext(ctx, "run-42", "deploy", "Deploy")
	telemetry.FromContext(ctx).Info("deploying")

	out := buf.String()
	if !strings.Contains(out, `"run_id":"run-42"`) {
		t.Errorf("Expected run_id field, got: %s", out)
	}
	if !strings.Contains(out, `"job_id":"deploy"`) {
		t.Errorf("Expected job_id field, got: %s", out)
	}
	if !strings.Contains(out, `"deployment_id":"dep"`) {
		t.Errorf("Expected deployment_id field, got: %s", out)
	}
}

func TestEndJobContextCancelledWithError(t *testing.T) {
	tel, err := telemetry.NewTelemetry(telemetry.TestConfig())
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	var got []string
	tel.Events.Subscribe(func(e telemetry.Event) {
		got = append(got, e.Type)
	}, telemetry.FilterByType(telemetry.EventTypeJobStarted, telemetry.EventTypeJobFailed, telemetry.EventTypeJobCancelled))

	ctx := telemetry.WithRunContext(tel.WithContext(context.Background()), "run-1", "", 1)
	jobCtx := telemetry.WithJobContext(ctx, "run-1", "deploy", "Deploy")
	telemetry.EndJobContext(jobCtx, "run-1", "deploy", "cancelled", "cancelled", context.Canceled)

	if strings.Join(got, ",") != telemetry.EventTypeJobStarted+","+telemetry.EventTypeJobCancelled {
		t.Errorf("Expected started then cancelled events, got: %v", got)
	}
}

func TestEventPublisherMinLevel(t *testing.T) {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, MinLevel: telemetry.EventLevelError})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var got []string
	ep.Subscribe(func(e telemetry.Event) {
		got = append(got, e.Type)
	}, nil)

	_ = ep.PublishJobCompleted("r1", "build", 0)
	_ = ep.PublishJobFailed("r1", "deploy", "job_execution_failed", "exit status 1")

	if strings.Join(got, ",") != telemetry.EventTypeJobFailed {
		t.Errorf("Expected only the failure event, got: %v", got)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:     true,
		BufferSize:  16,
		EnableAsync: true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		got = append(got, e.JobID)
		mu.Unlock()
	}, telemetry.FilterByRunID("r1"))

	for _, id := range []string{"a", "b", "c"} {
		if err := ep.PublishJobCompleted("r1", id, 0); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	_ = ep.PublishJobCompleted("other", "x", 0)

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("Expected ordered delivery a,b,c, got: %v", got)
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordRunStarted()
	m.RecordJobFinished("a", "success", 0)
	m.RecordTrackerError("create")
	if m.Registry() != nil {
		t.Fatal("Expected no registry for disabled metrics")
	}
}

func TestEnabledMetricsRegister(t *testing.T) {
	cfg := telemetry.DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := telemetry.NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordRunStarted()
	m.RecordRunCompleted("completed", 0)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "launchyard_runs_completed_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("Expected launchyard_runs_completed_total to be registered")
	}
}
