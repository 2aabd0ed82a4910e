package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/launchyard/launchyard/pkg/workflow"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to validate, got: %v", err)
	}
	if cfg.Engine.Policy() != workflow.AbortOnFirstFailure {
		t.Errorf("Expected abort policy, got: %s", cfg.Engine.Policy())
	}
	if cfg.Bus.Enabled {
		t.Error("Expected bus to be disabled by default")
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	input := `
engine:
  max_parallel: 4
  failure_policy: continue
store:
  path: /tmp/ly.db
telemetry:
  logging:
    level: debug
bus:
  enabled: true
  url: nats://nats:4222
  connect_timeout: 2s
`
	cfg, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Engine.MaxParallel != 4 || cfg.Engine.Policy() != workflow.ContinueIndependentBranches {
		t.Errorf("Unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Store.Path != "/tmp/ly.db" {
		t.Errorf("Expected store path /tmp/ly.db, got: %s", cfg.Store.Path)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got: %s", cfg.Telemetry.Logging.Level)
	}
	if cfg.Telemetry.Logging.Format != "console" || cfg.Telemetry.ServiceName != "launchyard" {
		t.Errorf("Expected unset telemetry fields to keep defaults, got: %+v", cfg.Telemetry.Logging)
	}
	if cfg.Bus.Subject != "launchyard.events" || cfg.Bus.ConnectTimeout != 2*time.Second {
		t.Errorf("Unexpected bus config: %+v", cfg.Bus)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"zero parallelism": "engine:\n  max_parallel: 0\n",
		"unknown policy":   "engine:\n  failure_policy: retry\n",
		"unknown key":      "engine:\n  retries: 3\n",
		"bad log level":    "telemetry:\n  logging:\n    level: loud\n",
		"bus without url":  "bus:\n  enabled: true\n  url: \"\"\n",
		"empty store path": "store:\n  path: \"\"\n",
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(input)); err == nil {
				t.Fatal("Expected error")
			}
		})
	}
}

func TestParseEmptyInput(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Expected empty input to yield defaults, got: %v", err)
	}
	if cfg.Engine.MaxParallel != workflow.DefaultMaxParallel {
		t.Errorf("Expected default parallelism, got: %d", cfg.Engine.MaxParallel)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LAUNCHYARD_MAX_PARALLEL":   "8",
		"LAUNCHYARD_DB_PATH":        "/data/ly.db",
		"LAUNCHYARD_LOG_LEVEL":      "warn",
		"LAUNCHYARD_NATS_URL":       "nats://bus:4222",
		"LAUNCHYARD_METRICS_ADDR":   ":9100",
		"LAUNCHYARD_OTLP_ENDPOINT":  "otel:4317",
		"LAUNCHYARD_FAILURE_POLICY": "continue",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected overridden config to validate, got: %v", err)
	}

	if cfg.Engine.MaxParallel != 8 {
		t.Errorf("Expected max parallel 8, got: %d", cfg.Engine.MaxParallel)
	}
	if cfg.Store.Path != "/data/ly.db" {
		t.Errorf("Expected db path override, got: %s", cfg.Store.Path)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("Expected warn level, got: %s", cfg.Telemetry.Logging.Level)
	}
	if !cfg.Bus.Enabled || cfg.Bus.URL != "nats://bus:4222" {
		t.Errorf("Expected bus enabled on nats://bus:4222, got: %+v", cfg.Bus)
	}
	if !cfg.Telemetry.Metrics.Enabled || cfg.Telemetry.Metrics.ListenAddress != ":9100" {
		t.Errorf("Expected metrics on :9100, got: %+v", cfg.Telemetry.Metrics)
	}
	if !cfg.Telemetry.Tracing.Enabled || cfg.Telemetry.Tracing.Exporter != "otlp" {
		t.Errorf("Expected otlp tracing, got: %+v", cfg.Telemetry.Tracing)
	}
	if cfg.Engine.Policy() != workflow.ContinueIndependentBranches {
		t.Errorf("Expected continue policy, got: %s", cfg.Engine.Policy())
	}
}

func TestApplyEnvRejectsBadNumber(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "LAUNCHYARD_MAX_PARALLEL" {
			return "lots", true
		}
		return "", false
	}
	if err := Default().ApplyEnv(lookup); err == nil {
		t.Fatal("Expected error for non-numeric parallelism")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launchyard.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  max_parallel: 3\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("LAUNCHYARD_MAX_PARALLEL", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.MaxParallel != 3 {
		t.Errorf("Expected max parallel 3, got: %d", cfg.Engine.MaxParallel)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
