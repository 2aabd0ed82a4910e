package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// LogSink receives log lines produced by jobs, keyed by stage ID.
// The executor uses the job ID as the stage ID.
type LogSink interface {
	WriteLog(ctx context.Context, stageID, line string) error
}

// WriteLogs writes each line in order, stopping at the first error.
func WriteLogs(ctx context.Context, sink LogSink, stageID string, lines []string) error {
	for _, line := range lines {
		if err := sink.WriteLog(ctx, stageID, line); err != nil {
			return err
		}
	}
	return nil
}

// LogSinkFunc adapts a function to a LogSink.
type LogSinkFunc func(ctx context.Context, stageID, line string) error

// WriteLog implements LogSink.
func (f LogSinkFunc) WriteLog(ctx context.Context, stageID, line string) error {
	return f(ctx, stageID, line)
}

// NopLogSink discards everything.
type NopLogSink struct{}

// WriteLog implements LogSink.
func (NopLogSink) WriteLog(context.Context, string, string) error { return nil }

// MultiLogSink fans a line out to several sinks. Every sink is written;
// the errors are joined.
type MultiLogSink []LogSink

// WriteLog implements LogSink.
func (m MultiLogSink) WriteLog(ctx context.Context, stageID, line string) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteLog(ctx, stageID, line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryLogSink keeps lines in memory, grouped by stage.
type MemoryLogSink struct {
	mu    sync.Mutex
	lines map[string][]string
}

// NewMemoryLogSink creates an empty in-memory sink.
func NewMemoryLogSink() *MemoryLogSink {
	return &MemoryLogSink{lines: make(map[string][]string)}
}

// WriteLog implements LogSink.
func (m *MemoryLogSink) WriteLog(_ context.Context, stageID, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[stageID] = append(m.lines[stageID], line)
	return nil
}

// Lines returns a copy of the lines written for stageID.
func (m *MemoryLogSink) Lines(stageID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines[stageID]...)
}

// CancellationProvider reports whether a run has been cancelled from outside.
type CancellationProvider interface {
	IsCancelled(ctx context.Context, runID string) (bool, error)
}

// CancellationFunc adapts a function to a CancellationProvider.
type CancellationFunc func(ctx context.Context, runID string) (bool, error)

// IsCancelled implements CancellationProvider.
func (f CancellationFunc) IsCancelled(ctx context.Context, runID string) (bool, error) {
	return f(ctx, runID)
}

// JobTracker records job executions, for example in a database.
// Tracker failures are logged by the executor and never fail a run.
type JobTracker interface {
	// CreateJobExecution records a job and returns its execution ID.
	CreateJobExecution(ctx context.Context, runID, jobID string, status JobStatus) (int64, error)

	// UpdateJobStatus records a status change for an execution.
	UpdateJobStatus(ctx context.Context, executionID int64, status JobStatus, message string) error

	// SaveJobOutputs records the outputs a job published.
	SaveJobOutputs(ctx context.Context, executionID int64, outputs map[string]json.RawMessage) error

	// CancelPendingJobs marks every unfinished execution of the run cancelled.
	CancelPendingJobs(ctx context.Context, runID, reason string) error
}
