package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// recorder tracks execution order, timestamps, and concurrency across mock jobs.
type recorder struct {
	mu        sync.Mutex
	current   int
	max       int
	started   []string
	startedAt map[string]time.Time
	doneAt    map[string]time.Time
}

func newRecorder() *recorder {
	return &recorder{
		startedAt: make(map[string]time.Time),
		doneAt:    make(map[string]time.Time),
	}
}

func (r *recorder) enter(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current++
	if r.current > r.max {
		r.max = r.current
	}
	r.started = append(r.started, id)
	r.startedAt[id] = time.Now()
}

func (r *recorder) leave(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current--
	r.doneAt[id] = time.Now()
}

func (r *recorder) maxConcurrent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.max
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

// mockJob is a configurable job for tests.
type mockJob struct {
	BaseJob

	rec     *recorder
	delay   time.Duration
	fail    bool
	outputs map[string]interface{}
	prereq  func(wc *Context) error
	run     func(ctx context.Context, jc *JobContext) (*JobResult, error)
	cleanup func() error

	executed atomic.Int32
	cleaned  atomic.Int32
}

func newMockJob(id string, deps ...string) *mockJob {
	return &mockJob{
		BaseJob: BaseJob{JobID: id, Dependencies: deps},
		outputs: make(map[string]interface{}),
	}
}

func (m *mockJob) ValidatePrerequisites(_ context.Context, wc *Context) error {
	if m.prereq != nil {
		return m.prereq(wc)
	}
	return nil
}

func (m *mockJob) Execute(ctx context.Context, jc *JobContext) (*JobResult, error) {
	m.executed.Add(1)
	if m.rec != nil {
		m.rec.enter(m.JobID)
		defer m.rec.leave(m.JobID)
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.run != nil {
		return m.run(ctx, jc)
	}
	if m.fail {
		return nil, errors.New("mock failure")
	}
	for name, v := range m.outputs {
		if err := jc.SetOutput(name, v); err != nil {
			return nil, err
		}
	}
	return Succeeded("ok"), nil
}

func (m *mockJob) Cleanup(context.Context, *Context) error {
	m.cleaned.Add(1)
	if m.cleanup != nil {
		return m.cleanup()
	}
	return nil
}

// mockTracker records tracker calls.
type mockTracker struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[int64]string
	statuses  map[string][]JobStatus
	outputs   map[string]int
	cancelled []string
	failAll   bool
}

func newMockTracker() *mockTracker {
	return &mockTracker{
		jobs:     make(map[int64]string),
		statuses: make(map[string][]JobStatus),
		outputs:  make(map[string]int),
	}
}

func (m *mockTracker) CreateJobExecution(_ context.Context, _ string, jobID string, status JobStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return 0, errors.New("tracker down")
	}
	m.nextID++
	m.jobs[m.nextID] = jobID
	m.statuses[jobID] = append(m.statuses[jobID], status)
	return m.nextID, nil
}

func (m *mockTracker) UpdateJobStatus(_ context.Context, id int64, status JobStatus, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobID := m.jobs[id]
	m.statuses[jobID] = append(m.statuses[jobID], status)
	return nil
}

func (m *mockTracker) SaveJobOutputs(_ context.Context, id int64, outputs map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[m.jobs[id]] = len(outputs)
	return nil
}

func (m *mockTracker) CancelPendingJobs(_ context.Context, runID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, runID)
	return nil
}

func (m *mockTracker) last(jobID string) JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statuses[jobID]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}
