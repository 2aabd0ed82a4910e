package workflow

import (
	"time"
)

// JobOutcome is how one job finished.
type JobOutcome struct {
	JobID   string    `json:"job_id"`
	Name    string    `json:"name"`
	Status  JobStatus `json:"status"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
	Err     error     `json:"-"`

	// StartedAt and FinishedAt are zero for jobs that never started.
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the job ran.
func (o *JobOutcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID      string
	State      RunState
	Context    *Context
	StartedAt  time.Time
	FinishedAt time.Time

	order    []string
	outcomes map[string]*JobOutcome
}

// Outcome returns the outcome of the named job.
func (r *RunResult) Outcome(jobID string) (*JobOutcome, bool) {
	o, ok := r.outcomes[jobID]
	return o, ok
}

// Outcomes returns every job outcome in insertion order.
func (r *RunResult) Outcomes() []*JobOutcome {
	out := make([]*JobOutcome, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.outcomes[id])
	}
	return out
}

// JobsWithStatus returns the IDs of jobs that ended with status, in insertion order.
func (r *RunResult) JobsWithStatus(status JobStatus) []string {
	var ids []string
	for _, id := range r.order {
		if r.outcomes[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// Duration returns the wall time of the run.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunSummary counts outcomes by status.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Summary counts outcomes by status.
func (r *RunResult) Summary() RunSummary {
	s := RunSummary{Total: len(r.order)}
	for _, o := range r.outcomes {
		switch o.Status {
		case JobStatusSuccess:
			s.Succeeded++
		case JobStatusFailure:
			s.Failed++
		case JobStatusSkipped:
			s.Skipped++
		case JobStatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// failures lists jobs that did not succeed and were not skipped by condition.
func (r *RunResult) failures() []JobFailure {
	var out []JobFailure
	for _, id := range r.order {
		o := r.outcomes[id]
		switch o.Status {
		case JobStatusSuccess:
			continue
		case JobStatusSkipped:
			if o.Kind == "" {
				continue
			}
		}
		out = append(out, JobFailure{JobID: id, Status: o.Status, Kind: o.Kind, Err: o.Err})
	}
	return out
}
