// Package stores provides the persistence layer for launchyard.
// It includes SQLite-based storage with embedded migrations for workflow
// runs, per-job execution records, and job log lines. SQLiteStore also
// serves the executor as its job tracker and cancellation provider.
package stores
