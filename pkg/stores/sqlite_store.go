package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/launchyard/launchyard/pkg/workflow"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

func (c Config) inMemory() bool {
	return c.Path == ":memory:" || strings.Contains(c.Path, "mode=memory")
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: opens a fresh database.
	if cfg.inMemory() {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStore) dsn() string {
	params := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if !s.cfg.inMemory() {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}

	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	return s.cfg.Path + sep + strings.Join(params, "&")
}

// Init opens the database connection and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Migrate applies all pending migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrateDown reverts every migration.
func (s *SQLiteStore) MigrateDown(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	return nil
}

const runColumns = `id, deployment_id, project_id, environment_id, pipeline, status,
	failure_policy, max_parallel, job_count, cancel_requested, error, metadata,
	started_at, completed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	err := row.Scan(
		&run.ID,
		&run.DeploymentID,
		&run.ProjectID,
		&run.EnvironmentID,
		&run.Pipeline,
		&run.Status,
		&run.FailurePolicy,
		&run.MaxParallel,
		&run.JobCount,
		&run.CancelRequested,
		&run.Error,
		&run.Metadata,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// CreateRun creates a new run record. Zero timestamps are filled in.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	now := s.now()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Status == "" {
		run.Status = workflow.RunStateRunning
	}
	if run.Metadata == "" {
		run.Metadata = "{}"
	}
	if run.FailurePolicy == "" {
		run.FailurePolicy = string(workflow.AbortOnFirstFailure)
	}
	if run.MaxParallel == 0 {
		run.MaxParallel = workflow.DefaultMaxParallel
	}

	query := `INSERT INTO workflow_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.DeploymentID,
		run.ProjectID,
		run.EnvironmentID,
		run.Pipeline,
		run.Status,
		run.FailurePolicy,
		run.MaxParallel,
		run.JobCount,
		run.CancelRequested,
		run.Error,
		run.Metadata,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus records a run's state. Terminal states set completed_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status workflow.RunState, errMsg *string) error {
	if err := status.Validate(); err != nil {
		return err
	}

	now := s.now()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	query := `
		UPDATE workflow_runs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return expectRow(result, "run", id)
}

// ListRuns lists runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*WorkflowRun, error) {
	query := `SELECT ` + runColumns + `
		FROM workflow_runs
		ORDER BY started_at DESC, id ASC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*WorkflowRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteRun deletes a run together with its job executions and logs.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return expectRow(result, "run", id)
}

// RequestCancel flags a run as cancelled. The executor observes the flag
// through IsCancelled before starting each job.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	return expectRow(result, "run", id)
}

// IsCancelled implements workflow.CancellationProvider.
func (s *SQLiteStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	var cancelled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM workflow_runs WHERE id = ?`, runID).Scan(&cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	return cancelled, nil
}

// CreateJobExecution implements workflow.JobTracker. Recording the same job
// twice in a run resets the existing row.
func (s *SQLiteStore) CreateJobExecution(ctx context.Context, runID, jobID string, status workflow.JobStatus) (int64, error) {
	now := s.now()
	query := `
		INSERT INTO job_executions (run_id, job_id, status, outputs, created_at, updated_at)
		VALUES (?, ?, ?, '{}', ?, ?)
		ON CONFLICT (run_id, job_id) DO UPDATE
		SET status = excluded.status, message = NULL, updated_at = excluded.updated_at
		RETURNING id
	`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, runID, jobID, status, now, now).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create job execution: %w", err)
	}
	return id, nil
}

// UpdateJobStatus implements workflow.JobTracker. The first transition to
// running sets started_at; terminal statuses set completed_at.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id int64, status workflow.JobStatus, message string) error {
	now := s.now()
	var startedAt, completedAt *time.Time
	if status == workflow.JobStatusRunning {
		startedAt = &now
	}
	if status.IsTerminal() {
		completedAt = &now
	}

	query := `
		UPDATE job_executions
		SET status = ?, message = ?, updated_at = ?,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, status, nullString(message), now, startedAt, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return expectRow(result, "job execution", fmt.Sprint(id))
}

// SaveJobOutputs implements workflow.JobTracker.
func (s *SQLiteStore) SaveJobOutputs(ctx context.Context, id int64, outputs map[string]json.RawMessage) error {
	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to encode job outputs: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET outputs = ?, updated_at = ? WHERE id = ?`,
		string(data), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to save job outputs: %w", err)
	}
	return expectRow(result, "job execution", fmt.Sprint(id))
}

// CancelPendingJobs implements workflow.JobTracker. Executions that have not
// reached a terminal status are marked cancelled.
func (s *SQLiteStore) CancelPendingJobs(ctx context.Context, runID, reason string) error {
	now := s.now()
	query := `
		UPDATE job_executions
		SET status = ?, message = ?, completed_at = ?, updated_at = ?
		WHERE run_id = ? AND status IN (?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		workflow.JobStatusCancelled, nullString(reason), now, now, runID,
		workflow.JobStatusPending, workflow.JobStatusWaiting, workflow.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to cancel pending jobs: %w", err)
	}
	return nil
}

const jobColumns = `id, run_id, job_id, status, message, outputs,
	started_at, completed_at, created_at, updated_at`

func scanJobExecution(row scanner) (*JobExecution, error) {
	e := &JobExecution{}
	err := row.Scan(
		&e.ID,
		&e.RunID,
		&e.JobID,
		&e.Status,
		&e.Message,
		&e.Outputs,
		&e.StartedAt,
		&e.CompletedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	return e, err
}

// GetJobExecution retrieves a job execution by ID
func (s *SQLiteStore) GetJobExecution(ctx context.Context, id int64) (*JobExecution, error) {
	query := `SELECT ` + jobColumns + ` FROM job_executions WHERE id = ?`

	e, err := scanJobExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job execution: %w", err)
	}
	return e, nil
}

// ListJobExecutions lists a run's job executions in creation order.
func (s *SQLiteStore) ListJobExecutions(ctx context.Context, runID string) ([]*JobExecution, error) {
	query := `SELECT ` + jobColumns + `
		FROM job_executions
		WHERE run_id = ?
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job executions: %w", err)
	}
	defer rows.Close()

	executions := []*JobExecution{}
	for rows.Next() {
		e, err := scanJobExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job executions: %w", err)
	}
	return executions, nil
}

// AppendLog appends a log line for a job of the run.
func (s *SQLiteStore) AppendLog(ctx context.Context, runID, stageID, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs (run_id, stage_id, line, timestamp) VALUES (?, ?, ?, ?)`,
		runID, stageID, line, s.now())
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListLogs lists a run's log lines in the order they were written.
func (s *SQLiteStore) ListLogs(ctx context.Context, runID string, filter LogFilter) ([]*JobLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, run_id, stage_id, line, timestamp
		FROM job_logs
		WHERE run_id = ?
		  AND (? IS NULL OR stage_id = ?)
		  AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, runID, filter.StageID, filter.StageID, filter.AfterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	logs := []*JobLog{}
	for rows.Next() {
		l := &JobLog{}
		if err := rows.Scan(&l.ID, &l.RunID, &l.StageID, &l.Line, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}
	return logs, nil
}

// StageLogSink returns a log sink that persists job output for runID.
// Lines are written even after the job's context is cancelled.
func (s *SQLiteStore) StageLogSink(runID string) workflow.LogSink {
	return workflow.LogSinkFunc(func(ctx context.Context, stageID, line string) error {
		return s.AppendLog(context.WithoutCancel(ctx), runID, stageID, line)
	})
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func expectRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
