// Package store provides SQLite-backed persistence for the workflow runtime.
// All runtime state transitions are serialized through this layer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/hexafield/hyperagent/internal/common/errors"
	"github.com/hexafield/hyperagent/internal/db"
)

// Store provides durable storage for projects, workflows, steps, agent runs,
// dead letters, and runner events. A single writer connection serializes all
// mutation; a read-only pool serves snapshot reads.
type Store struct {
	db   *sqlx.DB // writer
	ro   *sqlx.DB // reader (nil for in-memory stores)
	path string
}

// Open opens (or creates) the store at path and initializes the schema.
func Open(path string) (*Store, error) {
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open store reader: %w", err)
	}
	s := &Store{
		db:   sqlx.NewDb(writer, "sqlite3"),
		ro:   sqlx.NewDb(reader, "sqlite3"),
		path: path,
	}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly re-opens the store at path with a read-only connection pool.
// Used by sandboxes and by the snapshot fallback path.
func OpenReadOnly(path string) (*Store, error) {
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only store: %w", err)
	}
	rodb := sqlx.NewDb(reader, "sqlite3")
	return &Store{db: rodb, ro: rodb, path: path}, nil
}

// OpenInMemory opens a fresh in-memory store. The reader aliases the writer,
// since an in-memory database is private to its connection.
func OpenInMemory() (*Store, error) {
	raw, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	raw.SetMaxOpenConns(1)
	sdb := sqlx.NewDb(raw, "sqlite3")
	s := &Store{db: sdb, ro: sdb}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the filesystem path of the store, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the writer handle for sibling stores sharing the database file.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Reader exposes the read-only handle.
func (s *Store) Reader() *sqlx.DB {
	if s.ro != nil {
		return s.ro
	}
	return s.db
}

// Close closes both connection pools.
func (s *Store) Close() error {
	var errs []error
	if s.ro != nil && s.ro != s.db {
		errs = append(errs, s.ro.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// Checkpoint flushes the WAL into the main database file. It is invoked
// opportunistically before snapshot reads to bound replication lag for
// read-only re-opens; failures are ignorable by callers.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		repo_path TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT 'main',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		planner_run_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		data TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_project ON workflows(project_id, created_at);

	CREATE TABLE IF NOT EXISTS workflow_steps (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		sequence INTEGER NOT NULL,
		depends_on TEXT NOT NULL DEFAULT '[]',
		data TEXT,
		result TEXT,
		runner_instance_id TEXT,
		runner_attempts INTEGER NOT NULL DEFAULT 0,
		ready_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (workflow_id, sequence),
		FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow ON workflow_steps(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_workflow_steps_status ON workflow_steps(status);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		workflow_step_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		logs_path TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		FOREIGN KEY (workflow_step_id) REFERENCES workflow_steps(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_step ON agent_runs(workflow_step_id);

	CREATE TABLE IF NOT EXISTS runner_dead_letters (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		runner_instance_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_workflow ON runner_dead_letters(workflow_id);

	CREATE TABLE IF NOT EXISTS runner_events (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		runner_instance_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runner_events_workflow ON runner_events(workflow_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return nil
}

// --- Projects ---

// CreateProject inserts a project. The id is generated when empty.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, repo_path, default_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoPath, p.DefaultBranch, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return apperrors.StoreIO("failed to insert project", err)
	}
	return nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project", id)
	}
	if err != nil {
		return nil, apperrors.StoreIO("failed to load project", err)
	}
	return &p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	var projects []*Project
	err := s.db.SelectContext(ctx, &projects, `SELECT * FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperrors.StoreIO("failed to list projects", err)
	}
	return projects, nil
}

// --- Workflows ---

// CreateWorkflow inserts a workflow and its steps in one transaction.
// Nothing is persisted when any insert fails.
func (s *Store) CreateWorkflow(ctx context.Context, wf *Workflow, steps []*WorkflowStep) error {
	now := time.Now().UTC()
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Status == "" {
		wf.Status = WorkflowPending
	}
	wf.CreatedAt = now
	wf.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.StoreIO("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (id, project_id, planner_run_id, kind, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.ProjectID, wf.PlannerRunID, wf.Kind, wf.Status, wf.Data, wf.CreatedAt, wf.UpdatedAt); err != nil {
		return apperrors.StoreIO("failed to insert workflow", err)
	}

	for _, step := range steps {
		step.WorkflowID = wf.ID
		if step.Status == "" {
			step.Status = StepPending
		}
		step.CreatedAt = now
		step.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (
				id, workflow_id, task_id, status, sequence, depends_on,
				data, result, runner_instance_id, runner_attempts, ready_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, step.WorkflowID, step.TaskID, step.Status, step.Sequence, step.DependsOn,
			step.Data, step.Result, step.RunnerInstanceID, step.RunnerAttempts, step.ReadyAt,
			step.CreatedAt, step.UpdatedAt); err != nil {
			return apperrors.StoreIO(fmt.Sprintf("failed to insert step %s", step.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.StoreIO("failed to commit workflow", err)
	}
	return nil
}

// GetWorkflow loads a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	err := s.db.GetContext(ctx, &wf, `SELECT * FROM workflows WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, apperrors.StoreIO("failed to load workflow", err)
	}
	return &wf, nil
}

// ListWorkflows returns workflows newest first, optionally scoped to a project.
func (s *Store) ListWorkflows(ctx context.Context, projectID string) ([]*Workflow, error) {
	var workflows []*Workflow
	var err error
	if projectID != "" {
		err = s.db.SelectContext(ctx, &workflows,
			`SELECT * FROM workflows WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	} else {
		err = s.db.SelectContext(ctx, &workflows,
			`SELECT * FROM workflows ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, apperrors.StoreIO("failed to list workflows", err)
	}
	return workflows, nil
}

// UpdateWorkflowStatus writes a workflow status transition.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id string, status WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return apperrors.StoreIO("failed to update workflow status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("workflow", id)
	}
	return nil
}

// UpdateWorkflowData replaces the workflow's free-form data map.
func (s *Store) UpdateWorkflowData(ctx context.Context, id string, data JSONMap) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET data = ?, updated_at = ? WHERE id = ?`,
		data, time.Now().UTC(), id)
	if err != nil {
		return apperrors.StoreIO("failed to update workflow data", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("workflow", id)
	}
	return nil
}

// --- Steps ---

// GetStep loads a step by id.
func (s *Store) GetStep(ctx context.Context, id string) (*WorkflowStep, error) {
	var step WorkflowStep
	err := s.db.GetContext(ctx, &step, `SELECT * FROM workflow_steps WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("workflow step", id)
	}
	if err != nil {
		return nil, apperrors.StoreIO("failed to load step", err)
	}
	return &step, nil
}

// ListSteps returns all steps of a workflow ordered by sequence.
func (s *Store) ListSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error) {
	var steps []*WorkflowStep
	err := s.db.SelectContext(ctx, &steps,
		`SELECT * FROM workflow_steps WHERE workflow_id = ? ORDER BY sequence ASC`, workflowID)
	if err != nil {
		return nil, apperrors.StoreIO("failed to list steps", err)
	}
	return steps, nil
}

// ListReadySteps returns up to limit pending steps of running workflows whose
// ready_at is due, ordered by sequence. Dependency completeness is NOT checked
// here: callers must re-verify it against current store state, since a sibling
// may have failed after this query ran.
func (s *Store) ListReadySteps(ctx context.Context, limit int, now time.Time) ([]*WorkflowStep, error) {
	var steps []*WorkflowStep
	err := s.db.SelectContext(ctx, &steps, `
		SELECT s.* FROM workflow_steps s
		JOIN workflows w ON w.id = s.workflow_id
		WHERE s.status = 'pending'
		  AND w.status = 'running'
		  AND (s.ready_at IS NULL OR s.ready_at <= ?)
		ORDER BY s.sequence ASC
		LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, apperrors.StoreIO("failed to select ready steps", err)
	}
	return steps, nil
}

// ClaimStep performs the atomic pending->running transition. It returns true
// when this caller won the claim; false means the step was lost to another
// claimant or moved state.
func (s *Store) ClaimStep(ctx context.Context, stepID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET status = 'running', runner_instance_id = NULL, ready_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), stepID)
	if err != nil {
		return false, apperrors.StoreIO("failed to claim step", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.StoreIO("failed to read claim result", err)
	}
	return n == 1, nil
}

// AssignStepRunner records the lease holder for a claimed step.
func (s *Store) AssignStepRunner(ctx context.Context, stepID, runnerInstanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET runner_instance_id = ?, ready_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		runnerInstanceID, time.Now().UTC(), stepID)
	if err != nil {
		return apperrors.StoreIO("failed to assign runner", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.StepNotRunning(stepID, "unknown")
	}
	return nil
}

// TakeOverStepLease transitions a pending step directly to running under the
// given lease. Used only by the callback self-heal path.
func (s *Store) TakeOverStepLease(ctx context.Context, stepID, runnerInstanceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET status = 'running', runner_instance_id = ?, ready_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'
		  AND (runner_instance_id IS NULL OR runner_instance_id = ?)`,
		runnerInstanceID, time.Now().UTC(), stepID, runnerInstanceID)
	if err != nil {
		return false, apperrors.StoreIO("failed to take over lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.StoreIO("failed to read lease takeover result", err)
	}
	return n == 1, nil
}

// ReleaseStepForRetry reverts a running step to pending after an enqueue
// failure, clearing the lease and scheduling the next attempt.
func (s *Store) ReleaseStepForRetry(ctx context.Context, stepID string, attempts int, readyAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET status = 'pending', runner_instance_id = NULL, runner_attempts = ?, ready_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		attempts, readyAt.UTC(), time.Now().UTC(), stepID)
	if err != nil {
		return apperrors.StoreIO("failed to release step for retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.StepNotRunning(stepID, "unknown")
	}
	return nil
}

// FinalizeStep writes a terminal step status with its result, clearing the lease.
func (s *Store) FinalizeStep(ctx context.Context, stepID string, status StepStatus, result JSONMap) error {
	if !status.Terminal() {
		return apperrors.BadRequest(fmt.Sprintf("status '%s' is not terminal", status))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET status = ?, result = ?, runner_instance_id = NULL, ready_at = NULL, updated_at = ?
		WHERE id = ?`,
		status, result, time.Now().UTC(), stepID)
	if err != nil {
		return apperrors.StoreIO("failed to finalize step", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("workflow step", stepID)
	}
	return nil
}

// SetStepAttempts writes the enqueue attempt counter. Attempts are monotonic;
// the write is rejected if it would decrease the stored value.
func (s *Store) SetStepAttempts(ctx context.Context, stepID string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps SET runner_attempts = ?, updated_at = ?
		WHERE id = ? AND runner_attempts <= ?`,
		attempts, time.Now().UTC(), stepID, attempts)
	if err != nil {
		return apperrors.StoreIO("failed to set step attempts", err)
	}
	return nil
}

// StepCounts aggregates step statuses for reconciliation.
func (s *Store) StepCounts(ctx context.Context, workflowID string) (StepCounts, error) {
	var c StepCounts
	err := s.db.GetContext(ctx, &c, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0) AS running,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0) AS skipped
		FROM workflow_steps WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return StepCounts{}, apperrors.StoreIO("failed to count steps", err)
	}
	return c, nil
}

// QueueMetrics summarizes the scheduling queue across all workflows.
func (s *Store) QueueMetrics(ctx context.Context, now time.Time, stuckThreshold time.Duration) (QueueMetrics, error) {
	var m QueueMetrics
	row := s.db.QueryRowxContext(ctx, `
		SELECT
			SUM(CASE WHEN s.status = 'pending' THEN 1 ELSE 0 END),
			SUM(CASE WHEN s.status = 'pending' AND w.status = 'running'
				AND (s.ready_at IS NULL OR s.ready_at <= ?) THEN 1 ELSE 0 END),
			SUM(CASE WHEN s.status = 'running' THEN 1 ELSE 0 END),
			SUM(CASE WHEN s.status = 'running' AND s.updated_at <= ? THEN 1 ELSE 0 END)
		FROM workflow_steps s
		JOIN workflows w ON w.id = s.workflow_id`,
		now.UTC(), now.UTC().Add(-stuckThreshold))
	var pending, ready, running, stuck sql.NullInt64
	if err := row.Scan(&pending, &ready, &running, &stuck); err != nil {
		return m, apperrors.StoreIO("failed to compute queue metrics", err)
	}
	m.Pending = int(pending.Int64)
	m.Ready = int(ready.Int64)
	m.Running = int(running.Int64)
	m.Stuck = int(stuck.Int64)
	return m, nil
}

// --- Agent runs ---

// CreateAgentRun inserts an agent-run row.
func (s *Store) CreateAgentRun(ctx context.Context, run *AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = AgentRunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, workflow_step_id, project_id, branch, agent_type, status, logs_path, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowStepID, run.ProjectID, run.Branch, run.AgentType,
		run.Status, run.LogsPath, run.StartedAt, run.FinishedAt)
	if err != nil {
		return apperrors.StoreIO("failed to insert agent run", err)
	}
	return nil
}

// FinishAgentRun writes the terminal state of an agent run.
func (s *Store) FinishAgentRun(ctx context.Context, id string, status AgentRunStatus, logsPath *string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, logs_path = COALESCE(?, logs_path), finished_at = ?
		WHERE id = ?`,
		status, logsPath, now, id)
	if err != nil {
		return apperrors.StoreIO("failed to finish agent run", err)
	}
	return nil
}

// ListAgentRuns returns the agent runs for every step of a workflow.
func (s *Store) ListAgentRuns(ctx context.Context, workflowID string) ([]*AgentRun, error) {
	var runs []*AgentRun
	err := s.db.SelectContext(ctx, &runs, `
		SELECT r.* FROM agent_runs r
		JOIN workflow_steps s ON s.id = r.workflow_step_id
		WHERE s.workflow_id = ?
		ORDER BY r.started_at ASC`, workflowID)
	if err != nil {
		return nil, apperrors.StoreIO("failed to list agent runs", err)
	}
	return runs, nil
}

// --- Dead letters ---

// CreateDeadLetter records a step whose enqueue attempts were exhausted.
func (s *Store) CreateDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runner_dead_letters (id, workflow_id, step_id, runner_instance_id, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.WorkflowID, dl.StepID, dl.RunnerInstanceID, dl.Attempts, dl.Error, dl.CreatedAt)
	if err != nil {
		return apperrors.StoreIO("failed to insert dead letter", err)
	}
	return nil
}

// ListDeadLetters returns dead letters for a workflow, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, workflowID string) ([]*DeadLetter, error) {
	var letters []*DeadLetter
	err := s.db.SelectContext(ctx, &letters, `
		SELECT * FROM runner_dead_letters WHERE workflow_id = ? ORDER BY created_at ASC`, workflowID)
	if err != nil {
		return nil, apperrors.StoreIO("failed to list dead letters", err)
	}
	return letters, nil
}

// --- Runner events ---

// AppendRunnerEvent appends a telemetry row. Callers treat failures as
// best-effort: they are logged, never allowed to affect step state.
func (s *Store) AppendRunnerEvent(ctx context.Context, ev *RunnerEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runner_events (id, workflow_id, step_id, type, status, runner_instance_id, attempts, latency_ms, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.WorkflowID, ev.StepID, ev.Type, ev.Status, ev.RunnerInstanceID,
		ev.Attempts, ev.LatencyMs, ev.Metadata, ev.CreatedAt)
	if err != nil {
		return apperrors.StoreIO("failed to append runner event", err)
	}
	return nil
}

// ListRunnerEvents returns telemetry for a workflow, optionally scoped to one
// step, in insertion order.
func (s *Store) ListRunnerEvents(ctx context.Context, workflowID, stepID string) ([]*RunnerEvent, error) {
	var events []*RunnerEvent
	var err error
	if stepID != "" {
		err = s.db.SelectContext(ctx, &events, `
			SELECT * FROM runner_events WHERE workflow_id = ? AND step_id = ? ORDER BY created_at ASC`,
			workflowID, stepID)
	} else {
		err = s.db.SelectContext(ctx, &events, `
			SELECT * FROM runner_events WHERE workflow_id = ? ORDER BY created_at ASC`, workflowID)
	}
	if err != nil {
		return nil, apperrors.StoreIO("failed to list runner events", err)
	}
	return events, nil
}
