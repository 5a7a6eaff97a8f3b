// Package runtime implements the workflow scheduler: it materializes planner
// DAGs as persisted steps, drives the polling loop that claims and dispatches
// ready steps, and executes callback-validated steps against an isolation
// session and an agent executor.
package runtime

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/hexafield/hyperagent/internal/common/errors"
	"github.com/hexafield/hyperagent/internal/common/logger"
	"github.com/hexafield/hyperagent/internal/events/bus"
	"github.com/hexafield/hyperagent/internal/executor"
	"github.com/hexafield/hyperagent/internal/policy"
	"github.com/hexafield/hyperagent/internal/pullrequest"
	"github.com/hexafield/hyperagent/internal/runner"
	"github.com/hexafield/hyperagent/internal/session"
	"github.com/hexafield/hyperagent/internal/store"
	v1 "github.com/hexafield/hyperagent/pkg/api/v1"
)

// Config holds runtime tunables.
type Config struct {
	PollInterval    time.Duration
	Limit           int
	MaxAttempts     int
	StuckThreshold  time.Duration
	LeaseWaitWindow time.Duration
	CallbackBaseURL string
	CallbackToken   string
	WorkflowUserID  string
	BranchPrefix    string
	SessionAuthor   session.Author
	FetchFirst      bool
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Limit <= 0 {
		c.Limit = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 15 * time.Minute
	}
	if c.LeaseWaitWindow <= 0 {
		c.LeaseWaitWindow = 2 * time.Second
	}
	if c.WorkflowUserID == "" {
		c.WorkflowUserID = "workflow-bot"
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "wf-"
	}
}

// Options wires the runtime's collaborators. Sessions, PRs, Registry, and Bus
// are optional; Policy defaults to allow-all.
type Options struct {
	Store    *store.Store
	Gateway  runner.Gateway
	Executor executor.AgentExecutor
	Registry *executor.Registry
	Sessions *session.Provider
	PRs      *pullrequest.Service
	Policy   policy.Hook
	Bus      bus.EventBus
	Logger   *logger.Logger
	Config   Config
}

// Runtime is the workflow scheduler.
type Runtime struct {
	store    *store.Store
	gateway  runner.Gateway
	registry *executor.Registry
	sessions *session.Provider
	prs      *pullrequest.Service
	policy   policy.Hook
	bus      bus.EventBus
	logger   *logger.Logger
	cfg      Config

	// backoffFn computes the enqueue retry delay; overridable in tests.
	backoffFn func(attempt int) time.Duration

	worker *worker
}

// New creates a runtime.
func New(opts Options) *Runtime {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	cfg := opts.Config
	cfg.applyDefaults()

	registry := opts.Registry
	if registry == nil {
		registry = executor.NewRegistry(opts.Executor)
	}

	pol := opts.Policy
	if pol == nil {
		pol = policy.AllowAll{}
	}

	r := &Runtime{
		store:     opts.Store,
		gateway:   opts.Gateway,
		registry:  registry,
		sessions:  opts.Sessions,
		prs:       opts.PRs,
		policy:    pol,
		bus:       opts.Bus,
		logger:    log.WithFields(zap.String("component", "workflow-runtime")),
		cfg:       cfg,
		backoffFn: backoff,
	}
	r.worker = newWorker(r)
	return r
}

// CreateWorkflowInput carries the inputs for materializing a planner run.
type CreateWorkflowInput struct {
	ProjectID  string
	PlannerRun *v1.PlannerRun
}

// CreateWorkflowFromPlan validates the planner DAG and inserts one workflow
// plus one step per task. Nothing is persisted on validation failure.
func (r *Runtime) CreateWorkflowFromPlan(ctx context.Context, in CreateWorkflowInput) (*store.Workflow, error) {
	if _, err := r.store.GetProject(ctx, in.ProjectID); err != nil {
		return nil, err
	}
	if err := validatePlan(in.PlannerRun); err != nil {
		return nil, err
	}

	run := in.PlannerRun
	wf := &store.Workflow{
		ProjectID:    in.ProjectID,
		PlannerRunID: run.ID,
		Kind:         run.Kind,
		Status:       store.WorkflowPending,
		Data:         store.JSONMap(run.Data),
	}
	// The workflow id seeds the step ids, so it must exist before the steps.
	wf.ID = newWorkflowID()

	now := time.Now().UTC()
	steps := make([]*store.WorkflowStep, 0, len(run.Tasks))
	for i, task := range run.Tasks {
		data := store.JSONMap{
			"title":        task.Title,
			"instructions": task.Instructions,
		}
		if task.AgentType != "" {
			data["agentType"] = task.AgentType
		}
		for k, v := range task.Metadata {
			if _, reserved := data[k]; !reserved {
				data[k] = v
			}
		}
		readyAt := now
		steps = append(steps, &store.WorkflowStep{
			ID:        store.StepID(wf.ID, task.ID),
			TaskID:    task.ID,
			Status:    store.StepPending,
			Sequence:  i + 1,
			DependsOn: qualifyDeps(wf.ID, task.DependsOn),
			Data:      data,
			ReadyAt:   &readyAt,
		})
	}

	if err := r.store.CreateWorkflow(ctx, wf, steps); err != nil {
		return nil, err
	}

	r.logger.Info("created workflow from plan",
		zap.String("workflow_id", wf.ID),
		zap.String("planner_run_id", run.ID),
		zap.Int("steps", len(steps)))

	return wf, nil
}

// StartWorkflow moves a workflow into running so its steps become claimable.
func (r *Runtime) StartWorkflow(ctx context.Context, id string) error {
	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	switch wf.Status {
	case store.WorkflowPending, store.WorkflowPaused:
		return r.store.UpdateWorkflowStatus(ctx, id, store.WorkflowRunning)
	case store.WorkflowRunning:
		return nil
	default:
		return apperrors.Conflict("workflow is " + string(wf.Status))
	}
}

// PauseWorkflow stops further step claims without touching in-flight steps.
func (r *Runtime) PauseWorkflow(ctx context.Context, id string) error {
	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	switch wf.Status {
	case store.WorkflowRunning, store.WorkflowPending:
		return r.store.UpdateWorkflowStatus(ctx, id, store.WorkflowPaused)
	case store.WorkflowPaused:
		return nil
	default:
		return apperrors.Conflict("workflow is " + string(wf.Status))
	}
}

// CancelWorkflow marks a workflow cancelled. In-flight steps finish normally;
// steps still pending are finalized to skipped on their next execution
// attempt. Cancelling a cancelled workflow is a no-op.
func (r *Runtime) CancelWorkflow(ctx context.Context, id string) error {
	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status == store.WorkflowCancelled {
		return nil
	}
	if wf.Status == store.WorkflowCompleted || wf.Status == store.WorkflowFailed {
		return apperrors.Conflict("workflow is " + string(wf.Status))
	}
	return r.store.UpdateWorkflowStatus(ctx, id, store.WorkflowCancelled)
}

// WorkflowDetail aggregates a workflow snapshot.
type WorkflowDetail struct {
	Workflow  *store.Workflow       `json:"workflow"`
	Steps     []*store.WorkflowStep `json:"steps"`
	AgentRuns []*store.AgentRun     `json:"agentRuns"`
}

// GetWorkflowDetail returns a stale-but-consistent snapshot of a workflow.
// When the primary read fails with a retryable store error, the call falls
// back to a read-only re-open of the store and returns the newer snapshot.
func (r *Runtime) GetWorkflowDetail(ctx context.Context, id string) (*WorkflowDetail, error) {
	detail, err := r.readDetail(ctx, r.store, id)
	if err == nil {
		return detail, nil
	}
	if !apperrors.IsRetryableRead(err) || r.store.Path() == "" {
		return nil, err
	}

	if cpErr := r.store.Checkpoint(ctx); cpErr != nil {
		r.logger.Debug("checkpoint before snapshot fallback failed", zap.Error(cpErr))
	}
	ro, roErr := store.OpenReadOnly(r.store.Path())
	if roErr != nil {
		return nil, err
	}
	defer func() { _ = ro.Close() }()

	fallback, fbErr := r.readDetail(ctx, ro, id)
	if fbErr != nil {
		return nil, err
	}
	return fallback, nil
}

func (r *Runtime) readDetail(ctx context.Context, s *store.Store, id string) (*WorkflowDetail, error) {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	runs, err := s.ListAgentRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	return &WorkflowDetail{Workflow: wf, Steps: steps, AgentRuns: runs}, nil
}

// ListWorkflows returns workflows newest first, optionally scoped to a project.
func (r *Runtime) ListWorkflows(ctx context.Context, projectID string) ([]*store.Workflow, error) {
	return r.store.ListWorkflows(ctx, projectID)
}

// ListRunnerEvents returns telemetry for a workflow.
func (r *Runtime) ListRunnerEvents(ctx context.Context, workflowID, stepID string) ([]*store.RunnerEvent, error) {
	return r.store.ListRunnerEvents(ctx, workflowID, stepID)
}

// GetQueueMetrics reports queue depth and staleness. Steps in running whose
// last update is older than the stuck threshold are surfaced for operators;
// they are never reclaimed automatically.
func (r *Runtime) GetQueueMetrics(ctx context.Context) (store.QueueMetrics, error) {
	return r.store.QueueMetrics(ctx, time.Now(), r.cfg.StuckThreshold)
}

// StartWorker starts the polling loop. Idempotent.
func (r *Runtime) StartWorker() {
	r.worker.Start()
}

// StopWorker signals the polling loop to stop and waits for the current
// iteration to complete. Idempotent.
func (r *Runtime) StopWorker() {
	r.worker.Stop()
}

// reconcileWorkflow derives workflow status after a terminal step transition:
// all steps completed -> completed; any failed -> failed; otherwise unchanged.
// Skipped steps never satisfy the all-completed clause.
func (r *Runtime) reconcileWorkflow(ctx context.Context, workflowID string) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		r.logger.Warn("reconciliation read failed", zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}
	if wf.Status.Terminal() {
		return
	}
	counts, err := r.store.StepCounts(ctx, workflowID)
	if err != nil {
		r.logger.Warn("reconciliation count failed", zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}

	var next store.WorkflowStatus
	switch {
	case counts.AllCompleted():
		next = store.WorkflowCompleted
	case counts.Failed > 0:
		next = store.WorkflowFailed
	default:
		return
	}
	if err := r.store.UpdateWorkflowStatus(ctx, workflowID, next); err != nil {
		r.logger.Warn("reconciliation write failed", zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}
	r.logger.Info("workflow reconciled",
		zap.String("workflow_id", workflowID),
		zap.String("status", string(next)))
}

// qualifyDeps converts planner task ids into canonical step ids.
func qualifyDeps(workflowID string, deps []string) store.StringList {
	if len(deps) == 0 {
		return nil
	}
	out := make(store.StringList, 0, len(deps))
	for _, dep := range deps {
		out = append(out, store.StepID(workflowID, dep))
	}
	return out
}

// slug reduces a workflow id to a short branch-safe token.
func slug(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 8 {
			break
		}
	}
	if b.Len() == 0 {
		return "workflow"
	}
	return b.String()
}
