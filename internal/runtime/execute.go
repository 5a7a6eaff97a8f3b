package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/hexafield/hyperagent/internal/common/errors"
	"github.com/hexafield/hyperagent/internal/executor"
	"github.com/hexafield/hyperagent/internal/policy"
	"github.com/hexafield/hyperagent/internal/pullrequest"
	"github.com/hexafield/hyperagent/internal/session"
	"github.com/hexafield/hyperagent/internal/store"
)

const (
	metaDirName     = ".hyperagent"
	workflowLogsDir = "workflow-logs"
	leasePollPeriod = 100 * time.Millisecond
	outcomeApproved = "approved"
)

// RunStepRequest identifies the claim a sandbox wants to execute.
type RunStepRequest struct {
	WorkflowID       string
	StepID           string
	RunnerInstanceID string
}

// StepOutcome reports the terminal state of an executed step.
type StepOutcome struct {
	Status store.StepStatus `json:"status"`
	Result store.JSONMap    `json:"result,omitempty"`
}

// RunStepByID is the only path that performs real work. It reconciles the
// requesting lease with stored state, then runs the execution pipeline under
// the validated lease.
func (r *Runtime) RunStepByID(ctx context.Context, req RunStepRequest) (*StepOutcome, error) {
	if req.WorkflowID == "" || req.StepID == "" || req.RunnerInstanceID == "" {
		return nil, apperrors.BadRequest("workflow id, step id, and runner instance id are required")
	}

	step, err := r.reconcileLease(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome, err := r.executeStep(ctx, step, req)
	r.reconcileWorkflow(ctx, step.WorkflowID)
	return outcome, err
}

// reconcileLease validates the caller's lease, waiting briefly for the poll
// loop to finish assigning an instance id. As a targeted self-heal, a step
// observed pending with no instance id (or exactly ours) is transitioned to
// running under our lease.
func (r *Runtime) reconcileLease(ctx context.Context, req RunStepRequest) (*store.WorkflowStep, error) {
	deadline := time.Now().Add(r.cfg.LeaseWaitWindow)

	for {
		step, err := r.store.GetStep(ctx, req.StepID)
		if err != nil {
			return nil, err
		}
		if step.WorkflowID != req.WorkflowID {
			return nil, apperrors.WrongWorkflow(req.StepID, req.WorkflowID)
		}
		if step.Status.Terminal() {
			return nil, apperrors.StepNotRunning(req.StepID, string(step.Status))
		}

		if step.Status == store.StepRunning && step.RunnerInstanceID != nil {
			if *step.RunnerInstanceID == req.RunnerInstanceID {
				return step, nil
			}
			// A different lease holds the step. It will not become ours;
			// keep polling only until the window closes.
		}

		if step.Status == store.StepPending &&
			(step.RunnerInstanceID == nil || *step.RunnerInstanceID == req.RunnerInstanceID) {
			ok, err := r.store.TakeOverStepLease(ctx, req.StepID, req.RunnerInstanceID)
			if err != nil {
				return nil, err
			}
			if ok {
				r.logger.Info("callback self-healed pending step",
					zap.String("step_id", req.StepID),
					zap.String("runner_instance_id", req.RunnerInstanceID))
				continue
			}
		}

		if time.Now().After(deadline) {
			if step.Status == store.StepRunning && step.RunnerInstanceID == nil {
				return nil, apperrors.NoLease(req.StepID)
			}
			return nil, apperrors.LeaseMismatch(req.StepID)
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.LeaseMismatch(req.StepID)
		case <-time.After(leasePollPeriod):
		}
	}
}

// execState accumulates pipeline products so the failure path can persist
// whatever was already produced.
type execState struct {
	step       *store.WorkflowStep
	workflow   *store.Workflow
	project    *store.Project
	branch     string
	baseBranch string
	audit      store.JSONMap
	agentRunID string
	sess       *session.Session
	workspace  *session.Workspace
	logsPath   string
	provenance string
}

// executeStep runs the execution pipeline under a validated lease.
func (r *Runtime) executeStep(ctx context.Context, step *store.WorkflowStep, req RunStepRequest) (*StepOutcome, error) {
	runnerID := req.RunnerInstanceID
	r.emitEvent(ctx, step.WorkflowID, step.ID, store.EventTypeExecute, store.EventStatusStarted,
		&runnerID, step.RunnerAttempts, step.UpdatedAt, nil)

	st := &execState{step: step}

	wf, err := r.store.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return r.failStep(ctx, st, req, fmt.Sprintf("failed to load workflow: %v", err)), err
	}
	st.workflow = wf

	// Cancellation is observed lazily: a step still pending when the workflow
	// became cancelled is finalized to skipped here, on its execution attempt.
	if wf.Status == store.WorkflowCancelled {
		result := store.JSONMap{"skipped": "workflow cancelled"}
		if err := r.store.FinalizeStep(ctx, step.ID, store.StepSkipped, result); err != nil {
			r.logger.Error("failed to skip cancelled step", zap.String("step_id", step.ID), zap.Error(err))
		}
		r.emitEvent(ctx, step.WorkflowID, step.ID, store.EventTypeExecute, store.EventStatusSkipped,
			&runnerID, step.RunnerAttempts, step.UpdatedAt, nil)
		return &StepOutcome{Status: store.StepSkipped, Result: result}, nil
	}
	if wf.Status != store.WorkflowRunning {
		return r.failStep(ctx, st, req, fmt.Sprintf("workflow is %s, not running", wf.Status)), nil
	}

	project, err := r.store.GetProject(ctx, wf.ProjectID)
	if err != nil {
		return r.failStep(ctx, st, req, fmt.Sprintf("failed to load project: %v", err)), err
	}
	st.project = project
	st.branch, st.baseBranch = r.resolveBranches(wf, step, project)

	// Policy gate. Evaluation errors are step failures; denial short-circuits
	// with the audit entry in the step result.
	decision, policyErr := r.policy.AuthorizeStep(ctx, policy.Input{
		Workflow:   wf,
		Project:    project,
		Step:       step,
		Branch:     st.branch,
		BaseBranch: st.baseBranch,
	})
	if policyErr != nil {
		st.audit = store.JSONMap(policy.Audit(runnerID, policy.Decision{Allowed: false, Reason: policyErr.Error()}))
		return r.failStep(ctx, st, req, fmt.Sprintf("policy evaluation failed: %v", policyErr)), nil
	}
	st.audit = store.JSONMap(policy.Audit(runnerID, decision))
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "step rejected by policy"
		}
		return r.failStep(ctx, st, req, reason), nil
	}

	agentType := step.Data.GetString("agentType")
	run := &store.AgentRun{
		WorkflowStepID: step.ID,
		ProjectID:      project.ID,
		Branch:         st.branch,
		AgentType:      agentType,
		Status:         store.AgentRunRunning,
	}
	if err := r.store.CreateAgentRun(ctx, run); err != nil {
		return r.failStep(ctx, st, req, fmt.Sprintf("failed to create agent run: %v", err)), err
	}
	st.agentRunID = run.ID

	// Isolation session, when the project has a VCS checkout.
	if r.sessions != nil {
		sess, err := r.sessions.Start(ctx, session.StartRequest{
			RepoPath:   project.RepoPath,
			Branch:     st.branch,
			BaseBranch: st.baseBranch,
			Author:     r.cfg.SessionAuthor,
			FetchFirst: r.cfg.FetchFirst,
		})
		switch {
		case err == nil:
			st.sess = sess
			ws := sess.Workspace()
			st.workspace = &ws
		case isNoVCS(err):
			r.logger.Debug("project has no VCS checkout, executing without isolation session",
				zap.String("project_id", project.ID))
		default:
			appErr := apperrors.SessionFailed("failed to open isolation session", err)
			return r.failStep(ctx, st, req, appErr.Error()), appErr
		}
	}

	result, execErr := r.registry.Resolve(agentType).Execute(ctx, executor.Args{
		Project:   project,
		Workflow:  wf,
		Step:      step,
		Workspace: st.workspace,
		Session:   st.sess,
	})

	// Artifacts the executor wrote under the workspace meta directory are
	// synced back into the repository root's meta directory either way.
	r.syncMetaDir(st)

	if execErr != nil {
		if st.sess != nil {
			st.sess.Abort(ctx)
		}
		appErr := apperrors.ExecutorFailed("agent executor failed", execErr)
		return r.failStep(ctx, st, req, appErr.Error()), appErr
	}
	if result == nil {
		result = &executor.Result{}
	}
	st.logsPath = result.LogsPath

	outcome := result.AgentOutcome()
	rejected := outcome != "" && outcome != outcomeApproved

	var commit *session.CommitResult
	if st.sess != nil {
		if rejected || result.SkipCommit {
			// Worktree removed, branch left for inspection.
			st.sess.Abort(ctx)
		} else {
			message := result.CommitMessage
			if message == "" {
				message = defaultCommitMessage(wf, step)
			}
			var commitErr error
			commit, commitErr = st.sess.Finish(ctx, message)
			if commitErr != nil {
				appErr := apperrors.SessionFailed("failed to commit session", commitErr)
				return r.failStep(ctx, st, req, appErr.Error()), appErr
			}
		}
	}

	if rejected {
		reason := fmt.Sprintf("agent reported outcome '%s'", outcome)
		return r.failStepWithBase(ctx, st, req, result.StepResult, reason), nil
	}

	var pr *pullrequest.PullRequest
	if commit != nil && r.prs != nil {
		opened, err := r.prs.Open(ctx, pullrequest.OpenRequest{
			ProjectID:    project.ID,
			Title:        commit.Message,
			Description:  summaryOf(result.StepResult),
			SourceBranch: commit.Branch,
			TargetBranch: st.baseBranch,
			AuthorUserID: r.cfg.WorkflowUserID,
		})
		if err != nil {
			appErr := apperrors.Wrap(err, "failed to open pull request")
			return r.failStep(ctx, st, req, appErr.Error()), appErr
		}
		pr = opened
	}

	commitHash := ""
	if commit != nil {
		commitHash = commit.CommitHash
	}
	st.provenance = r.writeProvenance(st, commitHash)

	merged := mergeResult(result.StepResult, st, commit, pr)
	if err := r.store.FinalizeStep(ctx, step.ID, store.StepCompleted, merged); err != nil {
		return nil, err
	}
	r.finishAgentRun(ctx, st, store.AgentRunSucceeded)
	r.emitEvent(ctx, step.WorkflowID, step.ID, store.EventTypeExecute, store.EventStatusCompleted,
		&runnerID, step.RunnerAttempts, step.UpdatedAt, nil)

	r.logger.Info("step completed",
		zap.String("step_id", step.ID),
		zap.String("branch", st.branch),
		zap.String("commit", commitHash))

	return &StepOutcome{Status: store.StepCompleted, Result: merged}, nil
}

// failStep finalizes the step as failed with an error-only base result.
func (r *Runtime) failStep(ctx context.Context, st *execState, req RunStepRequest, reason string) *StepOutcome {
	return r.failStepWithBase(ctx, st, req, nil, reason)
}

// failStepWithBase finalizes the step as failed, merging whatever the
// pipeline already produced over the executor's base payload. The session is
// cleaned up best-effort; the branch survives for inspection.
func (r *Runtime) failStepWithBase(
	ctx context.Context,
	st *execState,
	req RunStepRequest,
	base map[string]any,
	reason string,
) *StepOutcome {
	if st.sess != nil {
		r.syncMetaDir(st)
		st.sess.Abort(ctx)
	}
	if st.provenance == "" && st.project != nil && st.agentRunID != "" {
		st.provenance = r.writeProvenance(st, "")
	}

	merged := store.JSONMap{}
	for k, v := range base {
		merged[k] = v
	}
	merged["error"] = reason
	if st.provenance != "" {
		merged["provenance"] = map[string]any{"logsPath": st.provenance}
	}
	if st.audit != nil {
		merged["policyAudit"] = map[string]any(st.audit)
	}

	if err := r.store.FinalizeStep(ctx, st.step.ID, store.StepFailed, merged); err != nil {
		r.logger.Error("failed to finalize failed step",
			zap.String("step_id", st.step.ID),
			zap.Error(err))
	}
	r.finishAgentRun(ctx, st, store.AgentRunFailed)

	runnerID := req.RunnerInstanceID
	r.emitEvent(ctx, st.step.WorkflowID, st.step.ID, store.EventTypeExecute, store.EventStatusFailed,
		&runnerID, st.step.RunnerAttempts, st.step.UpdatedAt, store.JSONMap{"error": reason})

	r.logger.Warn("step failed",
		zap.String("step_id", st.step.ID),
		zap.String("reason", reason))

	return &StepOutcome{Status: store.StepFailed, Result: merged}
}

func (r *Runtime) finishAgentRun(ctx context.Context, st *execState, status store.AgentRunStatus) {
	if st.agentRunID == "" {
		return
	}
	var logsPath *string
	if st.logsPath != "" {
		logsPath = &st.logsPath
	}
	if err := r.store.FinishAgentRun(ctx, st.agentRunID, status, logsPath); err != nil {
		r.logger.Warn("failed to finish agent run",
			zap.String("agent_run_id", st.agentRunID),
			zap.Error(err))
	}
}

// resolveBranches applies the branch resolution order: explicit step branch,
// workflow branch, generated name; base branch from workflow data, falling
// back to the project default.
func (r *Runtime) resolveBranches(wf *store.Workflow, step *store.WorkflowStep, project *store.Project) (string, string) {
	branch := step.Data.GetString("branch")
	if branch == "" {
		branch = wf.Data.GetString("branch")
	}
	if branch == "" {
		branch = fmt.Sprintf("%s%s-%d", r.cfg.BranchPrefix, slug(wf.ID), step.Sequence)
	}
	base := wf.Data.GetString("baseBranch")
	if base == "" {
		base = project.DefaultBranch
	}
	return branch, base
}

// syncMetaDir copies the workspace's meta directory back into the repository
// root's meta directory, preserving symlinks. Best-effort.
func (r *Runtime) syncMetaDir(st *execState) {
	if st.workspace == nil || st.project == nil {
		return
	}
	src := filepath.Join(st.workspace.WorkspacePath, metaDirName)
	if _, err := os.Stat(src); err != nil {
		return
	}
	dst := filepath.Join(st.project.RepoPath, metaDirName)
	if err := copyTree(src, dst); err != nil {
		r.logger.Warn("failed to sync workspace artifacts",
			zap.String("src", src),
			zap.String("dst", dst),
			zap.Error(err))
	}
}

// writeProvenance writes the provenance JSON for this execution and returns
// its path, or "" on failure.
func (r *Runtime) writeProvenance(st *execState, commitHash string) string {
	logsDir := filepath.Join(st.project.RepoPath, metaDirName, workflowLogsDir)
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		r.logger.Warn("failed to create provenance directory", zap.Error(err))
		return ""
	}

	workspacePath := ""
	if st.workspace != nil {
		workspacePath = st.workspace.WorkspacePath
	}
	record := map[string]any{
		"workflowId":     st.workflow.ID,
		"projectId":      st.project.ID,
		"stepId":         st.step.ID,
		"repositoryPath": st.project.RepoPath,
		"workspacePath":  workspacePath,
		"agentRunId":     st.agentRunID,
		"commitHash":     commitHash,
		"createdAt":      time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		r.logger.Warn("failed to marshal provenance record", zap.Error(err))
		return ""
	}

	name := fmt.Sprintf("workflow-%d-%s.json", time.Now().UnixMilli(), uuid.New().String()[:8])
	path := filepath.Join(logsDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.Warn("failed to write provenance record", zap.Error(err))
		return ""
	}
	return path
}

// mergeResult layers the runtime's projections over the executor payload.
func mergeResult(
	base map[string]any,
	st *execState,
	commit *session.CommitResult,
	pr *pullrequest.PullRequest,
) store.JSONMap {
	merged := store.JSONMap{}
	for k, v := range base {
		merged[k] = v
	}
	if st.workspace != nil {
		merged["workspace"] = map[string]any{
			"workspacePath": st.workspace.WorkspacePath,
			"branch":        st.workspace.BranchName,
			"baseBranch":    st.workspace.BaseBranch,
		}
	}
	if commit != nil {
		merged["commit"] = map[string]any{
			"branch":       commit.Branch,
			"commitHash":   commit.CommitHash,
			"message":      commit.Message,
			"changedFiles": commit.ChangedFiles,
		}
	}
	if pr != nil {
		merged["pullRequest"] = map[string]any{"id": pr.ID}
	}
	if st.provenance != "" {
		merged["provenance"] = map[string]any{"logsPath": st.provenance}
	}
	if st.audit != nil {
		merged["policyAudit"] = map[string]any(st.audit)
	}
	return merged
}

func defaultCommitMessage(wf *store.Workflow, step *store.WorkflowStep) string {
	kind := wf.Kind
	if kind == "" {
		kind = "workflow"
	}
	title := step.Title()
	if title == "" {
		title = step.ID
	}
	return fmt.Sprintf("%s: %s", kind, title)
}

func summaryOf(result map[string]any) string {
	if result == nil {
		return ""
	}
	summary, _ := result["summary"].(string)
	return summary
}

func isNoVCS(err error) bool {
	return errors.Is(err, session.ErrRepoNotGit)
}

// copyTree copies src into dst recursively, preserving symlinks.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
