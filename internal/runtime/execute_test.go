package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/hexafield/hyperagent/internal/common/errors"
	"github.com/hexafield/hyperagent/internal/executor"
	"github.com/hexafield/hyperagent/internal/policy"
	"github.com/hexafield/hyperagent/internal/pullrequest"
	"github.com/hexafield/hyperagent/internal/store"
)

var commitHashRe = regexp.MustCompile(`^[0-9a-f]{6,}$`)

// TestApprovedStepProducesCommitAndPR drives the full pipeline: the executor
// writes a file into the workspace, approves the outcome, and the runtime
// commits the session, opens a PR, and writes provenance.
func TestApprovedStepProducesCommitAndPR(t *testing.T) {
	env := newTestEnv(t, true, withExecutor(func(ctx context.Context, args executor.Args) (*executor.Result, error) {
		require.NotNil(t, args.Workspace)
		path := filepath.Join(args.Workspace.WorkspacePath, "AGENTIC_RESULT.md")
		if err := os.WriteFile(path, []byte("done\n"), 0o644); err != nil {
			return nil, err
		}
		return &executor.Result{
			StepResult:    map[string]any{"summary": "ok", "agent": map[string]any{"outcome": "approved"}},
			CommitMessage: "e2e: Demo",
		}, nil
	}))

	wf := env.createAndStart(t, singleTaskPlan("P1", "Demo"))

	env.rt.StartWorker()
	defer env.rt.StopWorker()

	env.waitForWorkflow(t, wf.ID, store.WorkflowCompleted)

	ctx := context.Background()
	steps, err := env.store.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	step := steps[0]
	require.Equal(t, store.StepCompleted, step.Status)

	commit, ok := step.Result["commit"].(map[string]any)
	require.True(t, ok, "result missing commit: %v", step.Result)
	expectedBranch := fmt.Sprintf("wf-%s-1", slug(wf.ID))
	assert.Equal(t, expectedBranch, commit["branch"])
	hash, _ := commit["commitHash"].(string)
	assert.Regexp(t, commitHashRe, hash)
	assert.Equal(t, "e2e: Demo", commit["message"])

	// Provenance follows commit: the referenced file exists and parses as
	// JSON with matching identifiers.
	provenance, ok := step.Result["provenance"].(map[string]any)
	require.True(t, ok)
	logsPath, _ := provenance["logsPath"].(string)
	require.NotEmpty(t, logsPath)
	data, err := os.ReadFile(logsPath)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, wf.ID, record["workflowId"])
	assert.Equal(t, step.ID, record["stepId"])
	assert.Equal(t, hash, record["commitHash"])

	// PR linkage: sourceBranch matches the commit branch.
	prRef, ok := step.Result["pullRequest"].(map[string]any)
	require.True(t, ok)
	prID, _ := prRef["id"].(string)
	require.NotEmpty(t, prID)
	pr, err := env.prs.Get(ctx, prID)
	require.NoError(t, err)
	assert.Equal(t, expectedBranch, pr.SourceBranch)
	assert.Equal(t, "main", pr.TargetBranch)
	assert.Equal(t, pullrequest.StatusOpen, pr.Status)

	events, err := env.prs.ListEvents(ctx, prID)
	require.NoError(t, err)
	var opened, commitAdded int
	for _, ev := range events {
		switch ev.Kind {
		case pullrequest.EventOpened:
			opened++
		case pullrequest.EventCommitAdded:
			commitAdded++
		}
	}
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, commitAdded)

	// The agent run succeeded.
	runs, err := env.store.ListAgentRuns(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.AgentRunSucceeded, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)
}

// TestRejectedOutcomeFailsStep covers the verifier-rejection path: no commit,
// no PR, step and workflow failed, agent run failed.
func TestRejectedOutcomeFailsStep(t *testing.T) {
	env := newTestEnv(t, true, withExecutor(func(ctx context.Context, args executor.Args) (*executor.Result, error) {
		return &executor.Result{
			StepResult: map[string]any{"agent": map[string]any{"outcome": "failed", "reason": "rejected"}},
			SkipCommit: true,
		}, nil
	}))

	wf := env.createAndStart(t, singleTaskPlan("P2", "Demo"))

	env.rt.StartWorker()
	defer env.rt.StopWorker()

	env.waitForWorkflow(t, wf.ID, store.WorkflowFailed)

	ctx := context.Background()
	steps, err := env.store.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	step := steps[0]
	assert.Equal(t, store.StepFailed, step.Status)
	assert.Contains(t, step.Result.GetString("error"), "failed")
	_, hasPR := step.Result["pullRequest"]
	assert.False(t, hasPR)

	prs, err := env.prs.List(ctx, env.project.ID)
	require.NoError(t, err)
	assert.Empty(t, prs)

	runs, err := env.store.ListAgentRuns(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.AgentRunFailed, runs[0].Status)
}

// TestSkipCommitAloneIsSuccessfulNoOp: skipCommit without a failure marker is
// a successful no-op step.
func TestSkipCommitAloneIsSuccessfulNoOp(t *testing.T) {
	env := newTestEnv(t, true)

	wf := env.createAndStart(t, singleTaskPlan("P-noop", "NoOp"))

	env.rt.StartWorker()
	defer env.rt.StopWorker()

	env.waitForWorkflow(t, wf.ID, store.WorkflowCompleted)

	steps, err := env.store.ListSteps(context.Background(), wf.ID)
	require.NoError(t, err)
	step := steps[0]
	assert.Equal(t, store.StepCompleted, step.Status)
	_, hasCommit := step.Result["commit"]
	assert.False(t, hasCommit)
}

// TestLeaseMismatchRejected: a callback with the wrong runner instance id is
// rejected and mutates nothing.
func TestLeaseMismatchRejected(t *testing.T) {
	env := newTestEnv(t, false)
	env.gateway.deliver = false

	wf := env.createAndStart(t, singleTaskPlan("P3", "Lease"))

	ctx := context.Background()
	steps, err := env.store.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	stepID := steps[0].ID

	ok, err := env.store.ClaimStep(ctx, stepID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, env.store.AssignStepRunner(ctx, stepID, "winner-token"))

	_, err = env.rt.RunStepByID(ctx, RunStepRequest{
		WorkflowID:       wf.ID,
		StepID:           stepID,
		RunnerInstanceID: "loser-token",
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeLeaseMismatch))

	// Step state is untouched by the rejected callback.
	loaded, err := env.store.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, store.StepRunning, loaded.Status)
	require.NotNil(t, loaded.RunnerInstanceID)
	assert.Equal(t, "winner-token", *loaded.RunnerInstanceID)

	// The matching token executes normally.
	outcome, err := env.rt.RunStepByID(ctx, RunStepRequest{
		WorkflowID:       wf.ID,
		StepID:           stepID,
		RunnerInstanceID: "winner-token",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, outcome.Status)

	// Replays against the settled step are rejected.
	_, err = env.rt.RunStepByID(ctx, RunStepRequest{
		WorkflowID:       wf.ID,
		StepID:           stepID,
		RunnerInstanceID: "winner-token",
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStepNotRunning))
}

func TestRunStepUnknownStepAndWrongWorkflow(t *testing.T) {
	env := newTestEnv(t, false)
	env.gateway.deliver = false

	wf := env.createAndStart(t, singleTaskPlan("P-wrong", "Wrong"))
	steps, err := env.store.ListSteps(context.Background(), wf.ID)
	require.NoError(t, err)

	_, err = env.rt.RunStepByID(context.Background(), RunStepRequest{
		WorkflowID:       wf.ID,
		StepID:           "missing",
		RunnerInstanceID: "x",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	_, err = env.rt.RunStepByID(context.Background(), RunStepRequest{
		WorkflowID:       "other-workflow",
		StepID:           steps[0].ID,
		RunnerInstanceID: "x",
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeWrongWorkflow))
}

// TestCallbackSelfHealsPendingStep: a pending step with no lease observed by
// the callback is transitioned to running under the caller's lease.
func TestCallbackSelfHealsPendingStep(t *testing.T) {
	env := newTestEnv(t, false)
	env.gateway.deliver = false

	wf := env.createAndStart(t, singleTaskPlan("P-heal", "Heal"))
	steps, err := env.store.ListSteps(context.Background(), wf.ID)
	require.NoError(t, err)

	outcome, err := env.rt.RunStepByID(context.Background(), RunStepRequest{
		WorkflowID:       wf.ID,
		StepID:           steps[0].ID,
		RunnerInstanceID: "self-heal-token",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, outcome.Status)
}

// TestCancelledWorkflowSkipsPendingStep: a step claimed and leased before its
// workflow is cancelled is finalized to skipped when its callback runs, and the
// workflow stays cancelled.
func TestCancelledWorkflowSkipsPendingStep(t *testing.T) {
	env := newTestEnv(t, false)
	env.gateway.deliver = false

	wf := env.createAndStart(t, singleTaskPlan("P-cancel", "Cancel"))
	ctx := context.Background()
	steps, err := env.store.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	stepID := steps[0].ID

	ok, err := env.store.ClaimStep(ctx, stepID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, env.store.AssignStepRunner(ctx, stepID, "token"))
	require.NoError(t, env.rt.CancelWorkflow(ctx, wf.ID))

	outcome, err := env.rt.RunStepByID(ctx, RunStepRequest{
		WorkflowID:       wf.ID,
		StepID:           stepID,
		RunnerInstanceID: "token",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StepSkipped, outcome.Status)

	loaded, err := env.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	// Skipped steps never complete a workflow; cancelled is already terminal.
	assert.Equal(t, store.WorkflowCancelled, loaded.Status)
}

// TestPolicyDenialFailsStepWithAudit: a rejecting hook short-circuits
// execution with a policyAudit entry in the result.
func TestPolicyDenialFailsStepWithAudit(t *testing.T) {
	env := newTestEnv(t, false)
	env.gateway.deliver = false
	env.rt.policy = denyPolicy{reason: "branch is protected"}

	wf := env.createAndStart(t, singleTaskPlan("P-policy", "Policy"))
	ctx := context.Background()
	steps, err := env.store.ListSteps(ctx, wf.ID)
	require.NoError(t, err)

	outcome, err := env.rt.RunStepByID(ctx, RunStepRequest{
		WorkflowID:       wf.ID,
		StepID:           steps[0].ID,
		RunnerInstanceID: "policy-token",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, outcome.Status)
	assert.Equal(t, "branch is protected", outcome.Result.GetString("error"))

	audit, ok := outcome.Result["policyAudit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "denied", audit["decision"])
	assert.Equal(t, "policy-token", audit["runnerInstanceId"])

	// No agent run was created for a policy-rejected step.
	runs, err := env.store.ListAgentRuns(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// TestExecutorErrorFailsStep: a thrown executor error fails the step and the
// workflow, with exactly one failed execute event and no dead letter.
func TestExecutorErrorFailsStep(t *testing.T) {
	env := newTestEnv(t, true, withExecutor(func(ctx context.Context, args executor.Args) (*executor.Result, error) {
		return nil, fmt.Errorf("model exploded")
	}))

	wf := env.createAndStart(t, singleTaskPlan("P-err", "Boom"))

	env.rt.StartWorker()
	defer env.rt.StopWorker()

	env.waitForWorkflow(t, wf.ID, store.WorkflowFailed)

	ctx := context.Background()
	steps, err := env.store.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, steps[0].Status)
	assert.Contains(t, steps[0].Result.GetString("error"), "model exploded")

	letters, err := env.store.ListDeadLetters(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, letters, "only enqueue retries dead-letter")

	events, err := env.store.ListRunnerEvents(ctx, wf.ID, steps[0].ID)
	require.NoError(t, err)
	var executeFailed int
	for _, ev := range events {
		if ev.Type == store.EventTypeExecute && ev.Status == store.EventStatusFailed {
			executeFailed++
		}
	}
	assert.Equal(t, 1, executeFailed)
}

type denyPolicy struct {
	reason string
}

func (p denyPolicy) AuthorizeStep(ctx context.Context, in policy.Input) (policy.Decision, error) {
	return policy.Decision{Allowed: false, Reason: p.reason}, nil
}
