// Package executor defines the boundary between the workflow runtime and the
// agent loop that performs a step's actual work.
package executor

import (
	"context"

	"github.com/hexafield/hyperagent/internal/session"
	"github.com/hexafield/hyperagent/internal/store"
)

// Args carries everything an executor may read while performing a step.
// Workspace and Session are nil when the project has no VCS checkout.
type Args struct {
	Project   *store.Project
	Workflow  *store.Workflow
	Step      *store.WorkflowStep
	Workspace *session.Workspace
	Session   *session.Session
}

// Result is the executor's report back to the runtime.
type Result struct {
	// StepResult is the user payload merged into the step result. When
	// StepResult["agent"].outcome is present and not "approved", the step
	// is classified as failed.
	StepResult map[string]any
	// LogsPath optionally points at the executor's log artifact.
	LogsPath string
	// CommitMessage overrides the default "<workflowKind>: <stepTitle>".
	CommitMessage string
	// SkipCommit requests that the session be aborted instead of committed.
	// On its own it marks a successful no-op step.
	SkipCommit bool
}

// AgentOutcome extracts the agent.outcome projection from a step result.
func (r *Result) AgentOutcome() string {
	if r == nil || r.StepResult == nil {
		return ""
	}
	agent, _ := r.StepResult["agent"].(map[string]any)
	if agent == nil {
		return ""
	}
	outcome, _ := agent["outcome"].(string)
	return outcome
}

// AgentExecutor performs the work of one claimed step.
type AgentExecutor interface {
	Execute(ctx context.Context, args Args) (*Result, error)
}

// Func adapts a function to the AgentExecutor interface.
type Func func(ctx context.Context, args Args) (*Result, error)

// Execute implements AgentExecutor.
func (f Func) Execute(ctx context.Context, args Args) (*Result, error) {
	return f(ctx, args)
}
