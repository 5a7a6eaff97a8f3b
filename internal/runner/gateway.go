// Package runner hands claimed steps to out-of-process execution sandboxes.
// The gateway never executes a step itself: it schedules a sandbox which
// re-enters the runtime through the callback endpoint.
package runner

import (
	"context"
	"fmt"
	"path/filepath"
)

// Environment variable names recognised by the sandbox entry point.
const (
	EnvWorkflowID      = "WORKFLOW_ID"
	EnvStepID          = "WORKFLOW_STEP_ID"
	EnvRunnerID        = "WORKFLOW_RUNNER_ID"
	EnvRepoPath        = "WORKFLOW_REPO_PATH"
	EnvDBPath          = "WORKFLOW_DB_PATH"
	EnvCallbackBaseURL = "WORKFLOW_CALLBACK_BASE_URL"
	EnvCallbackToken   = "WORKFLOW_CALLBACK_TOKEN"
	EnvAgentProvider   = "WORKFLOW_AGENT_PROVIDER"
	EnvAgentModel      = "WORKFLOW_AGENT_MODEL"
	EnvAgentMaxRounds  = "WORKFLOW_AGENT_MAX_ROUNDS"
	EnvAuthorName      = "WORKFLOW_AUTHOR_NAME"
	EnvAuthorEmail     = "WORKFLOW_AUTHOR_EMAIL"
	EnvRunnerMounts    = "WORKFLOW_RUNNER_MOUNTS"
)

// TokenHeader is the callback token header name.
const TokenHeader = "X-Workflow-Runner-Token"

// Mount describes an extra bind mount for a sandbox.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

// CallbackConfig tells a sandbox how to re-enter the runtime.
type CallbackConfig struct {
	BaseURL     string
	TokenHeader string
	Token       string
}

// EnqueuePayload carries one step claim to a sandbox.
type EnqueuePayload struct {
	WorkflowID       string
	StepID           string
	RunnerInstanceID string
	// RepositoryPath is the absolute path of the project repository,
	// mounted read-write into the sandbox.
	RepositoryPath string
	// PersistencePath is the absolute path of the durable store file; its
	// parent directory is mounted read-write so the sandbox can re-open it.
	PersistencePath string
	Callback        CallbackConfig
	AgentType       string
	ExtraEnv        []string
	ExtraMounts     []Mount
}

// Validate checks the payload invariants shared by all gateway implementations.
func (p EnqueuePayload) Validate() error {
	if p.WorkflowID == "" || p.StepID == "" || p.RunnerInstanceID == "" {
		return fmt.Errorf("workflow id, step id, and runner instance id are required")
	}
	if !filepath.IsAbs(p.RepositoryPath) {
		return fmt.Errorf("repository path must be absolute: %s", p.RepositoryPath)
	}
	if p.PersistencePath != "" && !filepath.IsAbs(p.PersistencePath) {
		return fmt.Errorf("persistence path must be absolute: %s", p.PersistencePath)
	}
	if p.Callback.BaseURL == "" {
		return fmt.Errorf("callback base url is required")
	}
	return nil
}

// CallbackURL builds the callback endpoint URL for this claim.
func (p EnqueuePayload) CallbackURL() string {
	return fmt.Sprintf("%s/workflows/%s/steps/%s/callback",
		p.Callback.BaseURL, p.WorkflowID, p.StepID)
}

// Gateway schedules a sandbox for a claimed step. Enqueue returns success only
// once the sandbox has been scheduled; it never waits for step completion.
type Gateway interface {
	Enqueue(ctx context.Context, payload EnqueuePayload) error
}
