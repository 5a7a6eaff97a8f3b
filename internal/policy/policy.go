// Package policy provides pluggable pre-execution authorization for steps.
package policy

import (
	"context"
	"time"

	"github.com/hexafield/hyperagent/internal/store"
)

// Input carries the context a hook may inspect before a step executes.
type Input struct {
	Workflow   *store.Workflow
	Project    *store.Project
	Step       *store.WorkflowStep
	Branch     string
	BaseBranch string
}

// Decision is the hook's verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

// Hook authorizes a claimed step before any work happens. Evaluation errors
// are step failures.
type Hook interface {
	AuthorizeStep(ctx context.Context, in Input) (Decision, error)
}

// AllowAll is the default hook: every step is authorized.
type AllowAll struct{}

// AuthorizeStep implements Hook.
func (AllowAll) AuthorizeStep(ctx context.Context, in Input) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Audit builds the policyAudit entry recorded in the step result.
func Audit(runnerInstanceID string, d Decision) map[string]any {
	decision := "allowed"
	if !d.Allowed {
		decision = "denied"
	}
	return map[string]any{
		"runnerInstanceId": runnerInstanceID,
		"decision":         decision,
		"recordedAt":       time.Now().UTC().Format(time.RFC3339),
	}
}
