package runtime

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hexafield/hyperagent/internal/runner"
	"github.com/hexafield/hyperagent/internal/store"
)

const (
	backoffBaseMs = 2000
	backoffCapMs  = 60000
)

// worker drives the single cooperative polling loop. Each tick selects ready
// steps, claims them atomically, and dispatches successful claims through the
// runner gateway. Errors inside a tick are logged and never terminate the loop.
type worker struct {
	runtime *Runtime

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newWorker(r *Runtime) *worker {
	return &worker{runtime: r}
}

// Start begins the polling loop. Idempotent.
func (w *worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.loop(w.stopCh)

	w.runtime.logger.Info("workflow worker started",
		zap.Duration("poll_interval", w.runtime.cfg.PollInterval),
		zap.Int("limit", w.runtime.cfg.Limit))
}

// Stop signals termination and waits for the current tick to complete.
// Idempotent.
func (w *worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.runtime.logger.Info("workflow worker stopped")
}

func (w *worker) loop(stopCh chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.runtime.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.tick(context.Background())
		}
	}
}

// tick runs one scheduling iteration.
func (w *worker) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			w.runtime.logger.Error("worker tick panicked", zap.Any("panic", rec))
		}
	}()

	r := w.runtime
	candidates, err := r.store.ListReadySteps(ctx, r.cfg.Limit, time.Now())
	if err != nil {
		r.logger.Warn("ready-step selection failed", zap.Error(err))
		return
	}
	if len(candidates) == 0 {
		return
	}

	// Dependency completeness is checked against the current store, after
	// loading the candidate set: a sibling may have just failed.
	siblings := make(map[string]map[string]store.StepStatus)
	var claimed []*store.WorkflowStep
	for _, step := range candidates {
		ready, err := w.dependenciesCompleted(ctx, step, siblings)
		if err != nil {
			r.logger.Warn("dependency check failed",
				zap.String("step_id", step.ID),
				zap.Error(err))
			continue
		}
		if !ready {
			continue
		}
		ok, err := r.store.ClaimStep(ctx, step.ID)
		if err != nil {
			r.logger.Warn("claim failed", zap.String("step_id", step.ID), zap.Error(err))
			continue
		}
		if !ok {
			// Lost to another claimant or the step moved state.
			continue
		}
		claimed = append(claimed, step)
	}

	if len(claimed) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, step := range claimed {
		g.Go(func() error {
			w.dispatch(gctx, step.ID)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *worker) dependenciesCompleted(
	ctx context.Context,
	step *store.WorkflowStep,
	cache map[string]map[string]store.StepStatus,
) (bool, error) {
	if len(step.DependsOn) == 0 {
		return true, nil
	}
	statuses, ok := cache[step.WorkflowID]
	if !ok {
		all, err := w.runtime.store.ListSteps(ctx, step.WorkflowID)
		if err != nil {
			return false, err
		}
		statuses = make(map[string]store.StepStatus, len(all))
		for _, s := range all {
			statuses[s.ID] = s.Status
		}
		cache[step.WorkflowID] = statuses
	}
	for _, dep := range step.DependsOn {
		if statuses[dep] != store.StepCompleted {
			return false, nil
		}
	}
	return true, nil
}

// dispatch assigns a fresh lease to a claimed step and hands it to the
// gateway, retrying with back-off on enqueue failure.
func (w *worker) dispatch(ctx context.Context, stepID string) {
	r := w.runtime

	// Re-read after the claim: the step must still be running and unassigned.
	step, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		r.logger.Warn("dispatch read failed", zap.String("step_id", stepID), zap.Error(err))
		return
	}
	if step.Status != store.StepRunning || step.RunnerInstanceID != nil {
		r.logger.Debug("dispatch skipped: step moved state",
			zap.String("step_id", stepID),
			zap.String("status", string(step.Status)))
		return
	}

	runnerInstanceID := uuid.New().String()
	if err := r.store.AssignStepRunner(ctx, stepID, runnerInstanceID); err != nil {
		r.logger.Warn("lease assignment failed", zap.String("step_id", stepID), zap.Error(err))
		return
	}

	wf, err := r.store.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		r.logger.Warn("dispatch workflow read failed", zap.String("step_id", stepID), zap.Error(err))
		w.handleEnqueueFailure(ctx, step, runnerInstanceID, err)
		return
	}
	project, err := r.store.GetProject(ctx, wf.ProjectID)
	if err != nil {
		r.logger.Warn("dispatch project read failed", zap.String("step_id", stepID), zap.Error(err))
		w.handleEnqueueFailure(ctx, step, runnerInstanceID, err)
		return
	}

	payload := runner.EnqueuePayload{
		WorkflowID:       step.WorkflowID,
		StepID:           step.ID,
		RunnerInstanceID: runnerInstanceID,
		RepositoryPath:   project.RepoPath,
		PersistencePath:  r.store.Path(),
		AgentType:        step.Data.GetString("agentType"),
		Callback: runner.CallbackConfig{
			BaseURL:     r.cfg.CallbackBaseURL,
			TokenHeader: runner.TokenHeader,
			Token:       r.cfg.CallbackToken,
		},
	}

	enqueueStart := step.UpdatedAt
	err = r.gateway.Enqueue(ctx, payload)
	if err != nil {
		r.emitEvent(ctx, step.WorkflowID, step.ID, store.EventTypeEnqueue, store.EventStatusFailed,
			&runnerInstanceID, step.RunnerAttempts+1, enqueueStart, store.JSONMap{"error": err.Error()})
		w.handleEnqueueFailure(ctx, step, runnerInstanceID, err)
		return
	}

	r.emitEvent(ctx, step.WorkflowID, step.ID, store.EventTypeEnqueue, store.EventStatusSucceeded,
		&runnerInstanceID, step.RunnerAttempts, enqueueStart, nil)
	r.logger.Info("step enqueued",
		zap.String("step_id", step.ID),
		zap.String("runner_instance_id", runnerInstanceID))
}

// handleEnqueueFailure reverts the step for a bounded retry or dead-letters it.
func (w *worker) handleEnqueueFailure(ctx context.Context, step *store.WorkflowStep, runnerInstanceID string, cause error) {
	r := w.runtime
	attempts := step.RunnerAttempts + 1

	if attempts < r.cfg.MaxAttempts {
		readyAt := time.Now().Add(r.backoffFn(attempts))
		if err := r.store.ReleaseStepForRetry(ctx, step.ID, attempts, readyAt); err != nil {
			r.logger.Error("failed to release step for retry",
				zap.String("step_id", step.ID),
				zap.Error(err))
			return
		}
		r.logger.Warn("enqueue failed, retrying",
			zap.String("step_id", step.ID),
			zap.Int("attempts", attempts),
			zap.Time("ready_at", readyAt),
			zap.Error(cause))
		return
	}

	result := store.JSONMap{
		"error":    cause.Error(),
		"attempts": attempts,
		"detail":   fmt.Sprintf("runner enqueue failed after %d attempts", attempts),
	}
	if err := r.store.SetStepAttempts(ctx, step.ID, attempts); err != nil {
		r.logger.Warn("failed to record final attempts", zap.String("step_id", step.ID), zap.Error(err))
	}
	if err := r.store.FinalizeStep(ctx, step.ID, store.StepFailed, result); err != nil {
		r.logger.Error("failed to finalize dead-lettered step",
			zap.String("step_id", step.ID),
			zap.Error(err))
		return
	}
	if err := r.store.CreateDeadLetter(ctx, &store.DeadLetter{
		WorkflowID:       step.WorkflowID,
		StepID:           step.ID,
		RunnerInstanceID: &runnerInstanceID,
		Attempts:         attempts,
		Error:            cause.Error(),
	}); err != nil {
		r.logger.Error("failed to insert dead letter", zap.String("step_id", step.ID), zap.Error(err))
	}
	r.logger.Error("step dead-lettered after exhausted enqueue attempts",
		zap.String("step_id", step.ID),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	r.reconcileWorkflow(ctx, step.WorkflowID)
}

// backoff computes the retry delay for the nth enqueue attempt: exponential
// with jitter, capped at 60s.
func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := float64(backoffBaseMs)
	for i := 1; i < attempt; i++ {
		ms *= 2
	}
	ms *= 0.5 + rand.Float64()
	if ms > backoffCapMs {
		ms = backoffCapMs
	}
	return time.Duration(ms) * time.Millisecond
}

func newWorkflowID() string {
	return uuid.New().String()
}
