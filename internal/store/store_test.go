package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store) *Project {
	t.Helper()
	p := &Project{Name: "demo", RepoPath: "/tmp/demo", DefaultBranch: "main"}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func seedWorkflow(t *testing.T, s *Store, projectID string, taskIDs ...string) (*Workflow, []*WorkflowStep) {
	t.Helper()
	wf := &Workflow{ID: "wf-" + taskIDs[0], ProjectID: projectID, PlannerRunID: "plan-1", Kind: "feature"}
	now := time.Now().UTC()
	var steps []*WorkflowStep
	for i, taskID := range taskIDs {
		readyAt := now
		steps = append(steps, &WorkflowStep{
			ID:       StepID(wf.ID, taskID),
			TaskID:   taskID,
			Sequence: i + 1,
			Data:     JSONMap{"title": "Task " + taskID},
			ReadyAt:  &readyAt,
		})
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf, steps))
	return wf, steps
}

func TestProjectCRUD(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := seedProject(t, s)
	require.NotEmpty(t, p.ID)

	loaded, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", loaded.Name)
	assert.Equal(t, "main", loaded.DefaultBranch)

	_, err = s.GetProject(ctx, "missing")
	assert.Error(t, err)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestCreateWorkflowWithSteps(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	wf, _ := seedWorkflow(t, s, p.ID, "t1", "t2")

	loaded, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkflowPending, loaded.Status)

	steps, err := s.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, StepID(wf.ID, "t1"), steps[0].ID)
	assert.Equal(t, 1, steps[0].Sequence)
	assert.Equal(t, StepPending, steps[0].Status)
	assert.Nil(t, steps[0].RunnerInstanceID)
	assert.Equal(t, 0, steps[0].RunnerAttempts)
}

func TestClaimStepIsAtomic(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf, steps := seedWorkflow(t, s, p.ID, "t1")
	_ = wf

	ok, err := s.ClaimStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses: the step is no longer pending.
	ok, err = s.ClaimStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.False(t, ok)

	loaded, err := s.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StepRunning, loaded.Status)
	assert.Nil(t, loaded.RunnerInstanceID)
	assert.Nil(t, loaded.ReadyAt)
}

func TestLeaseInvariant(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	_, steps := seedWorkflow(t, s, p.ID, "t1")
	stepID := steps[0].ID

	ok, err := s.ClaimStep(ctx, stepID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.AssignStepRunner(ctx, stepID, "runner-1"))

	loaded, err := s.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.NotNil(t, loaded.RunnerInstanceID)
	assert.Equal(t, "runner-1", *loaded.RunnerInstanceID)

	// Every non-running status write clears the lease.
	require.NoError(t, s.FinalizeStep(ctx, stepID, StepCompleted, JSONMap{"ok": true}))
	loaded, err = s.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, loaded.Status)
	assert.Nil(t, loaded.RunnerInstanceID)
	assert.Equal(t, true, loaded.Result["ok"])
}

func TestReleaseStepForRetryClearsLease(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	_, steps := seedWorkflow(t, s, p.ID, "t1")
	stepID := steps[0].ID

	ok, err := s.ClaimStep(ctx, stepID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.AssignStepRunner(ctx, stepID, "runner-1"))

	readyAt := time.Now().Add(5 * time.Second)
	require.NoError(t, s.ReleaseStepForRetry(ctx, stepID, 1, readyAt))

	loaded, err := s.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, StepPending, loaded.Status)
	assert.Nil(t, loaded.RunnerInstanceID)
	assert.Equal(t, 1, loaded.RunnerAttempts)
	require.NotNil(t, loaded.ReadyAt)
}

func TestAttemptsMonotonic(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	_, steps := seedWorkflow(t, s, p.ID, "t1")
	stepID := steps[0].ID

	require.NoError(t, s.SetStepAttempts(ctx, stepID, 3))
	// A lower value never overwrites a higher one.
	require.NoError(t, s.SetStepAttempts(ctx, stepID, 1))

	loaded, err := s.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.RunnerAttempts)
}

func TestListReadySteps(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf, steps := seedWorkflow(t, s, p.ID, "t1", "t2")

	// Workflow still pending: nothing is ready.
	ready, err := s.ListReadySteps(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, s.UpdateWorkflowStatus(ctx, wf.ID, WorkflowRunning))
	ready, err = s.ListReadySteps(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, steps[0].ID, ready[0].ID)

	// Back-off in the future hides a step.
	ok, err := s.ClaimStep(ctx, steps[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ReleaseStepForRetry(ctx, steps[0].ID, 1, time.Now().Add(time.Hour)))
	ready, err = s.ListReadySteps(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, steps[1].ID, ready[0].ID)
}

func TestTakeOverStepLease(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	_, steps := seedWorkflow(t, s, p.ID, "t1")
	stepID := steps[0].ID

	ok, err := s.TakeOverStepLease(ctx, stepID, "runner-1")
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := s.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, StepRunning, loaded.Status)
	require.NotNil(t, loaded.RunnerInstanceID)
	assert.Equal(t, "runner-1", *loaded.RunnerInstanceID)

	// Running steps are not taken over.
	ok, err = s.TakeOverStepLease(ctx, stepID, "runner-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStepCounts(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf, steps := seedWorkflow(t, s, p.ID, "t1", "t2", "t3")

	require.NoError(t, s.FinalizeStep(ctx, steps[0].ID, StepCompleted, nil))
	require.NoError(t, s.FinalizeStep(ctx, steps[1].ID, StepFailed, JSONMap{"error": "x"}))

	counts, err := s.StepCounts(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Pending)
	assert.False(t, counts.AllCompleted())
}

func TestQueueMetricsStuck(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf, steps := seedWorkflow(t, s, p.ID, "t1", "t2")
	require.NoError(t, s.UpdateWorkflowStatus(ctx, wf.ID, WorkflowRunning))

	ok, err := s.ClaimStep(ctx, steps[0].ID)
	require.NoError(t, err)
	require.True(t, ok)

	metrics, err := s.QueueMetrics(ctx, time.Now(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Pending)
	assert.Equal(t, 1, metrics.Ready)
	assert.Equal(t, 1, metrics.Running)
	assert.Equal(t, 0, metrics.Stuck)

	// A running step whose last update is far in the past counts as stuck.
	metrics, err = s.QueueMetrics(ctx, time.Now().Add(16*time.Minute), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Stuck)
}

func TestDeadLetters(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf, steps := seedWorkflow(t, s, p.ID, "t1")

	runnerID := "runner-1"
	require.NoError(t, s.CreateDeadLetter(ctx, &DeadLetter{
		WorkflowID:       wf.ID,
		StepID:           steps[0].ID,
		RunnerInstanceID: &runnerID,
		Attempts:         5,
		Error:            "enqueue failed",
	}))

	letters, err := s.ListDeadLetters(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 5, letters[0].Attempts)
	assert.Equal(t, "enqueue failed", letters[0].Error)
}

func TestRunnerEvents(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf, steps := seedWorkflow(t, s, p.ID, "t1")

	require.NoError(t, s.AppendRunnerEvent(ctx, &RunnerEvent{
		WorkflowID: wf.ID,
		StepID:     steps[0].ID,
		Type:       EventTypeEnqueue,
		Status:     EventStatusFailed,
		Attempts:   1,
		Metadata:   JSONMap{"error": "boom"},
	}))
	require.NoError(t, s.AppendRunnerEvent(ctx, &RunnerEvent{
		WorkflowID: wf.ID,
		StepID:     steps[0].ID,
		Type:       EventTypeExecute,
		Status:     EventStatusCompleted,
	}))

	events, err := s.ListRunnerEvents(ctx, wf.ID, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeEnqueue, events[0].Type)
	assert.Equal(t, "boom", events[0].Metadata.GetString("error"))

	scoped, err := s.ListRunnerEvents(ctx, wf.ID, steps[0].ID)
	require.NoError(t, err)
	assert.Len(t, scoped, 2)
}

func TestWorkflowDataRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf, _ := seedWorkflow(t, s, p.ID, "t1")

	require.NoError(t, s.UpdateWorkflowData(ctx, wf.ID, JSONMap{"branch": "feature/x", "baseBranch": "main"}))
	loaded, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "feature/x", loaded.Data.GetString("branch"))
	assert.Equal(t, "main", loaded.Data.GetString("baseBranch"))
}
