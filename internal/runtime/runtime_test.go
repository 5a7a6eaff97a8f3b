package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexafield/hyperagent/internal/common/logger"
	"github.com/hexafield/hyperagent/internal/executor"
	"github.com/hexafield/hyperagent/internal/pullrequest"
	"github.com/hexafield/hyperagent/internal/runner"
	"github.com/hexafield/hyperagent/internal/session"
	"github.com/hexafield/hyperagent/internal/store"
	v1 "github.com/hexafield/hyperagent/pkg/api/v1"
)

// fakeGateway is a scripted gateway: it fails the first failures enqueues and
// optionally delivers successful claims by invoking the callback path, the
// way a sandbox would.
type fakeGateway struct {
	mu       sync.Mutex
	rt       *Runtime
	failures int
	deliver  bool
	calls    []runner.EnqueuePayload
}

func (g *fakeGateway) Enqueue(ctx context.Context, payload runner.EnqueuePayload) error {
	g.mu.Lock()
	g.calls = append(g.calls, payload)
	if g.failures > 0 {
		g.failures--
		g.mu.Unlock()
		return assert.AnError
	}
	rt := g.rt
	deliver := g.deliver
	g.mu.Unlock()

	if deliver && rt != nil {
		go func() {
			_, _ = rt.RunStepByID(context.Background(), RunStepRequest{
				WorkflowID:       payload.WorkflowID,
				StepID:           payload.StepID,
				RunnerInstanceID: payload.RunnerInstanceID,
			})
		}()
	}
	return nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type testEnv struct {
	rt      *Runtime
	store   *store.Store
	project *store.Project
	gateway *fakeGateway
	prs     *pullrequest.Service
}

type envOption func(*Options)

func withExecutor(fn executor.Func) envOption {
	return func(o *Options) { o.Executor = fn }
}

// newTestEnv builds a runtime over an in-memory store. When gitRepo is true
// the project points at a real temp git repository and the PR projection is
// wired; otherwise the project path is a plain directory.
func newTestEnv(t *testing.T, gitRepo bool, opts ...envOption) *testEnv {
	t.Helper()

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var repoPath string
	if gitRepo {
		repoPath = initGitRepo(t)
	} else {
		repoPath = t.TempDir()
	}

	project := &store.Project{Name: "demo", RepoPath: repoPath, DefaultBranch: "main"}
	require.NoError(t, st.CreateProject(context.Background(), project))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	gw := &fakeGateway{deliver: true}

	options := Options{
		Store:   st,
		Gateway: gw,
		Executor: executor.Func(func(ctx context.Context, args executor.Args) (*executor.Result, error) {
			return &executor.Result{SkipCommit: true}, nil
		}),
		Sessions: session.NewProvider("", log),
		Logger:   log,
		Config: Config{
			PollInterval:    10 * time.Millisecond,
			Limit:           10,
			MaxAttempts:     5,
			LeaseWaitWindow: 300 * time.Millisecond,
			CallbackBaseURL: "http://127.0.0.1:0",
			WorkflowUserID:  "workflow-bot",
		},
	}
	if gitRepo {
		prStore, err := pullrequest.NewStore(st.DB(), st.Reader())
		require.NoError(t, err)
		options.PRs = pullrequest.NewService(prStore, st, log)
	}
	for _, opt := range opts {
		opt(&options)
	}

	rt := New(options)
	rt.backoffFn = func(int) time.Duration { return 5 * time.Millisecond }
	gw.rt = rt

	return &testEnv{rt: rt, store: st, project: project, gateway: gw, prs: options.PRs}
}

// initGitRepo creates a temp repository with one commit on main.
func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.name", "test")
	runGit(t, dir, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, string(out))
}

func singleTaskPlan(id, title string) *v1.PlannerRun {
	return &v1.PlannerRun{
		ID:   id,
		Kind: "e2e",
		Tasks: []*v1.PlannerTask{
			{ID: "t1", Title: title, Instructions: "do the thing"},
		},
	}
}

func (e *testEnv) createAndStart(t *testing.T, run *v1.PlannerRun) *store.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := e.rt.CreateWorkflowFromPlan(ctx, CreateWorkflowInput{
		ProjectID:  e.project.ID,
		PlannerRun: run,
	})
	require.NoError(t, err)
	require.NoError(t, e.rt.StartWorkflow(ctx, wf.ID))
	return wf
}

func (e *testEnv) waitForWorkflow(t *testing.T, id string, status store.WorkflowStatus) *store.Workflow {
	t.Helper()
	var wf *store.Workflow
	require.Eventually(t, func() bool {
		loaded, err := e.store.GetWorkflow(context.Background(), id)
		if err != nil {
			return false
		}
		wf = loaded
		return loaded.Status == status
	}, 10*time.Second, 20*time.Millisecond, "workflow never reached %s", status)
	return wf
}

func TestCreateWorkflowFromPlan(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	wf, err := env.rt.CreateWorkflowFromPlan(ctx, CreateWorkflowInput{
		ProjectID: env.project.ID,
		PlannerRun: &v1.PlannerRun{
			ID:   "plan-1",
			Kind: "feature",
			Tasks: []*v1.PlannerTask{
				{ID: "a", Title: "First", Instructions: "one"},
				{ID: "b", Title: "Second", Instructions: "two", DependsOn: []string{"a"}},
			},
			Data: map[string]any{"baseBranch": "main"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowPending, wf.Status)
	assert.Equal(t, "plan-1", wf.PlannerRunID)
	assert.Equal(t, "main", wf.Data.GetString("baseBranch"))

	steps, err := env.store.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, store.StepID(wf.ID, "a"), steps[0].ID)
	assert.Equal(t, store.StepID(wf.ID, "b"), steps[1].ID)
	assert.Equal(t, store.StringList{store.StepID(wf.ID, "a")}, steps[1].DependsOn)
	assert.Equal(t, "First", steps[0].Title())
	assert.Equal(t, 0, steps[0].RunnerAttempts)
}

func TestCreateWorkflowUnknownProject(t *testing.T) {
	env := newTestEnv(t, false)
	_, err := env.rt.CreateWorkflowFromPlan(context.Background(), CreateWorkflowInput{
		ProjectID:  "missing",
		PlannerRun: singleTaskPlan("p", "x"),
	})
	require.Error(t, err)
}

func TestWorkflowTransitions(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	wf, err := env.rt.CreateWorkflowFromPlan(ctx, CreateWorkflowInput{
		ProjectID:  env.project.ID,
		PlannerRun: singleTaskPlan("p", "x"),
	})
	require.NoError(t, err)

	require.NoError(t, env.rt.StartWorkflow(ctx, wf.ID))
	require.NoError(t, env.rt.StartWorkflow(ctx, wf.ID)) // idempotent
	require.NoError(t, env.rt.PauseWorkflow(ctx, wf.ID))
	require.NoError(t, env.rt.StartWorkflow(ctx, wf.ID))
	require.NoError(t, env.rt.CancelWorkflow(ctx, wf.ID))
	// Cancelling a cancelled workflow is a no-op.
	require.NoError(t, env.rt.CancelWorkflow(ctx, wf.ID))

	loaded, err := env.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowCancelled, loaded.Status)
}

func TestGetWorkflowDetail(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	wf, err := env.rt.CreateWorkflowFromPlan(ctx, CreateWorkflowInput{
		ProjectID:  env.project.ID,
		PlannerRun: singleTaskPlan("p", "x"),
	})
	require.NoError(t, err)

	detail, err := env.rt.GetWorkflowDetail(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, detail.Workflow.ID)
	assert.Len(t, detail.Steps, 1)
	assert.Empty(t, detail.AgentRuns)

	_, err = env.rt.GetWorkflowDetail(ctx, "missing")
	require.Error(t, err)
}

func TestWorkerIdempotentStartStop(t *testing.T) {
	env := newTestEnv(t, false)

	env.rt.StartWorker()
	env.rt.StartWorker()
	env.rt.StopWorker()
	env.rt.StopWorker()
	env.rt.StartWorker()
	env.rt.StopWorker()

	// A steady store schedules nothing.
	assert.Equal(t, 0, env.gateway.callCount())
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "abc12345", slug("ABC12345-deadbeef"))
	assert.Equal(t, "workflow", slug("---"))
	assert.Len(t, slug("0123456789abcdef"), 8)
}
