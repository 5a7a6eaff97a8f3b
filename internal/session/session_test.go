package session

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexafield/hyperagent/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.name", "test")
	runGit(t, dir, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, string(out))
	return strings.TrimSpace(string(out))
}

func startSession(t *testing.T, repo, branch string) (*Provider, *Session) {
	t.Helper()
	p := NewProvider("", testLogger(t))
	sess, err := p.Start(context.Background(), StartRequest{
		RepoPath:   repo,
		Branch:     branch,
		BaseBranch: "main",
		Author:     Author{Name: "agent", Email: "agent@example.com"},
	})
	require.NoError(t, err)
	return p, sess
}

func TestStartCreatesBranchAndWorktree(t *testing.T) {
	repo := initRepo(t)
	_, sess := startSession(t, repo, "feature-x")
	defer sess.Abort(context.Background())

	ws := sess.Workspace()
	assert.Equal(t, "feature-x", ws.BranchName)
	assert.Equal(t, "main", ws.BaseBranch)
	assert.NotEqual(t, repo, ws.WorkspacePath)

	// Worktrees carry a .git file, not a directory.
	info, err := os.Stat(filepath.Join(ws.WorkspacePath, ".git"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())

	// The branch exists in the main repository.
	runGit(t, repo, "rev-parse", "--verify", "feature-x")
}

func TestStartRejectsNonGitPath(t *testing.T) {
	p := NewProvider("", testLogger(t))
	_, err := p.Start(context.Background(), StartRequest{
		RepoPath:   t.TempDir(),
		Branch:     "x",
		BaseBranch: "main",
	})
	require.ErrorIs(t, err, ErrRepoNotGit)
}

func TestStartRejectsMissingBaseBranch(t *testing.T) {
	repo := initRepo(t)
	p := NewProvider("", testLogger(t))
	_, err := p.Start(context.Background(), StartRequest{
		RepoPath:   repo,
		Branch:     "x",
		BaseBranch: "does-not-exist",
	})
	require.ErrorIs(t, err, ErrBranchConflict)
}

func TestCommitReturnsNilWhenClean(t *testing.T) {
	repo := initRepo(t)
	_, sess := startSession(t, repo, "clean-branch")
	defer sess.Abort(context.Background())

	result, err := sess.Commit(context.Background(), "nothing to commit")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestFinishCommitsAndCleansUp(t *testing.T) {
	repo := initRepo(t)
	_, sess := startSession(t, repo, "commit-branch")

	ws := sess.Workspace()
	require.NoError(t, os.WriteFile(filepath.Join(ws.WorkspacePath, "new.txt"), []byte("data\n"), 0o644))

	result, err := sess.Finish(context.Background(), "feature: add new file")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "commit-branch", result.Branch)
	assert.Regexp(t, `^[0-9a-f]{6,}`, result.CommitHash)
	assert.Equal(t, "feature: add new file", result.Message)
	assert.Equal(t, []string{"new.txt"}, result.ChangedFiles)

	// Worktree removed, branch kept with the commit on it.
	_, err = os.Stat(ws.WorkspacePath)
	assert.True(t, os.IsNotExist(err))
	hash := runGit(t, repo, "rev-parse", "commit-branch")
	assert.Equal(t, result.CommitHash, hash)
}

func TestAbortLeavesBranchForInspection(t *testing.T) {
	repo := initRepo(t)
	_, sess := startSession(t, repo, "abort-branch")

	ws := sess.Workspace()
	require.NoError(t, os.WriteFile(filepath.Join(ws.WorkspacePath, "scratch.txt"), []byte("wip\n"), 0o644))

	sess.Abort(context.Background())

	_, err := os.Stat(ws.WorkspacePath)
	assert.True(t, os.IsNotExist(err))
	// Branch survives the abort.
	runGit(t, repo, "rev-parse", "--verify", "abort-branch")
}

func TestCleanupIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	_, sess := startSession(t, repo, "cleanup-branch")

	require.NoError(t, sess.Cleanup(context.Background()))
	require.NoError(t, sess.Cleanup(context.Background()))
}

func TestWorktreeBusyOnSecondSession(t *testing.T) {
	repo := initRepo(t)
	p, sess := startSession(t, repo, "busy-branch")
	defer sess.Abort(context.Background())

	_, err := p.Start(context.Background(), StartRequest{
		RepoPath:   repo,
		Branch:     "busy-branch",
		BaseBranch: "main",
	})
	require.ErrorIs(t, err, ErrWorktreeBusy)
}

func TestPushBranchNoRemotes(t *testing.T) {
	repo := initRepo(t)
	p := NewProvider("", testLogger(t))
	err := p.PushBranch(context.Background(), repo, "main")
	require.ErrorIs(t, err, ErrNoRemotes)
}

func TestPushBranchToLocalRemote(t *testing.T) {
	remote := t.TempDir()
	runGit(t, remote, "init", "--bare", "-b", "main")

	repo := initRepo(t)
	runGit(t, repo, "remote", "add", "origin", remote)

	p := NewProvider("", testLogger(t))
	require.NoError(t, p.PushBranch(context.Background(), repo, "main"))

	// The branch arrived at the remote.
	out := runGit(t, remote, "rev-parse", "main")
	assert.NotEmpty(t, out)
}

func TestPickRemotePreference(t *testing.T) {
	assert.Equal(t, "upstream", pickRemote([]string{"origin", "upstream"}, "upstream"))
	assert.Equal(t, "rad", pickRemote([]string{"origin", "rad"}, ""))
	assert.Equal(t, "origin", pickRemote([]string{"mirror", "origin"}, ""))
	assert.Equal(t, "mirror", pickRemote([]string{"mirror"}, ""))
	assert.Equal(t, "rad", pickRemote([]string{"rad", "origin"}, "missing"))
}

func TestHelperForURL(t *testing.T) {
	assert.Equal(t, "rad", helperForURL("rad://z3gqcJUoA1n9HbHKPMRcs2u5hsRc/heads"))
	assert.Equal(t, "", helperForURL("https://example.com/repo.git"))
	assert.Equal(t, "", helperForURL("git@example.com:repo.git"))
}

func TestSanitizePathSegment(t *testing.T) {
	assert.Equal(t, "feature-x", sanitizePathSegment("feature/x"))
	assert.Equal(t, "wf-abc-1", sanitizePathSegment("wf-abc-1"))
}
