package session

import "errors"

// Failure classes surfaced by isolation sessions.
var (
	ErrRepoNotGit       = errors.New("repository path is not a git repository")
	ErrBranchConflict   = errors.New("branch conflicts with existing state")
	ErrWorktreeBusy     = errors.New("branch is already checked out in another worktree")
	ErrNoRemotes        = errors.New("repository has no configured remotes")
	ErrPushRejected     = errors.New("push rejected by remote")
	ErrGitCommandFailed = errors.New("git command failed")
)
