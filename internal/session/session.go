// Package session provides branch-and-worktree isolation for step execution.
// A session represents exclusive use of a named branch via a short-lived
// worktree rooted in a temp directory; commit and abort both end the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexafield/hyperagent/internal/common/logger"
)

const (
	defaultFetchTimeout = 8 * time.Second

	// radScheme marks remotes whose push is delegated to the rad CLI when
	// the corresponding git remote helper is not installed.
	radScheme = "rad"
)

// Author identifies the commit author for a session.
type Author struct {
	Name  string
	Email string
}

// Workspace describes the filesystem view handed to an executor.
type Workspace struct {
	WorkspacePath string `json:"workspacePath"`
	BranchName    string `json:"branch"`
	BaseBranch    string `json:"baseBranch"`
}

// CommitResult describes a commit produced by a session.
type CommitResult struct {
	Branch       string   `json:"branch"`
	CommitHash   string   `json:"commitHash"`
	Message      string   `json:"message"`
	ChangedFiles []string `json:"changedFiles"`
}

// StartRequest carries the inputs for opening a session.
type StartRequest struct {
	RepoPath   string
	Branch     string
	BaseBranch string
	Author     Author
	FetchFirst bool
	Metadata   map[string]string
}

// Validate checks the request for required fields.
func (r StartRequest) Validate() error {
	if r.RepoPath == "" {
		return fmt.Errorf("repo path is required")
	}
	if r.Branch == "" {
		return fmt.Errorf("branch is required")
	}
	if r.BaseBranch == "" {
		return fmt.Errorf("base branch is required")
	}
	return nil
}

// Provider creates isolation sessions against local git repositories.
type Provider struct {
	logger     *logger.Logger
	pushRemote string

	// Serializes worktree add/remove per repository; git locks the
	// worktree metadata directory and concurrent calls fail spuriously.
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex

	fetchTimeout time.Duration
}

// NewProvider creates a session provider. pushRemote optionally names the
// preferred remote for PushBranch.
func NewProvider(pushRemote string, log *logger.Logger) *Provider {
	if log == nil {
		log = logger.Default()
	}
	return &Provider{
		logger:       log.WithFields(zap.String("component", "isolation-session")),
		pushRemote:   pushRemote,
		repoLocks:    map[string]*sync.Mutex{},
		fetchTimeout: defaultFetchTimeout,
	}
}

// Session is an open branch + worktree pair.
type Session struct {
	provider  *Provider
	repoPath  string
	author    Author
	workspace Workspace
	tempRoot  string

	mu     sync.Mutex
	closed bool
}

// Start creates the branch if absent (from the base branch), adds a worktree
// rooted at a fresh temp directory, and returns the open session.
func (p *Provider) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !isGitRepo(req.RepoPath) {
		return nil, ErrRepoNotGit
	}

	lock := p.repoLock(req.RepoPath)
	lock.Lock()
	defer lock.Unlock()

	if req.FetchFirst {
		p.fetchBase(req.RepoPath, req.BaseBranch)
	}

	if !p.refExists(ctx, req.RepoPath, req.Branch) {
		if !p.refExists(ctx, req.RepoPath, req.BaseBranch) {
			return nil, fmt.Errorf("%w: base branch %s not found", ErrBranchConflict, req.BaseBranch)
		}
		if out, err := p.git(ctx, req.RepoPath, "branch", req.Branch, req.BaseBranch); err != nil {
			// Another session may have created the branch between the check
			// and the create; anything else is a real conflict.
			if !p.refExists(ctx, req.RepoPath, req.Branch) {
				return nil, classifyBranchError(out, err)
			}
		}
	}

	tempRoot, err := os.MkdirTemp("", "hyperagent-ws-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	worktreePath := filepath.Join(tempRoot, sanitizePathSegment(req.Branch))

	if out, err := p.git(ctx, req.RepoPath, "worktree", "add", worktreePath, req.Branch); err != nil {
		_ = os.RemoveAll(tempRoot)
		return nil, classifyWorktreeError(out, err)
	}

	// A worktree rooted at the repository itself would defeat isolation.
	if sameDir(worktreePath, req.RepoPath) {
		_ = os.RemoveAll(tempRoot)
		return nil, fmt.Errorf("%w: worktree resolved to repository root", ErrGitCommandFailed)
	}

	p.logger.Info("opened isolation session",
		zap.String("repo", req.RepoPath),
		zap.String("branch", req.Branch),
		zap.String("workspace", worktreePath))

	return &Session{
		provider: p,
		repoPath: req.RepoPath,
		author:   req.Author,
		tempRoot: tempRoot,
		workspace: Workspace{
			WorkspacePath: worktreePath,
			BranchName:    req.Branch,
			BaseBranch:    req.BaseBranch,
		},
	}, nil
}

// Workspace returns the session's filesystem view.
func (s *Session) Workspace() Workspace {
	return s.workspace
}

// Commit stages everything in the worktree and commits it with the session
// author identity. Returns nil when the worktree has no changes.
func (s *Session) Commit(ctx context.Context, message string) (*CommitResult, error) {
	p := s.provider
	status, err := p.git(ctx, s.workspace.WorkspacePath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, status)
	}
	if strings.TrimSpace(status) == "" {
		return nil, nil
	}

	if out, err := p.git(ctx, s.workspace.WorkspacePath, "add", "-A"); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, out)
	}

	args := []string{
		"-c", "user.name=" + s.authorName(),
		"-c", "user.email=" + s.authorEmail(),
		"commit", "-m", message,
	}
	if out, err := p.git(ctx, s.workspace.WorkspacePath, args...); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, out)
	}

	hash, err := p.git(ctx, s.workspace.WorkspacePath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, hash)
	}
	filesOut, err := p.git(ctx, s.workspace.WorkspacePath, "diff-tree", "--no-commit-id", "--name-only", "-r", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, filesOut)
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(filesOut), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}

	return &CommitResult{
		Branch:       s.workspace.BranchName,
		CommitHash:   strings.TrimSpace(hash),
		Message:      message,
		ChangedFiles: files,
	}, nil
}

// Finish commits any changes and cleans up the worktree. The branch survives.
func (s *Session) Finish(ctx context.Context, message string) (*CommitResult, error) {
	result, err := s.Commit(ctx, message)
	if err != nil {
		s.Abort(ctx)
		return nil, err
	}
	if cleanupErr := s.Cleanup(ctx); cleanupErr != nil {
		s.provider.logger.Warn("worktree cleanup failed after commit", zap.Error(cleanupErr))
	}
	return result, nil
}

// Abort cleans up the worktree without committing. The branch is left in
// place for inspection. Abort never fails visibly.
func (s *Session) Abort(ctx context.Context) {
	if err := s.Cleanup(ctx); err != nil {
		s.provider.logger.Warn("session abort cleanup failed",
			zap.String("branch", s.workspace.BranchName),
			zap.Error(err))
	}
}

// Cleanup removes the worktree and its temp root. Idempotent.
func (s *Session) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	p := s.provider
	lock := p.repoLock(s.repoPath)
	lock.Lock()
	defer lock.Unlock()

	if out, err := p.git(ctx, s.repoPath, "worktree", "remove", "--force", s.workspace.WorkspacePath); err != nil {
		p.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", out),
			zap.Error(err))
		if err := os.RemoveAll(s.workspace.WorkspacePath); err != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", err)
		}
		if out, err := p.git(ctx, s.repoPath, "worktree", "prune"); err != nil {
			p.logger.Debug("git worktree prune failed", zap.String("output", out), zap.Error(err))
		}
	}

	if err := os.RemoveAll(s.tempRoot); err != nil {
		return fmt.Errorf("failed to remove workspace root: %w", err)
	}
	return nil
}

func (s *Session) authorName() string {
	if v := os.Getenv("WORKFLOW_AUTHOR_NAME"); v != "" {
		return v
	}
	if s.author.Name != "" {
		return s.author.Name
	}
	return "hyperagent"
}

func (s *Session) authorEmail() string {
	if v := os.Getenv("WORKFLOW_AUTHOR_EMAIL"); v != "" {
		return v
	}
	if s.author.Email != "" {
		return s.author.Email
	}
	return "agent@hyperagent.local"
}

// PushBranch pushes a branch through the preferred remote. Remote preference
// is {configured, "rad", "origin", any}. When the chosen remote's URL scheme
// needs a git remote helper that is missing from PATH, the external helper CLI
// is invoked directly instead of git push.
func (p *Provider) PushBranch(ctx context.Context, repoPath, branch string) error {
	out, err := p.git(ctx, repoPath, "remote")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, out)
	}
	var remotes []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			remotes = append(remotes, line)
		}
	}
	if len(remotes) == 0 {
		return ErrNoRemotes
	}

	remote := pickRemote(remotes, p.pushRemote)

	urlOut, err := p.git(ctx, repoPath, "remote", "get-url", remote)
	if err == nil {
		if helper := helperForURL(strings.TrimSpace(urlOut)); helper != "" {
			if _, lookErr := exec.LookPath("git-remote-" + helper); lookErr != nil {
				p.logger.Info("remote helper missing, delegating push to helper CLI",
					zap.String("remote", remote),
					zap.String("helper", helper))
				return p.runHelperPush(ctx, repoPath, helper, remote, branch)
			}
		}
	}

	if out, err := p.git(ctx, repoPath, "push", remote, branch); err != nil {
		if strings.Contains(strings.ToLower(out), "rejected") {
			return fmt.Errorf("%w: %s", ErrPushRejected, out)
		}
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, out)
	}
	return nil
}

func (p *Provider) runHelperPush(ctx context.Context, repoPath, helper, remote, branch string) error {
	if _, err := exec.LookPath(helper); err != nil {
		return fmt.Errorf("%w: helper %s not installed", ErrGitCommandFailed, helper)
	}
	cmd := exec.CommandContext(ctx, helper, "push", remote, branch)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrPushRejected, string(output))
	}
	return nil
}

func pickRemote(remotes []string, configured string) string {
	has := func(name string) bool {
		for _, r := range remotes {
			if r == name {
				return true
			}
		}
		return false
	}
	if configured != "" && has(configured) {
		return configured
	}
	if has("rad") {
		return "rad"
	}
	if has("origin") {
		return "origin"
	}
	return remotes[0]
}

func helperForURL(url string) string {
	if strings.HasPrefix(url, radScheme+"://") {
		return radScheme
	}
	return ""
}

// fetchBase runs a best-effort non-interactive fetch of the base branch.
func (p *Provider) fetchBase(repoPath, baseBranch string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.fetchTimeout)
	defer cancel()

	cmd := nonInteractiveGitCmd(ctx, repoPath, "fetch", "origin", baseBranch)
	if output, err := cmd.CombinedOutput(); err != nil {
		p.logger.Warn("git fetch failed before session start; continuing with local ref",
			zap.String("branch", baseBranch),
			zap.String("output", string(output)),
			zap.Error(err))
	}
}

func (p *Provider) refExists(ctx context.Context, repoPath, ref string) bool {
	_, err := p.git(ctx, repoPath, "rev-parse", "--verify", ref)
	return err == nil
}

func (p *Provider) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := nonInteractiveGitCmd(ctx, dir, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func (p *Provider) repoLock(repoPath string) *sync.Mutex {
	p.repoLockMu.Lock()
	defer p.repoLockMu.Unlock()
	if mu, ok := p.repoLocks[repoPath]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	p.repoLocks[repoPath] = mu
	return mu
}

func nonInteractiveGitCmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	// After the context cancels and the process is killed, child processes
	// may still hold stdout/stderr pipes open. WaitDelay bounds how long
	// CombinedOutput waits for those pipes to close.
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}

func sanitizePathSegment(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
}

func classifyBranchError(output string, err error) error {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "already exists") {
		return fmt.Errorf("%w: %s", ErrBranchConflict, output)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out", ErrGitCommandFailed)
	}
	return fmt.Errorf("%w: %s", ErrGitCommandFailed, output)
}

func classifyWorktreeError(output string, err error) error {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "already checked out") || strings.Contains(lower, "already used by worktree") {
		return fmt.Errorf("%w: %s", ErrWorktreeBusy, output)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out", ErrGitCommandFailed)
	}
	return fmt.Errorf("%w: %s", ErrGitCommandFailed, output)
}
