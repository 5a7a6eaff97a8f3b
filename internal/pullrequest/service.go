package pullrequest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/hexafield/hyperagent/internal/common/errors"
	"github.com/hexafield/hyperagent/internal/common/logger"
	"github.com/hexafield/hyperagent/internal/store"
)

// ProjectResolver loads project records; satisfied by the runtime store.
type ProjectResolver interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
}

// Service derives PR records, commit lists, and events from repository state.
type Service struct {
	store    *Store
	projects ProjectResolver
	logger   *logger.Logger
}

// NewService creates a pull-request service.
func NewService(prStore *Store, projects ProjectResolver, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:    prStore,
		projects: projects,
		logger:   log.WithFields(zap.String("component", "pullrequest")),
	}
}

// OpenRequest carries the inputs for opening a PR.
type OpenRequest struct {
	ProjectID    string
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	AuthorUserID string
	PatchID      *string
}

// Open validates both branches, inserts the PR row, materializes the commit
// list between target..source, and appends opened + commit_added events.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*PullRequest, error) {
	project, err := s.projects.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if req.SourceBranch == "" || req.TargetBranch == "" {
		return nil, apperrors.BadRequest("source and target branches are required")
	}
	for _, branch := range []string{req.SourceBranch, req.TargetBranch} {
		if !s.branchExists(ctx, project.RepoPath, branch) {
			return nil, apperrors.BadRequest(fmt.Sprintf("branch '%s' does not exist", branch))
		}
	}

	pr := &PullRequest{
		ProjectID:    req.ProjectID,
		Title:        req.Title,
		Description:  req.Description,
		SourceBranch: req.SourceBranch,
		TargetBranch: req.TargetBranch,
		PatchID:      req.PatchID,
		AuthorID:     req.AuthorUserID,
		Status:       StatusOpen,
	}
	if err := s.store.Create(ctx, pr); err != nil {
		return nil, err
	}

	commits, err := s.materializeCommits(ctx, project.RepoPath, req.TargetBranch, req.SourceBranch)
	if err != nil {
		s.logger.Warn("failed to materialize pull request commits",
			zap.String("pr_id", pr.ID),
			zap.Error(err))
		commits = nil
	}
	if err := s.store.ReplaceCommits(ctx, pr.ID, commits); err != nil {
		return nil, err
	}

	actor := optionalActor(req.AuthorUserID)
	if err := s.store.AppendEvent(ctx, &Event{
		PullRequestID: pr.ID,
		Kind:          EventOpened,
		ActorID:       actor,
	}); err != nil {
		s.logger.Warn("failed to append opened event", zap.String("pr_id", pr.ID), zap.Error(err))
	}
	for _, c := range commits {
		if err := s.store.AppendEvent(ctx, &Event{
			PullRequestID: pr.ID,
			Kind:          EventCommitAdded,
			ActorID:       actor,
			Data:          store.JSONMap{"commitHash": c.CommitHash},
		}); err != nil {
			s.logger.Warn("failed to append commit_added event", zap.String("pr_id", pr.ID), zap.Error(err))
		}
	}

	s.logger.Info("opened pull request",
		zap.String("pr_id", pr.ID),
		zap.String("source", req.SourceBranch),
		zap.String("target", req.TargetBranch),
		zap.Int("commits", len(commits)))

	return pr, nil
}

// UpdateCommits re-materializes the PR's commit list. Newly-seen hashes get a
// commit_added event each.
func (s *Service) UpdateCommits(ctx context.Context, prID string) error {
	pr, err := s.store.Get(ctx, prID)
	if err != nil {
		return err
	}
	project, err := s.projects.GetProject(ctx, pr.ProjectID)
	if err != nil {
		return err
	}

	existing, err := s.store.ListCommits(ctx, prID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[c.CommitHash] = true
	}

	commits, err := s.materializeCommits(ctx, project.RepoPath, pr.TargetBranch, pr.SourceBranch)
	if err != nil {
		return apperrors.SessionFailed("failed to read pull request commits", err)
	}
	if err := s.store.ReplaceCommits(ctx, prID, commits); err != nil {
		return err
	}

	for _, c := range commits {
		if known[c.CommitHash] {
			continue
		}
		if err := s.store.AppendEvent(ctx, &Event{
			PullRequestID: prID,
			Kind:          EventCommitAdded,
			Data:          store.JSONMap{"commitHash": c.CommitHash},
		}); err != nil {
			s.logger.Warn("failed to append commit_added event", zap.String("pr_id", prID), zap.Error(err))
		}
	}
	return nil
}

// Merge performs a VCS-level merge of the PR's source branch into its target,
// restoring the previous HEAD afterwards. The result is recorded as an event
// either way.
func (s *Service) Merge(ctx context.Context, prID, actorID string) error {
	pr, err := s.store.Get(ctx, prID)
	if err != nil {
		return err
	}
	if pr.Status != StatusOpen {
		return apperrors.Conflict(fmt.Sprintf("pull request '%s' is %s", prID, pr.Status))
	}
	project, err := s.projects.GetProject(ctx, pr.ProjectID)
	if err != nil {
		return err
	}

	mergeErr := s.mergeBranches(ctx, project.RepoPath, pr.TargetBranch, pr.SourceBranch, pr.Title)
	actor := optionalActor(actorID)
	if mergeErr != nil {
		if err := s.store.AppendEvent(ctx, &Event{
			PullRequestID: prID,
			Kind:          EventMerged,
			ActorID:       actor,
			Data:          store.JSONMap{"error": mergeErr.Error()},
		}); err != nil {
			s.logger.Warn("failed to append merge failure event", zap.String("pr_id", prID), zap.Error(err))
		}
		return apperrors.SessionFailed("merge failed", mergeErr)
	}

	if err := s.store.UpdateStatus(ctx, prID, StatusMerged); err != nil {
		return err
	}
	if err := s.store.AppendEvent(ctx, &Event{
		PullRequestID: prID,
		Kind:          EventMerged,
		ActorID:       actor,
	}); err != nil {
		s.logger.Warn("failed to append merged event", zap.String("pr_id", prID), zap.Error(err))
	}
	return nil
}

// Close marks the PR closed and records the event.
func (s *Service) Close(ctx context.Context, prID, actorID string) error {
	pr, err := s.store.Get(ctx, prID)
	if err != nil {
		return err
	}
	if pr.Status != StatusOpen {
		return apperrors.Conflict(fmt.Sprintf("pull request '%s' is %s", prID, pr.Status))
	}
	if err := s.store.UpdateStatus(ctx, prID, StatusClosed); err != nil {
		return err
	}
	if err := s.store.AppendEvent(ctx, &Event{
		PullRequestID: prID,
		Kind:          EventClosed,
		ActorID:       optionalActor(actorID),
	}); err != nil {
		s.logger.Warn("failed to append closed event", zap.String("pr_id", prID), zap.Error(err))
	}
	return nil
}

// Get loads a PR by id.
func (s *Service) Get(ctx context.Context, id string) (*PullRequest, error) {
	return s.store.Get(ctx, id)
}

// List returns PRs, optionally scoped to a project.
func (s *Service) List(ctx context.Context, projectID string) ([]*PullRequest, error) {
	return s.store.List(ctx, projectID)
}

// ListEvents returns the PR's event log.
func (s *Service) ListEvents(ctx context.Context, prID string) ([]*Event, error) {
	return s.store.ListEvents(ctx, prID)
}

// ListCommits returns the PR's derived commit list.
func (s *Service) ListCommits(ctx context.Context, prID string) ([]*Commit, error) {
	return s.store.ListCommits(ctx, prID)
}

// materializeCommits reads target..source from the repository.
func (s *Service) materializeCommits(ctx context.Context, repoPath, target, source string) ([]*Commit, error) {
	out, err := s.git(ctx, repoPath, "log", "--format=%H|%an|%aI", fmt.Sprintf("%s..%s", target, source))
	if err != nil {
		return nil, fmt.Errorf("git log failed: %s", out)
	}
	var commits []*Commit
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		authoredAt, err := time.Parse(time.RFC3339, parts[2])
		if err != nil {
			authoredAt = time.Now().UTC()
		}
		commits = append(commits, &Commit{
			CommitHash: parts[0],
			Author:     parts[1],
			AuthoredAt: authoredAt,
		})
	}
	return commits, nil
}

// mergeBranches merges source into target on the main checkout, restoring the
// previous HEAD afterwards.
func (s *Service) mergeBranches(ctx context.Context, repoPath, target, source, title string) error {
	prevOut, err := s.git(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return fmt.Errorf("failed to read HEAD: %s", prevOut)
	}
	prev := strings.TrimSpace(prevOut)

	if out, err := s.git(ctx, repoPath, "checkout", target); err != nil {
		return fmt.Errorf("failed to checkout target: %s", out)
	}
	defer func() {
		if prev != "" && prev != "HEAD" && prev != target {
			if out, err := s.git(context.Background(), repoPath, "checkout", prev); err != nil {
				s.logger.Warn("failed to restore HEAD after merge",
					zap.String("branch", prev),
					zap.String("output", out),
					zap.Error(err))
			}
		}
	}()

	message := fmt.Sprintf("Merge branch '%s': %s", source, title)
	if out, err := s.git(ctx, repoPath, "merge", "--no-ff", "-m", message, source); err != nil {
		// Leave the tree clean for the next operation.
		if abortOut, abortErr := s.git(ctx, repoPath, "merge", "--abort"); abortErr != nil {
			s.logger.Debug("merge abort failed", zap.String("output", abortOut))
		}
		return fmt.Errorf("merge failed: %s", out)
	}
	return nil
}

func (s *Service) branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := s.git(ctx, repoPath, "rev-parse", "--verify", branch)
	return err == nil
}

func (s *Service) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func optionalActor(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
