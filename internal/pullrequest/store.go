package pullrequest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/hexafield/hyperagent/internal/common/errors"
)

// Store provides SQLite persistence for pull-request data. It shares the
// runtime store's database file but owns its own tables.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates the PR store and initializes its schema.
func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("pull request schema init: %w", err)
	}
	return s, nil
}

const createTablesSQL = `
	CREATE TABLE IF NOT EXISTS pull_requests (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		source_branch TEXT NOT NULL,
		target_branch TEXT NOT NULL,
		patch_id TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		author_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pull_requests_project ON pull_requests(project_id, created_at);

	CREATE TABLE IF NOT EXISTS pull_request_commits (
		id TEXT PRIMARY KEY,
		pull_request_id TEXT NOT NULL,
		commit_hash TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		authored_at TIMESTAMP NOT NULL,
		UNIQUE (pull_request_id, commit_hash),
		FOREIGN KEY (pull_request_id) REFERENCES pull_requests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS pull_request_events (
		id TEXT PRIMARY KEY,
		pull_request_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor_id TEXT,
		data TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (pull_request_id) REFERENCES pull_requests(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_pull_request_events_pr ON pull_request_events(pull_request_id, created_at);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(createTablesSQL)
	return err
}

// Create inserts a PR row.
func (s *Store) Create(ctx context.Context, pr *PullRequest) error {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	if pr.Status == "" {
		pr.Status = StatusOpen
	}
	now := time.Now().UTC()
	pr.CreatedAt = now
	pr.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pull_requests (id, project_id, title, description, source_branch, target_branch, patch_id, status, author_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.ID, pr.ProjectID, pr.Title, pr.Description, pr.SourceBranch, pr.TargetBranch,
		pr.PatchID, pr.Status, pr.AuthorID, pr.CreatedAt, pr.UpdatedAt)
	if err != nil {
		return apperrors.StoreIO("failed to insert pull request", err)
	}
	return nil
}

// Get loads a PR by id.
func (s *Store) Get(ctx context.Context, id string) (*PullRequest, error) {
	var pr PullRequest
	err := s.db.GetContext(ctx, &pr, `SELECT * FROM pull_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("pull request", id)
	}
	if err != nil {
		return nil, apperrors.StoreIO("failed to load pull request", err)
	}
	return &pr, nil
}

// List returns PRs newest first, optionally scoped to a project.
func (s *Store) List(ctx context.Context, projectID string) ([]*PullRequest, error) {
	var prs []*PullRequest
	var err error
	if projectID != "" {
		err = s.db.SelectContext(ctx, &prs,
			`SELECT * FROM pull_requests WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	} else {
		err = s.db.SelectContext(ctx, &prs, `SELECT * FROM pull_requests ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, apperrors.StoreIO("failed to list pull requests", err)
	}
	return prs, nil
}

// UpdateStatus writes a PR status transition.
func (s *Store) UpdateStatus(ctx context.Context, id string, status PRStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pull_requests SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return apperrors.StoreIO("failed to update pull request status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("pull request", id)
	}
	return nil
}

// ReplaceCommits atomically rewrites the PR's commit set.
func (s *Store) ReplaceCommits(ctx context.Context, prID string, commits []*Commit) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.StoreIO("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pull_request_commits WHERE pull_request_id = ?`, prID); err != nil {
		return apperrors.StoreIO("failed to clear pull request commits", err)
	}
	for _, c := range commits {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.PullRequestID = prID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pull_request_commits (id, pull_request_id, commit_hash, author, authored_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.PullRequestID, c.CommitHash, c.Author, c.AuthoredAt); err != nil {
			return apperrors.StoreIO("failed to insert pull request commit", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.StoreIO("failed to commit pull request commits", err)
	}
	return nil
}

// ListCommits returns the PR's commit list, oldest first.
func (s *Store) ListCommits(ctx context.Context, prID string) ([]*Commit, error) {
	var commits []*Commit
	err := s.db.SelectContext(ctx, &commits, `
		SELECT * FROM pull_request_commits WHERE pull_request_id = ? ORDER BY authored_at ASC`, prID)
	if err != nil {
		return nil, apperrors.StoreIO("failed to list pull request commits", err)
	}
	return commits, nil
}

// AppendEvent appends one audit record.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pull_request_events (id, pull_request_id, kind, actor_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PullRequestID, ev.Kind, ev.ActorID, ev.Data, ev.CreatedAt)
	if err != nil {
		return apperrors.StoreIO("failed to append pull request event", err)
	}
	return nil
}

// ListEvents returns the PR's events in insertion order.
func (s *Store) ListEvents(ctx context.Context, prID string) ([]*Event, error) {
	var events []*Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM pull_request_events WHERE pull_request_id = ? ORDER BY created_at ASC, id ASC`, prID)
	if err != nil {
		return nil, apperrors.StoreIO("failed to list pull request events", err)
	}
	return events, nil
}
