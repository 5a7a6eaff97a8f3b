// Package pullrequest projects step-produced commits into pull-request
// records with a derived commit list and an append-only event log.
package pullrequest

import (
	"time"

	"github.com/hexafield/hyperagent/internal/store"
)

// PRStatus enumerates pull-request states.
type PRStatus string

const (
	StatusOpen   PRStatus = "open"
	StatusMerged PRStatus = "merged"
	StatusClosed PRStatus = "closed"
)

// Event kinds for the append-only audit log.
const (
	EventOpened             = "opened"
	EventClosed             = "closed"
	EventMerged             = "merged"
	EventCommitAdded        = "commit_added"
	EventReviewRequested    = "review_requested"
	EventReviewRunStarted   = "review_run_started"
	EventReviewRunCompleted = "review_run_completed"
	EventCommentAdded       = "comment_added"
	EventCommentResolved    = "comment_resolved"
)

// PullRequest is one PR record.
type PullRequest struct {
	ID           string    `json:"id" db:"id"`
	ProjectID    string    `json:"project_id" db:"project_id"`
	Title        string    `json:"title" db:"title"`
	Description  string    `json:"description" db:"description"`
	SourceBranch string    `json:"source_branch" db:"source_branch"`
	TargetBranch string    `json:"target_branch" db:"target_branch"`
	PatchID      *string   `json:"patch_id,omitempty" db:"patch_id"`
	Status       PRStatus  `json:"status" db:"status"`
	AuthorID     string    `json:"author_id" db:"author_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Commit is one entry of a PR's derived commit list. The set of hashes is
// re-materialized from the VCS after each update.
type Commit struct {
	ID            string    `json:"id" db:"id"`
	PullRequestID string    `json:"pull_request_id" db:"pull_request_id"`
	CommitHash    string    `json:"commit_hash" db:"commit_hash"`
	Author        string    `json:"author" db:"author"`
	AuthoredAt    time.Time `json:"authored_at" db:"authored_at"`
}

// Event is one append-only audit record.
type Event struct {
	ID            string        `json:"id" db:"id"`
	PullRequestID string        `json:"pull_request_id" db:"pull_request_id"`
	Kind          string        `json:"kind" db:"kind"`
	ActorID       *string       `json:"actor_id,omitempty" db:"actor_id"`
	Data          store.JSONMap `json:"data,omitempty" db:"data"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}
