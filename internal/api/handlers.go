package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hexafield/hyperagent/internal/common/errors"
	"github.com/hexafield/hyperagent/internal/common/logger"
	"github.com/hexafield/hyperagent/internal/pullrequest"
	"github.com/hexafield/hyperagent/internal/runtime"
	"github.com/hexafield/hyperagent/internal/store"
	v1 "github.com/hexafield/hyperagent/pkg/api/v1"
)

// Handler contains the HTTP handlers for the operational API.
type Handler struct {
	runtime *runtime.Runtime
	store   *store.Store
	prs     *pullrequest.Service
	logger  *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(rt *runtime.Runtime, st *store.Store, prs *pullrequest.Service, log *logger.Logger) *Handler {
	return &Handler{
		runtime: rt,
		store:   st,
		prs:     prs,
		logger:  log,
	}
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateProjectRequest is the body of POST /api/v1/projects.
type CreateProjectRequest struct {
	Name          string `json:"name" binding:"required"`
	RepoPath      string `json:"repoPath" binding:"required"`
	DefaultBranch string `json:"defaultBranch"`
}

// CreateProject registers a repository.
// POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	project := &store.Project{
		Name:          req.Name,
		RepoPath:      req.RepoPath,
		DefaultBranch: req.DefaultBranch,
	}
	if err := h.store.CreateProject(c.Request.Context(), project); err != nil {
		h.logger.Error("failed to create project", zap.Error(err))
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// ListProjects returns all registered projects.
// GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.store.ListProjects(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// CreateWorkflowRequest is the body of POST /api/v1/workflows.
type CreateWorkflowRequest struct {
	ProjectID  string         `json:"projectId" binding:"required"`
	PlannerRun *v1.PlannerRun `json:"plannerRun" binding:"required"`
}

// CreateWorkflow materializes a planner run.
// POST /api/v1/workflows
func (h *Handler) CreateWorkflow(c *gin.Context) {
	var req CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	wf, err := h.runtime.CreateWorkflowFromPlan(c.Request.Context(), runtime.CreateWorkflowInput{
		ProjectID:  req.ProjectID,
		PlannerRun: req.PlannerRun,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

// ListWorkflows returns workflows, newest first.
// GET /api/v1/workflows?projectId=
func (h *Handler) ListWorkflows(c *gin.Context) {
	workflows, err := h.runtime.ListWorkflows(c.Request.Context(), c.Query("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

// GetWorkflow returns a workflow snapshot with steps and agent runs.
// GET /api/v1/workflows/:workflowId
func (h *Handler) GetWorkflow(c *gin.Context) {
	detail, err := h.runtime.GetWorkflowDetail(c.Request.Context(), c.Param("workflowId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// StartWorkflow moves a workflow into running.
// POST /api/v1/workflows/:workflowId/start
func (h *Handler) StartWorkflow(c *gin.Context) {
	h.workflowTransition(c, h.runtime.StartWorkflow)
}

// PauseWorkflow pauses a workflow.
// POST /api/v1/workflows/:workflowId/pause
func (h *Handler) PauseWorkflow(c *gin.Context) {
	h.workflowTransition(c, h.runtime.PauseWorkflow)
}

// CancelWorkflow cancels a workflow.
// POST /api/v1/workflows/:workflowId/cancel
func (h *Handler) CancelWorkflow(c *gin.Context) {
	h.workflowTransition(c, h.runtime.CancelWorkflow)
}

func (h *Handler) workflowTransition(c *gin.Context, fn func(ctx context.Context, id string) error) {
	id := c.Param("workflowId")
	if err := fn(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListWorkflowEvents returns runner telemetry for a workflow.
// GET /api/v1/workflows/:workflowId/events?stepId=
func (h *Handler) ListWorkflowEvents(c *gin.Context) {
	events, err := h.runtime.ListRunnerEvents(c.Request.Context(), c.Param("workflowId"), c.Query("stepId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// QueueMetrics returns queue depth and staleness metrics.
// GET /api/v1/queue/metrics
func (h *Handler) QueueMetrics(c *gin.Context) {
	metrics, err := h.runtime.GetQueueMetrics(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// ListPullRequests returns PRs, optionally scoped to a project.
// GET /api/v1/pull-requests?projectId=
func (h *Handler) ListPullRequests(c *gin.Context) {
	prs, err := h.prs.List(c.Request.Context(), c.Query("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pullRequests": prs})
}

// GetPullRequest returns one PR with its commit list.
// GET /api/v1/pull-requests/:prId
func (h *Handler) GetPullRequest(c *gin.Context) {
	prID := c.Param("prId")
	pr, err := h.prs.Get(c.Request.Context(), prID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	commits, err := h.prs.ListCommits(c.Request.Context(), prID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pullRequest": pr, "commits": commits})
}

// ListPullRequestEvents returns a PR's audit log.
// GET /api/v1/pull-requests/:prId/events
func (h *Handler) ListPullRequestEvents(c *gin.Context) {
	events, err := h.prs.ListEvents(c.Request.Context(), c.Param("prId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// MergePullRequest merges a PR into its target branch.
// POST /api/v1/pull-requests/:prId/merge
func (h *Handler) MergePullRequest(c *gin.Context) {
	if err := h.prs.Merge(c.Request.Context(), c.Param("prId"), c.Query("actorId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ClosePullRequest closes a PR without merging.
// POST /api/v1/pull-requests/:prId/close
func (h *Handler) ClosePullRequest(c *gin.Context) {
	if err := h.prs.Close(c.Request.Context(), c.Param("prId"), c.Query("actorId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := errors.GetHTTPStatus(err)
	if status >= 500 {
		h.logger.Error("request failed", zap.Error(err))
	}
	var appErr *errors.AppError
	if e, ok := err.(*errors.AppError); ok {
		appErr = e
	} else {
		appErr = errors.InternalError("internal error", err)
	}
	c.JSON(status, appErr)
}
