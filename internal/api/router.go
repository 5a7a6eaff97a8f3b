// Package api provides the HTTP surface of the workflow runtime: the sandbox
// callback endpoint and the operational API.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/hexafield/hyperagent/internal/common/httpmw"
	"github.com/hexafield/hyperagent/internal/common/logger"
	"github.com/hexafield/hyperagent/internal/pullrequest"
	"github.com/hexafield/hyperagent/internal/runtime"
	"github.com/hexafield/hyperagent/internal/store"
)

// Deps wires the router's collaborators.
type Deps struct {
	Runtime     *runtime.Runtime
	Store       *store.Store
	PRs         *pullrequest.Service
	RunnerToken string
	Logger      *logger.Logger
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(deps Deps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "hyperagent"))
	router.Use(httpmw.OtelTracing("hyperagent"))

	handler := NewHandler(deps.Runtime, deps.Store, deps.PRs, log)

	router.GET("/healthz", handler.Health)

	// The callback is deliberately outside the /api/v1 group: its path shape
	// is part of the runner contract.
	router.POST("/workflows/:workflowId/steps/:stepId/callback",
		CallbackTokenCheck(deps.RunnerToken), handler.StepCallback)

	api := router.Group("/api/v1")
	{
		projects := api.Group("/projects")
		{
			projects.POST("", handler.CreateProject)
			projects.GET("", handler.ListProjects)
		}

		workflows := api.Group("/workflows")
		{
			workflows.POST("", handler.CreateWorkflow)
			workflows.GET("", handler.ListWorkflows)
			workflows.GET("/:workflowId", handler.GetWorkflow)
			workflows.POST("/:workflowId/start", handler.StartWorkflow)
			workflows.POST("/:workflowId/pause", handler.PauseWorkflow)
			workflows.POST("/:workflowId/cancel", handler.CancelWorkflow)
			workflows.GET("/:workflowId/events", handler.ListWorkflowEvents)
		}

		api.GET("/queue/metrics", handler.QueueMetrics)

		prs := api.Group("/pull-requests")
		{
			prs.GET("", handler.ListPullRequests)
			prs.GET("/:prId", handler.GetPullRequest)
			prs.GET("/:prId/events", handler.ListPullRequestEvents)
			prs.POST("/:prId/merge", handler.MergePullRequest)
			prs.POST("/:prId/close", handler.ClosePullRequest)
		}
	}

	return router
}
