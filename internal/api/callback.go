package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hexafield/hyperagent/internal/common/errors"
	"github.com/hexafield/hyperagent/internal/runner"
	"github.com/hexafield/hyperagent/internal/runtime"
	v1 "github.com/hexafield/hyperagent/pkg/api/v1"
)

// CallbackTokenCheck rejects callback requests whose token header does not
// match the configured shared secret. The lease token carried in the body is
// the primary guard; this header is an additive defence.
func CallbackTokenCheck(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(runner.TokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			appErr := errors.Unauthorized("invalid runner token")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Next()
	}
}

// StepCallback is the sandbox re-entry point: it validates the request shape
// and delegates all leasing to the runtime.
// POST /workflows/:workflowId/steps/:stepId/callback
func (h *Handler) StepCallback(c *gin.Context) {
	workflowID := c.Param("workflowId")
	stepID := c.Param("stepId")

	var req v1.CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RunnerInstanceID == "" {
		appErr := errors.BadRequest("runnerInstanceId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	_, err := h.runtime.RunStepByID(c.Request.Context(), runtime.RunStepRequest{
		WorkflowID:       workflowID,
		StepID:           stepID,
		RunnerInstanceID: req.RunnerInstanceID,
	})
	if err != nil {
		status := errors.GetHTTPStatus(err)
		// Executor and session failures are already recorded in step state;
		// they surface as 500 so the sandbox knows the run did not succeed.
		if status >= 500 || errors.HasCode(err, errors.ErrCodeExecutorFailed) ||
			errors.HasCode(err, errors.ErrCodeSessionFailed) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, v1.CallbackResponse{OK: true})
}
