package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hexafield/hyperagent/internal/events/bus"
	"github.com/hexafield/hyperagent/internal/store"
)

// emitEvent appends a runner-event row and fans it out on the event bus when
// one is wired. Telemetry is best-effort: persistence failures are logged and
// never affect step state. latency is measured from the step's last update.
func (r *Runtime) emitEvent(
	ctx context.Context,
	workflowID, stepID, eventType, status string,
	runnerInstanceID *string,
	attempts int,
	since time.Time,
	metadata store.JSONMap,
) {
	latency := int64(0)
	if !since.IsZero() {
		latency = time.Since(since).Milliseconds()
		if latency < 0 {
			latency = 0
		}
	}

	ev := &store.RunnerEvent{
		WorkflowID:       workflowID,
		StepID:           stepID,
		Type:             eventType,
		Status:           status,
		RunnerInstanceID: runnerInstanceID,
		Attempts:         attempts,
		LatencyMs:        latency,
		Metadata:         metadata,
	}
	if err := r.store.AppendRunnerEvent(ctx, ev); err != nil {
		r.logger.Warn("failed to append runner event",
			zap.String("step_id", stepID),
			zap.String("type", eventType),
			zap.Error(err))
	}

	if r.bus == nil {
		return
	}
	data := map[string]any{
		"workflowId": workflowID,
		"stepId":     stepID,
		"status":     status,
		"attempts":   attempts,
		"latencyMs":  latency,
	}
	if runnerInstanceID != nil {
		data["runnerInstanceId"] = *runnerInstanceID
	}
	for k, v := range metadata {
		data[k] = v
	}
	if err := r.bus.Publish(ctx, "runner.events."+workflowID, bus.NewEvent(eventType, "workflow-runtime", data)); err != nil {
		r.logger.Debug("failed to publish runner event", zap.Error(err))
	}
}
