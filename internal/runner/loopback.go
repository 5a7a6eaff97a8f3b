package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hexafield/hyperagent/internal/common/logger"
)

// LoopbackGateway preserves the gateway contract without process isolation:
// it POSTs the callback over a loopback HTTP client from a goroutine. Used
// for single-binary deploys and end-to-end tests.
type LoopbackGateway struct {
	client *http.Client
	logger *logger.Logger
}

// NewLoopbackGateway creates a loopback gateway.
func NewLoopbackGateway(log *logger.Logger) *LoopbackGateway {
	if log == nil {
		log = logger.Default()
	}
	return &LoopbackGateway{
		client: &http.Client{Timeout: 30 * time.Minute},
		logger: log.WithFields(zap.String("component", "loopback-gateway")),
	}
}

// Enqueue schedules the callback POST and returns immediately.
func (g *LoopbackGateway) Enqueue(ctx context.Context, payload EnqueuePayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"runnerInstanceId": payload.RunnerInstanceID})
	if err != nil {
		return fmt.Errorf("failed to marshal callback body: %w", err)
	}
	url := payload.CallbackURL()

	go func() {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			g.logger.Error("failed to build callback request", zap.String("url", url), zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		header := payload.Callback.TokenHeader
		if header == "" {
			header = TokenHeader
		}
		req.Header.Set(header, payload.Callback.Token)

		resp, err := g.client.Do(req)
		if err != nil {
			g.logger.Error("loopback callback failed",
				zap.String("step_id", payload.StepID),
				zap.Error(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			g.logger.Warn("loopback callback rejected",
				zap.String("step_id", payload.StepID),
				zap.Int("status", resp.StatusCode))
		}
	}()

	return nil
}
