// Package main is the sandbox-side entry point. It reads the WORKFLOW_* claim
// environment, POSTs the callback (retrying briefly while the request cannot be
// delivered; a non-2xx response is not retried), and exits. On terminal
// failure it best-effort records a runner.callback event by re-opening the
// mounted store.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hexafield/hyperagent/internal/common/logger"
	"github.com/hexafield/hyperagent/internal/runner"
	"github.com/hexafield/hyperagent/internal/store"
	v1 "github.com/hexafield/hyperagent/pkg/api/v1"
)

const (
	callbackAttempts = 5
	callbackRetryGap = 2 * time.Second
	callbackTimeout  = 30 * time.Minute
)

func main() {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "json"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	workflowID := os.Getenv(runner.EnvWorkflowID)
	stepID := os.Getenv(runner.EnvStepID)
	runnerInstanceID := os.Getenv(runner.EnvRunnerID)
	baseURL := os.Getenv(runner.EnvCallbackBaseURL)
	token := os.Getenv(runner.EnvCallbackToken)

	if workflowID == "" || stepID == "" || runnerInstanceID == "" || baseURL == "" {
		log.Fatal("incomplete claim environment",
			zap.String("workflow_id", workflowID),
			zap.String("step_id", stepID))
	}

	url := fmt.Sprintf("%s/workflows/%s/steps/%s/callback", baseURL, workflowID, stepID)
	log.Info("invoking workflow callback",
		zap.String("url", url),
		zap.String("workflow_id", workflowID),
		zap.String("step_id", stepID))

	if err := invokeCallback(url, token, runnerInstanceID); err != nil {
		log.Error("callback failed", zap.Error(err))
		recordCallbackFailure(log, workflowID, stepID, runnerInstanceID, err)
		os.Exit(1)
	}

	log.Info("callback succeeded", zap.String("step_id", stepID))
}

// invokeCallback POSTs the callback, retrying briefly on transport errors:
// the server may still be binding its listener when the sandbox starts.
func invokeCallback(url, token, runnerInstanceID string) error {
	body, err := json.Marshal(v1.CallbackRequest{RunnerInstanceID: runnerInstanceID})
	if err != nil {
		return fmt.Errorf("failed to marshal callback body: %w", err)
	}

	client := &http.Client{Timeout: callbackTimeout}
	var lastErr error
	for attempt := 1; attempt <= callbackAttempts; attempt++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(runner.TokenHeader, token)

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(callbackRetryGap)
			continue
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		// Non-2xx responses are terminal: the lease was rejected or the run
		// failed server-side. Retrying would replay a settled claim.
		return fmt.Errorf("callback returned %d: %s", resp.StatusCode, string(respBody))
	}
	return fmt.Errorf("callback unreachable after %d attempts: %w", callbackAttempts, lastErr)
}

// recordCallbackFailure appends runner.callback telemetry through the
// runtime's data access layer by re-opening the mounted store.
func recordCallbackFailure(log *logger.Logger, workflowID, stepID, runnerInstanceID string, cause error) {
	dbPath := os.Getenv(runner.EnvDBPath)
	if dbPath == "" {
		return
	}
	st, err := store.Open(dbPath)
	if err != nil {
		log.Warn("failed to open store for callback telemetry", zap.Error(err))
		return
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ev := &store.RunnerEvent{
		WorkflowID:       workflowID,
		StepID:           stepID,
		Type:             store.EventTypeCallback,
		Status:           store.EventStatusFailed,
		RunnerInstanceID: &runnerInstanceID,
		Metadata:         store.JSONMap{"error": cause.Error()},
	}
	if err := st.AppendRunnerEvent(ctx, ev); err != nil {
		log.Warn("failed to append callback telemetry", zap.Error(err))
	}
}
