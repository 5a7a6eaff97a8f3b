package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validPayload() EnqueuePayload {
	return EnqueuePayload{
		WorkflowID:       "wf-1",
		StepID:           "wf-1:t1",
		RunnerInstanceID: "token",
		RepositoryPath:   "/abs/repo",
		PersistencePath:  "/abs/data/store.db",
		Callback: CallbackConfig{
			BaseURL: "http://127.0.0.1:8811",
			Token:   "secret",
		},
	}
}

func TestEnqueuePayloadValidate(t *testing.T) {
	assert.NoError(t, validPayload().Validate())

	p := validPayload()
	p.RunnerInstanceID = ""
	assert.Error(t, p.Validate())

	p = validPayload()
	p.RepositoryPath = "relative/path"
	assert.Error(t, p.Validate())

	p = validPayload()
	p.PersistencePath = "also/relative"
	assert.Error(t, p.Validate())

	p = validPayload()
	p.PersistencePath = ""
	assert.NoError(t, p.Validate())

	p = validPayload()
	p.Callback.BaseURL = ""
	assert.Error(t, p.Validate())
}

func TestCallbackURL(t *testing.T) {
	p := validPayload()
	assert.Equal(t,
		"http://127.0.0.1:8811/workflows/wf-1/steps/wf-1:t1/callback",
		p.CallbackURL())
}

func TestPassthroughEnv(t *testing.T) {
	t.Setenv("HYPERAGENT_TEST_PASSTHROUGH", "value-1")
	t.Setenv("GITHUB_TOKEN", "gh-token")

	env := PassthroughEnv([]string{"HYPERAGENT_TEST_PASSTHROUGH", "", "HYPERAGENT_TEST_PASSTHROUGH"})

	assert.Contains(t, env, "HYPERAGENT_TEST_PASSTHROUGH=value-1")
	assert.Contains(t, env, "GITHUB_TOKEN=gh-token")

	// Duplicates collapse to one entry.
	var count int
	for _, kv := range env {
		if kv == "HYPERAGENT_TEST_PASSTHROUGH=value-1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
