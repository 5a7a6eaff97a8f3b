package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStatus enumerates workflow lifecycle states.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// StepStatus enumerates workflow-step lifecycle states.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// AgentRunStatus enumerates agent-run states.
type AgentRunStatus string

const (
	AgentRunPending   AgentRunStatus = "pending"
	AgentRunRunning   AgentRunStatus = "running"
	AgentRunSucceeded AgentRunStatus = "succeeded"
	AgentRunFailed    AgentRunStatus = "failed"
)

// JSONMap is a free-form map persisted as a JSON TEXT column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for JSONMap", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// GetString returns a string projection of the map, or "" when absent.
func (m JSONMap) GetString(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// StringList is a string slice persisted as a JSON TEXT column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for StringList", src)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Project represents a registered repository.
type Project struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	RepoPath      string    `json:"repo_path" db:"repo_path"`
	DefaultBranch string    `json:"default_branch" db:"default_branch"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Workflow represents a persistent execution of a planner DAG for one project.
type Workflow struct {
	ID           string         `json:"id" db:"id"`
	ProjectID    string         `json:"project_id" db:"project_id"`
	PlannerRunID string         `json:"planner_run_id" db:"planner_run_id"`
	Kind         string         `json:"kind" db:"kind"`
	Status       WorkflowStatus `json:"status" db:"status"`
	Data         JSONMap        `json:"data,omitempty" db:"data"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// WorkflowStep represents a single node of the workflow DAG.
type WorkflowStep struct {
	ID               string     `json:"id" db:"id"`
	WorkflowID       string     `json:"workflow_id" db:"workflow_id"`
	TaskID           string     `json:"task_id" db:"task_id"`
	Status           StepStatus `json:"status" db:"status"`
	Sequence         int        `json:"sequence" db:"sequence"`
	DependsOn        StringList `json:"depends_on,omitempty" db:"depends_on"`
	Data             JSONMap    `json:"data,omitempty" db:"data"`
	Result           JSONMap    `json:"result,omitempty" db:"result"`
	RunnerInstanceID *string    `json:"runner_instance_id,omitempty" db:"runner_instance_id"`
	RunnerAttempts   int        `json:"runner_attempts" db:"runner_attempts"`
	ReadyAt          *time.Time `json:"ready_at,omitempty" db:"ready_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Title returns the step's display title from its data map.
func (s *WorkflowStep) Title() string {
	return s.Data.GetString("title")
}

// AgentRun records one execution attempt of a step.
type AgentRun struct {
	ID             string         `json:"id" db:"id"`
	WorkflowStepID string         `json:"workflow_step_id" db:"workflow_step_id"`
	ProjectID      string         `json:"project_id" db:"project_id"`
	Branch         string         `json:"branch" db:"branch"`
	AgentType      string         `json:"agent_type" db:"agent_type"`
	Status         AgentRunStatus `json:"status" db:"status"`
	LogsPath       *string        `json:"logs_path,omitempty" db:"logs_path"`
	StartedAt      time.Time      `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
}

// DeadLetter is the terminal record of a step whose enqueue attempts were exhausted.
type DeadLetter struct {
	ID               string    `json:"id" db:"id"`
	WorkflowID       string    `json:"workflow_id" db:"workflow_id"`
	StepID           string    `json:"step_id" db:"step_id"`
	RunnerInstanceID *string   `json:"runner_instance_id,omitempty" db:"runner_instance_id"`
	Attempts         int       `json:"attempts" db:"attempts"`
	Error            string    `json:"error" db:"error"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Runner event types and statuses.
const (
	EventTypeEnqueue  = "runner.enqueue"
	EventTypeExecute  = "runner.execute"
	EventTypeCallback = "runner.callback"

	EventStatusStarted   = "started"
	EventStatusSucceeded = "succeeded"
	EventStatusFailed    = "failed"
	EventStatusSkipped   = "skipped"
	EventStatusCompleted = "completed"
)

// RunnerEvent is an append-only telemetry record.
type RunnerEvent struct {
	ID               string    `json:"id" db:"id"`
	WorkflowID       string    `json:"workflow_id" db:"workflow_id"`
	StepID           string    `json:"step_id" db:"step_id"`
	Type             string    `json:"type" db:"type"`
	Status           string    `json:"status" db:"status"`
	RunnerInstanceID *string   `json:"runner_instance_id,omitempty" db:"runner_instance_id"`
	Attempts         int       `json:"attempts" db:"attempts"`
	LatencyMs        int64     `json:"latency_ms" db:"latency_ms"`
	Metadata         JSONMap   `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// StepCounts summarizes step statuses for one workflow.
type StepCounts struct {
	Total     int `db:"total"`
	Pending   int `db:"pending"`
	Running   int `db:"running"`
	Completed int `db:"completed"`
	Failed    int `db:"failed"`
	Skipped   int `db:"skipped"`
}

// AllCompleted reports whether every step completed.
func (c StepCounts) AllCompleted() bool {
	return c.Total > 0 && c.Completed == c.Total
}

// QueueMetrics summarizes the scheduling queue.
type QueueMetrics struct {
	Pending int `json:"pending"`
	Ready   int `json:"ready"`
	Running int `json:"running"`
	// Stuck counts steps in running whose last update is older than the
	// staleness threshold. They are surfaced for operators, never reclaimed.
	Stuck int `json:"stuck"`
}

// StepID builds the canonical step id for a planner task.
func StepID(workflowID, taskID string) string {
	return workflowID + ":" + taskID
}
