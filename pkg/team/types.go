// Package team coordinates multiple agents: registration, collaborative
// task decomposition and assignment, and the inter-agent message bus.
package team

import (
	"errors"
	"time"

	"github.com/quorumhq/quorum/pkg/agent"
)

// AgentStatus is the manager's scheduling state for one agent.
type AgentStatus string

const (
	StatusIdle    AgentStatus = "idle"
	StatusBusy    AgentStatus = "busy"
	StatusOffline AgentStatus = "offline"
)

// TaskStatus tracks one collaborative task through its lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

var (
	ErrAgentLimit     = errors.New("agent limit reached")
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrTaskNotFound   = errors.New("task not found")
	ErrNoIdleAgents   = errors.New("no idle agents available")
)

// AgentRecord is the manager's view of one registered agent.
type AgentRecord struct {
	ID                string             `json:"id"`
	Role              string             `json:"role"`
	Status            AgentStatus        `json:"status"`
	Capabilities      agent.Capabilities `json:"capabilities"`
	CurrentAssignment string             `json:"current_assignment,omitempty"`
	TaskHistory       []string           `json:"task_history,omitempty"`
	CommHistory       []agent.Message    `json:"comm_history,omitempty"`
	RegisteredAt      time.Time          `json:"registered_at"`
	LastActivity      time.Time          `json:"last_activity"`
}

// Subtask is one decomposed unit of a collaborative task.
type Subtask struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// Assignment binds one subtask to one agent and records its outcome.
type Assignment struct {
	SubtaskID string    `json:"subtask_id"`
	AgentID   string    `json:"agent_id"`
	Success   bool      `json:"success"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// TaskResult is the integrated outcome of one collaborative task.
type TaskResult struct {
	TaskID         string       `json:"task_id"`
	Description    string       `json:"description"`
	SubtaskResults []Assignment `json:"subtask_results"`
	Summary        string       `json:"summary"`
	Timestamp      time.Time    `json:"timestamp"`
}

// Task is one collaborative task tracked by the manager.
type Task struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Status      TaskStatus   `json:"status"`
	Priority    int          `json:"priority"`
	Deadline    time.Time    `json:"deadline,omitzero"`
	Subtasks    []Subtask    `json:"subtasks,omitempty"`
	Assignments []Assignment `json:"assignments,omitempty"`
	Result      *TaskResult  `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   time.Time    `json:"started_at,omitzero"`
	CompletedAt time.Time    `json:"completed_at,omitzero"`
}

// TaskOptions carries the optional attributes of CreateTask.
type TaskOptions struct {
	Priority int
	Deadline time.Time

	// Subtasks overrides the default three-way decomposition.
	Subtasks []Subtask
}

// Stats is a point-in-time snapshot of the manager.
type Stats struct {
	Agents       int `json:"agents"`
	IdleAgents   int `json:"idle_agents"`
	BusyAgents   int `json:"busy_agents"`
	Tasks        int `json:"tasks"`
	ActiveTasks  int `json:"active_tasks"`
	DoneTasks    int `json:"done_tasks"`
	MessagesSent int `json:"messages_sent"`
}
