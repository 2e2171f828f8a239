package team

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quorumhq/quorum/pkg/agent"
)

const defaultMaxAgents = 10

type managedAgent struct {
	agent  *agent.Agent
	record *AgentRecord
}

// Manager registers agents, decomposes collaborative tasks across them
// and brokers inter-agent messages. It implements agent.Messenger so
// registered agents send through it.
type Manager struct {
	maxAgents int

	mu           sync.Mutex
	agents       map[string]*managedAgent
	order        []string
	tasks        map[string]*Task
	messagesSent int
}

// NewManager builds a manager. maxAgents <= 0 selects the default cap.
func NewManager(maxAgents int) *Manager {
	if maxAgents <= 0 {
		maxAgents = defaultMaxAgents
	}
	return &Manager{
		maxAgents: maxAgents,
		agents:    make(map[string]*managedAgent),
		tasks:     make(map[string]*Task),
	}
}

// Register adds an agent under its name and enables collaboration on it.
// The agent table is unchanged when the cap is reached.
func (m *Manager) Register(a *agent.Agent, role string) (string, error) {
	if a == nil {
		return "", fmt.Errorf("%w: nil agent", ErrUnknownAgent)
	}
	id := a.Name()

	m.mu.Lock()
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}
	if len(m.agents) >= m.maxAgents {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d agents", ErrAgentLimit, m.maxAgents)
	}
	if role == "" {
		role = a.Role()
	}
	now := time.Now()
	m.agents[id] = &managedAgent{
		agent: a,
		record: &AgentRecord{
			ID:           id,
			Role:         role,
			Status:       StatusIdle,
			Capabilities: a.Capabilities(),
			RegisteredAt: now,
			LastActivity: now,
		},
	}
	m.order = append(m.order, id)
	m.mu.Unlock()

	a.EnableCollaboration(m)
	slog.Info("Agent registered", "agent", id, "role", role)
	return id, nil
}

// Unregister removes an agent from the table.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[id]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(m.agents, id)
	for i, name := range m.order {
		if name == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetAgent returns a copy of one agent's record.
func (m *Manager) GetAgent(id string) (AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	managed, exists := m.agents[id]
	if !exists {
		return AgentRecord{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return copyRecord(managed.record), nil
}

func copyRecord(r *AgentRecord) AgentRecord {
	out := *r
	out.TaskHistory = append([]string(nil), r.TaskHistory...)
	out.CommHistory = append([]agent.Message(nil), r.CommHistory...)
	return out
}

// SendMessage delivers one direct message: it is recorded in both
// endpoints' comm history and the receiver's OnMessage is awaited.
func (m *Manager) SendMessage(ctx context.Context, from, to, content string, kind agent.MessageKind) error {
	msg := agent.Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now(),
		Status:    agent.StatusSent,
	}

	// Record on both endpoints before delivery so a reply sent from
	// inside OnMessage lands after its triggering request.
	m.mu.Lock()
	receiver, exists := m.agents[to]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, to)
	}
	target := receiver.agent
	m.messagesSent++
	now := time.Now()
	if sender, ok := m.agents[from]; ok {
		sender.record.CommHistory = append(sender.record.CommHistory, msg)
		sender.record.LastActivity = now
	}
	receiver.record.CommHistory = append(receiver.record.CommHistory, msg)
	receiver.record.LastActivity = now
	m.mu.Unlock()

	err := target.OnMessage(ctx, msg)
	status := agent.StatusDelivered
	if err != nil {
		status = agent.StatusFailed
	}
	m.markStatus(from, msg.ID, status)
	m.markStatus(to, msg.ID, status)

	return err
}

func (m *Manager) markStatus(agentID, msgID string, status agent.MessageStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	managed, ok := m.agents[agentID]
	if !ok {
		return
	}
	history := managed.record.CommHistory
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ID == msgID {
			history[i].Status = status
			return
		}
	}
}

// Broadcast sends to every agent except the sender. Individual receiver
// errors are logged, not propagated.
func (m *Manager) Broadcast(ctx context.Context, from, content string, kind agent.MessageKind) error {
	m.mu.Lock()
	targets := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if id != from {
			targets = append(targets, id)
		}
	}
	m.mu.Unlock()

	for _, to := range targets {
		if err := m.SendMessage(ctx, from, to, content, kind); err != nil {
			slog.Warn("Broadcast delivery failed", "from", from, "to", to, "error", err)
		}
	}
	return nil
}

// CreateTask records a new pending task and returns its id.
func (m *Manager) CreateTask(description string, opts *TaskOptions) string {
	task := &Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      TaskPending,
		CreatedAt:   time.Now(),
	}
	if opts != nil {
		task.Priority = opts.Priority
		task.Deadline = opts.Deadline
		task.Subtasks = append([]Subtask(nil), opts.Subtasks...)
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()
	return task.ID
}

// GetTask returns a copy of one task.
func (m *Manager) GetTask(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, exists := m.tasks[id]
	if !exists {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	out := *task
	out.Subtasks = append([]Subtask(nil), task.Subtasks...)
	out.Assignments = append([]Assignment(nil), task.Assignments...)
	return out, nil
}

// decompose fills in the default three-way split when the task carries
// no explicit subtasks.
func decompose(task *Task) {
	if len(task.Subtasks) > 0 {
		for i := range task.Subtasks {
			if task.Subtasks[i].ID == "" {
				task.Subtasks[i].ID = uuid.NewString()
			}
		}
		return
	}
	task.Subtasks = []Subtask{
		{ID: uuid.NewString(), Kind: "analysis",
			Description: fmt.Sprintf("Analyze the requirements and constraints of: %s", task.Description)},
		{ID: uuid.NewString(), Kind: "execution",
			Description: fmt.Sprintf("Carry out the core work for: %s", task.Description)},
		{ID: uuid.NewString(), Kind: "integration",
			Description: fmt.Sprintf("Integrate and summarize the results for: %s", task.Description)},
	}
}

// ExecuteTask decomposes the task, assigns subtasks round-robin to idle
// agents, runs them in parallel and integrates the outcomes. Individual
// subtask failures do not abort the others; the task completes when at
// least one subtask succeeded.
func (m *Manager) ExecuteTask(ctx context.Context, taskID string) (*TaskResult, error) {
	m.mu.Lock()
	task, exists := m.tasks[taskID]
	if !exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.Status = TaskInProgress
	task.StartedAt = time.Now()
	decompose(task)

	idle := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if m.agents[id].record.Status == StatusIdle {
			idle = append(idle, id)
		}
	}
	if len(idle) == 0 {
		task.Status = TaskFailed
		task.Error = ErrNoIdleAgents.Error()
		task.CompletedAt = time.Now()
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s", ErrNoIdleAgents, taskID)
	}

	// Round-robin assignment. An agent may receive several subtasks when
	// there are fewer idle agents than subtasks; those run sequentially.
	task.Assignments = make([]Assignment, len(task.Subtasks))
	perAgent := make(map[string][]int)
	for i, st := range task.Subtasks {
		agentID := idle[i%len(idle)]
		task.Assignments[i] = Assignment{SubtaskID: st.ID, AgentID: agentID}
		perAgent[agentID] = append(perAgent[agentID], i)

		record := m.agents[agentID].record
		record.Status = StatusBusy
		record.CurrentAssignment = st.ID
	}
	subtasks := append([]Subtask(nil), task.Subtasks...)
	m.mu.Unlock()

	var group errgroup.Group
	for agentID, indices := range perAgent {
		group.Go(func() error {
			m.mu.Lock()
			managed, ok := m.agents[agentID]
			m.mu.Unlock()
			if !ok {
				return nil
			}
			worker := managed.agent

			for _, idx := range indices {
				started := time.Now()
				result, err := worker.ProcessInput(ctx, subtasks[idx].Description, map[string]interface{}{
					"task_id":      taskID,
					"subtask_kind": subtasks[idx].Kind,
				})

				m.mu.Lock()
				assignment := &task.Assignments[idx]
				assignment.StartedAt = started
				assignment.EndedAt = time.Now()
				if err != nil {
					assignment.Error = err.Error()
				} else {
					assignment.Success = true
					assignment.Result = result
				}
				m.mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	for agentID := range perAgent {
		if managed, ok := m.agents[agentID]; ok {
			managed.record.Status = StatusIdle
			managed.record.CurrentAssignment = ""
			managed.record.TaskHistory = append(managed.record.TaskHistory, taskID)
			managed.record.LastActivity = time.Now()
		}
	}

	succeeded := 0
	for _, assignment := range task.Assignments {
		if assignment.Success {
			succeeded++
		}
	}
	failed := len(task.Assignments) - succeeded

	result := &TaskResult{
		TaskID:         taskID,
		Description:    task.Description,
		SubtaskResults: append([]Assignment(nil), task.Assignments...),
		Summary: fmt.Sprintf("executed %d subtasks, %d succeeded, %d failed",
			len(task.Assignments), succeeded, failed),
		Timestamp: time.Now(),
	}
	task.Result = result
	task.CompletedAt = result.Timestamp

	if succeeded == 0 {
		task.Status = TaskFailed
		task.Error = "all subtasks failed"
		return result, fmt.Errorf("task %s: all %d subtasks failed", taskID, len(task.Assignments))
	}
	task.Status = TaskCompleted
	return result, nil
}

// Stats snapshots agent and task counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Agents:       len(m.agents),
		Tasks:        len(m.tasks),
		MessagesSent: m.messagesSent,
	}
	for _, managed := range m.agents {
		switch managed.record.Status {
		case StatusIdle:
			stats.IdleAgents++
		case StatusBusy:
			stats.BusyAgents++
		}
	}
	for _, task := range m.tasks {
		switch task.Status {
		case TaskCompleted, TaskFailed:
			stats.DoneTasks++
		case TaskInProgress:
			stats.ActiveTasks++
		}
	}
	return stats
}

// CleanupCompleted drops completed and failed tasks, returning the count.
func (m *Manager) CleanupCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, task := range m.tasks {
		if task.Status == TaskCompleted || task.Status == TaskFailed {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}
