// Package reasoning implements the agent's thinking strategies. ReAct
// interleaves model thoughts with tool calls; Plan-and-Solve runs a
// strictly phased analyze/plan/execute/evaluate pipeline. Both share the
// same input contract and persist one reasoning trace per call.
package reasoning

import (
	"context"
	"time"

	"github.com/quorumhq/quorum/pkg/llms"
	"github.com/quorumhq/quorum/pkg/memory"
	"github.com/quorumhq/quorum/pkg/tools"
)

const (
	ModeReAct     = "react"
	ModePlanSolve = "plan_solve"
)

// RunContext carries everything a strategy needs for one call. Memory
// may be nil, in which case no trace is persisted. Selector is optional;
// without one the full tool catalog is offered to the model.
type RunContext struct {
	Input   string
	Context map[string]interface{}

	AgentName string
	AgentRole string

	Memory   *memory.Store
	Tools    *tools.ToolRegistry
	Selector *tools.Selector
	LLM      llms.LLM
}

// Catalog returns the tool descriptors offered to the model. With a
// selector attached the catalog is ranked against the task and trimmed
// to the best candidates; when nothing matches, the full catalog stands
// so the model is never left blind.
func (rc RunContext) Catalog() []tools.ToolInfo {
	infos := rc.Tools.ListTools()
	if rc.Selector == nil {
		return infos
	}
	ranked := rc.Selector.Select(rc.Input, infos)
	if len(ranked) == 0 {
		return infos
	}
	selected := make([]tools.ToolInfo, len(ranked))
	for i, candidate := range ranked {
		selected[i] = candidate.Info
	}
	return selected
}

// Iteration is one thought/action/observation step of a trace.
type Iteration struct {
	Thought     string                 `json:"thought,omitempty"`
	Action      string                 `json:"action,omitempty"`
	Args        map[string]interface{} `json:"args,omitempty"`
	Observation string                 `json:"observation,omitempty"`
}

// Trace is the full record of one reasoning call, persisted to memory
// under the reasoning kind.
type Trace struct {
	Task        string      `json:"task"`
	Mode        string      `json:"mode"`
	Iterations  []Iteration `json:"iterations"`
	FinalAnswer string      `json:"final_answer,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at"`
	StopReason  string      `json:"stop_reason"`
}

// Strategy is one reasoning mode.
type Strategy interface {
	Name() string

	// Run executes the strategy to completion or cancellation. The
	// returned trace is also persisted to rc.Memory except when the
	// call is cancelled before the first full iteration.
	Run(ctx context.Context, rc RunContext) (*Trace, error)
}

// persistTrace writes the trace as a reasoning memory entry. Failures
// are ignored; a full memory must not fail the reasoning call.
func persistTrace(rc RunContext, trace *Trace) {
	if rc.Memory == nil {
		return
	}
	_, _ = rc.Memory.Add(memory.KindReasoning, map[string]interface{}{
		"content":     trace.FinalAnswer,
		"task":        trace.Task,
		"mode":        trace.Mode,
		"iterations":  len(trace.Iterations),
		"stop_reason": trace.StopReason,
		"trace":       trace,
	})
}
