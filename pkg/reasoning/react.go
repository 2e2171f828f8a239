package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quorumhq/quorum/pkg/llms"
)

const (
	defaultMaxIterations = 10
	reactTemperature     = 0.3
	reactMaxTokens       = 3000
)

// ReAct runs a bounded thought/action/observation loop. Tool failures
// and unparsable model output become observations for the next
// iteration instead of aborting the call.
type ReAct struct {
	maxIterations int
}

func NewReAct(maxIterations int) *ReAct {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	return &ReAct{maxIterations: maxIterations}
}

func (s *ReAct) Name() string { return ModeReAct }

// reactDecision is the JSON shape demanded from the model each turn.
type reactDecision struct {
	Reasoning   string      `json:"reasoning"`
	Action      string      `json:"action"`
	Args        interface{} `json:"args"`
	FinalAnswer string      `json:"finalAnswer"`
	ShouldStop  bool        `json:"shouldStop"`
}

func (s *ReAct) Run(ctx context.Context, rc RunContext) (*Trace, error) {
	trace := &Trace{
		Task:      rc.Input,
		Mode:      ModeReAct,
		StartedAt: time.Now(),
	}

	for iteration := 1; iteration <= s.maxIterations; iteration++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		prompt := s.buildPrompt(rc, trace, iteration)
		result, err := rc.LLM.Generate(ctx, prompt, llms.GenerateOptions{
			Temperature: reactTemperature,
			MaxTokens:   reactMaxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			// Transient model failures are observed; the loop proceeds.
			trace.Iterations = append(trace.Iterations, Iteration{
				Observation: fmt.Sprintf("error: %v", err),
			})
			continue
		}

		var decision reactDecision
		if err := ParseLenient(result.Content, &decision); err != nil {
			trace.Iterations = append(trace.Iterations, Iteration{
				Thought:     result.Content,
				Observation: "error: response was not valid JSON",
			})
			continue
		}

		if decision.FinalAnswer != "" {
			trace.Iterations = append(trace.Iterations, Iteration{Thought: decision.Reasoning})
			trace.FinalAnswer = decision.FinalAnswer
			trace.StopReason = "final_answer"
			return s.finish(rc, trace)
		}
		if decision.ShouldStop {
			trace.Iterations = append(trace.Iterations, Iteration{Thought: decision.Reasoning})
			trace.FinalAnswer = s.summarize(trace)
			trace.StopReason = "should_stop"
			return s.finish(rc, trace)
		}

		if decision.Action == "" {
			trace.Iterations = append(trace.Iterations, Iteration{
				Thought:     decision.Reasoning,
				Observation: "no action chosen, continuing",
			})
			continue
		}

		args := normalizeArgs(decision.Args)
		step := Iteration{
			Thought: decision.Reasoning,
			Action:  decision.Action,
			Args:    args,
		}

		toolResult, err := rc.Tools.ExecuteTool(ctx, decision.Action, args)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		if err != nil {
			step.Observation = fmt.Sprintf("error: %v", err)
		} else if !toolResult.Success {
			step.Observation = fmt.Sprintf("error: %s", toolResult.Error)
		} else {
			step.Observation = toolResult.Content
		}
		trace.Iterations = append(trace.Iterations, step)

		slog.Debug("ReAct iteration",
			"iteration", iteration, "action", decision.Action, "success", err == nil)
	}

	trace.FinalAnswer = s.summarize(trace)
	trace.StopReason = "max_iterations"
	return s.finish(rc, trace)
}

func (s *ReAct) finish(rc RunContext, trace *Trace) (*Trace, error) {
	trace.EndedAt = time.Now()
	persistTrace(rc, trace)
	return trace, nil
}

// summarize produces a final answer from the accumulated transcript when
// the model never declared one.
func (s *ReAct) summarize(trace *Trace) string {
	var useful []string
	for _, step := range trace.Iterations {
		if step.Observation != "" && !strings.HasPrefix(step.Observation, "error:") {
			useful = append(useful, step.Observation)
		}
	}
	if len(useful) > 0 {
		return useful[len(useful)-1]
	}

	var thoughts []string
	for _, step := range trace.Iterations {
		if step.Thought != "" {
			thoughts = append(thoughts, step.Thought)
		}
	}
	if len(thoughts) > 0 {
		return thoughts[len(thoughts)-1]
	}
	return "I'm sorry, I could not produce an answer for this request."
}

// normalizeArgs accepts the model's args as an object, a JSON-encoded
// string, or a bare string which becomes {query: ...}.
func normalizeArgs(raw interface{}) map[string]interface{} {
	switch v := raw.(type) {
	case nil:
		return map[string]interface{}{}
	case map[string]interface{}:
		return v
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "{") {
			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				return parsed
			}
		}
		return map[string]interface{}{"query": v}
	default:
		return map[string]interface{}{"query": fmt.Sprintf("%v", v)}
	}
}

func (s *ReAct) buildPrompt(rc RunContext, trace *Trace, iteration int) string {
	var b strings.Builder

	role := rc.AgentRole
	if role == "" {
		role = "a capable assistant"
	}
	fmt.Fprintf(&b, "You are %s", role)
	if rc.AgentName != "" {
		fmt.Fprintf(&b, " named %s", rc.AgentName)
	}
	b.WriteString(". Solve the task step by step, using tools when they help.\n\n")

	if rc.Memory != nil {
		if relevant := rc.Memory.Relevant(rc.Input, 3); len(relevant) > 0 {
			b.WriteString("Relevant memory:\n")
			for _, entry := range relevant {
				payload, _ := json.Marshal(entry.Payload)
				fmt.Fprintf(&b, "- [%s] %s\n", entry.Kind, payload)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("Available tools:\n")
	catalog := rc.Catalog()
	if len(catalog) == 0 {
		b.WriteString("(none)\n")
	}
	for _, info := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", info.Name, info.Description)
		for _, param := range info.Parameters {
			required := ""
			if param.Required {
				required = ", required"
			}
			fmt.Fprintf(&b, "    %s (%s%s): %s\n", param.Name, param.Type, required, param.Description)
		}
	}
	b.WriteString("\n")

	if len(rc.Context) > 0 {
		contextJSON, _ := json.Marshal(rc.Context)
		fmt.Fprintf(&b, "Context: %s\n\n", contextJSON)
	}

	fmt.Fprintf(&b, "Task: %s\n\n", rc.Input)

	if len(trace.Iterations) > 0 {
		b.WriteString("Previous steps:\n")
		for i, step := range trace.Iterations {
			fmt.Fprintf(&b, "Step %d:\n", i+1)
			if step.Thought != "" {
				fmt.Fprintf(&b, "  thought: %s\n", step.Thought)
			}
			if step.Action != "" {
				argsJSON, _ := json.Marshal(step.Args)
				fmt.Fprintf(&b, "  action: %s %s\n", step.Action, argsJSON)
			}
			if step.Observation != "" {
				fmt.Fprintf(&b, "  observation: %s\n", step.Observation)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "This is iteration %d of %d.\n", iteration, s.maxIterations)
	b.WriteString(`Respond with a single JSON object:
{"reasoning": "your thinking", "action": "tool name or empty", "args": {...}, "finalAnswer": "the answer if you are done, else empty", "shouldStop": false}
Use "finalAnswer" as soon as you can answer the task. Set "shouldStop" to true if no progress is possible.`)

	return b.String()
}
