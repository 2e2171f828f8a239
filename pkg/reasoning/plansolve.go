package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quorumhq/quorum/pkg/llms"
)

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second

	stepTypeToolCall  = "tool_call"
	stepTypeReasoning = "reasoning"
	stepTypeSynthesis = "synthesis"

	planSolveApology = "I'm sorry, I was unable to complete this task."
)

// PlanSolve runs the four phased stages: analyze the task, produce an
// ordered step plan, execute the steps with soft failures, and evaluate
// a final answer. Transient model failures inside a phase are retried
// with backoff.
type PlanSolve struct {
	retryAttempts int
	retryDelay    time.Duration
}

func NewPlanSolve(retryAttempts int, retryDelay time.Duration) *PlanSolve {
	if retryAttempts <= 0 {
		retryAttempts = defaultRetryAttempts
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &PlanSolve{retryAttempts: retryAttempts, retryDelay: retryDelay}
}

func (s *PlanSolve) Name() string { return ModePlanSolve }

type taskAnalysis struct {
	TaskType         string   `json:"taskType"`
	Complexity       string   `json:"complexity"`
	RequiresTools    bool     `json:"requiresTools"`
	MultiStep        bool     `json:"multiStep"`
	CoreRequirements []string `json:"coreRequirements"`
	SuggestedTools   []string `json:"suggestedTools"`
	EstimatedSteps   int      `json:"estimatedSteps"`
	Challenges       []string `json:"challenges"`
	SuccessCriteria  []string `json:"successCriteria"`
}

type planStep struct {
	StepNumber      int                    `json:"stepNumber"`
	StepName        string                 `json:"stepName"`
	Type            string                 `json:"type"`
	Description     string                 `json:"description"`
	Tool            string                 `json:"tool,omitempty"`
	Args            map[string]interface{} `json:"args,omitempty"`
	ExpectedOutput  string                 `json:"expectedOutput,omitempty"`
	Dependencies    []int                  `json:"dependencies,omitempty"`
	FallbackOptions []string               `json:"fallbackOptions,omitempty"`
}

type taskPlan struct {
	Steps []planStep `json:"steps"`
}

type stepOutcome struct {
	step    planStep
	success bool
	content string
	failure string
}

type reasoningOutput struct {
	Reasoning          string   `json:"reasoning"`
	Insights           []string `json:"insights"`
	Conclusion         string   `json:"conclusion"`
	Confidence         float64  `json:"confidence"`
	SupportingEvidence []string `json:"supporting_evidence"`
}

func (s *PlanSolve) Run(ctx context.Context, rc RunContext) (*Trace, error) {
	trace := &Trace{
		Task:      rc.Input,
		Mode:      ModePlanSolve,
		StartedAt: time.Now(),
	}

	analysis, err := s.analyze(ctx, rc)
	if err != nil {
		return nil, err
	}

	plan, err := s.plan(ctx, rc, analysis)
	if err != nil {
		return nil, err
	}

	outcomes, err := s.execute(ctx, rc, plan, trace)
	if err != nil {
		return nil, err
	}

	finalAnswer := s.evaluate(ctx, rc, outcomes, trace)
	trace.FinalAnswer = finalAnswer
	trace.StopReason = "completed"
	trace.EndedAt = time.Now()
	persistTrace(rc, trace)

	return trace, nil
}

// analyze asks the model to characterize the task, falling back to a
// keyword heuristic when the response does not parse.
func (s *PlanSolve) analyze(ctx context.Context, rc RunContext) (*taskAnalysis, error) {
	prompt := fmt.Sprintf(`Analyze this task and respond with a single JSON object:
{"taskType": "...", "complexity": "low|medium|high", "requiresTools": true, "multiStep": true, "coreRequirements": [], "suggestedTools": [], "estimatedSteps": 3, "challenges": [], "successCriteria": []}

Task: %s`, rc.Input)

	result, err := s.generateWithRetry(ctx, rc, prompt, llms.GenerateOptions{Temperature: 0.3, MaxTokens: 1500})
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return nil, err
		}
		return s.heuristicAnalysis(rc), nil
	}

	var analysis taskAnalysis
	if err := ParseLenient(result.Content, &analysis); err != nil {
		return s.heuristicAnalysis(rc), nil
	}
	return &analysis, nil
}

// heuristicAnalysis synthesizes a default analysis from task keywords
// and the registered tool catalog.
func (s *PlanSolve) heuristicAnalysis(rc RunContext) *taskAnalysis {
	taskLower := strings.ToLower(rc.Input)

	taskType := "general"
	switch {
	case strings.Contains(taskLower, "calculat") || strings.Contains(taskLower, "compute"):
		taskType = "computation"
	case strings.Contains(taskLower, "search") || strings.Contains(taskLower, "find") || strings.Contains(taskLower, "research"):
		taskType = "research"
	case strings.Contains(taskLower, "analy"):
		taskType = "analysis"
	case strings.Contains(taskLower, "report") || strings.Contains(taskLower, "summar"):
		taskType = "synthesis"
	}

	var suggested []string
	for _, info := range rc.Tools.ListTools() {
		haystack := strings.ToLower(info.Name + " " + info.Description)
		for _, word := range strings.Fields(taskLower) {
			if len(word) > 2 && strings.Contains(haystack, word) {
				suggested = append(suggested, info.Name)
				break
			}
		}
	}

	return &taskAnalysis{
		TaskType:       taskType,
		Complexity:     "medium",
		RequiresTools:  len(suggested) > 0,
		MultiStep:      true,
		SuggestedTools: suggested,
		EstimatedSteps: 3,
	}
}

// plan asks for an ordered step list and validates its dependency order.
func (s *PlanSolve) plan(ctx context.Context, rc RunContext, analysis *taskAnalysis) (*taskPlan, error) {
	analysisJSON, _ := json.Marshal(analysis)

	var toolLines []string
	for _, info := range rc.Catalog() {
		toolLines = append(toolLines, fmt.Sprintf("- %s: %s", info.Name, info.Description))
	}

	prompt := fmt.Sprintf(`Create an execution plan for this task. Respond with a single JSON object:
{"steps": [{"stepNumber": 1, "stepName": "...", "type": "tool_call|reasoning|synthesis", "description": "...", "tool": "...", "args": {}, "expectedOutput": "...", "dependencies": [], "fallbackOptions": []}]}

A step may reference an earlier result with the placeholder {step_N_result} inside its args.
Dependencies must list strictly earlier step numbers.
End with a synthesis step that produces the user-facing answer.

Task analysis: %s

Available tools:
%s

Task: %s`, analysisJSON, strings.Join(toolLines, "\n"), rc.Input)

	result, err := s.generateWithRetry(ctx, rc, prompt, llms.GenerateOptions{Temperature: 0.3, MaxTokens: 2500})
	if err != nil {
		return nil, err
	}

	var plan taskPlan
	if err := ParseLenient(result.Content, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsablePlan, err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: empty step list", ErrUnparsablePlan)
	}

	if err := validatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// validatePlan enforces strictly-backward dependencies.
func validatePlan(plan *taskPlan) error {
	for i := range plan.Steps {
		if plan.Steps[i].StepNumber == 0 {
			plan.Steps[i].StepNumber = i + 1
		}
	}
	for _, step := range plan.Steps {
		for _, dep := range step.Dependencies {
			if dep >= step.StepNumber || dep < 1 {
				return fmt.Errorf("%w: step %d depends on step %d",
					ErrInvalidPlan, step.StepNumber, dep)
			}
		}
	}
	return nil
}

func (s *PlanSolve) execute(ctx context.Context, rc RunContext, plan *taskPlan, trace *Trace) ([]stepOutcome, error) {
	results := make(map[int]string)
	var outcomes []stepOutcome

	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		outcome := stepOutcome{step: step}

		if missing := missingDependency(step, results); missing != 0 {
			outcome.failure = fmt.Sprintf("%v: step %d requires step %d", ErrUnmetDependency, step.StepNumber, missing)
		} else {
			args := substituteResults(step.Args, results)
			content, err := s.runStep(ctx, rc, step, args, outcomes)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			if err != nil {
				outcome.failure = err.Error()
			} else {
				outcome.success = true
				outcome.content = content
				results[step.StepNumber] = content
			}
		}

		if !outcome.success && len(step.FallbackOptions) > 0 {
			outcome.failure = fmt.Sprintf("%s (fallback noted: %s)", outcome.failure, step.FallbackOptions[0])
		}
		if !outcome.success {
			slog.Debug("Plan step failed", "step", step.StepNumber, "name", step.StepName, "error", outcome.failure)
		}

		outcomes = append(outcomes, outcome)

		iteration := Iteration{
			Thought: fmt.Sprintf("step %d (%s): %s", step.StepNumber, step.Type, step.StepName),
			Action:  step.Tool,
			Args:    step.Args,
		}
		if outcome.success {
			iteration.Observation = outcome.content
		} else {
			iteration.Observation = "error: " + outcome.failure
		}
		trace.Iterations = append(trace.Iterations, iteration)
	}

	return outcomes, nil
}

func missingDependency(step planStep, results map[int]string) int {
	for _, dep := range step.Dependencies {
		if _, ok := results[dep]; !ok {
			return dep
		}
	}
	return 0
}

func (s *PlanSolve) runStep(ctx context.Context, rc RunContext, step planStep, args map[string]interface{}, prior []stepOutcome) (string, error) {
	switch step.Type {
	case stepTypeToolCall:
		result, err := rc.Tools.ExecuteTool(ctx, step.Tool, args)
		if err != nil {
			return "", err
		}
		if !result.Success {
			return "", fmt.Errorf("tool %s failed: %s", step.Tool, result.Error)
		}
		return result.Content, nil

	case stepTypeReasoning:
		prompt := fmt.Sprintf(`Reason about this step using the prior results. Respond with a single JSON object:
{"reasoning": "...", "insights": [], "conclusion": "...", "confidence": 0.8, "supporting_evidence": []}

Step: %s
Prior results:
%s

Task: %s`, step.Description, formatPriorResults(prior), rc.Input)

		result, err := s.generateWithRetry(ctx, rc, prompt, llms.GenerateOptions{Temperature: 0.3, MaxTokens: 2000})
		if err != nil {
			return "", err
		}
		var output reasoningOutput
		if err := ParseLenient(result.Content, &output); err == nil && output.Conclusion != "" {
			return output.Conclusion, nil
		}
		return result.Content, nil

	case stepTypeSynthesis:
		prompt := fmt.Sprintf(`Integrate the results below into a final answer for the user. Respond with plain text.

Results:
%s

Task: %s`, formatPriorResults(prior), rc.Input)

		result, err := s.generateWithRetry(ctx, rc, prompt, llms.GenerateOptions{Temperature: 0.5, MaxTokens: 2500})
		if err != nil {
			return "", err
		}
		return result.Content, nil

	default:
		return "", fmt.Errorf("unknown step type %q", step.Type)
	}
}

func formatPriorResults(outcomes []stepOutcome) string {
	var lines []string
	for _, outcome := range outcomes {
		if outcome.success {
			lines = append(lines, fmt.Sprintf("step %d (%s): %s",
				outcome.step.StepNumber, outcome.step.StepName, clip(outcome.content, 500)))
		}
	}
	if len(lines) == 0 {
		return "(no results yet)"
	}
	return strings.Join(lines, "\n")
}

func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}

// substituteResults replaces {step_N_result} placeholders in string args
// with the JSON-serialized stored result, recursing into nested values.
func substituteResults(args map[string]interface{}, results map[int]string) map[string]interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	substituted := make(map[string]interface{}, len(args))
	for key, value := range args {
		substituted[key] = substituteValue(value, results)
	}
	return substituted
}

func substituteValue(value interface{}, results map[int]string) interface{} {
	switch v := value.(type) {
	case string:
		out := v
		for number, result := range results {
			placeholder := fmt.Sprintf("{step_%d_result}", number)
			if strings.Contains(out, placeholder) {
				serialized, _ := json.Marshal(result)
				out = strings.ReplaceAll(out, placeholder, string(serialized))
			}
		}
		return out
	case map[string]interface{}:
		return substituteResults(v, results)
	case []interface{}:
		items := make([]interface{}, len(v))
		for i, item := range v {
			items[i] = substituteValue(item, results)
		}
		return items
	default:
		return value
	}
}

// evaluate picks the final answer: the last successful synthesis, else
// the last successful step, else concatenated partials, else an apology.
// A quality scorecard is then requested and recorded as an observation.
func (s *PlanSolve) evaluate(ctx context.Context, rc RunContext, outcomes []stepOutcome, trace *Trace) string {
	finalAnswer := ""
	for i := len(outcomes) - 1; i >= 0; i-- {
		if outcomes[i].success && outcomes[i].step.Type == stepTypeSynthesis {
			finalAnswer = outcomes[i].content
			break
		}
	}
	if finalAnswer == "" {
		for i := len(outcomes) - 1; i >= 0; i-- {
			if outcomes[i].success {
				finalAnswer = outcomes[i].content
				break
			}
		}
	}
	if finalAnswer == "" {
		var partials []string
		for _, outcome := range outcomes {
			if outcome.content != "" {
				partials = append(partials, outcome.content)
			}
		}
		finalAnswer = strings.Join(partials, "\n")
	}
	if finalAnswer == "" {
		finalAnswer = planSolveApology
	}

	score := s.scorecard(ctx, rc, finalAnswer)
	trace.Iterations = append(trace.Iterations, Iteration{
		Thought:     "evaluate",
		Observation: fmt.Sprintf("quality score: %.2f", score),
	})

	return finalAnswer
}

// scorecard asks the model to rate the answer, defaulting on failure.
func (s *PlanSolve) scorecard(ctx context.Context, rc RunContext, answer string) float64 {
	prompt := fmt.Sprintf(`Rate how well this answer satisfies the task on a 0.0-1.0 scale.
Respond with a single JSON object: {"score": 0.8, "notes": "..."}

Task: %s
Answer: %s`, rc.Input, clip(answer, 1000))

	result, err := rc.LLM.Generate(ctx, prompt, llms.GenerateOptions{Temperature: 0.1, MaxTokens: 300})
	if err != nil {
		return 0.5
	}

	var card struct {
		Score float64 `json:"score"`
	}
	if err := ParseLenient(result.Content, &card); err != nil || card.Score <= 0 {
		return 0.5
	}
	return card.Score
}

// generateWithRetry retries transient backend failures with exponential
// backoff. Other errors and cancellation return immediately.
func (s *PlanSolve) generateWithRetry(ctx context.Context, rc RunContext, prompt string, opts llms.GenerateOptions) (llms.Result, error) {
	var lastErr error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return llms.Result{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		if attempt > 0 {
			delay := s.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return llms.Result{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
		}

		result, err := rc.LLM.Generate(ctx, prompt, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return llms.Result{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		if !errors.Is(err, llms.ErrLLMUnavailable) {
			return llms.Result{}, err
		}
	}
	return llms.Result{}, lastErr
}
