package reasoning

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quorumhq/quorum/pkg/llms"
	"github.com/quorumhq/quorum/pkg/memory"
)

const analysisResponse = `{"taskType": "computation", "complexity": "low", "requiresTools": true, "multiStep": true, "estimatedSteps": 2}`

func planResponse(steps string) string {
	return fmt.Sprintf(`{"steps": [%s]}`, steps)
}

func fastPlanSolve() *PlanSolve {
	return NewPlanSolve(3, time.Millisecond)
}

func TestPlanSolve_FullPipeline(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		analysisResponse,
		planResponse(`
			{"stepNumber": 1, "stepName": "compute", "type": "tool_call", "tool": "calculator", "args": {"expression": "15*23+7"}},
			{"stepNumber": 2, "stepName": "answer", "type": "synthesis", "dependencies": [1]}`),
		"The result of 15*23+7 is 352.",
		`{"score": 0.9}`,
	}}
	rc := runContextWith(t, llm, calculatorRegistry(t), "calculate 15*23+7")

	trace, err := fastPlanSolve().Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if trace.FinalAnswer != "The result of 15*23+7 is 352." {
		t.Errorf("FinalAnswer = %q", trace.FinalAnswer)
	}
	if trace.StopReason != "completed" {
		t.Errorf("StopReason = %q", trace.StopReason)
	}

	// Two plan steps plus the evaluate observation.
	if len(trace.Iterations) != 3 {
		t.Fatalf("iterations = %d, want 3", len(trace.Iterations))
	}
	if trace.Iterations[0].Observation != "352" {
		t.Errorf("tool step observation = %q", trace.Iterations[0].Observation)
	}
	if !contains(trace.Iterations[2].Observation, "quality score: 0.90") {
		t.Errorf("evaluate observation = %q", trace.Iterations[2].Observation)
	}

	// The synthesis prompt must see the prior tool result.
	if !contains(llm.prompts[2], "352") {
		t.Error("synthesis prompt does not include the tool result")
	}

	if entries := rc.Memory.GetByKind(memory.KindReasoning); len(entries) != 1 {
		t.Errorf("reasoning entries = %d, want 1", len(entries))
	}
}

func TestPlanSolve_ForwardDependencyRejected(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		analysisResponse,
		planResponse(`
			{"stepNumber": 1, "stepName": "early", "type": "reasoning", "dependencies": [2]},
			{"stepNumber": 2, "stepName": "late", "type": "synthesis"}`),
	}}
	rc := runContextWith(t, llm, calculatorRegistry(t), "anything")

	_, err := fastPlanSolve().Run(context.Background(), rc)
	if !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("Run() error = %v, want ErrInvalidPlan", err)
	}
}

func TestPlanSolve_UnparsablePlan(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		analysisResponse,
		"no plan for you",
	}}
	rc := runContextWith(t, llm, calculatorRegistry(t), "anything")

	_, err := fastPlanSolve().Run(context.Background(), rc)
	if !errors.Is(err, ErrUnparsablePlan) {
		t.Errorf("Run() error = %v, want ErrUnparsablePlan", err)
	}
}

func TestPlanSolve_UnmetDependencySoftFailure(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		analysisResponse,
		planResponse(`
			{"stepNumber": 1, "stepName": "compute", "type": "tool_call", "tool": "calculator", "args": {"expression": "unknown"}},
			{"stepNumber": 2, "stepName": "explain", "type": "reasoning", "dependencies": [1], "fallbackOptions": ["answer from general knowledge"]},
			{"stepNumber": 3, "stepName": "answer", "type": "synthesis"}`),
		"Here is the best answer I can give.",
		`{"score": 0.4}`,
	}}
	rc := runContextWith(t, llm, calculatorRegistry(t), "tricky task")

	trace, err := fastPlanSolve().Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run() error = %v (soft failures must not abort)", err)
	}

	if trace.FinalAnswer != "Here is the best answer I can give." {
		t.Errorf("FinalAnswer = %q", trace.FinalAnswer)
	}
	if !contains(trace.Iterations[0].Observation, "error:") {
		t.Errorf("failed tool step observation = %q", trace.Iterations[0].Observation)
	}
	if !contains(trace.Iterations[1].Observation, "unmet step dependency") {
		t.Errorf("dependent step observation = %q", trace.Iterations[1].Observation)
	}
	if !contains(trace.Iterations[1].Observation, "fallback noted") {
		t.Errorf("fallback not recorded: %q", trace.Iterations[1].Observation)
	}
}

func TestPlanSolve_FinalAnswerPreferenceChain(t *testing.T) {
	// No synthesis step; the last successful step's content wins.
	llm := &scriptedLLM{responses: []string{
		analysisResponse,
		planResponse(`
			{"stepNumber": 1, "stepName": "compute", "type": "tool_call", "tool": "calculator", "args": {"expression": "15*23+7"}}`),
		`{"score": 0.7}`,
	}}
	rc := runContextWith(t, llm, calculatorRegistry(t), "compute only")

	trace, err := fastPlanSolve().Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if trace.FinalAnswer != "352" {
		t.Errorf("FinalAnswer = %q, want 352", trace.FinalAnswer)
	}
}

func TestPlanSolve_ApologyWhenNothingSucceeds(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		analysisResponse,
		planResponse(`
			{"stepNumber": 1, "stepName": "compute", "type": "tool_call", "tool": "calculator", "args": {"expression": "unknown"}}`),
		`{"score": 0.1}`,
	}}
	rc := runContextWith(t, llm, calculatorRegistry(t), "doomed task")

	trace, err := fastPlanSolve().Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if trace.FinalAnswer != planSolveApology {
		t.Errorf("FinalAnswer = %q, want the apology", trace.FinalAnswer)
	}
}

func TestPlanSolve_RetriesTransientLLMFailure(t *testing.T) {
	llm := &scriptedLLM{
		responses: []string{
			"unused",
			analysisResponse,
			planResponse(`{"stepNumber": 1, "stepName": "answer", "type": "synthesis"}`),
			"Recovered answer.",
			`{"score": 0.8}`,
		},
		errs: []error{fmt.Errorf("%w: 503", llms.ErrLLMUnavailable)},
	}
	rc := runContextWith(t, llm, calculatorRegistry(t), "flaky backend")

	trace, err := fastPlanSolve().Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if trace.FinalAnswer != "Recovered answer." {
		t.Errorf("FinalAnswer = %q", trace.FinalAnswer)
	}
}

func TestPlanSolve_Cancellation(t *testing.T) {
	llm := &scriptedLLM{responses: []string{analysisResponse}}
	rc := runContextWith(t, llm, calculatorRegistry(t), "anything")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fastPlanSolve().Run(ctx, rc)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if entries := rc.Memory.GetByKind(memory.KindReasoning); len(entries) != 0 {
		t.Errorf("cancelled run persisted %d entries", len(entries))
	}
}

func TestSubstituteResults(t *testing.T) {
	results := map[int]string{1: "352", 2: "sunny"}
	args := map[string]interface{}{
		"text":   "value was {step_1_result} and weather {step_2_result}",
		"nested": map[string]interface{}{"inner": "{step_1_result}"},
		"list":   []interface{}{"{step_2_result}", 7.0},
		"plain":  42.0,
	}

	out := substituteResults(args, results)

	if got := out["text"].(string); !contains(got, `"352"`) || !contains(got, `"sunny"`) {
		t.Errorf("text = %q", got)
	}
	nested := out["nested"].(map[string]interface{})
	if nested["inner"] != `"352"` {
		t.Errorf("nested = %v", nested["inner"])
	}
	list := out["list"].([]interface{})
	if list[0] != `"sunny"` || list[1] != 7.0 {
		t.Errorf("list = %v", list)
	}
	if out["plain"] != 42.0 {
		t.Errorf("plain = %v", out["plain"])
	}
}

func TestHeuristicAnalysis(t *testing.T) {
	rc := runContextWith(t, &scriptedLLM{}, calculatorRegistry(t), "calculate the calculator total")

	analysis := fastPlanSolve().heuristicAnalysis(rc)
	if analysis.TaskType != "computation" {
		t.Errorf("TaskType = %q, want computation", analysis.TaskType)
	}
	if !analysis.RequiresTools || len(analysis.SuggestedTools) == 0 {
		t.Errorf("tool suggestion missing: %+v", analysis)
	}
	if analysis.SuggestedTools[0] != "calculator" {
		t.Errorf("SuggestedTools = %v", analysis.SuggestedTools)
	}
}

func TestPlanSolve_AnalysisFallsBackOnGarbage(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"no analysis, just vibes",
		planResponse(`{"stepNumber": 1, "stepName": "answer", "type": "synthesis"}`),
		"Answer despite bad analysis.",
		`{"score": 0.6}`,
	}}
	rc := runContextWith(t, llm, calculatorRegistry(t), "resilient task")

	trace, err := fastPlanSolve().Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if trace.FinalAnswer != "Answer despite bad analysis." {
		t.Errorf("FinalAnswer = %q", trace.FinalAnswer)
	}
}
