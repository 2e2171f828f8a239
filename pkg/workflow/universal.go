// Package workflow implements the fixed research pipeline: plan the
// task, run searches, analyze the findings, write a report. It bypasses
// the free-form reasoning modes and drives the LLM directly.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quorumhq/quorum/pkg/llms"
	"github.com/quorumhq/quorum/pkg/reasoning"
	"github.com/quorumhq/quorum/pkg/tools"
)

// Phase is the externally observable pipeline position.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseSearching Phase = "searching"
	PhaseAnalyzing Phase = "analyzing"
	PhaseReporting Phase = "reporting"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

const (
	planTemperature    = 0.3
	reportTemperature  = 0.5
	snippetLimit       = 500
	topResultsPerQuery = 3
)

// ReportStructure is the plan's requested report layout.
type ReportStructure struct {
	Sections  []string `json:"sections"`
	KeyPoints []string `json:"keyPoints"`
}

// Plan is the LLM-produced research plan driving the later phases.
type Plan struct {
	TaskObjective   string          `json:"taskObjective"`
	SearchKeywords  []string        `json:"searchKeywords"`
	SearchTopics    []string        `json:"searchTopics"`
	AnalysisFocus   []string        `json:"analysisFocus"`
	ReportStructure ReportStructure `json:"reportStructure"`
	EstimatedSteps  int             `json:"estimatedSteps"`
}

// SearchRecord is the outcome of one search query.
type SearchRecord struct {
	Task      string    `json:"task"`
	Result    string    `json:"result"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// UniversalAgent runs the four-phase research pipeline against one
// registered search tool.
type UniversalAgent struct {
	llm        llms.LLM
	registry   *tools.ToolRegistry
	searchTool string

	mu      sync.Mutex
	phase   Phase
	plan    *Plan
	records []SearchRecord
}

// NewUniversalAgent builds the pipeline. searchTool names the registered
// tool used during the search phase; it must accept a "query" argument.
func NewUniversalAgent(llm llms.LLM, registry *tools.ToolRegistry, searchTool string) *UniversalAgent {
	return &UniversalAgent{
		llm:        llm,
		registry:   registry,
		searchTool: searchTool,
		phase:      PhasePlanning,
	}
}

// Phase reports the current pipeline position.
func (u *UniversalAgent) Phase() Phase {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.phase
}

// Plan returns the research plan once the planning phase has finished.
func (u *UniversalAgent) Plan() *Plan {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.plan
}

// SearchRecords returns the per-query outcomes collected so far.
func (u *UniversalAgent) SearchRecords() []SearchRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]SearchRecord(nil), u.records...)
}

func (u *UniversalAgent) setPhase(p Phase) {
	u.mu.Lock()
	u.phase = p
	u.mu.Unlock()
}

// Execute runs plan, search, analyze and report in order and returns the
// final Markdown report.
func (u *UniversalAgent) Execute(ctx context.Context, task string) (string, error) {
	u.setPhase(PhasePlanning)
	plan, err := u.buildPlan(ctx, task)
	if err != nil {
		u.setPhase(PhaseError)
		return "", err
	}
	u.mu.Lock()
	u.plan = plan
	u.mu.Unlock()

	u.setPhase(PhaseSearching)
	records, err := u.search(ctx, plan)
	if err != nil {
		u.setPhase(PhaseError)
		return "", err
	}
	u.mu.Lock()
	u.records = records
	u.mu.Unlock()

	u.setPhase(PhaseAnalyzing)
	analysis, err := u.analyze(ctx, task, plan, records)
	if err != nil {
		u.setPhase(PhaseError)
		return "", err
	}

	u.setPhase(PhaseReporting)
	report, err := u.report(ctx, task, plan, analysis)
	if err != nil {
		u.setPhase(PhaseError)
		return "", err
	}

	u.setPhase(PhaseCompleted)
	return report, nil
}

func (u *UniversalAgent) buildPlan(ctx context.Context, task string) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", reasoning.ErrCancelled, err)
	}

	prompt := fmt.Sprintf(`You are planning a research workflow for the following task:

%s

Respond with a single JSON object:
{
  "taskObjective": "one sentence restating the goal",
  "searchKeywords": ["short keyword queries"],
  "searchTopics": ["broader topic queries"],
  "analysisFocus": ["aspects the analysis must cover"],
  "reportStructure": {"sections": ["section titles"], "keyPoints": ["points the report must address"]},
  "estimatedSteps": 4
}

Respond with JSON only, no explanations.`, task)

	result, err := u.llm.Generate(ctx, prompt, llms.GenerateOptions{Temperature: planTemperature})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", reasoning.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("planning phase: %w", err)
	}

	var plan Plan
	if err := reasoning.ParseLenient(result.Content, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", reasoning.ErrUnparsablePlan, err)
	}
	if len(plan.SearchKeywords) == 0 && len(plan.SearchTopics) == 0 {
		return nil, fmt.Errorf("%w: plan names no search queries", reasoning.ErrUnparsablePlan)
	}
	return &plan, nil
}

// search runs every keyword and topic query through the search tool.
// Individual failures become failed records, never pipeline errors.
func (u *UniversalAgent) search(ctx context.Context, plan *Plan) ([]SearchRecord, error) {
	queries := make([]string, 0, len(plan.SearchKeywords)+len(plan.SearchTopics))
	queries = append(queries, plan.SearchKeywords...)
	queries = append(queries, plan.SearchTopics...)

	records := make([]SearchRecord, 0, len(queries))
	for _, query := range queries {
		if err := ctx.Err(); err != nil {
			return records, fmt.Errorf("%w: %v", reasoning.ErrCancelled, err)
		}

		record := SearchRecord{Task: query, Timestamp: time.Now()}
		result, err := u.registry.ExecuteTool(ctx, u.searchTool, map[string]interface{}{
			"query": query,
		})
		switch {
		case err != nil:
			record.Result = err.Error()
			slog.Warn("Search query failed", "query", query, "error", err)
		case !result.Success:
			record.Result = result.Error
			slog.Warn("Search query failed", "query", query, "error", result.Error)
		default:
			record.Success = true
			record.Result = result.Content
		}
		records = append(records, record)
	}
	return records, nil
}

func (u *UniversalAgent) analyze(ctx context.Context, task string, plan *Plan, records []SearchRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", reasoning.ErrCancelled, err)
	}

	var sb strings.Builder
	for _, record := range records {
		if !record.Success {
			continue
		}
		fmt.Fprintf(&sb, "### Query: %s\n", record.Task)
		for i, snippet := range topSnippets(record.Result) {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, snippet)
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		sb.WriteString("No search results were available.\n")
	}

	prompt := fmt.Sprintf(`Task: %s
Objective: %s

Search findings:
%s
Analyze the findings with specific attention to: %s.
Produce a structured analysis with concrete observations and cite which query each observation came from.`,
		task, plan.TaskObjective, sb.String(), strings.Join(plan.AnalysisFocus, ", "))

	result, err := u.llm.Generate(ctx, prompt, llms.GenerateOptions{Temperature: planTemperature})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", reasoning.ErrCancelled, ctx.Err())
		}
		return "", fmt.Errorf("analysis phase: %w", err)
	}
	return result.Content, nil
}

func (u *UniversalAgent) report(ctx context.Context, task string, plan *Plan, analysis string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", reasoning.ErrCancelled, err)
	}

	prompt := fmt.Sprintf(`Write the final Markdown report for this task:

Task: %s
Objective: %s
Required sections: %s
Key points to address: %s

Analysis:
%s

Write the full report in Markdown with the required sections as headings.`,
		task, plan.TaskObjective,
		strings.Join(plan.ReportStructure.Sections, ", "),
		strings.Join(plan.ReportStructure.KeyPoints, ", "),
		analysis)

	result, err := u.llm.Generate(ctx, prompt, llms.GenerateOptions{Temperature: reportTemperature})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", reasoning.ErrCancelled, ctx.Err())
		}
		return "", fmt.Errorf("report phase: %w", err)
	}
	return result.Content, nil
}

// topSnippets splits one search result into at most three clipped lines.
func topSnippets(raw string) []string {
	lines := strings.Split(raw, "\n")
	snippets := make([]string, 0, topResultsPerQuery)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > snippetLimit {
			line = line[:snippetLimit] + "..."
		}
		snippets = append(snippets, line)
		if len(snippets) == topResultsPerQuery {
			break
		}
	}
	return snippets
}
