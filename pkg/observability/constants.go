package observability

const (
	AttrServiceName    = "service.name"
	AttrAgentName      = "agent.name"
	AttrToolName       = "tool.name"
	AttrLLMModel       = "llm.model"
	AttrLLMTokensIn    = "llm.tokens.input"
	AttrLLMTokensOut   = "llm.tokens.output"
	AttrMCPServerID    = "mcp.server.id"
	AttrMCPMethod      = "mcp.method"
	AttrTaskID         = "task.id"
	AttrReasoningMode  = "reasoning.mode"
	AttrErrorType      = "error.type"
	AttrHTTPStatusCode = "http.status_code"

	SpanAgentCall     = "agent.call"
	SpanLLMRequest    = "agent.llm_request"
	SpanToolExecution = "agent.tool_execution"
	SpanMCPRequest    = "mcp.request"
	SpanTaskExecution = "team.task_execution"

	DefaultServiceName = "quorum"
)
