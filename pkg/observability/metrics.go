package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"time"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Metrics records runtime counters and histograms. The zero value is a
// no-op recorder so callers never need nil checks beyond GetGlobalMetrics.
type Metrics struct {
	agentDuration metric.Float64Histogram
	agentCalls    metric.Int64Counter
	agentErrors   metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	mcpDuration metric.Float64Histogram
	mcpErrors   metric.Int64Counter
}

var (
	globalMetrics *Metrics
	metricsMu     sync.RWMutex
)

// InitMetrics wires the otel meter provider to a Prometheus exporter and
// registers all instruments. The returned Metrics is also installed as the
// global recorder. Scrape endpoint is served by the CLI via promhttp.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter(DefaultServiceName)

	m := &Metrics{}

	if m.agentDuration, err = meter.Float64Histogram(
		"quorum_agent_call_duration_seconds",
		metric.WithDescription("Agent call duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create agent duration histogram: %w", err)
	}
	if m.agentCalls, err = meter.Int64Counter(
		"quorum_agent_calls_total",
		metric.WithDescription("Total agent calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create agent calls counter: %w", err)
	}
	if m.agentErrors, err = meter.Int64Counter(
		"quorum_agent_errors_total",
		metric.WithDescription("Total agent errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create agent errors counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"quorum_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"quorum_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolErrors, err = meter.Int64Counter(
		"quorum_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}
	if m.llmDuration, err = meter.Float64Histogram(
		"quorum_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"quorum_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"quorum_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}
	if m.llmErrors, err = meter.Int64Counter(
		"quorum_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}
	if m.mcpDuration, err = meter.Float64Histogram(
		"quorum_mcp_request_duration_seconds",
		metric.WithDescription("MCP JSON-RPC request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create mcp duration histogram: %w", err)
	}
	if m.mcpErrors, err = meter.Int64Counter(
		"quorum_mcp_errors_total",
		metric.WithDescription("Total MCP request errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create mcp errors counter: %w", err)
	}

	SetGlobalMetrics(m)
	return m, nil
}

func SetGlobalMetrics(m *Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() *Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

func (m *Metrics) RecordAgentCall(ctx context.Context, agentName string, duration time.Duration, err error) {
	if m == nil || m.agentCalls == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrAgentName, agentName))
	m.agentCalls.Add(ctx, 1, attrs)
	m.agentDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.agentErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordToolExecution(ctx context.Context, toolName string, duration time.Duration, err error) {
	if m == nil || m.toolCalls == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrToolName, toolName))
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrLLMModel, model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordMCPRequest(ctx context.Context, serverID, method string, duration time.Duration, err error) {
	if m == nil || m.mcpDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrMCPServerID, serverID),
		attribute.String(AttrMCPMethod, method),
	)
	m.mcpDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.mcpErrors.Add(ctx, 1, attrs)
	}
}
