// Package quorum is an autonomous agent runtime. An agent owns a
// bounded working memory, a validated tool registry, an LLM gateway and
// a reasoning strategy (ReAct or Plan-and-Solve), and can mirror tools
// discovered from remote MCP servers.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/quorumhq/quorum/cmd/quorum@latest
//
// Start a chat session:
//
//	OPENAI_API_KEY=sk-... quorum chat
//
// Or run the long-lived service with metrics and a persisted MCP server
// list:
//
//	quorum serve --observe --metrics-port 9090
//
// # Using as a Go Library
//
//	import (
//	    "github.com/quorumhq/quorum/pkg/agent"
//	    "github.com/quorumhq/quorum/pkg/config"
//	    "github.com/quorumhq/quorum/pkg/llms"
//	    "github.com/quorumhq/quorum/pkg/mcp"
//	    "github.com/quorumhq/quorum/pkg/team"
//	)
//
// Build an agent from config, attach a shared MCP pool, and process
// input:
//
//	cfg := config.FromEnv()
//	a, _ := agent.New(cfg, llms.NewOpenAIProvider(cfg.LLM))
//	pool := mcp.NewPool(mcp.PoolConfig{})
//	a.SetServerPool(pool)
//	answer, err := a.ProcessInput(ctx, "compute 15*23+7", nil)
//
// Multiple agents collaborate through a team.Manager, which decomposes
// tasks, assigns subtasks to idle agents and brokers messages between
// them. The workflow package adds a fixed plan/search/analyze/report
// pipeline for research-style tasks.
package quorum
