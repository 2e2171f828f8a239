package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quorumhq/quorum/pkg/agent"
	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/llms"
	"github.com/quorumhq/quorum/pkg/mcp"
)

// runtime bundles the wired components one command operates on.
type runtime struct {
	cfg   *config.Config
	agent *agent.Agent
	pool  *mcp.Pool
}

// buildRuntime loads configuration, constructs the LLM provider, the
// agent and the MCP pool, and connects any persisted servers.
func buildRuntime(ctx context.Context, cli *CLI, overrides func(*config.Config)) (*runtime, error) {
	cfg := config.FromEnv()
	if cli.Config != "" {
		if err := config.LoadFromFile(cli.Config, cfg); err != nil {
			return nil, err
		}
	}
	if overrides != nil {
		overrides(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	provider := llms.NewOpenAIProvider(cfg.LLM)

	providers := llms.NewRegistry()
	if err := providers.RegisterLLM("openai", provider); err != nil {
		return nil, err
	}

	a, err := agent.New(cfg, provider)
	if err != nil {
		return nil, err
	}

	pool := mcp.NewPool(mcp.PoolConfig{
		MaxConnections:    cfg.MCP.MaxConnections,
		ConnectionTimeout: cfg.MCP.ConnectionTimeout,
		RetryAttempts:     cfg.MCP.RetryAttempts,
		RetryDelay:        cfg.MCP.RetryDelay,
	})
	a.SetServerPool(pool)

	if cfg.MCP.ServersFile != "" {
		if err := pool.LoadServers(ctx, cfg.MCP.ServersFile); err != nil {
			slog.Warn("Failed to load MCP servers", "file", cfg.MCP.ServersFile, "error", err)
		}
	}

	return &runtime{cfg: cfg, agent: a, pool: pool}, nil
}

// close persists server state and releases everything the runtime owns.
func (r *runtime) close() {
	if r.cfg.MCP.ServersFile != "" {
		if err := r.pool.SaveServers(r.cfg.MCP.ServersFile); err != nil {
			slog.Warn("Failed to save MCP servers", "file", r.cfg.MCP.ServersFile, "error", err)
		}
	}
	r.pool.Close()
	r.agent.Close()
}
