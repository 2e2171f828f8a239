// Command quorum runs the agent runtime: an interactive chat session
// against one agent, or a long-running service that keeps the MCP
// server pool connected and exposes metrics.
//
// Usage:
//
//	quorum chat
//	quorum chat --config quorum.yaml --mode plan_solve
//	quorum serve --observe --metrics-port 9090
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/quorumhq/quorum"
	"github.com/quorumhq/quorum/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Chat    ChatCmd    `cmd:"" help:"Start an interactive chat session."`
	Serve   ServeCmd   `cmd:"" help:"Run the agent service with MCP pool and metrics."`

	Config   string `short:"c" help:"Path to YAML config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(quorum.GetVersion())
	return nil
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("quorum"),
		kong.Description("Autonomous agent runtime with MCP tool integration."),
		kong.UsageOnError(),
	)

	setupLogger(cli.LogLevel)

	if err := kctx.Run(&cli); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
